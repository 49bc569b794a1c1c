package modmail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultConfirmTimeout = 20 * time.Second

type ConfirmResult int

const (
	ConfirmTimedOut ConfirmResult = iota
	ConfirmAccepted
	ConfirmDeclined
)

func (r ConfirmResult) String() string {
	switch r {
	case ConfirmAccepted:
		return "accepted"
	case ConfirmDeclined:
		return "declined"
	default:
		return "timeout"
	}
}

type ConfirmRequest struct {
	Recipient   User
	Destination Destination
	Title       string
	Description string
	Accept      string
	Deny        string
	Color       int
	Timeout     time.Duration
}

// Confirmer asks a yes/no question and blocks until it is answered or times
// out.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
}

type pendingPrompt struct {
	channelID string
	userID    string
	accept    string
	deny      string
	answer    chan ConfirmResult
}

// ReactionConfirmer posts a prompt carrying the accept and deny reactions and
// resolves it from the recipient's reaction, delivered via HandleReaction.
type ReactionConfirmer struct {
	platform Platform
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingPrompt
}

func NewReactionConfirmer(platform Platform, logger *zap.Logger) *ReactionConfirmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReactionConfirmer{
		platform: platform,
		logger:   logger,
		pending:  map[string]*pendingPrompt{},
	}
}

func (c *ReactionConfirmer) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	if req.Destination == nil {
		return ConfirmTimedOut, fmt.Errorf("%w: confirmation destination is required", ErrInvalidInput)
	}
	if req.Accept == "" {
		req.Accept = "✅"
	}
	if req.Deny == "" {
		req.Deny = "🚫"
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	embed := Embed{Title: req.Title, Description: req.Description, Color: req.Color}
	prompt, err := c.platform.Send(ctx, req.Destination, OutgoingMessage{Embed: &embed})
	if err != nil {
		return ConfirmTimedOut, fmt.Errorf("send confirmation prompt: %w", err)
	}
	p := &pendingPrompt{
		channelID: prompt.ChannelID,
		userID:    req.Recipient.ID,
		accept:    req.Accept,
		deny:      req.Deny,
		answer:    make(chan ConfirmResult, 1),
	}
	c.mu.Lock()
	c.pending[prompt.ID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, prompt.ID)
		c.mu.Unlock()
		c.clearReactions(prompt, req.Accept, req.Deny)
	}()

	for _, emoji := range []string{req.Accept, req.Deny} {
		if err := c.platform.AddReaction(ctx, prompt.ChannelID, prompt.ID, emoji); err != nil {
			c.logger.Warn("confirm_reaction_failed", zap.String("message", prompt.ID), zap.Error(err))
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-p.answer:
		return result, nil
	case <-timer.C:
		return ConfirmTimedOut, nil
	case <-ctx.Done():
		return ConfirmTimedOut, ctx.Err()
	}
}

func (c *ReactionConfirmer) clearReactions(prompt Message, emojis ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, emoji := range emojis {
		if err := c.platform.RemoveReaction(ctx, prompt.ChannelID, prompt.ID, emoji); err != nil {
			c.logger.Debug("confirm_reaction_clear_failed", zap.String("message", prompt.ID), zap.Error(err))
		}
	}
}

// HandleReaction resolves a pending prompt. It reports whether the reaction
// answered one.
func (c *ReactionConfirmer) HandleReaction(channelID, messageID, userID, emoji string) bool {
	c.mu.Lock()
	p, ok := c.pending[messageID]
	c.mu.Unlock()
	if !ok || p.channelID != channelID || p.userID != userID {
		return false
	}
	var result ConfirmResult
	switch emoji {
	case p.accept:
		result = ConfirmAccepted
	case p.deny:
		result = ConfirmDeclined
	default:
		return false
	}
	select {
	case p.answer <- result:
	default:
	}
	return true
}

// Pending reports the number of unanswered prompts.
func (c *ReactionConfirmer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

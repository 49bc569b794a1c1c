package modmail

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/modmail/internal/events"
	"github.com/agentworkforce/modmail/internal/metrics"
	"go.uber.org/zap"
)

type EventType string

const (
	EventMessageCreate  EventType = "message_create"
	EventMessageEdit    EventType = "message_edit"
	EventMessageDelete  EventType = "message_delete"
	EventReactionAdd    EventType = "reaction_add"
	EventReactionRemove EventType = "reaction_remove"
	EventChannelDelete  EventType = "channel_delete"
	EventMemberJoin     EventType = "member_join"
	EventMemberLeave    EventType = "member_leave"
	EventTyping         EventType = "typing"
	EventCommand        EventType = "command"
)

// GatewayEvent is one inbound platform event. Which fields are set depends
// on Type: message events carry Message, reactions carry ChannelID,
// MessageID, UserID and Emoji, channel deletes carry Channel and the deleting
// UserID when known.
type GatewayEvent struct {
	ID        string    `json:"id,omitempty"`
	Type      EventType `json:"type"`
	GuildID   string    `json:"guildId,omitempty"`
	ChannelID string    `json:"channelId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Emoji     string    `json:"emoji,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Channel   *Channel  `json:"channel,omitempty"`
	Command   *Command  `json:"command,omitempty"`
}

func (e GatewayEvent) validate() error {
	switch e.Type {
	case EventMessageCreate, EventMessageEdit, EventMessageDelete:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("%w: %s requires a message", ErrInvalidInput, e.Type)
		}
	case EventReactionAdd, EventReactionRemove:
		if e.ChannelID == "" || e.MessageID == "" || e.UserID == "" || e.Emoji == "" {
			return fmt.Errorf("%w: %s requires channelId, messageId, userId and emoji", ErrInvalidInput, e.Type)
		}
	case EventChannelDelete:
		if e.Channel == nil || e.Channel.ID == "" {
			return fmt.Errorf("%w: channel_delete requires a channel", ErrInvalidInput)
		}
	case EventMemberJoin, EventMemberLeave:
		if e.UserID == "" {
			return fmt.Errorf("%w: %s requires userId", ErrInvalidInput, e.Type)
		}
	case EventTyping:
		if e.ChannelID == "" || e.UserID == "" {
			return fmt.Errorf("%w: typing requires channelId and userId", ErrInvalidInput)
		}
	case EventCommand:
		if e.Command == nil || e.Command.Name == "" {
			return fmt.Errorf("%w: command event requires a command", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, e.Type)
	}
	return nil
}

// conversationKey groups events that must be handled in order: everything a
// recipient does in DMs shares one key, everything in a guild channel another.
func (e GatewayEvent) conversationKey() string {
	switch e.Type {
	case EventMessageCreate, EventMessageEdit, EventMessageDelete:
		if e.Message.IsDM() {
			return "user:" + e.Message.Author.ID
		}
		return "channel:" + e.Message.ChannelID
	case EventReactionAdd, EventReactionRemove, EventTyping:
		if e.GuildID == "" {
			return "user:" + e.UserID
		}
		return "channel:" + e.ChannelID
	case EventChannelDelete:
		return "channel:" + e.Channel.ID
	case EventMemberJoin, EventMemberLeave:
		return "user:" + e.UserID
	case EventCommand:
		if e.Command.ChannelID != "" {
			return "channel:" + e.Command.ChannelID
		}
		return "user:" + e.Command.RecipientID
	}
	return string(e.Type)
}

// reactionRouter answers pending confirmation prompts.
type reactionRouter interface {
	HandleReaction(channelID, messageID, userID, emoji string) bool
}

type DispatcherOptions struct {
	Registry      *Registry
	Confirmations reactionRouter
	Workers       int
	QueueCapacity int
	EventTimeout  time.Duration
	Metrics       *metrics.Metrics
	Logger        *zap.Logger

	// DisableWorkers leaves the queues undrained. Used by tests that need
	// queued events to stay put.
	DisableWorkers bool
}

// Dispatcher shards gateway events by conversation key onto a fixed set of
// worker queues. Events for one key are handled in arrival order.
type Dispatcher struct {
	registry      *Registry
	confirmations reactionRouter
	eventTimeout  time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger

	queues []chan GatewayEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidInput)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	timeout := opts.EventTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = opts.Registry.logger
	}
	m := opts.Metrics
	if m == nil {
		m = opts.Registry.metrics
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:      opts.Registry,
		confirmations: opts.Confirmations,
		eventTimeout:  timeout,
		metrics:       m,
		logger:        logger,
		queues:        make([]chan GatewayEvent, workers),
		ctx:           ctx,
		cancel:        cancel,
	}
	if d.confirmations == nil {
		if rc, ok := opts.Registry.confirmer.(reactionRouter); ok {
			d.confirmations = rc
		}
	}
	for i := range d.queues {
		d.queues[i] = make(chan GatewayEvent, capacity)
		if opts.DisableWorkers {
			continue
		}
		d.wg.Add(1)
		go d.worker(d.queues[i])
	}
	return d, nil
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Submit queues ev for its conversation's worker. Reactions that answer a
// pending confirmation prompt are resolved right away: the prompt's owner
// may be blocked on the same worker.
func (d *Dispatcher) Submit(ev GatewayEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}
	if d.closed.Load() {
		return fmt.Errorf("%w: dispatcher closed", ErrInvalidState)
	}
	d.metrics.GatewayEvent(string(ev.Type))
	if ev.Type == EventReactionAdd && d.confirmations != nil &&
		d.confirmations.HandleReaction(ev.ChannelID, ev.MessageID, ev.UserID, ev.Emoji) {
		return nil
	}
	q := d.queues[shardFor(ev.conversationKey(), len(d.queues))]
	select {
	case q <- ev:
		return nil
	default:
		d.metrics.Dropped()
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(q chan GatewayEvent) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-q:
			ctx, cancel := context.WithTimeout(d.ctx, d.eventTimeout)
			if err := d.Handle(ctx, ev); err != nil {
				d.logger.Warn("gateway_event_failed",
					zap.String("type", string(ev.Type)),
					zap.String("event", ev.ID),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}

// Close stops the workers. Queued events that were not picked up are dropped.
func (d *Dispatcher) Close() error {
	d.once.Do(func() {
		d.closed.Store(true)
		d.cancel()
		d.wg.Wait()
	})
	return nil
}

// Depth reports the number of queued events across all workers.
func (d *Dispatcher) Depth() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// Handle processes one event synchronously.
func (d *Dispatcher) Handle(ctx context.Context, ev GatewayEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}
	switch ev.Type {
	case EventMessageCreate:
		return d.handleMessage(ctx, *ev.Message)
	case EventMessageEdit:
		return d.handleMessageEdit(ctx, *ev.Message)
	case EventMessageDelete:
		return d.handleMessageDelete(ctx, *ev.Message)
	case EventReactionAdd, EventReactionRemove:
		return d.handleReaction(ctx, ev, ev.Type == EventReactionAdd)
	case EventChannelDelete:
		return d.handleChannelDelete(ctx, *ev.Channel, ev.UserID)
	case EventMemberJoin, EventMemberLeave:
		return d.handleMember(ctx, ev.GuildID, ev.UserID, ev.Type == EventMemberJoin)
	case EventTyping:
		return d.handleTyping(ctx, ev)
	case EventCommand:
		_, err := d.Execute(ctx, *ev.Command)
		return err
	}
	return nil
}

func (d *Dispatcher) react(ctx context.Context, msg Message, emoji string) {
	if emoji == "" {
		return
	}
	if err := d.registry.platform.AddReaction(ctx, msg.ChannelID, msg.ID, emoji); err != nil {
		d.logger.Warn("reaction_add_failed", zap.String("message", msg.ID), zap.Error(err))
	}
}

func (d *Dispatcher) notice(ctx context.Context, dest Destination, embed Embed) {
	if _, err := d.registry.platform.Send(ctx, dest, OutgoingMessage{Embed: &embed}); err != nil {
		d.logger.Warn("notice_send_failed", zap.String("destination", dest.String()), zap.Error(err))
	}
}

// cooldownRemaining is the time left before userID may open a new thread.
func (d *Dispatcher) cooldownRemaining(ctx context.Context, settings Settings, userID string) time.Duration {
	if settings.ThreadCooldown <= 0 {
		return 0
	}
	entry, err := d.registry.logs.GetLatestUserLog(ctx, settings.GuildID, userID)
	if err != nil || entry.ClosedAt == nil {
		return 0
	}
	remaining := entry.ClosedAt.Add(settings.ThreadCooldown).Sub(d.registry.now())
	if remaining <= 0 {
		return 0
	}
	return remaining
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg Message) error {
	r := d.registry
	bot := r.platform.BotUser()
	if msg.Author.Bot || msg.Author.ID == bot.ID || !msg.IsDM() || !msg.IsDefault() {
		return nil
	}
	settings := r.settings.Load()
	dm := UserDestination{UserID: msg.Author.ID}
	disabledFooter := func(embed *Embed, text string) {
		if text != "" {
			embed.SetFooter(text, r.guildIcon(ctx))
		}
	}

	t := r.Find(ctx, msg.Author.ID)
	if t == nil {
		if remaining := d.cooldownRemaining(ctx, settings, msg.Author.ID); remaining > 0 {
			d.notice(ctx, dm, Embed{
				Title:       settings.CooldownThreadTitle,
				Description: fillTemplate(settings.CooldownThreadResponse, map[string]string{"delta": "in " + HumanDuration(remaining)}),
				Color:       settings.ErrorColor,
			})
			return nil
		}
		if settings.DMDisabled >= DMDisabledNewThreads {
			embed := Embed{Title: settings.DisabledNewThreadTitle, Description: settings.DisabledNewThreadResponse, Color: settings.ErrorColor}
			disabledFooter(&embed, settings.DisabledNewThreadFooter)
			r.logger.Info("new_thread_blocked", zap.String("user", msg.Author.ID))
			d.react(ctx, msg, settings.BlockedEmoji)
			d.notice(ctx, dm, embed)
			return nil
		}
		var err error
		if t, err = r.Create(ctx, CreateRequest{Recipient: msg.Author, Message: &msg}); err != nil {
			return err
		}
	} else if settings.DMDisabled == DMDisabledAllThreads {
		embed := Embed{Title: settings.DisabledCurrentThreadTitle, Description: settings.DisabledCurrentThreadResponse, Color: settings.ErrorColor}
		disabledFooter(&embed, settings.DisabledCurrentThreadFooter)
		r.logger.Info("thread_message_blocked", zap.String("user", msg.Author.ID))
		d.react(ctx, msg, settings.BlockedEmoji)
		d.notice(ctx, dm, embed)
		return nil
	}

	if t.Cancelled() {
		return nil
	}
	sent, err := t.Send(ctx, msg, nil, SendOptions{})
	if err != nil {
		if errors.Is(err, ErrThreadCancelled) {
			return nil
		}
		d.react(ctx, msg, settings.BlockedEmoji)
		return fmt.Errorf("relay recipient message: %w", err)
	}
	d.react(ctx, msg, settings.SentEmoji)
	ev := events.New(events.ThreadReply, t.id)
	ev.ChannelID = sent.ChannelID
	ev.ActorID = msg.Author.ID
	ev.Data = map[string]any{"fromMod": false, "messageId": sent.ID}
	r.publish(ctx, ev)
	return nil
}

func (d *Dispatcher) handleMessageEdit(ctx context.Context, msg Message) error {
	r := d.registry
	if msg.Author.Bot || !msg.IsDM() {
		return nil
	}
	t := r.Find(ctx, msg.Author.ID)
	if t == nil {
		return nil
	}
	if err := t.EditDMMessage(ctx, msg, msg.Content); err != nil {
		if errors.Is(err, ErrLinkMessage) {
			d.react(ctx, msg, r.settings.Load().BlockedEmoji)
			return nil
		}
		return err
	}
	settings := r.settings.Load()
	embed := Embed{Description: "Successfully edited message.", Color: settings.MainColor}
	embed.SetFooter("Message ID: "+msg.ID, "")
	d.notice(ctx, UserDestination{UserID: msg.Author.ID}, embed)
	return nil
}

func (d *Dispatcher) handleMessageDelete(ctx context.Context, msg Message) error {
	r := d.registry
	bot := r.platform.BotUser()
	if !msg.IsDefault() {
		return nil
	}
	if msg.IsDM() {
		if msg.Author.ID == bot.ID {
			return nil
		}
		t := r.Find(ctx, msg.Author.ID)
		if t == nil {
			return nil
		}
		err := t.MirrorDMDeletion(ctx, msg)
		if err != nil && !errors.Is(err, ErrIgnoredMessage) && !errors.Is(err, ErrThreadMessageNotFound) {
			r.logger.Error("dm_deletion_mirror_failed", zap.String("message", msg.ID), zap.Error(err))
		}
		return nil
	}
	if msg.Author.ID != bot.ID {
		return nil
	}
	ch, err := r.platform.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil
	}
	t := r.FindByChannel(ctx, ch)
	if t == nil {
		return nil
	}
	settings := r.settings.Load()
	embed := Embed{Description: "Successfully deleted message.", Color: settings.MainColor}
	err = t.DeleteMessage(ctx, MessageRef{ID: msg.ID, Message: &msg}, false)
	switch {
	case err == nil:
	case errors.Is(err, ErrIgnoredMessage), errors.Is(err, ErrDMMessageNotFound),
		errors.Is(err, ErrMalformedThreadMessage), errors.Is(err, ErrPlatformNotFound):
		return nil
	default:
		r.logger.Error("linked_deletion_failed", zap.String("message", msg.ID), zap.Error(err))
		embed = Embed{Description: "Failed to delete message.", Color: settings.ErrorColor}
	}
	embed.SetFooter(fmt.Sprintf("Message ID: %s from %s.", msg.ID, msg.Author.Tag()), "")
	d.notice(ctx, ChannelDestination{ChannelID: ch.ID}, embed)
	return nil
}

func (d *Dispatcher) handleReaction(ctx context.Context, ev GatewayEvent, add bool) error {
	r := d.registry
	bot := r.platform.BotUser()
	user, err := r.platform.GetUser(ctx, ev.UserID)
	if err != nil || user.Bot || user.ID == bot.ID {
		return nil
	}
	settings := r.settings.Load()
	msg, err := r.platform.FetchMessage(ctx, ev.ChannelID, ev.MessageID)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) || errors.Is(err, ErrForbidden) {
			return nil
		}
		return err
	}

	fromDM := ev.GuildID == ""
	var t *Thread
	if fromDM {
		if t = r.Find(ctx, user.ID); t == nil {
			return nil
		}
		if add && len(msg.Embeds) > 0 && ev.Emoji == settings.CloseEmoji && settings.RecipientThreadClose {
			ts := msg.Embeds[0].Timestamp
			if ch, ok := t.Channel(); ok && ts != nil && ts.Equal(ch.CreatedAt) {
				return t.Close(ctx, CloseRequest{Closer: user})
			}
		}
		if msg.Author.ID == bot.ID && len(msg.Embeds) > 0 && settings.ConfirmThreadCreation &&
			msg.Embeds[0].Title == settings.ConfirmThreadCreationTitle &&
			msg.Embeds[0].Description == settings.ConfirmThreadResponse {
			return nil
		}
	} else {
		ch, err := r.platform.GetChannel(ctx, ev.ChannelID)
		if err != nil {
			return nil
		}
		if t = r.FindByChannel(ctx, ch); t == nil {
			return nil
		}
		if len(msg.Embeds) > 0 && msg.Embeds[0].Author != nil && settings.LogURL != "" &&
			strings.HasPrefix(msg.Embeds[0].Author.URL, settings.LogURL) {
			return nil
		}
	}
	if !settings.TransferReactions {
		return nil
	}
	if err := t.MirrorReaction(ctx, msg, ev.Emoji, add, fromDM); err != nil {
		if !errors.Is(err, ErrIgnoredMessage) {
			r.logger.Warn("reaction_link_failed", zap.String("message", msg.ID), zap.Error(err))
		}
		return nil
	}
	if add {
		d.react(ctx, msg, ev.Emoji)
	} else if err := r.platform.RemoveReaction(ctx, msg.ChannelID, msg.ID, ev.Emoji); err != nil {
		r.logger.Warn("reaction_remove_failed", zap.String("message", msg.ID), zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) handleChannelDelete(ctx context.Context, ch Channel, actorID string) error {
	r := d.registry
	settings := r.settings.Load()
	if ch.GuildID != "" && ch.GuildID != settings.modmailGuild() {
		return nil
	}
	switch {
	case ch.Kind == ChannelKindCategory:
		if ch.ID == settings.MainCategoryID {
			r.logger.Warn("main_category_deleted", zap.String("category", ch.ID))
		}
		return nil
	case ch.ID == settings.LogChannelID:
		r.logger.Warn("log_channel_deleted", zap.String("channel", ch.ID))
		return nil
	}
	if actorID == "" {
		r.logger.Debug("channel_delete_actor_unknown", zap.String("channel", ch.ID))
		return nil
	}
	if actorID == r.platform.BotUser().ID {
		return nil
	}
	t := r.FindByChannel(ctx, ch)
	if t == nil || t.ChannelID() != ch.ID {
		return nil
	}
	r.logger.Debug("thread_channel_deleted_manually", zap.String("channel", ch.ID), zap.String("actor", actorID))
	return t.Close(ctx, CloseRequest{Closer: r.resolveUser(ctx, actorID), Silent: true})
}

func (d *Dispatcher) handleMember(ctx context.Context, guildID, userID string, joined bool) error {
	r := d.registry
	settings := r.settings.Load()
	if guildID != settings.GuildID {
		return nil
	}
	t := r.Find(ctx, userID)
	if t == nil || t.Cancelled() {
		return nil
	}
	channelID := t.ChannelID()
	if joined {
		d.notice(ctx, ChannelDestination{ChannelID: channelID}, Embed{Description: "The recipient has joined the server.", Color: settings.ModColor})
		return nil
	}
	if settings.CloseOnLeave {
		reason := settings.CloseOnLeaveReason
		if reason == "" {
			reason = "The recipient has left the server."
		}
		return t.Close(ctx, CloseRequest{Closer: r.platform.BotUser(), Message: reason, Silent: true})
	}
	d.notice(ctx, ChannelDestination{ChannelID: channelID}, Embed{Description: "The recipient has left the server.", Color: settings.ErrorColor})
	return nil
}

func (d *Dispatcher) handleTyping(ctx context.Context, ev GatewayEvent) error {
	r := d.registry
	user, err := r.platform.GetUser(ctx, ev.UserID)
	if err != nil || user.Bot {
		return nil
	}
	settings := r.settings.Load()
	if ev.GuildID == "" {
		if !settings.UserTyping {
			return nil
		}
		t := r.Find(ctx, user.ID)
		if t == nil || t.ChannelID() == "" {
			return nil
		}
		return r.platform.TriggerTyping(ctx, ChannelDestination{ChannelID: t.ChannelID()})
	}
	if !settings.ModTyping {
		return nil
	}
	ch, err := r.platform.GetChannel(ctx, ev.ChannelID)
	if err != nil {
		return nil
	}
	t := r.FindByChannel(ctx, ch)
	if t == nil {
		return nil
	}
	return r.platform.TriggerTyping(ctx, UserDestination{UserID: t.id})
}

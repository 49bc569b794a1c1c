package modmail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const linkHistoryLimit = 100

// MessageRef points at a thread channel message. Message is set when the
// caller already holds it (events); otherwise ID is fetched. A zero ref
// selects the latest staff reply in the channel.
type MessageRef struct {
	ID      string
	Message *Message
}

type LinkOptions struct {
	// EitherDirection allows resolving recipient-authored payloads from the
	// thread side. Only reaction mirroring sets it.
	EitherDirection bool
	IncludeNotes    bool
	// Deleted marks a DM message that no longer exists.
	Deleted bool
}

// LinkedMessage is a resolved payload with both of its renderings.
type LinkedMessage struct {
	Payload ThreadMessage
	Message Message
	Linked  *Message
}

// messageMarks are the per-thread id sets consulted by the linker.
type messageMarks struct {
	mu        sync.Mutex
	ignored   map[string]struct{}
	deleted   map[string]struct{}
	validated map[string]struct{}
}

func newMessageMarks() *messageMarks {
	return &messageMarks{
		ignored:   map[string]struct{}{},
		deleted:   map[string]struct{}{},
		validated: map[string]struct{}{},
	}
}

func (m *messageMarks) has(set map[string]struct{}, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := set[id]
	return ok
}

func (m *messageMarks) add(set map[string]struct{}, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set[id] = struct{}{}
}

// take removes id and reports whether it was present.
func (m *messageMarks) take(set map[string]struct{}, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	return true
}

func (t *Thread) isBotRendering(msg Message) bool {
	return msg.Author.ID == t.registry.platform.BotUser().ID && len(msg.Embeds) > 0
}

// Resolve finds the logged payload for a thread channel message and the
// counterpart rendering in the recipient's DM.
func (t *Thread) Resolve(ctx context.Context, ref MessageRef, opts LinkOptions) (LinkedMessage, error) {
	r := t.registry
	ch, ok := t.Channel()
	if !ok {
		return LinkedMessage{}, threadError(ErrThreadNotReady, t.id)
	}

	var candidate *Message
	switch {
	case ref.Message != nil:
		m := *ref.Message
		candidate = &m
	case ref.ID != "":
		m, err := r.platform.FetchMessage(ctx, ch.ID, ref.ID)
		if err != nil {
			if errors.Is(err, ErrPlatformNotFound) {
				return LinkedMessage{}, linkError(ErrThreadMessageNotFound, ref.ID)
			}
			return LinkedMessage{}, fmt.Errorf("fetch thread message %s: %w", ref.ID, err)
		}
		candidate = &m
	}

	var payload ThreadMessage
	if candidate != nil {
		if t.marks.has(t.marks.ignored, candidate.ID) {
			return LinkedMessage{}, linkError(ErrIgnoredMessage, candidate.ID)
		}
		if !t.isBotRendering(*candidate) {
			t.marks.add(t.marks.ignored, candidate.ID)
			return LinkedMessage{}, linkError(ErrMalformedThreadMessage, candidate.ID)
		}
		found, err := r.logs.GetMessagePayload(ctx, ch.ID, candidate.ID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return LinkedMessage{}, fmt.Errorf("load message payload %s: %w", candidate.ID, err)
			}
			if t.marks.has(t.marks.validated, candidate.ID) {
				return LinkedMessage{}, linkError(ErrThreadMessageNotFound, candidate.ID)
			}
			t.marks.add(t.marks.ignored, candidate.ID)
			r.logger.Warn("message_not_linked",
				zap.String("thread", t.id),
				zap.String("message", candidate.ID),
			)
			return LinkedMessage{}, linkError(ErrIgnoredMessage, candidate.ID)
		}
		payload = found
	} else {
		found, msg, err := t.latestStaffPayload(ctx, ch.ID)
		if err != nil {
			return LinkedMessage{}, err
		}
		if t.marks.has(t.marks.ignored, msg.ID) {
			return LinkedMessage{}, linkError(ErrIgnoredMessage, msg.ID)
		}
		payload, candidate = found, &msg
	}

	if len(payload.LinkedIDs) > 0 && !payload.Author.Mod && !opts.EitherDirection {
		return LinkedMessage{}, linkError(ErrThreadMessageNotFound, candidate.ID)
	}

	counterparts := otherIDs(payload, candidate.ID)
	var linked *Message
	if len(counterparts) > 0 {
		dm, err := r.platform.DMChannel(ctx, t.id)
		if err != nil {
			return LinkedMessage{}, fmt.Errorf("open dm channel: %w", err)
		}
		linked = t.findInChannel(ctx, dm.ID, counterparts)
		if linked == nil {
			return LinkedMessage{}, linkError(ErrDMMessageNotFound, candidate.ID)
		}
	}
	if payload.Type.IsNote() && !opts.IncludeNotes {
		return LinkedMessage{}, linkError(ErrDMMessageNotFound, candidate.ID)
	}

	t.marks.add(t.marks.validated, candidate.ID)
	return LinkedMessage{Payload: payload, Message: *candidate, Linked: linked}, nil
}

// latestStaffPayload walks recent channel history newest first and returns
// the first message logged as a staff reply.
func (t *Thread) latestStaffPayload(ctx context.Context, channelID string) (ThreadMessage, Message, error) {
	r := t.registry
	entry, err := r.logs.GetEntryByChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ThreadMessage{}, Message{}, linkError(ErrLinkMessage, "")
		}
		return ThreadMessage{}, Message{}, fmt.Errorf("load thread log: %w", err)
	}
	replies := make(map[string]ThreadMessage, len(entry.Messages))
	for _, m := range entry.Messages {
		if !m.Author.Mod {
			continue
		}
		switch m.Type {
		case MessageTypeSystem, MessageTypeInternal, MessageTypeNote, MessageTypePersistentNote:
			continue
		}
		replies[m.MessageID] = m
		for _, id := range m.LinkedIDs {
			replies[id] = m
		}
	}
	history, err := r.platform.History(ctx, channelID, HistoryQuery{Limit: linkHistoryLimit})
	if err != nil {
		return ThreadMessage{}, Message{}, fmt.Errorf("read channel history: %w", err)
	}
	for _, msg := range history {
		if p, ok := replies[msg.ID]; ok {
			return p, msg, nil
		}
	}
	return ThreadMessage{}, Message{}, linkError(ErrThreadMessageNotFound, "")
}

func otherIDs(payload ThreadMessage, self string) []string {
	out := make([]string, 0, len(payload.LinkedIDs))
	for _, id := range payload.LinkedIDs {
		if id != self && id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (t *Thread) findInChannel(ctx context.Context, channelID string, ids []string) *Message {
	for _, id := range ids {
		msg, err := t.registry.platform.FetchMessage(ctx, channelID, id)
		if err != nil {
			if !errors.Is(err, ErrPlatformNotFound) {
				t.registry.logger.Warn("linked_message_fetch_failed",
					zap.String("thread", t.id),
					zap.String("message", id),
					zap.Error(err),
				)
			}
			continue
		}
		return &msg
	}
	return nil
}

// ResolveFromDM finds the payload for a message in the recipient's DM and its
// rendering in the thread channel.
func (t *Thread) ResolveFromDM(ctx context.Context, msg Message, opts LinkOptions) (LinkedMessage, error) {
	r := t.registry
	ch, ok := t.Channel()
	if !ok || (!opts.EitherDirection && msg.Author.ID == r.platform.BotUser().ID) {
		return LinkedMessage{}, linkError(ErrThreadMessageNotFound, msg.ID)
	}
	if t.marks.has(t.marks.ignored, msg.ID) {
		if opts.Deleted {
			t.marks.take(t.marks.ignored, msg.ID)
		}
		return LinkedMessage{}, linkError(ErrIgnoredMessage, msg.ID)
	}
	payload, err := r.logs.GetMessagePayload(ctx, ch.ID, msg.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LinkedMessage{}, linkError(ErrLinkMessage, msg.ID)
		}
		return LinkedMessage{}, fmt.Errorf("load message payload %s: %w", msg.ID, err)
	}
	if len(payload.LinkedIDs) == 0 {
		t.marks.add(t.marks.ignored, msg.ID)
		r.logger.Warn("message_not_linked", zap.String("thread", t.id), zap.String("message", msg.ID))
		return LinkedMessage{}, linkError(ErrIgnoredMessage, msg.ID)
	}
	if linked := t.findInChannel(ctx, ch.ID, otherIDs(payload, msg.ID)); linked != nil {
		t.marks.add(t.marks.validated, msg.ID)
		return LinkedMessage{Payload: payload, Message: msg, Linked: linked}, nil
	}
	return LinkedMessage{}, linkError(ErrThreadMessageNotFound, msg.ID)
}

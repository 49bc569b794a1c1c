package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	ThreadReady     Type = "thread_ready"
	ThreadReply     Type = "thread_reply"
	ThreadClose     Type = "thread_close"
	ThreadCancelled Type = "thread_cancelled"
)

// Event is a thread lifecycle notification. It is published as JSON with the
// event type as routing key.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	ThreadID  string         `json:"threadId"`
	ChannelID string         `json:"channelId,omitempty"`
	ActorID   string         `json:"actorId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func New(typ Type, threadID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		ThreadID:  threadID,
		Timestamp: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type Noop struct{}

func NewNoop() Publisher { return Noop{} }

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }

// Fanout publishes every event to each publisher in turn. One failing
// publisher does not stop the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

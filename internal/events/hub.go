package events

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

// Hub delivers events to in-process subscribers such as websocket clients.
// A subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	ch       chan Event
	threadID string
	once     sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func NewHub() *Hub {
	return &Hub{subs: map[*subscription]struct{}{}}
}

// Subscribe registers a listener. threadID narrows the feed to one thread;
// an empty id receives everything. The returned cancel func must be called.
func (h *Hub) Subscribe(threadID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer), threadID: threadID}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.close()
	}
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	var slow []*subscription
	h.mu.RLock()
	for sub := range h.subs {
		if sub.threadID != "" && sub.threadID != event.ThreadID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()
	if len(slow) == 0 {
		return nil
	}
	h.mu.Lock()
	for _, sub := range slow {
		delete(h.subs, sub)
		sub.close()
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		sub.close()
	}
	h.subs = map[*subscription]struct{}{}
	return nil
}

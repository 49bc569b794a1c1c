package modmail

import (
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// RuntimeSnapshot is the persisted runtime state: pending closures, mention
// subscriptions and the fallback category created when the main one filled up.
type RuntimeSnapshot struct {
	Closures           map[string]PendingClosure `json:"closures"`
	Subscriptions      map[string][]string       `json:"subscriptions"`
	NotificationSquad  map[string][]string       `json:"notificationSquad"`
	FallbackCategoryID string                    `json:"fallbackCategoryId,omitempty"`
}

func newRuntimeSnapshot() RuntimeSnapshot {
	return RuntimeSnapshot{
		Closures:          map[string]PendingClosure{},
		Subscriptions:     map[string][]string{},
		NotificationSquad: map[string][]string{},
	}
}

func (s *RuntimeSnapshot) normalize() {
	if s.Closures == nil {
		s.Closures = map[string]PendingClosure{}
	}
	if s.Subscriptions == nil {
		s.Subscriptions = map[string][]string{}
	}
	if s.NotificationSquad == nil {
		s.NotificationSquad = map[string][]string{}
	}
}

func cloneSnapshot(s *RuntimeSnapshot) (*RuntimeSnapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out RuntimeSnapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out.normalize()
	return &out, nil
}

type StateBackend interface {
	Load() (*RuntimeSnapshot, error)
	Save(state *RuntimeSnapshot) error
}

// RuntimeStore keeps the runtime snapshot in memory and writes it through to
// the backend after every change. A nil backend keeps state in memory only.
type RuntimeStore struct {
	mu      sync.Mutex
	backend StateBackend
	logger  *zap.Logger
	state   RuntimeSnapshot
}

func NewRuntimeStore(backend StateBackend, logger *zap.Logger) (*RuntimeStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &RuntimeStore{backend: backend, logger: logger, state: newRuntimeSnapshot()}
	if backend == nil {
		return store, nil
	}
	loaded, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if loaded != nil {
		loaded.normalize()
		store.state = *loaded
	}
	return store, nil
}

func (s *RuntimeStore) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	snapshot, err := cloneSnapshot(&s.state)
	if err != nil {
		return err
	}
	return s.backend.Save(snapshot)
}

func (s *RuntimeStore) PutClosure(c PendingClosure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Closures[closureKey(c.ThreadID, c.IsAutoClose)] = c
	return s.saveLocked()
}

func (s *RuntimeStore) RemoveClosure(threadID string, autoClose bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := closureKey(threadID, autoClose)
	if _, ok := s.state.Closures[key]; !ok {
		return nil
	}
	delete(s.state.Closures, key)
	return s.saveLocked()
}

// Closures returns the pending closures ordered by fire time.
func (s *RuntimeStore) Closures() []PendingClosure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingClosure, 0, len(s.state.Closures))
	for _, c := range s.state.Closures {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return closureKey(out[i].ThreadID, out[i].IsAutoClose) < closureKey(out[j].ThreadID, out[j].IsAutoClose)
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

func addMention(list []string, mention string) ([]string, bool) {
	for _, m := range list {
		if m == mention {
			return list, false
		}
	}
	return append(list, mention), true
}

func removeMention(list []string, mention string) ([]string, bool) {
	for i, m := range list {
		if m == mention {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// Subscribe adds a mention that is pinged on every recipient message.
func (s *RuntimeStore) Subscribe(threadID, mention string) (bool, error) {
	mention = strings.TrimSpace(mention)
	if threadID == "" || mention == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, added := addMention(s.state.Subscriptions[threadID], mention)
	if !added {
		return false, nil
	}
	s.state.Subscriptions[threadID] = next
	return true, s.saveLocked()
}

func (s *RuntimeStore) Unsubscribe(threadID, mention string) (bool, error) {
	mention = strings.TrimSpace(mention)
	s.mu.Lock()
	defer s.mu.Unlock()
	next, removed := removeMention(s.state.Subscriptions[threadID], mention)
	if !removed {
		return false, nil
	}
	if len(next) == 0 {
		delete(s.state.Subscriptions, threadID)
	} else {
		s.state.Subscriptions[threadID] = next
	}
	return true, s.saveLocked()
}

// Notify adds a one-shot mention consumed by the next recipient message.
func (s *RuntimeStore) Notify(threadID, mention string) (bool, error) {
	mention = strings.TrimSpace(mention)
	if threadID == "" || mention == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, added := addMention(s.state.NotificationSquad[threadID], mention)
	if !added {
		return false, nil
	}
	s.state.NotificationSquad[threadID] = next
	return true, s.saveLocked()
}

func (s *RuntimeStore) Subscribers(threadID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.state.Subscriptions[threadID]...)
}

// TakeMentions returns subscriptions plus the one-shot squad, deduplicated,
// and clears the squad.
func (s *RuntimeStore) TakeMentions(threadID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, m := range s.state.Subscriptions[threadID] {
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	squad, hadSquad := s.state.NotificationSquad[threadID]
	for _, m := range squad {
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	if !hadSquad {
		return out, nil
	}
	delete(s.state.NotificationSquad, threadID)
	return out, s.saveLocked()
}

// DropThread forgets subscriptions and squad entries of a closed thread.
func (s *RuntimeStore) DropThread(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hadSubs := s.state.Subscriptions[threadID]
	_, hadSquad := s.state.NotificationSquad[threadID]
	if !hadSubs && !hadSquad {
		return nil
	}
	delete(s.state.Subscriptions, threadID)
	delete(s.state.NotificationSquad, threadID)
	return s.saveLocked()
}

func (s *RuntimeStore) FallbackCategory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.FallbackCategoryID
}

func (s *RuntimeStore) SetFallbackCategory(categoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FallbackCategoryID = categoryID
	return s.saveLocked()
}

func (s *RuntimeStore) Close() error {
	if closer, ok := s.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

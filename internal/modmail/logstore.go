package modmail

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// logPreviewMessages bounds the messages returned with list queries.
const logPreviewMessages = 5

// LogStore is the durable record of threads and their messages. It is the
// source of truth for message linkage across restarts.
type LogStore interface {
	CreateEntry(ctx context.Context, in NewLogEntry) (LogEntry, error)
	AppendMessage(ctx context.Context, channelID string, msg ThreadMessage) error
	EditMessage(ctx context.Context, messageID, content string) error
	SetMessageType(ctx context.Context, messageID string, typ MessageType) error
	GetOpenEntries(ctx context.Context) ([]LogEntry, error)
	GetEntry(ctx context.Context, key string) (LogEntry, error)
	GetEntryByChannel(ctx context.Context, channelID string) (LogEntry, error)
	GetMessagePayload(ctx context.Context, channelID, messageID string) (ThreadMessage, error)
	GetUserLogs(ctx context.Context, guildID, userID string) ([]LogEntry, error)
	GetLatestUserLog(ctx context.Context, guildID, userID string) (LogEntry, error)
	FinalizeEntry(ctx context.Context, channelID string, data CloseData) (LogEntry, error)
	SearchByText(ctx context.Context, guildID, text string, limit int) ([]LogEntry, error)
	SearchClosedBy(ctx context.Context, guildID, userID string) ([]LogEntry, error)
	SearchResponded(ctx context.Context, userID string) ([]LogEntry, error)
	// ListClosedSince returns full logs closed strictly after since, oldest
	// close first.
	ListClosedSince(ctx context.Context, since time.Time, limit int) ([]LogEntry, error)
	DeleteEntry(ctx context.Context, key string) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)

	CreateNote(ctx context.Context, note Note) (Note, error)
	FindNotes(ctx context.Context, recipientID string) ([]Note, error)
	UpdateNoteIDs(ctx context.Context, ids map[string]string) error
	DeleteNote(ctx context.Context, messageID string) error
	EditNote(ctx context.Context, messageID, message string) error

	Close() error
}

func newLogKey() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	return hex.EncodeToString(b[:])
}

// newNoteID returns a time-ordered id; notes are replayed in id order.
func newNoteID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func newLogEntry(in NewLogEntry, now time.Time) LogEntry {
	key := newLogKey()
	return LogEntry{
		Key:       key,
		Open:      true,
		CreatedAt: now.UTC(),
		ChannelID: in.ChannelID,
		GuildID:   in.GuildID,
		BotID:     in.BotID,
		Recipient: logAuthorFrom(in.Recipient, false),
		Creator:   logAuthorFrom(in.Creator, in.CreatorIsMod),
		Messages:  []ThreadMessage{},
	}
}

func previewEntry(e LogEntry) LogEntry {
	out := e.clone()
	if len(out.Messages) > logPreviewMessages {
		out.Messages = out.Messages[:logPreviewMessages]
	}
	return out
}

// ClassifyLegacyNote maps a legacy system log entry onto the note types by
// the embed author name it was rendered with. It returns the input type when
// the name carries no note marker.
func ClassifyLegacyNote(typ MessageType, embedAuthor string) MessageType {
	if typ != MessageTypeSystem {
		return typ
	}
	switch {
	case strings.HasPrefix(embedAuthor, "Persistent Note ("):
		return MessageTypePersistentNote
	case strings.HasPrefix(embedAuthor, "Note ("):
		return MessageTypeNote
	default:
		return typ
	}
}

type InMemoryLogStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*LogEntry
	notes   map[string]Note
}

func NewInMemoryLogStore() *InMemoryLogStore {
	return &InMemoryLogStore{
		now:     time.Now,
		entries: map[string]*LogEntry{},
		notes:   map[string]Note{},
	}
}

func (s *InMemoryLogStore) CreateEntry(_ context.Context, in NewLogEntry) (LogEntry, error) {
	if strings.TrimSpace(in.ChannelID) == "" {
		return LogEntry{}, fmt.Errorf("%w: channel id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := newLogEntry(in, s.now())
	for s.entries[entry.Key] != nil {
		entry.Key = newLogKey()
	}
	s.entries[entry.Key] = &entry
	return entry.clone(), nil
}

// byChannelLocked returns the most recently created entry for a channel.
func (s *InMemoryLogStore) byChannelLocked(channelID string) *LogEntry {
	var found *LogEntry
	for _, e := range s.entries {
		if e.ChannelID != channelID {
			continue
		}
		if found == nil || e.CreatedAt.After(found.CreatedAt) {
			found = e
		}
	}
	return found
}

func (s *InMemoryLogStore) AppendMessage(_ context.Context, channelID string, msg ThreadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.byChannelLocked(channelID)
	if entry == nil {
		return fmt.Errorf("%w: log for channel %s", ErrNotFound, channelID)
	}
	msg = msg.clone()
	msg.Key = ""
	entry.Messages = append(entry.Messages, msg)
	return nil
}

func (s *InMemoryLogStore) EditMessage(_ context.Context, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		for i := range e.Messages {
			if e.Messages[i].MessageID == messageID {
				e.Messages[i].Content = content
				e.Messages[i].Edited = true
				return nil
			}
		}
	}
	return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
}

func (s *InMemoryLogStore) SetMessageType(_ context.Context, messageID string, typ MessageType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		for i := range e.Messages {
			if e.Messages[i].MessageID == messageID {
				e.Messages[i].Type = typ
				return nil
			}
		}
	}
	return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
}

func (s *InMemoryLogStore) collect(match func(*LogEntry) bool, preview bool) []LogEntry {
	out := make([]LogEntry, 0)
	for _, e := range s.entries {
		if !match(e) {
			continue
		}
		if preview {
			out = append(out, previewEntry(*e))
		} else {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *InMemoryLogStore) GetOpenEntries(_ context.Context) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(e *LogEntry) bool { return e.Open }, false), nil
}

func (s *InMemoryLogStore) GetEntry(_ context.Context, key string) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return LogEntry{}, fmt.Errorf("%w: log %s", ErrNotFound, key)
	}
	return e.clone(), nil
}

func (s *InMemoryLogStore) GetEntryByChannel(_ context.Context, channelID string) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.byChannelLocked(channelID)
	if e == nil {
		return LogEntry{}, fmt.Errorf("%w: log for channel %s", ErrNotFound, channelID)
	}
	return e.clone(), nil
}

func (s *InMemoryLogStore) GetMessagePayload(_ context.Context, channelID, messageID string) (ThreadMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ChannelID != channelID {
			continue
		}
		for _, m := range e.Messages {
			if m.HasID(messageID) {
				out := m.clone()
				out.Key = e.Key
				return out, nil
			}
		}
	}
	return ThreadMessage{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
}

func guildMatches(e *LogEntry, guildID string) bool {
	return guildID == "" || e.GuildID == guildID
}

func (s *InMemoryLogStore) GetUserLogs(_ context.Context, guildID, userID string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(e *LogEntry) bool {
		return e.Recipient.ID == userID && guildMatches(e, guildID)
	}, true), nil
}

func (s *InMemoryLogStore) GetLatestUserLog(_ context.Context, guildID, userID string) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *LogEntry
	for _, e := range s.entries {
		if e.Open || e.Recipient.ID != userID || !guildMatches(e, guildID) || e.ClosedAt == nil {
			continue
		}
		if latest == nil || e.ClosedAt.After(*latest.ClosedAt) {
			latest = e
		}
	}
	if latest == nil {
		return LogEntry{}, fmt.Errorf("%w: closed logs for user %s", ErrNotFound, userID)
	}
	return previewEntry(*latest), nil
}

func (s *InMemoryLogStore) FinalizeEntry(_ context.Context, channelID string, data CloseData) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.byChannelLocked(channelID)
	if e == nil {
		return LogEntry{}, fmt.Errorf("%w: log for channel %s", ErrNotFound, channelID)
	}
	closedAt := data.ClosedAt.UTC()
	closer := data.Closer
	e.Open = false
	e.ClosedAt = &closedAt
	e.Closer = &closer
	e.CloseMessage = data.CloseMessage
	return e.clone(), nil
}

func (s *InMemoryLogStore) SearchByText(_ context.Context, guildID, text string, limit int) ([]LogEntry, error) {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, fmt.Errorf("%w: search text is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.collect(func(e *LogEntry) bool {
		if e.Open || !guildMatches(e, guildID) {
			return false
		}
		if strings.Contains(strings.ToLower(e.Key), needle) || strings.Contains(strings.ToLower(e.Recipient.Name), needle) {
			return true
		}
		for _, m := range e.Messages {
			if strings.Contains(strings.ToLower(m.Content), needle) || strings.Contains(strings.ToLower(m.Author.Name), needle) {
				return true
			}
		}
		return false
	}, true)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryLogStore) SearchClosedBy(_ context.Context, guildID, userID string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(e *LogEntry) bool {
		return !e.Open && guildMatches(e, guildID) && e.Closer != nil && e.Closer.ID == userID
	}, true), nil
}

func (s *InMemoryLogStore) SearchResponded(_ context.Context, userID string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(e *LogEntry) bool {
		return !e.Open && e.RespondedBy(userID)
	}, false), nil
}

func (s *InMemoryLogStore) ListClosedSince(_ context.Context, since time.Time, limit int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.collect(func(e *LogEntry) bool {
		return !e.Open && e.ClosedAt != nil && e.ClosedAt.After(since)
	}, false)
	sortByClosedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByClosedAt(entries []LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].ClosedAt, entries[j].ClosedAt
		if a.Equal(*b) {
			return entries[i].Key < entries[j].Key
		}
		return a.Before(*b)
	})
}

func (s *InMemoryLogStore) DeleteEntry(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *InMemoryLogStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.entries))
	s.entries = map[string]*LogEntry{}
	return n, nil
}

func (s *InMemoryLogStore) CreateNote(_ context.Context, note Note) (Note, error) {
	if strings.TrimSpace(note.RecipientID) == "" {
		return Note{}, fmt.Errorf("%w: note recipient is required", ErrInvalidInput)
	}
	if note.ID == "" {
		note.ID = newNoteID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.ID] = note
	return note, nil
}

func (s *InMemoryLogStore) FindNotes(_ context.Context, recipientID string) ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Note, 0)
	for _, n := range s.notes {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryLogStore) UpdateNoteIDs(_ context.Context, ids map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for noteID, messageID := range ids {
		n, ok := s.notes[noteID]
		if !ok {
			continue
		}
		n.MessageID = messageID
		s.notes[noteID] = n
	}
	return nil
}

func (s *InMemoryLogStore) DeleteNote(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.notes {
		if n.MessageID == messageID {
			delete(s.notes, id)
			return nil
		}
	}
	return nil
}

func (s *InMemoryLogStore) EditNote(_ context.Context, messageID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.notes {
		if n.MessageID == messageID {
			n.Message = message
			s.notes[id] = n
			return nil
		}
	}
	return nil
}

func (s *InMemoryLogStore) Close() error {
	return nil
}

package modmail

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logKeys(entries []LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

// exerciseLogStore runs the lifecycle every LogStore implementation must
// support. IDs are unique per run so shared databases can be reused.
func exerciseLogStore(t *testing.T, store LogStore) {
	t.Helper()
	ctx := context.Background()
	suffix := strconv.FormatInt(time.Now().UnixNano()%1_000_000_000, 10)
	guildID := "10000000000" + suffix
	channelID := "20000000000" + suffix
	recipient := User{ID: "30000000000" + suffix, Name: "alice"}
	staff := User{ID: "40000000000" + suffix, Name: "bob"}

	entry, err := store.CreateEntry(ctx, NewLogEntry{
		Recipient: recipient,
		Creator:   recipient,
		ChannelID: channelID,
		GuildID:   guildID,
		BotID:     "800000000000000001",
	})
	require.NoError(t, err)
	require.NotEmpty(t, entry.Key)
	assert.True(t, entry.Open)

	reply := ThreadMessage{
		MessageID: "51" + suffix,
		LinkedIDs: []string{"51" + suffix, "52" + suffix},
		Author:    logAuthorFrom(staff, true),
		Type:      MessageTypeNormal,
		Content:   "have you tried turning it off " + suffix,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.AppendMessage(ctx, channelID, reply))
	require.NoError(t, store.AppendMessage(ctx, channelID, ThreadMessage{
		MessageID: "53" + suffix,
		LinkedIDs: []string{"54" + suffix, "53" + suffix},
		Author:    logAuthorFrom(recipient, false),
		Type:      MessageTypeNormal,
		Content:   "it works now",
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}))

	byDM, err := store.GetMessagePayload(ctx, channelID, "52"+suffix)
	require.NoError(t, err)
	byChannel, err := store.GetMessagePayload(ctx, channelID, "51"+suffix)
	require.NoError(t, err)
	assert.Equal(t, byChannel, byDM)
	assert.Equal(t, entry.Key, byDM.Key)
	_, err = store.GetMessagePayload(ctx, channelID, "59"+suffix)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.EditMessage(ctx, "51"+suffix, "edited "+suffix))
	edited, err := store.GetMessagePayload(ctx, channelID, "51"+suffix)
	require.NoError(t, err)
	assert.Equal(t, "edited "+suffix, edited.Content)
	assert.True(t, edited.Edited)
	require.NoError(t, store.SetMessageType(ctx, "53"+suffix, MessageTypeInternal))
	retyped, err := store.GetMessagePayload(ctx, channelID, "53"+suffix)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeInternal, retyped.Type)

	open, err := store.GetOpenEntries(ctx)
	require.NoError(t, err)
	assert.Contains(t, logKeys(open), entry.Key)
	byChannelEntry, err := store.GetEntryByChannel(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, entry.Key, byChannelEntry.Key)
	require.Len(t, byChannelEntry.Messages, 2)

	closedAt := time.Now().UTC().Truncate(time.Millisecond)
	closed, err := store.FinalizeEntry(ctx, channelID, CloseData{
		ClosedAt:     closedAt,
		Closer:       logAuthorFrom(staff, true),
		CloseMessage: "resolved",
	})
	require.NoError(t, err)
	assert.False(t, closed.Open)
	require.NotNil(t, closed.ClosedAt)
	assert.True(t, closed.ClosedAt.Equal(closedAt))

	full, err := store.GetEntry(ctx, entry.Key)
	require.NoError(t, err)
	require.NotNil(t, full.Closer)
	assert.Equal(t, staff.ID, full.Closer.ID)
	assert.Equal(t, "resolved", full.CloseMessage)

	found, err := store.SearchByText(ctx, guildID, "edited "+suffix, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{entry.Key}, logKeys(found))
	closedBy, err := store.SearchClosedBy(ctx, guildID, staff.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{entry.Key}, logKeys(closedBy))
	responded, err := store.SearchResponded(ctx, staff.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{entry.Key}, logKeys(responded))
	userLogs, err := store.GetUserLogs(ctx, guildID, recipient.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{entry.Key}, logKeys(userLogs))
	latest, err := store.GetLatestUserLog(ctx, guildID, recipient.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Key, latest.Key)

	since, err := store.ListClosedSince(ctx, closedAt.Add(-time.Second), 0)
	require.NoError(t, err)
	assert.Contains(t, logKeys(since), entry.Key)
	after, err := store.ListClosedSince(ctx, closedAt, 0)
	require.NoError(t, err)
	assert.NotContains(t, logKeys(after), entry.Key)

	note, err := store.CreateNote(ctx, Note{
		RecipientID: recipient.ID,
		Author:      logAuthorFrom(staff, true),
		Message:     "prefers email",
		MessageID:   "61" + suffix,
	})
	require.NoError(t, err)
	require.NotEmpty(t, note.ID)
	require.NoError(t, store.UpdateNoteIDs(ctx, map[string]string{note.ID: "62" + suffix}))
	require.NoError(t, store.EditNote(ctx, "62"+suffix, "prefers phone"))
	notes, err := store.FindNotes(ctx, recipient.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "prefers phone", notes[0].Message)
	assert.Equal(t, "62"+suffix, notes[0].MessageID)
	require.NoError(t, store.DeleteNote(ctx, "62"+suffix))
	notes, err = store.FindNotes(ctx, recipient.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)

	deleted, err := store.DeleteEntry(ctx, entry.Key)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.DeleteEntry(ctx, entry.Key)
	require.NoError(t, err)
	assert.False(t, deleted)
	_, err = store.GetEntry(ctx, entry.Key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryLogStoreLifecycle(t *testing.T) {
	exerciseLogStore(t, NewInMemoryLogStore())
}

func TestInMemoryLogStoreValidation(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryLogStore()

	_, err := store.CreateEntry(ctx, NewLogEntry{Recipient: User{ID: "1"}})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.ErrorIs(t, store.AppendMessage(ctx, "404", ThreadMessage{MessageID: "1"}), ErrNotFound)
	_, err = store.FinalizeEntry(ctx, "404", CloseData{})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.SearchByText(ctx, "", "  ", 0)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = store.CreateNote(ctx, Note{Message: "orphan"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestInMemoryLogStoreListPreviewsAndOrder(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryLogStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	var keys []string
	for i, channelID := range []string{"c1", "c2", "c3"} {
		entry, err := store.CreateEntry(ctx, NewLogEntry{Recipient: User{ID: "1"}, ChannelID: channelID, GuildID: "g"})
		require.NoError(t, err)
		keys = append(keys, entry.Key)
		for j := 0; j < 7; j++ {
			require.NoError(t, store.AppendMessage(ctx, channelID, ThreadMessage{MessageID: channelID + strconv.Itoa(j), Content: "m"}))
		}
		// Closed in reverse creation order.
		_, err = store.FinalizeEntry(ctx, channelID, CloseData{ClosedAt: base.Add(time.Duration(3-i) * time.Minute)})
		require.NoError(t, err)
	}

	logs, err := store.GetUserLogs(ctx, "g", "1")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for _, l := range logs {
		assert.Len(t, l.Messages, logPreviewMessages)
	}

	closed, err := store.ListClosedSince(ctx, base, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{keys[2], keys[1]}, logKeys(closed))
	assert.Len(t, closed[0].Messages, 7)

	latest, err := store.GetLatestUserLog(ctx, "g", "1")
	require.NoError(t, err)
	assert.Equal(t, keys[0], latest.Key)

	n, err := store.DeleteAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestClassifyLegacyNote(t *testing.T) {
	assert.Equal(t, MessageTypePersistentNote, ClassifyLegacyNote(MessageTypeSystem, "Persistent Note (bob)"))
	assert.Equal(t, MessageTypeNote, ClassifyLegacyNote(MessageTypeSystem, "Note (bob)"))
	assert.Equal(t, MessageTypeSystem, ClassifyLegacyNote(MessageTypeSystem, "bob"))
	assert.Equal(t, MessageTypeNormal, ClassifyLegacyNote(MessageTypeNormal, "Note (bob)"))
}

func TestPostgresIntegrationLogStoreLifecycle(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("MODMAIL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set MODMAIL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgresLogStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseLogStore(t, store)
}

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("MODMAIL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set MODMAIL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	backend, err := NewPostgresStateBackend(dsn)
	require.NoError(t, err)
	pg, ok := backend.(*PostgresStateBackend)
	require.True(t, ok)
	pg.stateKey = "it_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	t.Cleanup(func() { _ = pg.Close() })

	snapshot, err := backend.Load()
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	fireAt := time.Now().UTC().Truncate(time.Second)
	saved := newRuntimeSnapshot()
	saved.FallbackCategoryID = "42"
	saved.Closures[closureKey("1", false)] = PendingClosure{ThreadID: "1", FireAt: fireAt, CloserID: "7", Message: "bye"}
	saved.Closures[closureKey("1", true)] = PendingClosure{ThreadID: "1", FireAt: fireAt.Add(time.Hour), IsAutoClose: true, Silent: true, DeleteChannel: true}
	saved.Subscriptions["1"] = []string{"<@9>", "<@3>"}
	saved.NotificationSquad["1"] = []string{"<@&5>"}
	require.NoError(t, backend.Save(&saved))

	loaded, err := backend.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "42", loaded.FallbackCategoryID)
	require.Len(t, loaded.Closures, 2)
	manual := loaded.Closures[closureKey("1", false)]
	assert.True(t, manual.FireAt.Equal(fireAt))
	assert.Equal(t, "7", manual.CloserID)
	assert.Equal(t, "bye", manual.Message)
	auto := loaded.Closures[closureKey("1", true)]
	assert.True(t, auto.IsAutoClose && auto.Silent && auto.DeleteChannel)
	assert.Equal(t, []string{"<@9>", "<@3>"}, loaded.Subscriptions["1"])
	assert.Equal(t, []string{"<@&5>"}, loaded.NotificationSquad["1"])

	delete(saved.Closures, closureKey("1", false))
	delete(saved.NotificationSquad, "1")
	require.NoError(t, backend.Save(&saved))
	loaded, err = backend.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Closures, 1)
	assert.Empty(t, loaded.NotificationSquad)
}

func TestMongoIntegrationLogStoreLifecycle(t *testing.T) {
	uri := strings.TrimSpace(os.Getenv("MODMAIL_TEST_MONGO_URI"))
	if uri == "" {
		t.Skip("set MODMAIL_TEST_MONGO_URI to run MongoDB integration tests")
	}
	store, err := NewMongoLogStore(MongoLogStoreOptions{URI: uri, Database: "modmail_test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureIndexes(context.Background()))
	exerciseLogStore(t, store)
}

func TestInMemoryFindNotesKeepsCreationOrder(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryLogStore()
	var want []string
	for i := 0; i < 20; i++ {
		text := "note-" + strconv.Itoa(i)
		_, err := store.CreateNote(ctx, Note{RecipientID: "1", Message: text})
		require.NoError(t, err)
		want = append(want, text)
	}

	notes, err := store.FindNotes(ctx, "1")
	require.NoError(t, err)
	got := make([]string, 0, len(notes))
	for _, n := range notes {
		got = append(got, n.Message)
	}
	assert.Equal(t, want, got)
}

package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/modmail/internal/modmail"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func closedLog(t *testing.T, store *modmail.InMemoryLogStore, channelID, recipient string, closedAt time.Time, content string) modmail.LogEntry {
	t.Helper()
	ctx := context.Background()
	entry, err := store.CreateEntry(ctx, modmail.NewLogEntry{
		Recipient: modmail.User{ID: recipient, Name: "user" + recipient},
		Creator:   modmail.User{ID: recipient, Name: "user" + recipient},
		ChannelID: channelID,
	})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if err := store.AppendMessage(ctx, channelID, modmail.ThreadMessage{
		MessageID: channelID + "1",
		Author:    modmail.LogAuthor{ID: recipient, Name: "user" + recipient},
		Type:      modmail.MessageTypeNormal,
		Content:   content,
		Timestamp: closedAt.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("append message: %v", err)
	}
	if _, err := store.FinalizeEntry(ctx, channelID, modmail.CloseData{
		ClosedAt: closedAt,
		Closer:   modmail.LogAuthor{ID: "900", Name: "mod", Mod: true},
	}); err != nil {
		t.Fatalf("finalize entry: %v", err)
	}
	return entry
}

func TestMirrorWritesClosedLogsAndPersistsCursor(t *testing.T) {
	store := modmail.NewInMemoryLogStore()
	first := closedLog(t, store, "c1", "101", baseTime, "first question")
	second := closedLog(t, store, "c2", "102", baseTime.Add(time.Hour), "second question")
	// Still open: never archived.
	if _, err := store.CreateEntry(context.Background(), modmail.NewLogEntry{
		Recipient: modmail.User{ID: "103", Name: "open"},
		Creator:   modmail.User{ID: "103", Name: "open"},
		ChannelID: "c3",
	}); err != nil {
		t.Fatalf("create open entry: %v", err)
	}

	root := t.TempDir()
	mirror, err := NewMirror(StoreSource{Store: store}, MirrorOptions{LocalRoot: root, PageSize: 1})
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	result, err := mirror.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Written != 2 {
		t.Fatalf("expected 2 logs written, got %+v", result)
	}
	for _, entry := range []modmail.LogEntry{first, second} {
		data, err := os.ReadFile(filepath.Join(root, "2026-03", entry.Key+".md"))
		if err != nil {
			t.Fatalf("read archived log %s: %v", entry.Key, err)
		}
		if !strings.Contains(string(data), "# Modmail log "+entry.Key) {
			t.Fatalf("unexpected archive content: %s", data)
		}
	}
	if !mirror.Cursor().Equal(baseTime.Add(time.Hour)) {
		t.Fatalf("expected cursor at the newest close, got %s", mirror.Cursor())
	}

	again, err := mirror.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if again.Written != 0 {
		t.Fatalf("expected nothing new on second sync, got %+v", again)
	}

	third := closedLog(t, store, "c4", "104", baseTime.Add(2*time.Hour), "third question")
	reloaded, err := NewMirror(StoreSource{Store: store}, MirrorOptions{LocalRoot: root})
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	resumed, err := reloaded.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("resumed sync: %v", err)
	}
	if resumed.Written != 1 {
		t.Fatalf("expected only the new log after reload, got %+v", resumed)
	}
	if _, err := os.Stat(filepath.Join(root, "2026-03", third.Key+".md")); err != nil {
		t.Fatalf("expected third log archived: %v", err)
	}
}

func TestMirrorKeepsTiesAcrossPages(t *testing.T) {
	store := modmail.NewInMemoryLogStore()
	a := closedLog(t, store, "c1", "101", baseTime, "a")
	b := closedLog(t, store, "c2", "102", baseTime, "b")
	c := closedLog(t, store, "c3", "103", baseTime.Add(time.Second), "c")

	root := t.TempDir()
	mirror, err := NewMirror(StoreSource{Store: store}, MirrorOptions{LocalRoot: root, PageSize: 2})
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	if _, err := mirror.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for _, entry := range []modmail.LogEntry{a, b, c} {
		if _, err := os.Stat(filepath.Join(root, "2026-03", entry.Key+".md")); err != nil {
			t.Fatalf("expected %s archived: %v", entry.Key, err)
		}
	}
}

func TestRenderMarkdownSkipsSystemMessages(t *testing.T) {
	closedAt := baseTime.Add(3 * time.Hour)
	entry := modmail.LogEntry{
		Key:       "abc123",
		CreatedAt: baseTime,
		ClosedAt:  &closedAt,
		Recipient: modmail.LogAuthor{ID: "101", Name: "alice"},
		Creator:   modmail.LogAuthor{ID: "101", Name: "alice"},
		Closer:    &modmail.LogAuthor{ID: "900", Name: "mod", Mod: true},
		Messages: []modmail.ThreadMessage{
			{Author: modmail.LogAuthor{ID: "101", Name: "alice"}, Type: modmail.MessageTypeNormal, Content: "hello\nsecond line", Timestamp: baseTime},
			{Author: modmail.LogAuthor{ID: "800", Name: "bot"}, Type: modmail.MessageTypeSystem, Content: "genesis", Timestamp: baseTime},
			{Author: modmail.LogAuthor{ID: "900", Name: "mod", Mod: true}, Type: modmail.MessageTypeNote, Content: "looks fine", Timestamp: baseTime},
		},
	}
	out := RenderMarkdown(entry)
	if strings.Contains(out, "genesis") {
		t.Fatalf("expected system message to be skipped:\n%s", out)
	}
	if !strings.Contains(out, "> hello\n> second line\n") {
		t.Fatalf("expected quoted multi-line content:\n%s", out)
	}
	if !strings.Contains(out, "**mod** _(internal)_") {
		t.Fatalf("expected note to be marked internal:\n%s", out)
	}
	if !strings.Contains(out, "open for 3 hours") {
		t.Fatalf("expected humanized open duration:\n%s", out)
	}
}

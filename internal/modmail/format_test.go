package modmail

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMatchUserID(t *testing.T) {
	const botID = "800000000000000001"
	topic := TopicTag(botID, "123456789012345678")

	assert.Equal(t, "123456789012345678", MatchUserID(topic, botID))
	assert.Equal(t, "", MatchUserID(topic, "800000000000000002"))
	assert.Equal(t, "123456789012345678", MatchUserID(topic, ""))
	assert.Equal(t, "", MatchUserID("some notes\n"+topic, botID))
	assert.Equal(t, "123456789012345678", MatchUserID("User ID: 123456789012345678", ""))
	assert.Equal(t, "", MatchUserID("User ID: 1234", ""))
}

func TestFormatChannelName(t *testing.T) {
	tests := []struct {
		name      string
		user      User
		taken     []string
		forceNull bool
		useID     bool
		want      string
	}{
		{name: "sanitized", user: User{ID: "1", Name: "Al ice!#"}, want: "📩┋alice"},
		{name: "discriminator", user: User{ID: "1", Name: "alice", Discriminator: "0420"}, want: "📩┋alice-0420"},
		{name: "zero discriminator", user: User{ID: "1", Name: "alice", Discriminator: "0"}, want: "📩┋alice"},
		{name: "only punctuation", user: User{ID: "1", Name: "!!!"}, want: "📩┋null"},
		{name: "force null", user: User{ID: "1", Name: "alice"}, forceNull: true, want: "📩┋null"},
		{name: "use id", user: User{ID: "123", Name: "alice", Discriminator: "0420"}, useID: true, want: "📩┋123"},
		{name: "taken", user: User{ID: "1", Name: "alice"}, taken: []string{"📩┋alice", "📩┋alice_1"}, want: "📩┋alice_2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			taken := map[string]struct{}{}
			for _, n := range tc.taken {
				taken[n] = struct{}{}
			}
			assert.Equal(t, tc.want, FormatChannelName(tc.user, "", taken, tc.forceNull, tc.useID))
		})
	}
	assert.Equal(t, "ticket-bob", FormatChannelName(User{Name: "Bob"}, "ticket-", nil, false, false))
}

func TestHumanDuration(t *testing.T) {
	assert.Equal(t, "10 minutes", HumanDuration(10*time.Minute))
	assert.Equal(t, "1 hour", HumanDuration(time.Hour))
	assert.Equal(t, "12 hours", HumanDuration(12*time.Hour))
}

func TestAutoCloseMessage(t *testing.T) {
	warned := 0
	warn := func(n int) { warned = n }

	assert.Equal(t, "Closed after 12 hours.", autoCloseMessage("Closed after {timeout}.", 12*time.Hour, warn))
	assert.Equal(t, "Closed after 12 hours.", autoCloseMessage("Closed after %t.", 12*time.Hour, warn))
	assert.Zero(t, warned)

	got := autoCloseMessage("%t and %t", time.Hour, warn)
	assert.Equal(t, "%t and %t", got)
	assert.Equal(t, 2, warned)
}

func TestFillTemplate(t *testing.T) {
	assert.Equal(t, "hi alice, hi {other}", fillTemplate("hi {name}, hi {other}", map[string]string{"name": "alice"}))
	assert.Equal(t, "plain", fillTemplate("plain", nil))
}

func TestClosePreview(t *testing.T) {
	entry := LogEntry{Key: "abc123", Messages: []ThreadMessage{
		{Type: MessageTypeSystem, Content: "genesis"},
		{Type: MessageTypeNote, Content: "staff only"},
		{Type: MessageTypeNormal, Content: "line one\nline   two"},
	}}
	assert.Equal(t, "[`abc123`](https://logs/abc123): line one line two", closePreview(entry, "https://logs/abc123"))

	empty := LogEntry{Key: "k", Messages: []ThreadMessage{{Type: MessageTypeInternal, Content: "x"}}}
	assert.Equal(t, "[`k`](u): No content", closePreview(empty, "u"))

	long := LogEntry{Key: "k", Messages: []ThreadMessage{{Type: MessageTypeNormal, Content: strings.Repeat("a", 100)}}}
	preview := closePreview(long, "u")
	assert.True(t, strings.HasSuffix(preview, strings.Repeat("a", previewLength-3)+"..."))
}

func TestSettingsLogLink(t *testing.T) {
	s := Settings{LogURL: "https://logs.example.com/"}
	assert.Equal(t, "https://logs.example.com/k", s.LogLink("k"))
	s.LogURLPrefix = "/logs/"
	assert.Equal(t, "https://logs.example.com/logs/k", s.LogLink("k"))
	s.LogURLPrefix = "none"
	assert.Equal(t, "https://logs.example.com/k", s.LogLink("k"))
}

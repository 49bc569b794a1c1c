package modmail

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type DMDisabled int

const (
	DMDisabledNone DMDisabled = iota
	DMDisabledNewThreads
	DMDisabledAllThreads
)

func ParseDMDisabled(raw string) (DMDisabled, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "none", "off":
		return DMDisabledNone, nil
	case "1", "new_threads", "new-threads":
		return DMDisabledNewThreads, nil
	case "2", "all_threads", "all-threads":
		return DMDisabledAllThreads, nil
	default:
		return DMDisabledNone, fmt.Errorf("%w: dm_disabled %q", ErrInvalidInput, raw)
	}
}

func (d DMDisabled) String() string {
	switch d {
	case DMDisabledNewThreads:
		return "new_threads"
	case DMDisabledAllThreads:
		return "all_threads"
	default:
		return "none"
	}
}

// Settings are the engine knobs. They are produced by the configuration layer
// and may be swapped at runtime through a SettingsStore.
type Settings struct {
	GuildID            string
	ModmailGuildID     string
	MainCategoryID     string
	FallbackCategoryID string
	LogChannelID       string

	MainColor      int
	ModColor       int
	RecipientColor int
	ErrorColor     int
	ShowTimestamp  bool

	LogURL       string
	LogURLPrefix string

	Mention              string
	ModTag               string
	AnonUsername         string
	AnonAvatarURL        string
	AnonTag              string
	ChannelNamePrefix    string
	UseUserIDChannelName bool

	ThreadAutoClose         time.Duration
	ThreadAutoCloseSilently bool
	ThreadAutoCloseResponse string

	ThreadCloseTitle        string
	ThreadCloseResponse     string
	ThreadSelfCloseResponse string
	ThreadCloseFooter       string

	ThreadCreationTitle              string
	ThreadCreationResponse           string
	ThreadCreationFooter             string
	ThreadSelfClosableCreationFooter string

	ThreadCooldown         time.Duration
	CooldownThreadTitle    string
	CooldownThreadResponse string

	ConfirmThreadCreation       bool
	ConfirmThreadCreationTitle  string
	ConfirmThreadResponse       string
	ConfirmThreadCreationAccept string
	ConfirmThreadCreationDeny   string
	ConfirmTimeout              time.Duration
	ThreadCancelled             string

	RecipientThreadClose bool
	CloseEmoji           string
	ThreadShowAccountAge bool
	ThreadShowJoinAge    bool

	CloseOnLeave       bool
	CloseOnLeaveReason string

	TransferReactions bool
	UserTyping        bool
	ModTyping         bool

	DMDisabled                    DMDisabled
	DisabledNewThreadTitle        string
	DisabledNewThreadResponse     string
	DisabledNewThreadFooter       string
	DisabledCurrentThreadTitle    string
	DisabledCurrentThreadResponse string
	DisabledCurrentThreadFooter   string

	SentEmoji    string
	BlockedEmoji string
}

func DefaultSettings() Settings {
	return Settings{
		MainColor:      0x7289DA,
		ModColor:       0x2ECC71,
		RecipientColor: 0xF1C40F,
		ErrorColor:     0xE74C3C,
		ShowTimestamp:  true,

		LogURL:       "https://example.com/",
		LogURLPrefix: "/logs",

		Mention:           "@here",
		AnonTag:           "Response",
		ChannelNamePrefix: "📩┋",

		ThreadAutoCloseResponse: "This thread has been closed automatically due to inactivity after {timeout}.",

		ThreadCloseTitle:        "Thread Closed",
		ThreadCloseResponse:     "{closer.mention} has closed this Modmail thread.",
		ThreadSelfCloseResponse: "You have closed this Modmail thread.",
		ThreadCloseFooter:       "Replying will create a new thread",

		ThreadCreationTitle:              "Thread Created",
		ThreadCreationResponse:           "The staff team will get back to you as soon as possible.",
		ThreadCreationFooter:             "Your message has been sent",
		ThreadSelfClosableCreationFooter: "Click the lock to close the thread",

		CooldownThreadTitle:    "Message not sent!",
		CooldownThreadResponse: "Your cooldown ends {delta}. Try contacting me then.",

		ConfirmThreadCreationTitle:  "Confirm thread creation",
		ConfirmThreadResponse:       "React to confirm thread creation which will directly contact the moderators.",
		ConfirmThreadCreationAccept: "✅",
		ConfirmThreadCreationDeny:   "🚫",
		ConfirmTimeout:              20 * time.Second,
		ThreadCancelled:             "Cancelled",

		CloseEmoji:           "🔒",
		ThreadShowAccountAge: true,
		ThreadShowJoinAge:    true,

		CloseOnLeaveReason: "The recipient has left the server.",
		TransferReactions:  true,

		DisabledNewThreadTitle:        "Not Delivered",
		DisabledNewThreadResponse:     "We are not accepting new threads.",
		DisabledNewThreadFooter:       "Please try again later...",
		DisabledCurrentThreadTitle:    "Not Delivered",
		DisabledCurrentThreadResponse: "We are not accepting any messages.",
		DisabledCurrentThreadFooter:   "Please try again later...",

		SentEmoji:    "✅",
		BlockedEmoji: "🚫",
	}
}

func (s Settings) modmailGuild() string {
	if s.ModmailGuildID != "" {
		return s.ModmailGuildID
	}
	return s.GuildID
}

// LogLink builds the public URL of a log from the configured base and prefix.
// A prefix of "NONE" disables it.
func (s Settings) LogLink(key string) string {
	base := strings.TrimRight(strings.TrimSpace(s.LogURL), "/")
	prefix := strings.Trim(strings.TrimSpace(s.LogURLPrefix), "/")
	if strings.EqualFold(prefix, "NONE") {
		prefix = ""
	}
	if prefix != "" {
		return base + "/" + prefix + "/" + key
	}
	return base + "/" + key
}

// SettingsStore holds the live settings; readers always see a complete value.
type SettingsStore struct {
	v atomic.Pointer[Settings]
}

func NewSettingsStore(s Settings) *SettingsStore {
	store := &SettingsStore{}
	store.Store(s)
	return store
}

func (s *SettingsStore) Load() Settings {
	if s == nil {
		return DefaultSettings()
	}
	current := s.v.Load()
	if current == nil {
		return DefaultSettings()
	}
	return *current
}

func (s *SettingsStore) Store(settings Settings) {
	s.v.Store(&settings)
}

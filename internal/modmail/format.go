package modmail

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	channelNamePrefix  = "📩┋"
	nullChannelName    = "null"
	previewLength      = 62
	maxEmbedFieldValue = 1024
)

var (
	topicTagRe = regexp.MustCompile(`^\(Modmail thread\)\nBot ID: (\d{17,21})\b\nUser ID: (\d{17,21})\b`)
	looseUIDRe = regexp.MustCompile(`(?i)\bUser ID:\s*(\d{17,21})\b`)
	timeMarker = regexp.MustCompile(`%t`)
)

// TopicTag is the recovery tag written into every thread channel topic.
func TopicTag(botID, userID string) string {
	return fmt.Sprintf("(Modmail thread)\nBot ID: %s\nUser ID: %s", botID, userID)
}

// MatchUserID extracts the recipient id from a channel topic or embed footer.
// With a bot id only the strict tag written by this bot matches; without one
// any "User ID: <id>" text does.
func MatchUserID(text, botID string) string {
	if botID == "" {
		m := looseUIDRe.FindStringSubmatch(text)
		if m == nil {
			return ""
		}
		return m[1]
	}
	m := topicTagRe.FindStringSubmatch(text)
	if m == nil || m[1] != botID {
		return ""
	}
	return m[2]
}

var lowerFold = cases.Lower(language.Und)

func sanitizeChannelName(name string) string {
	name = lowerFold.String(norm.NFKC.String(name))
	var b strings.Builder
	for _, r := range name {
		if r < unicode.MaxASCII && unicode.IsPunct(r) || r < unicode.MaxASCII && unicode.IsSymbol(r) {
			continue
		}
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return nullChannelName
	}
	return b.String()
}

// FormatChannelName derives a thread channel name from the recipient. taken
// holds the names already used in the guild; a numeric suffix is appended
// until the name is free.
func FormatChannelName(user User, prefix string, taken map[string]struct{}, forceNull, useID bool) string {
	if prefix == "" {
		prefix = channelNamePrefix
	}
	var base string
	switch {
	case forceNull:
		base = nullChannelName
	case useID:
		base = user.ID
	default:
		base = sanitizeChannelName(user.Name)
	}
	name := prefix + base
	if !useID && user.Discriminator != "" && user.Discriminator != "0" {
		name += "-" + user.Discriminator
	}
	candidate := name
	for counter := 1; ; counter++ {
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
		candidate = name + "_" + strconv.Itoa(counter)
	}
}

// HumanDuration renders a duration the way notices show it, e.g. "12 hours".
func HumanDuration(d time.Duration) string {
	now := time.Now()
	return strings.TrimSpace(humanize.RelTime(now, now.Add(d), "", ""))
}

// fillTemplate substitutes {name} placeholders.
func fillTemplate(template string, values map[string]string) string {
	if template == "" || len(values) == 0 {
		return template
	}
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// autoCloseMessage fills the inactivity notice. Exactly one %t marker is
// replaced; more than one is reported through warn and left as is.
func autoCloseMessage(template string, timeout time.Duration, warn func(markers int)) string {
	human := HumanDuration(timeout)
	msg := fillTemplate(template, map[string]string{"timeout": human})
	switch n := len(timeMarker.FindAllStringIndex(msg, -1)); {
	case n == 1:
		msg = timeMarker.ReplaceAllLiteralString(msg, human)
	case n > 1 && warn != nil:
		warn(n)
	}
	return msg
}

// closePreview is the one-line summary posted to the log channel.
func closePreview(entry LogEntry, logURL string) string {
	first := ""
	for _, m := range entry.Messages {
		if m.Type.IsNote() || m.Type == MessageTypeInternal || m.Type == MessageTypeSystem {
			continue
		}
		first = m.Content
		break
	}
	first = strings.Join(strings.Fields(strings.ReplaceAll(first, "\n", " ")), " ")
	if runes := []rune(first); len(runes) > previewLength {
		first = strings.TrimSpace(string(runes[:previewLength-3])) + "..."
	}
	if first == "" {
		first = "No content"
	}
	return fmt.Sprintf("[`%s`](%s): %s", entry.Key, logURL, first)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

type infoEmbedInput struct {
	User         User
	Member       *Member
	MutualGuilds []Guild
	LogURL       string
	LogCount     *int
	DMChannelID  string
	Color        int
	ShowAccount  bool
	ShowJoin     bool
	Now          time.Time
}

// infoEmbed is the genesis message summarizing the recipient. Its footer
// carries "User ID: <id>" so the thread can be repaired from history.
func infoEmbed(in infoEmbedInput) Embed {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	desc := in.User.Mention()
	parts := make([]string, 0, 2)
	if in.ShowAccount && !in.User.CreatedAt.IsZero() {
		parts = append(parts, "was created "+humanize.RelTime(in.User.CreatedAt, now, "ago", "from now"))
	}
	if in.Member != nil && in.ShowJoin && !in.Member.JoinedAt.IsZero() {
		parts = append(parts, "joined "+humanize.RelTime(in.Member.JoinedAt, now, "ago", "from now"))
	}
	if len(parts) > 0 {
		desc += " " + strings.Join(parts, ", ")
	}
	if in.LogCount != nil {
		count := "no"
		if *in.LogCount > 0 {
			count = strconv.Itoa(*in.LogCount)
		}
		desc += fmt.Sprintf(" with **%s** past %s.", count, plural(*in.LogCount, "thread", "threads"))
	} else {
		desc += "."
	}

	ts := now
	e := Embed{
		Color:       in.Color,
		Description: desc,
		Timestamp:   &ts,
		Author:      &EmbedAuthor{Name: in.User.Tag(), IconURL: in.User.AvatarURL, URL: in.LogURL},
	}
	footer := "User ID: " + in.User.ID
	if in.DMChannelID != "" {
		footer += " • DM ID: " + in.DMChannelID
	}
	if in.Member != nil {
		if in.Member.Nick != "" {
			e.AddField("Nickname", in.Member.Nick, true)
		}
		if roles := roleList(in.Member.Roles); roles != "" {
			e.AddField("Roles", roles, true)
		}
		e.SetFooter(footer, "")
	} else {
		e.SetFooter(footer+" • (not in main server)", "")
	}
	if in.Member == nil || len(in.MutualGuilds) > 1 {
		names := make([]string, 0, len(in.MutualGuilds))
		for _, g := range in.MutualGuilds {
			names = append(names, g.Name)
		}
		if len(names) > 0 {
			e.AddField("Mutual Server(s)", strings.Join(names, ", "), false)
		}
	}
	return e
}

func roleList(roles []Role) string {
	sorted := append([]Role(nil), roles...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Position > sorted[j-1].Position; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	names := make([]string, 0, len(sorted))
	for _, r := range sorted {
		if r.Position == 0 {
			continue
		}
		next := append(names, "<@&"+r.ID+">")
		if len(strings.Join(next, " ")) > maxEmbedFieldValue-4 {
			names = append(names, "...")
			break
		}
		names = next
	}
	return strings.Join(names, " ")
}

func errorEmbed(color int, description string) *Embed {
	return &Embed{Color: color, Description: description}
}

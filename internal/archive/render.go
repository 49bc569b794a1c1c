package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/agentworkforce/modmail/internal/modmail"
)

// RenderMarkdown turns a closed log into the archived document. System
// messages are dropped; notes stay, marked as internal.
func RenderMarkdown(entry modmail.LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Modmail log %s\n\n", entry.Key)
	fmt.Fprintf(&b, "- Recipient: %s (%s)\n", displayName(entry.Recipient), entry.Recipient.ID)
	fmt.Fprintf(&b, "- Opened: %s by %s\n", entry.CreatedAt.UTC().Format(time.RFC3339), displayName(entry.Creator))
	if entry.ClosedAt != nil {
		closer := "unknown"
		if entry.Closer != nil {
			closer = displayName(*entry.Closer)
		}
		fmt.Fprintf(&b, "- Closed: %s by %s, open for %s\n",
			entry.ClosedAt.UTC().Format(time.RFC3339), closer,
			strings.TrimSpace(humanize.RelTime(entry.CreatedAt, *entry.ClosedAt, "", "")))
	}
	if entry.CloseMessage != "" {
		fmt.Fprintf(&b, "- Close message: %s\n", entry.CloseMessage)
	}
	fmt.Fprintf(&b, "- Messages: %s\n", humanize.Comma(int64(len(entry.Messages))))
	b.WriteString("\n---\n")

	for _, msg := range entry.Messages {
		if msg.Type == modmail.MessageTypeSystem {
			continue
		}
		fmt.Fprintf(&b, "\n**%s**", displayName(msg.Author))
		switch msg.Type {
		case modmail.MessageTypeNote, modmail.MessageTypePersistentNote, modmail.MessageTypeInternal:
			b.WriteString(" _(internal)_")
		case modmail.MessageTypeAnonymous:
			b.WriteString(" _(anonymous)_")
		}
		if msg.Edited {
			b.WriteString(" _(edited)_")
		}
		fmt.Fprintf(&b, " · %s\n\n", msg.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		if content := strings.TrimSpace(msg.Content); content != "" {
			for _, line := range strings.Split(content, "\n") {
				b.WriteString("> " + line + "\n")
			}
		}
		for _, att := range msg.Attachments {
			fmt.Fprintf(&b, "> [%s](%s)\n", att.Filename, att.URL)
		}
	}
	return b.String()
}

func displayName(a modmail.LogAuthor) string {
	if a.Name == "" {
		return a.ID
	}
	if a.Discriminator != "" && a.Discriminator != "0" {
		return a.Name + "#" + a.Discriminator
	}
	return a.Name
}

package modmail

import (
	"path"
	"strings"
	"time"
)

type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Discriminator string    `json:"discriminator,omitempty"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

// Tag renders the user the way staff see it in embeds: name#discriminator,
// or the bare name for accounts without a legacy discriminator.
func (u User) Tag() string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		if u.Name == "" {
			return u.ID
		}
		return u.Name
	}
	return u.Name + "#" + u.Discriminator
}

func (u User) Mention() string {
	return "<@" + u.ID + ">"
}

type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Hoist    bool   `json:"hoist,omitempty"`
}

type Member struct {
	User     User      `json:"user"`
	GuildID  string    `json:"guildId"`
	Nick     string    `json:"nick,omitempty"`
	Roles    []Role    `json:"roles,omitempty"`
	JoinedAt time.Time `json:"joinedAt,omitempty"`
}

// TopRole returns the name of the highest positioned role, or an empty string
// when the member only has the default role.
func (m Member) TopRole() string {
	top := -1
	name := ""
	for _, role := range m.Roles {
		if role.Position > top {
			top = role.Position
			name = role.Name
		}
	}
	return name
}

type Guild struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IconURL string `json:"iconUrl,omitempty"`
}

type ChannelKind string

const (
	ChannelKindText     ChannelKind = "text"
	ChannelKindDM       ChannelKind = "dm"
	ChannelKindCategory ChannelKind = "category"
)

type Channel struct {
	ID          string      `json:"id"`
	GuildID     string      `json:"guildId,omitempty"`
	CategoryID  string      `json:"categoryId,omitempty"`
	Name        string      `json:"name,omitempty"`
	Topic       string      `json:"topic,omitempty"`
	Kind        ChannelKind `json:"kind"`
	RecipientID string      `json:"recipientId,omitempty"`
	NSFW        bool        `json:"nsfw,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type Category struct {
	ID           string `json:"id"`
	GuildID      string `json:"guildId"`
	Name         string `json:"name"`
	ChannelCount int    `json:"channelCount"`
}

type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
}

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".gifv": {}, ".webp": {},
}

func (a Attachment) IsImage() bool {
	if strings.HasPrefix(strings.ToLower(a.ContentType), "image/") {
		return true
	}
	return isImageURL(a.Filename) || isImageURL(a.URL)
}

func isImageURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	_, ok := imageExtensions[strings.ToLower(path.Ext(raw))]
	return ok
}

type EmbedAuthor struct {
	Name    string `json:"name"`
	IconURL string `json:"iconUrl,omitempty"`
	URL     string `json:"url,omitempty"`
}

type EmbedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"iconUrl,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   *time.Time   `json:"timestamp,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	ImageURL    string       `json:"imageUrl,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

func (e *Embed) AddField(name, value string, inline bool) {
	e.Fields = append(e.Fields, EmbedField{Name: name, Value: value, Inline: inline})
}

func (e *Embed) SetFooter(text, iconURL string) {
	e.Footer = &EmbedFooter{Text: text, IconURL: iconURL}
}

func (e Embed) FooterText() string {
	if e.Footer == nil {
		return ""
	}
	return e.Footer.Text
}

func (e Embed) AuthorName() string {
	if e.Author == nil {
		return ""
	}
	return e.Author.Name
}

func (e Embed) clone() Embed {
	out := e
	if e.Timestamp != nil {
		ts := *e.Timestamp
		out.Timestamp = &ts
	}
	if e.Author != nil {
		author := *e.Author
		out.Author = &author
	}
	if e.Footer != nil {
		footer := *e.Footer
		out.Footer = &footer
	}
	if e.Fields != nil {
		out.Fields = append([]EmbedField(nil), e.Fields...)
	}
	return out
}

type MessageKind string

const (
	MessageKindDefault MessageKind = "default"
	MessageKindReply   MessageKind = "reply"
	MessageKindSystem  MessageKind = "system"
)

type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	GuildID     string       `json:"guildId,omitempty"`
	Author      User         `json:"author"`
	Content     string       `json:"content,omitempty"`
	Embeds      []Embed      `json:"embeds,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Kind        MessageKind  `json:"kind,omitempty"`
	Pinned      bool         `json:"pinned,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
}

func (m Message) IsDM() bool {
	return m.GuildID == ""
}

// IsDefault reports whether the message is a regular user message; system
// notices such as pins or joins are never relayed.
func (m Message) IsDefault() bool {
	return m.Kind == "" || m.Kind == MessageKindDefault || m.Kind == MessageKindReply
}

type OutgoingMessage struct {
	Content string       `json:"content,omitempty"`
	Embed   *Embed       `json:"embed,omitempty"`
	Files   []Attachment `json:"files,omitempty"`
}

type MessageEdit struct {
	Content *string `json:"content,omitempty"`
	Embed   *Embed  `json:"embed,omitempty"`
}

type MessageType string

const (
	MessageTypeNormal         MessageType = "thread_message"
	MessageTypeAnonymous      MessageType = "anonymous"
	MessageTypeSystem         MessageType = "system"
	MessageTypeInternal       MessageType = "internal"
	MessageTypeInvalid        MessageType = "invalid"
	MessageTypeNote           MessageType = "note"
	MessageTypePersistentNote MessageType = "persistent_note"
)

func (t MessageType) IsNote() bool {
	return t == MessageTypeNote || t == MessageTypePersistentNote
}

type LogAuthor struct {
	ID            string `json:"id" bson:"id"`
	Name          string `json:"name" bson:"name"`
	Discriminator string `json:"discriminator,omitempty" bson:"discriminator,omitempty"`
	AvatarURL     string `json:"avatarUrl,omitempty" bson:"avatar_url,omitempty"`
	Mod           bool   `json:"mod" bson:"mod"`
}

func logAuthorFrom(u User, mod bool) LogAuthor {
	return LogAuthor{
		ID:            u.ID,
		Name:          u.Name,
		Discriminator: u.Discriminator,
		AvatarURL:     u.AvatarURL,
		Mod:           mod,
	}
}

type LogAttachment struct {
	ID       string `json:"id" bson:"id"`
	Filename string `json:"filename" bson:"filename"`
	IsImage  bool   `json:"isImage" bson:"is_image"`
	Size     int64  `json:"size" bson:"size"`
	URL      string `json:"url" bson:"url"`
}

// ThreadMessage is one logged exchange. LinkedIDs[0] is the rendering in the
// thread channel and LinkedIDs[1], when present, the rendering in the DM.
type ThreadMessage struct {
	Key         string          `json:"key,omitempty" bson:"-"`
	MessageID   string          `json:"messageId" bson:"message_id"`
	LinkedIDs   []string        `json:"linkedIds,omitempty" bson:"linked_ids,omitempty"`
	Author      LogAuthor       `json:"author" bson:"author"`
	Type        MessageType     `json:"type" bson:"type"`
	Content     string          `json:"content" bson:"content"`
	Attachments []LogAttachment `json:"attachments,omitempty" bson:"attachments,omitempty"`
	Timestamp   time.Time       `json:"timestamp" bson:"timestamp"`
	Edited      bool            `json:"edited,omitempty" bson:"edited,omitempty"`
}

// HasID reports whether id is the message id or one of the linked ids.
func (m ThreadMessage) HasID(id string) bool {
	if id == "" {
		return false
	}
	if m.MessageID == id {
		return true
	}
	for _, linked := range m.LinkedIDs {
		if linked == id {
			return true
		}
	}
	return false
}

func (m ThreadMessage) clone() ThreadMessage {
	out := m
	out.LinkedIDs = append([]string(nil), m.LinkedIDs...)
	out.Attachments = append([]LogAttachment(nil), m.Attachments...)
	return out
}

func newThreadMessage(msg Message, messageID string, linked []string, typ MessageType, mod bool) ThreadMessage {
	if messageID == "" {
		messageID = msg.ID
	}
	attachments := make([]LogAttachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, LogAttachment{
			ID:       a.ID,
			Filename: a.Filename,
			IsImage:  a.IsImage(),
			Size:     a.Size,
			URL:      a.URL,
		})
	}
	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ThreadMessage{
		MessageID:   messageID,
		LinkedIDs:   compactIDs(linked),
		Author:      logAuthorFrom(msg.Author, mod),
		Type:        typ,
		Content:     msg.Content,
		Attachments: attachments,
		Timestamp:   ts,
	}
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type LogEntry struct {
	Key          string          `json:"key" bson:"key"`
	Open         bool            `json:"open" bson:"open"`
	CreatedAt    time.Time       `json:"createdAt" bson:"created_at"`
	ClosedAt     *time.Time      `json:"closedAt,omitempty" bson:"closed_at,omitempty"`
	ChannelID    string          `json:"channelId" bson:"channel_id"`
	GuildID      string          `json:"guildId,omitempty" bson:"guild_id,omitempty"`
	BotID        string          `json:"botId,omitempty" bson:"bot_id,omitempty"`
	Recipient    LogAuthor       `json:"recipient" bson:"recipient"`
	Creator      LogAuthor       `json:"creator" bson:"creator"`
	Closer       *LogAuthor      `json:"closer,omitempty" bson:"closer,omitempty"`
	CloseMessage string          `json:"closeMessage,omitempty" bson:"close_message,omitempty"`
	Messages     []ThreadMessage `json:"messages" bson:"messages"`
}

func (e LogEntry) clone() LogEntry {
	out := e
	if e.ClosedAt != nil {
		ts := *e.ClosedAt
		out.ClosedAt = &ts
	}
	if e.Closer != nil {
		closer := *e.Closer
		out.Closer = &closer
	}
	out.Messages = make([]ThreadMessage, 0, len(e.Messages))
	for _, m := range e.Messages {
		cm := m.clone()
		cm.Key = e.Key
		out.Messages = append(out.Messages, cm)
	}
	return out
}

// RespondedBy reports whether userID replied to the recipient in this log.
func (e LogEntry) RespondedBy(userID string) bool {
	for _, m := range e.Messages {
		if m.Author.ID == userID && m.Author.Mod && (m.Type == MessageTypeNormal || m.Type == MessageTypeAnonymous) {
			return true
		}
	}
	return false
}

type NewLogEntry struct {
	Recipient    User
	Creator      User
	CreatorIsMod bool
	ChannelID    string
	GuildID      string
	BotID        string
}

type CloseData struct {
	ClosedAt     time.Time
	Closer       LogAuthor
	CloseMessage string
}

type Note struct {
	ID          string    `json:"id" bson:"_id"`
	RecipientID string    `json:"recipientId" bson:"recipient"`
	Author      LogAuthor `json:"author" bson:"author"`
	Message     string    `json:"message" bson:"message"`
	MessageID   string    `json:"messageId" bson:"message_id"`
}

// PendingClosure is a persisted delayed close. At most one manual and one
// auto-close closure exist per thread.
type PendingClosure struct {
	ThreadID      string    `json:"threadId"`
	FireAt        time.Time `json:"fireAt"`
	CloserID      string    `json:"closerId"`
	Silent        bool      `json:"silent"`
	DeleteChannel bool      `json:"deleteChannel"`
	Message       string    `json:"message,omitempty"`
	IsAutoClose   bool      `json:"isAutoClose"`
}

func closureKey(threadID string, autoClose bool) string {
	if autoClose {
		return threadID + "/auto"
	}
	return threadID
}

package modmail

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const categoryChannelLimit = 50

// MemoryPlatform is a loopback messaging platform. It backs local development
// and the engine tests; every object lives in process memory.
type MemoryPlatform struct {
	mu sync.Mutex

	nextID   uint64
	bot      User
	users    map[string]User
	guilds   map[string]Guild
	members  map[string]map[string]Member
	cats     map[string]Category
	channels map[string]Channel
	messages map[string][]Message
	dms      map[string]string
	blocked  map[string]bool
	reacts   map[string][]string
	typing   []Destination

	// CreateChannelHook, when set, may veto a channel creation.
	CreateChannelHook func(req CreateChannelRequest) error
	// SendHook, when set, may veto a send.
	SendHook func(dest Destination, msg OutgoingMessage) error
	// GetChannelHook, when set, runs before every channel lookup.
	GetChannelHook func(channelID string)
}

func NewMemoryPlatform(bot User) *MemoryPlatform {
	if bot.ID == "" {
		bot.ID = "800000000000000001"
	}
	if bot.Name == "" {
		bot.Name = "Modmail"
	}
	bot.Bot = true
	p := &MemoryPlatform{
		nextID:   900_000_000_000_000_000,
		bot:      bot,
		users:    map[string]User{},
		guilds:   map[string]Guild{},
		members:  map[string]map[string]Member{},
		cats:     map[string]Category{},
		channels: map[string]Channel{},
		messages: map[string][]Message{},
		dms:      map[string]string{},
		blocked:  map[string]bool{},
		reacts:   map[string][]string{},
	}
	p.users[bot.ID] = bot
	return p
}

func (p *MemoryPlatform) newIDLocked() string {
	p.nextID++
	return strconv.FormatUint(p.nextID, 10)
}

func (p *MemoryPlatform) AddUser(u User) User {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.ID == "" {
		u.ID = p.newIDLocked()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	p.users[u.ID] = u
	return u
}

func (p *MemoryPlatform) AddGuild(g Guild) Guild {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.ID == "" {
		g.ID = p.newIDLocked()
	}
	p.guilds[g.ID] = g
	if p.members[g.ID] == nil {
		p.members[g.ID] = map[string]Member{}
	}
	p.members[g.ID][p.bot.ID] = Member{User: p.bot, GuildID: g.ID, JoinedAt: time.Now().UTC()}
	return g
}

func (p *MemoryPlatform) AddMember(m Member) Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[m.User.ID]; !ok {
		p.users[m.User.ID] = m.User
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	if p.members[m.GuildID] == nil {
		p.members[m.GuildID] = map[string]Member{}
	}
	p.members[m.GuildID][m.User.ID] = m
	return m
}

func (p *MemoryPlatform) RemoveMember(guildID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members[guildID], userID)
}

func (p *MemoryPlatform) AddCategory(c Category) Category {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.ID == "" {
		c.ID = p.newIDLocked()
	}
	p.cats[c.ID] = c
	return c
}

func (p *MemoryPlatform) AddChannel(c Channel) Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.ID == "" {
		c.ID = p.newIDLocked()
	}
	if c.Kind == "" {
		c.Kind = ChannelKindText
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	p.channels[c.ID] = c
	return c
}

// BlockDMs makes every DM to userID fail with ErrForbidden.
func (p *MemoryPlatform) BlockDMs(userID string, blocked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[userID] = blocked
}

// Post stores a message as if a person had written it, for example a DM from
// a recipient or a staff message in a thread channel.
func (p *MemoryPlatform) Post(msg Message) Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.ID == "" {
		msg.ID = p.newIDLocked()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = MessageKindDefault
	}
	p.messages[msg.ChannelID] = append(p.messages[msg.ChannelID], msg)
	return msg
}

// PostDM stores a DM from userID to the bot.
func (p *MemoryPlatform) PostDM(userID, content string, attachments ...Attachment) Message {
	dm := p.dmChannel(userID)
	p.mu.Lock()
	author := p.users[userID]
	p.mu.Unlock()
	if author.ID == "" {
		author = User{ID: userID}
	}
	return p.Post(Message{ChannelID: dm.ID, Author: author, Content: content, Attachments: attachments})
}

func (p *MemoryPlatform) Messages(channelID string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages[channelID]...)
}

func (p *MemoryPlatform) DMMessages(userID string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.dms[userID]
	if !ok {
		return nil
	}
	return append([]Message(nil), p.messages[id]...)
}

func (p *MemoryPlatform) Reactions(channelID, messageID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.reacts[channelID+"/"+messageID]...)
}

func (p *MemoryPlatform) TypingEvents() []Destination {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Destination(nil), p.typing...)
}

func (p *MemoryPlatform) HasChannel(channelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.channels[channelID]
	return ok
}

func (p *MemoryPlatform) BotUser() User {
	return p.bot
}

func (p *MemoryPlatform) GetUser(_ context.Context, userID string) (User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrPlatformNotFound, userID)
	}
	return u, nil
}

func (p *MemoryPlatform) GetMember(_ context.Context, guildID, userID string) (Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[guildID][userID]
	if !ok {
		return Member{}, fmt.Errorf("%w: member %s/%s", ErrPlatformNotFound, guildID, userID)
	}
	return m, nil
}

func (p *MemoryPlatform) MutualGuilds(_ context.Context, userID string) ([]Guild, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Guild, 0)
	for guildID, members := range p.members {
		if _, ok := members[userID]; ok {
			if g, ok := p.guilds[guildID]; ok {
				out = append(out, g)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *MemoryPlatform) GetGuild(_ context.Context, guildID string) (Guild, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.guilds[guildID]
	if !ok {
		return Guild{}, fmt.Errorf("%w: guild %s", ErrPlatformNotFound, guildID)
	}
	return g, nil
}

func (p *MemoryPlatform) GetCategory(_ context.Context, categoryID string) (Category, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cats[categoryID]
	if !ok {
		return Category{}, fmt.Errorf("%w: category %s", ErrPlatformNotFound, categoryID)
	}
	c.ChannelCount = p.categoryCountLocked(categoryID)
	return c, nil
}

func (p *MemoryPlatform) categoryCountLocked(categoryID string) int {
	count := 0
	for _, ch := range p.channels {
		if ch.CategoryID == categoryID {
			count++
		}
	}
	return count
}

func (p *MemoryPlatform) CloneCategory(_ context.Context, categoryID, name string) (Category, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.cats[categoryID]
	if !ok {
		return Category{}, fmt.Errorf("%w: category %s", ErrPlatformNotFound, categoryID)
	}
	clone := Category{ID: p.newIDLocked(), GuildID: src.GuildID, Name: name}
	p.cats[clone.ID] = clone
	return clone, nil
}

func (p *MemoryPlatform) CreateChannel(_ context.Context, req CreateChannelRequest) (Channel, error) {
	p.mu.Lock()
	hook := p.CreateChannelHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(req); err != nil {
			return Channel{}, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.CategoryID != "" {
		if _, ok := p.cats[req.CategoryID]; !ok {
			return Channel{}, fmt.Errorf("%w: category %s", ErrPlatformNotFound, req.CategoryID)
		}
		if p.categoryCountLocked(req.CategoryID) >= categoryChannelLimit {
			return Channel{}, &PlatformError{Status: 400, Code: "category_full", Message: "maximum number of channels in category reached"}
		}
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Channel{}, &PlatformError{Status: 400, Code: "name_rejected", Message: "channel name is empty"}
	}
	for _, ch := range p.channels {
		if ch.GuildID == req.GuildID && ch.Name == name {
			return Channel{}, &PlatformError{Status: 400, Code: "name_taken", Message: "channel name is taken"}
		}
	}
	ch := Channel{
		ID:         p.newIDLocked(),
		GuildID:    req.GuildID,
		CategoryID: req.CategoryID,
		Name:       name,
		Topic:      req.Topic,
		Kind:       ChannelKindText,
		CreatedAt:  time.Now().UTC(),
	}
	p.channels[ch.ID] = ch
	return ch, nil
}

func (p *MemoryPlatform) GetChannel(_ context.Context, channelID string) (Channel, error) {
	p.mu.Lock()
	hook := p.GetChannelHook
	p.mu.Unlock()
	if hook != nil {
		hook(channelID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channelID]
	if !ok {
		return Channel{}, fmt.Errorf("%w: channel %s", ErrPlatformNotFound, channelID)
	}
	return ch, nil
}

func (p *MemoryPlatform) TextChannels(_ context.Context, guildID string) ([]Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Channel, 0)
	for _, ch := range p.channels {
		if ch.Kind == ChannelKindText && ch.GuildID == guildID {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *MemoryPlatform) EditChannelTopic(_ context.Context, channelID, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", ErrPlatformNotFound, channelID)
	}
	ch.Topic = topic
	p.channels[channelID] = ch
	return nil
}

func (p *MemoryPlatform) DeleteChannel(_ context.Context, channelID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[channelID]; !ok {
		return fmt.Errorf("%w: channel %s", ErrPlatformNotFound, channelID)
	}
	delete(p.channels, channelID)
	delete(p.messages, channelID)
	return nil
}

func (p *MemoryPlatform) DMChannel(_ context.Context, userID string) (Channel, error) {
	return p.dmChannel(userID), nil
}

func (p *MemoryPlatform) dmChannel(userID string) Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.dms[userID]; ok {
		return p.channels[id]
	}
	ch := Channel{ID: p.newIDLocked(), Kind: ChannelKindDM, RecipientID: userID, CreatedAt: time.Now().UTC()}
	p.channels[ch.ID] = ch
	p.dms[userID] = ch.ID
	return ch
}

func (p *MemoryPlatform) Send(ctx context.Context, dest Destination, msg OutgoingMessage) (Message, error) {
	p.mu.Lock()
	hook := p.SendHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(dest, msg); err != nil {
			return Message{}, err
		}
	}
	var channelID, guildID string
	switch d := dest.(type) {
	case ChannelDestination:
		ch, err := p.GetChannel(ctx, d.ChannelID)
		if err != nil {
			return Message{}, err
		}
		channelID, guildID = ch.ID, ch.GuildID
	case UserDestination:
		p.mu.Lock()
		blocked := p.blocked[d.UserID]
		p.mu.Unlock()
		if blocked {
			return Message{}, &PlatformError{Status: 403, Code: "forbidden", Message: "cannot send messages to this user"}
		}
		channelID = p.dmChannel(d.UserID).ID
	default:
		return Message{}, fmt.Errorf("%w: destination %v", ErrInvalidInput, dest)
	}
	out := Message{
		ChannelID: channelID,
		GuildID:   guildID,
		Author:    p.bot,
		Content:   msg.Content,
	}
	if msg.Embed != nil {
		out.Embeds = []Embed{msg.Embed.clone()}
	}
	for _, f := range msg.Files {
		p.mu.Lock()
		f.ID = p.newIDLocked()
		p.mu.Unlock()
		out.Attachments = append(out.Attachments, f)
	}
	return p.Post(out), nil
}

func (p *MemoryPlatform) FetchMessage(_ context.Context, channelID, messageID string) (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages[channelID] {
		if m.ID == messageID {
			return m, nil
		}
	}
	return Message{}, fmt.Errorf("%w: message %s", ErrPlatformNotFound, messageID)
}

func (p *MemoryPlatform) History(_ context.Context, channelID string, query HistoryQuery) ([]Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[channelID]; !ok {
		return nil, fmt.Errorf("%w: channel %s", ErrPlatformNotFound, channelID)
	}
	all := p.messages[channelID]
	out := make([]Message, 0, len(all))
	if query.OldestFirst {
		out = append(out, all...)
	} else {
		for i := len(all) - 1; i >= 0; i-- {
			out = append(out, all[i])
		}
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (p *MemoryPlatform) EditMessage(_ context.Context, channelID, messageID string, edit MessageEdit) (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.messages[channelID]
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		if edit.Content != nil {
			msgs[i].Content = *edit.Content
		}
		if edit.Embed != nil {
			msgs[i].Embeds = []Embed{edit.Embed.clone()}
		}
		now := time.Now().UTC()
		msgs[i].EditedAt = &now
		return msgs[i], nil
	}
	return Message{}, fmt.Errorf("%w: message %s", ErrPlatformNotFound, messageID)
}

func (p *MemoryPlatform) DeleteMessage(_ context.Context, channelID, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.messages[channelID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			p.messages[channelID] = append(msgs[:i:i], msgs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: message %s", ErrPlatformNotFound, messageID)
}

func (p *MemoryPlatform) PinMessage(_ context.Context, channelID, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.messages[channelID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Pinned = true
			return nil
		}
	}
	return fmt.Errorf("%w: message %s", ErrPlatformNotFound, messageID)
}

func (p *MemoryPlatform) AddReaction(_ context.Context, channelID, messageID, emoji string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := channelID + "/" + messageID
	for _, e := range p.reacts[key] {
		if e == emoji {
			return nil
		}
	}
	p.reacts[key] = append(p.reacts[key], emoji)
	return nil
}

func (p *MemoryPlatform) RemoveReaction(_ context.Context, channelID, messageID, emoji string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := channelID + "/" + messageID
	current := p.reacts[key]
	for i, e := range current {
		if e == emoji {
			p.reacts[key] = append(current[:i:i], current[i+1:]...)
			return nil
		}
	}
	return nil
}

func (p *MemoryPlatform) TriggerTyping(_ context.Context, dest Destination) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing = append(p.typing, dest)
	return nil
}

package modmail

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/agentworkforce/modmail/internal/events"
	"go.uber.org/zap"
)

const (
	defaultReadyTimeout      = 25 * time.Second
	maxChannelCreateAttempts = 5
	fallbackCategoryName     = "Fallback Modmail"
)

type ThreadState int

const (
	ThreadUninitialized ThreadState = iota
	ThreadReady
	ThreadClosing
	ThreadClosed
	ThreadCancelled
)

func (s ThreadState) String() string {
	switch s {
	case ThreadUninitialized:
		return "uninitialized"
	case ThreadReady:
		return "ready"
	case ThreadClosing:
		return "closing"
	case ThreadClosed:
		return "closed"
	case ThreadCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Thread is one conversation between a recipient and staff. The registry
// owns its lifetime; the thread only keeps a back reference for lookups.
type Thread struct {
	registry *Registry
	id       string
	marks    *messageMarks

	readyOnce sync.Once
	readyCh   chan struct{}

	mu               sync.Mutex
	recipient        User
	channel          *Channel
	state            ThreadState
	createdAt        time.Time
	genesisMessageID string
	logKey           string
	logURL           string
	logCount         *int
	closeTimer       *closureTimer
	autoCloseTimer   *closureTimer
}

func newThread(r *Registry, recipient User, channel *Channel) *Thread {
	t := &Thread{
		registry:  r,
		id:        recipient.ID,
		marks:     newMessageMarks(),
		readyCh:   make(chan struct{}),
		recipient: recipient,
		createdAt: r.now().UTC(),
	}
	if channel != nil {
		ch := *channel
		t.channel = &ch
	}
	return t
}

func (t *Thread) ID() string { return t.id }

func (t *Thread) Recipient() User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recipient
}

func (t *Thread) Channel() (Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channel == nil {
		return Channel{}, false
	}
	return *t.channel, true
}

func (t *Thread) ChannelID() string {
	ch, _ := t.Channel()
	return ch.ID
}

func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == ThreadReady && t.closeTimer != nil {
		return ThreadClosing
	}
	return t.state
}

func (t *Thread) Ready() bool {
	s := t.State()
	return s == ThreadReady || s == ThreadClosing
}

func (t *Thread) Cancelled() bool {
	return t.State() == ThreadCancelled
}

func (t *Thread) LogURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logURL
}

func (t *Thread) LogKey() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logKey
}

// LogCount is the number of closed logs the recipient had when the thread was
// set up; nil when the log store could not be reached.
func (t *Thread) LogCount() *int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.logCount == nil {
		return nil
	}
	n := *t.logCount
	return &n
}

func (t *Thread) GenesisMessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.genesisMessageID
}

// ThreadInfo is a point-in-time view of a thread.
type ThreadInfo struct {
	ID          string     `json:"id"`
	Recipient   User       `json:"recipient"`
	ChannelID   string     `json:"channelId,omitempty"`
	State       string     `json:"state"`
	LogKey      string     `json:"logKey,omitempty"`
	LogURL      string     `json:"logUrl,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CloseAt     *time.Time `json:"closeAt,omitempty"`
	AutoCloseAt *time.Time `json:"autoCloseAt,omitempty"`
	Subscribers []string   `json:"subscribers,omitempty"`
}

func (t *Thread) Info() ThreadInfo {
	state := t.State()
	t.mu.Lock()
	info := ThreadInfo{
		ID:        t.id,
		Recipient: t.recipient,
		State:     state.String(),
		LogKey:    t.logKey,
		LogURL:    t.logURL,
		CreatedAt: t.createdAt,
	}
	if t.channel != nil {
		info.ChannelID = t.channel.ID
	}
	if t.closeTimer != nil {
		at := t.closeTimer.closure.FireAt
		info.CloseAt = &at
	}
	if t.autoCloseTimer != nil {
		at := t.autoCloseTimer.closure.FireAt
		info.AutoCloseAt = &at
	}
	t.mu.Unlock()
	info.Subscribers = t.registry.state.Subscribers(t.id)
	return info
}

func (t *Thread) signalReady() {
	t.readyOnce.Do(func() { close(t.readyCh) })
}

// markReady moves an uninitialized thread to READY. Threads closed or
// cancelled in the meantime keep their terminal state.
func (t *Thread) markReady() bool {
	t.mu.Lock()
	ok := t.state == ThreadUninitialized
	if ok {
		t.state = ThreadReady
	}
	t.mu.Unlock()
	t.signalReady()
	return ok
}

func (t *Thread) markCancelled() bool {
	t.mu.Lock()
	ok := t.state == ThreadUninitialized
	if ok {
		t.state = ThreadCancelled
	}
	t.mu.Unlock()
	t.signalReady()
	return ok
}

// WaitReady blocks until setup completes, the thread is cancelled, ctx ends
// or the ready timeout elapses.
func (t *Thread) WaitReady(ctx context.Context) error {
	select {
	case <-t.readyCh:
	default:
		timer := time.NewTimer(t.registry.readyTimeout)
		defer timer.Stop()
		select {
		case <-t.readyCh:
		case <-timer.C:
			return threadError(ErrThreadNotReady, t.id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.Cancelled() {
		return threadError(ErrThreadCancelled, t.id)
	}
	if _, ok := t.Channel(); !ok {
		return threadError(ErrThreadNotReady, t.id)
	}
	return nil
}

func (t *Thread) setChannel(ch Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channel == nil {
		t.channel = &ch
	}
}

func (t *Thread) setLog(key, url string, count *int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logKey, t.logURL, t.logCount = key, url, count
}

// setup allocates the thread channel, opens the log and posts the handshake.
func (t *Thread) setup(ctx context.Context, creator *User, category string) error {
	r := t.registry
	settings := r.settings.Load()
	recipient := t.Recipient()
	bot := r.platform.BotUser()
	if category == "" {
		category = settings.MainCategoryID
	}

	channel, err := t.createChannel(ctx, settings, category)
	if err != nil {
		r.logger.Error("thread_channel_create_failed", zap.String("thread", t.id), zap.Error(err))
		t.markCancelled()
		r.evict(t)
		if settings.LogChannelID != "" {
			embed := errorEmbed(settings.ErrorColor, fmt.Sprintf("Failed to create a thread channel for %s: %v", recipient.Mention(), err))
			embed.Title = "Thread Setup Failed"
			if _, sendErr := r.platform.Send(ctx, ChannelDestination{ChannelID: settings.LogChannelID}, OutgoingMessage{Embed: embed}); sendErr != nil {
				r.logger.Warn("log_channel_send_failed", zap.Error(sendErr))
			}
		}
		return err
	}
	t.setChannel(channel)

	creatorUser := recipient
	creatorIsMod := false
	if creator != nil {
		creatorUser = *creator
		creatorIsMod = creator.ID != recipient.ID
	}

	var (
		wg       sync.WaitGroup
		entry    LogEntry
		entryErr error
		past     []LogEntry
		pastErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		entry, entryErr = r.logs.CreateEntry(ctx, NewLogEntry{
			Recipient:    recipient,
			Creator:      creatorUser,
			CreatorIsMod: creatorIsMod,
			ChannelID:    channel.ID,
			GuildID:      settings.GuildID,
			BotID:        bot.ID,
		})
	}()
	go func() {
		defer wg.Done()
		past, pastErr = r.logs.GetUserLogs(ctx, settings.GuildID, recipient.ID)
	}()
	wg.Wait()
	if err := errors.Join(entryErr, pastErr); err != nil {
		r.logger.Warn("thread_log_unavailable", zap.String("thread", t.id), zap.Error(err))
	} else {
		closed := 0
		for _, e := range past {
			if !e.Open {
				closed++
			}
		}
		t.setLog(entry.Key, settings.LogLink(entry.Key), &closed)
	}

	if !t.markReady() {
		r.logger.Info("thread_setup_superseded", zap.String("thread", t.id), zap.String("state", t.State().String()))
		return nil
	}
	r.metrics.ThreadCreated()
	r.reportOpenThreads()

	wg.Add(3)
	go func() {
		defer wg.Done()
		t.sendGenesis(ctx, settings, creator)
	}()
	go func() {
		defer wg.Done()
		t.sendCreationNotice(ctx, settings, channel, creator)
	}()
	go func() {
		defer wg.Done()
		t.replayPersistentNotes(ctx)
	}()
	wg.Wait()

	ev := events.New(events.ThreadReady, t.id)
	ev.ChannelID = channel.ID
	if creator != nil {
		ev.ActorID = creator.ID
	}
	ev.Data = map[string]any{"category": category, "logKey": t.LogKey()}
	r.publish(ctx, ev)
	r.logger.Info("thread_ready", zap.String("thread", t.id), zap.String("channel", channel.ID))
	return nil
}

type createAttempt struct {
	text     string
	category string
	name     string
}

// createChannel retries channel creation against a bounded list of distinct
// failures: a full category moves to a fallback category, a rejected name
// falls back to the anonymous name.
func (t *Thread) createChannel(ctx context.Context, settings Settings, category string) (Channel, error) {
	r := t.registry
	recipient := t.Recipient()
	guildID := settings.modmailGuild()
	taken := r.channelNames(ctx, guildID)
	name := FormatChannelName(recipient, settings.ChannelNamePrefix, taken, false, settings.UseUserIDChannelName)
	var attempts []createAttempt
	for {
		ch, err := r.platform.CreateChannel(ctx, CreateChannelRequest{
			GuildID:    guildID,
			Name:       name,
			CategoryID: category,
			Topic:      TopicTag(r.platform.BotUser().ID, t.id),
			Reason:     "Creating a thread channel.",
			Private:    true,
		})
		if err == nil {
			return ch, nil
		}
		attempt := createAttempt{text: err.Error(), category: category, name: name}
		if slices.Contains(attempts, attempt) || len(attempts) >= maxChannelCreateAttempts {
			return Channel{}, fmt.Errorf("create thread channel: %w", err)
		}
		attempts = append(attempts, attempt)
		switch {
		case errors.Is(err, ErrCategoryFull):
			next, catErr := r.fallbackCategory(ctx, settings, category)
			if catErr != nil {
				return Channel{}, catErr
			}
			category = next
			name = FormatChannelName(recipient, settings.ChannelNamePrefix, taken, false, settings.UseUserIDChannelName)
		case errors.Is(err, ErrNameRejected):
			name = FormatChannelName(recipient, settings.ChannelNamePrefix, taken, true, false)
		default:
			return Channel{}, fmt.Errorf("create thread channel: %w", err)
		}
		r.logger.Warn("thread_channel_create_retry",
			zap.String("thread", t.id),
			zap.String("category", category),
			zap.String("name", name),
			zap.Error(err),
		)
	}
}

func (t *Thread) sendGenesis(ctx context.Context, settings Settings, creator *User) {
	r := t.registry
	recipient := t.Recipient()
	ch, _ := t.Channel()
	var member *Member
	if m, err := r.platform.GetMember(ctx, settings.GuildID, recipient.ID); err == nil {
		member = &m
	}
	mutual, err := r.platform.MutualGuilds(ctx, recipient.ID)
	if err != nil {
		r.logger.Debug("mutual_guilds_unavailable", zap.String("thread", t.id), zap.Error(err))
	}
	embed := infoEmbed(infoEmbedInput{
		User:         recipient,
		Member:       member,
		MutualGuilds: mutual,
		LogURL:       t.LogURL(),
		LogCount:     t.LogCount(),
		Color:        settings.MainColor,
		ShowAccount:  settings.ThreadShowAccountAge,
		ShowJoin:     settings.ThreadShowJoinAge,
		Now:          r.now().UTC(),
	})
	out := OutgoingMessage{Embed: &embed}
	if creator == nil || creator.ID == recipient.ID {
		out.Content = settings.Mention
	}
	msg, err := r.platform.Send(ctx, ChannelDestination{ChannelID: ch.ID}, out)
	if err != nil {
		r.logger.Error("genesis_send_failed", zap.String("thread", t.id), zap.Error(err))
		return
	}
	t.mu.Lock()
	t.genesisMessageID = msg.ID
	t.mu.Unlock()
	if err := r.platform.PinMessage(ctx, ch.ID, msg.ID); err != nil {
		r.logger.Warn("genesis_pin_failed", zap.String("thread", t.id), zap.Error(err))
	}
}

func (t *Thread) sendCreationNotice(ctx context.Context, settings Settings, channel Channel, creator *User) {
	r := t.registry
	recipient := t.Recipient()
	if creator != nil && creator.ID != recipient.ID {
		return
	}
	footer := settings.ThreadCreationFooter
	if settings.RecipientThreadClose {
		footer = settings.ThreadSelfClosableCreationFooter
	}
	ts := channel.CreatedAt
	embed := Embed{
		Title:       settings.ThreadCreationTitle,
		Description: settings.ThreadCreationResponse,
		Color:       settings.ModColor,
		Timestamp:   &ts,
	}
	embed.SetFooter(footer, r.guildIcon(ctx))
	msg, err := r.platform.Send(ctx, UserDestination{UserID: recipient.ID}, OutgoingMessage{Embed: &embed})
	if err != nil {
		r.logger.Warn("creation_notice_failed", zap.String("thread", t.id), zap.Error(err))
		return
	}
	if settings.RecipientThreadClose {
		if err := r.platform.AddReaction(ctx, msg.ChannelID, msg.ID, settings.CloseEmoji); err != nil {
			r.logger.Warn("close_reaction_failed", zap.String("thread", t.id), zap.Error(err))
		}
	}
}

func (t *Thread) replayPersistentNotes(ctx context.Context) {
	r := t.registry
	notes, err := r.logs.FindNotes(ctx, t.id)
	if err != nil {
		r.logger.Warn("persistent_notes_unavailable", zap.String("thread", t.id), zap.Error(err))
		return
	}
	if len(notes) == 0 {
		return
	}
	ch, _ := t.Channel()
	ids := make(map[string]string, len(notes))
	for _, n := range notes {
		msg := Message{
			ChannelID: ch.ID,
			GuildID:   ch.GuildID,
			Author: User{
				ID:            n.Author.ID,
				Name:          n.Author.Name,
				Discriminator: n.Author.Discriminator,
				AvatarURL:     n.Author.AvatarURL,
			},
			Content:   n.Message,
			CreatedAt: r.now().UTC(),
		}
		sent, err := t.note(ctx, msg, true, true)
		if err != nil {
			r.logger.Warn("persistent_note_replay_failed", zap.String("thread", t.id), zap.String("note", n.ID), zap.Error(err))
			continue
		}
		ids[n.ID] = sent.ID
	}
	if err := r.logs.UpdateNoteIDs(ctx, ids); err != nil {
		r.logger.Warn("persistent_note_ids_failed", zap.String("thread", t.id), zap.Error(err))
	}
}

// Subscribe pings mention on every recipient message of this thread.
func (t *Thread) Subscribe(mention string) (bool, error) {
	return t.registry.state.Subscribe(t.id, mention)
}

func (t *Thread) Unsubscribe(mention string) (bool, error) {
	return t.registry.state.Unsubscribe(t.id, mention)
}

// Notify pings mention once, on the next recipient message.
func (t *Thread) Notify(mention string) (bool, error) {
	return t.registry.state.Notify(t.id, mention)
}

package modmail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/modmail/internal/events"
	"github.com/agentworkforce/modmail/internal/metrics"
	"go.uber.org/zap"
)

const (
	repairHistoryLimit = 10
	deletedChannelNote = "Channel has been deleted, no closer found."
)

type RegistryOptions struct {
	Platform     Platform
	Logs         LogStore
	State        *RuntimeStore
	Settings     *SettingsStore
	Publisher    events.Publisher
	Confirmer    Confirmer
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	ReadyTimeout time.Duration
	Now          func() time.Time
}

// Registry holds at most one live thread per recipient. Inserts and evictions
// are atomic under mu; everything else about a thread is guarded by the
// thread itself.
type Registry struct {
	platform     Platform
	logs         LogStore
	state        *RuntimeStore
	settings     *SettingsStore
	scheduler    *Scheduler
	publisher    events.Publisher
	confirmer    Confirmer
	metrics      *metrics.Metrics
	logger       *zap.Logger
	readyTimeout time.Duration
	now          func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	mu      sync.Mutex
	threads map[string]*Thread
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("%w: platform is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logs := opts.Logs
	if logs == nil {
		logs = NewInMemoryLogStore()
	}
	state := opts.State
	if state == nil {
		var err error
		if state, err = NewRuntimeStore(nil, logger); err != nil {
			return nil, err
		}
	}
	settings := opts.Settings
	if settings == nil {
		settings = NewSettingsStore(DefaultSettings())
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = events.NewNoop()
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	scheduler := NewScheduler(state, logger)
	scheduler.now = now
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		platform:     opts.Platform,
		logs:         logs,
		state:        state,
		settings:     settings,
		scheduler:    scheduler,
		publisher:    publisher,
		confirmer:    opts.Confirmer,
		metrics:      opts.Metrics,
		logger:       logger,
		readyTimeout: readyTimeout,
		now:          now,
		baseCtx:      ctx,
		cancel:       cancel,
		threads:      map[string]*Thread{},
	}, nil
}

func (r *Registry) Platform() Platform        { return r.platform }
func (r *Registry) Logs() LogStore            { return r.logs }
func (r *Registry) State() *RuntimeStore      { return r.state }
func (r *Registry) Settings() *SettingsStore  { return r.settings }
func (r *Registry) Scheduler() *Scheduler     { return r.scheduler }
func (r *Registry) Publisher() events.Publisher { return r.publisher }

// spawn runs fn in the background with the registry's lifetime context.
func (r *Registry) spawn(fn func(ctx context.Context)) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		fn(r.baseCtx)
	}()
}

// Wait blocks until every background task started so far has finished.
func (r *Registry) Wait() {
	r.bg.Wait()
}

// Shutdown stops background work. Armed timers are stopped but their
// closures stay persisted so HandleClosures can pick them up after restart.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, t := range r.Threads() {
		t.mu.Lock()
		for _, timer := range []*closureTimer{t.closeTimer, t.autoCloseTimer} {
			timer.Cancel()
		}
		t.mu.Unlock()
	}
	done := make(chan struct{})
	go func() {
		r.bg.Wait()
		close(done)
	}()
	defer r.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) publish(ctx context.Context, ev events.Event) {
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("event_publish_failed", zap.String("type", string(ev.Type)), zap.String("thread", ev.ThreadID), zap.Error(err))
	}
}

func (r *Registry) reportOpenThreads() {
	r.mu.Lock()
	n := len(r.threads)
	r.mu.Unlock()
	r.metrics.SetOpenThreads(n)
}

func (r *Registry) lookup(recipientID string) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[recipientID]
}

// insert stores t unless another thread already holds the recipient, in
// which case that thread is returned.
func (r *Registry) insert(t *Thread) (*Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.threads[t.id]; ok {
		return existing, false
	}
	r.threads[t.id] = t
	return t, true
}

// evict removes t only if it is still the registered thread.
func (r *Registry) evict(t *Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.threads[t.id] != t {
		return false
	}
	delete(r.threads, t.id)
	return true
}

func (r *Registry) cachedByChannel(channelID string) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.threads {
		if t.channelIs(channelID) {
			return t
		}
	}
	return nil
}

func (t *Thread) channelIs(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channel != nil && t.channel.ID == channelID
}

// Threads returns the registered threads ordered by creation time.
func (r *Registry) Threads() []*Thread {
	r.mu.Lock()
	out := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

func (r *Registry) channelExists(ctx context.Context, channelID string) bool {
	_, err := r.platform.GetChannel(ctx, channelID)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrPlatformNotFound) {
		return false
	}
	r.logger.Warn("channel_lookup_failed", zap.String("channel", channelID), zap.Error(err))
	return true
}

func (r *Registry) resolveUser(ctx context.Context, userID string) User {
	bot := r.platform.BotUser()
	if userID == "" || userID == bot.ID {
		return bot
	}
	u, err := r.platform.GetUser(ctx, userID)
	if err != nil {
		return User{ID: userID}
	}
	return u
}

func (r *Registry) guildIcon(ctx context.Context) string {
	g, err := r.platform.GetGuild(ctx, r.settings.Load().GuildID)
	if err != nil {
		return ""
	}
	return g.IconURL
}

func (r *Registry) sharesGuild(ctx context.Context, userID string) bool {
	guilds, err := r.platform.MutualGuilds(ctx, userID)
	if err != nil {
		r.logger.Warn("mutual_guilds_failed", zap.String("user", userID), zap.Error(err))
		return false
	}
	return len(guilds) > 0
}

func (r *Registry) channelNames(ctx context.Context, guildID string) map[string]struct{} {
	names := map[string]struct{}{}
	channels, err := r.platform.TextChannels(ctx, guildID)
	if err != nil {
		r.logger.Warn("channel_list_failed", zap.String("guild", guildID), zap.Error(err))
		return names
	}
	for _, ch := range channels {
		names[ch.Name] = struct{}{}
	}
	return names
}

// fallbackCategory returns a category with room for another thread channel:
// the remembered fallback when it has space, else a fresh clone of current.
func (r *Registry) fallbackCategory(ctx context.Context, settings Settings, current string) (string, error) {
	id := r.state.FallbackCategory()
	if id == "" {
		id = settings.FallbackCategoryID
	}
	if id != "" && id != current {
		cat, err := r.platform.GetCategory(ctx, id)
		if err == nil && cat.ChannelCount < categoryChannelLimit {
			return cat.ID, nil
		}
	}
	cat, err := r.platform.CloneCategory(ctx, current, fallbackCategoryName)
	if err != nil {
		return "", fmt.Errorf("clone fallback category: %w", err)
	}
	if err := r.state.SetFallbackCategory(cat.ID); err != nil {
		r.logger.Warn("fallback_category_persist_failed", zap.String("category", cat.ID), zap.Error(err))
	}
	r.logger.Info("fallback_category_created", zap.String("category", cat.ID))
	return cat.ID, nil
}

// adopt registers a ready thread for a channel found through its recovery
// tag. An already registered thread wins.
func (r *Registry) adopt(ctx context.Context, recipientID string, channel Channel) *Thread {
	if t := r.lookup(recipientID); t != nil {
		return t
	}
	recipient := r.resolveUser(ctx, recipientID)
	t := newThread(r, recipient, &channel)
	if entry, err := r.logs.GetEntryByChannel(ctx, channel.ID); err == nil && entry.Open {
		t.setLog(entry.Key, r.settings.Load().LogLink(entry.Key), nil)
	}
	t.markReady()
	winner, inserted := r.insert(t)
	if inserted {
		r.reportOpenThreads()
		r.logger.Info("thread_recovered", zap.String("thread", recipientID), zap.String("channel", channel.ID))
	}
	return winner
}

// Find returns the live thread for a recipient, or nil. A cached thread whose
// channel disappeared is closed silently, keeping the channel, and nil is
// returned. A cancelled thread is returned as is.
func (r *Registry) Find(ctx context.Context, recipientID string) *Thread {
	if t := r.lookup(recipientID); t != nil {
		if err := t.WaitReady(ctx); err != nil {
			if errors.Is(err, ErrThreadCancelled) {
				r.logger.Warn("thread_cancelled", zap.String("thread", recipientID))
				return t
			}
			r.logger.Warn("thread_not_ready", zap.String("thread", recipientID), zap.Error(err))
			return t
		}
		ch, ok := t.Channel()
		if !ok || !r.channelExists(ctx, ch.ID) {
			r.logger.Warn("thread_channel_invalid", zap.String("thread", recipientID))
			if err := t.Close(ctx, CloseRequest{Closer: r.platform.BotUser(), Silent: true}); err != nil {
				r.logger.Warn("thread_close_failed", zap.String("thread", recipientID), zap.Error(err))
			}
			return nil
		}
		if t.State() == ThreadClosed {
			// closed while the channel was being checked
			return nil
		}
		return t
	}
	settings := r.settings.Load()
	bot := r.platform.BotUser()
	channels, err := r.platform.TextChannels(ctx, settings.modmailGuild())
	if err != nil {
		r.logger.Warn("channel_list_failed", zap.Error(err))
		return nil
	}
	for _, ch := range channels {
		if ch.Topic != "" && MatchUserID(ch.Topic, bot.ID) == recipientID {
			return r.adopt(ctx, recipientID, ch)
		}
	}
	return nil
}

// FindByChannel maps a channel to its thread through the recovery tag, then
// through the cache. A cache hit whose topic lost the tag gets it rewritten.
func (r *Registry) FindByChannel(ctx context.Context, channel Channel) *Thread {
	bot := r.platform.BotUser()
	uid := MatchUserID(channel.Topic, bot.ID)
	if uid == "" {
		uid = MatchUserID(channel.Topic, "")
	}
	if uid != "" {
		if t := r.lookup(uid); t != nil {
			return t
		}
		return r.adopt(ctx, uid, channel)
	}
	t := r.cachedByChannel(channel.ID)
	if t == nil {
		return nil
	}
	r.logger.Debug("thread_topic_restored", zap.String("thread", t.id), zap.String("channel", channel.ID))
	if err := r.platform.EditChannelTopic(ctx, channel.ID, TopicTag(bot.ID, t.id)); err != nil {
		r.logger.Warn("thread_topic_restore_failed", zap.String("channel", channel.ID), zap.Error(err))
	}
	return t
}

// CreateRequest describes a new thread. Creator is nil when the recipient
// opened the thread by messaging the bot.
type CreateRequest struct {
	Recipient     User
	Creator       *User
	Category      string
	Message       *Message
	ManualTrigger bool
}

// Create returns the live thread for the recipient or starts a new one.
// Concurrent calls for one recipient converge on a single thread; setup runs
// in the background.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Thread, error) {
	if req.Recipient.ID == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	var t *Thread
	for t == nil {
		if existing := r.lookup(req.Recipient.ID); existing != nil {
			if err := existing.WaitReady(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				r.logger.Warn("thread_pending", zap.String("thread", existing.id), zap.Error(err))
				return existing, nil
			}
			ch, ok := existing.Channel()
			alive := ok && r.channelExists(ctx, ch.ID)
			if existing.State() == ThreadClosed {
				r.logger.Debug("thread_closed_during_lookup", zap.String("thread", existing.id))
				continue
			}
			if alive {
				r.logger.Warn("thread_exists", zap.String("thread", existing.id))
				return existing, nil
			}
			r.logger.Warn("thread_superseded", zap.String("thread", existing.id))
			if existing.detach() {
				req := CloseRequest{Closer: r.platform.BotUser(), Silent: true}
				r.spawn(func(bg context.Context) {
					if err := existing.finalize(bg, req, false); err != nil {
						r.logger.Warn("thread_close_failed", zap.String("thread", existing.id), zap.Error(err))
					}
				})
			}
			continue
		}
		candidate := newThread(r, req.Recipient, nil)
		if _, inserted := r.insert(candidate); inserted {
			t = candidate
		}
	}
	r.reportOpenThreads()

	settings := r.settings.Load()
	needsConfirm := settings.ConfirmThreadCreation && r.confirmer != nil && (req.Message != nil || !req.ManualTrigger)
	r.spawn(func(bg context.Context) {
		if needsConfirm && !t.confirm(bg, settings, req) {
			return
		}
		if err := t.setup(bg, req.Creator, req.Category); err != nil {
			r.logger.Warn("thread_setup_failed", zap.String("thread", t.id), zap.Error(err))
		}
	})
	return t, nil
}

// confirm asks the recipient (or the invoking channel) before opening the
// thread. A decline or timeout cancels and evicts the thread.
func (t *Thread) confirm(ctx context.Context, settings Settings, req CreateRequest) bool {
	r := t.registry
	var dest Destination = UserDestination{UserID: t.id}
	if req.ManualTrigger && req.Message != nil {
		dest = ChannelDestination{ChannelID: req.Message.ChannelID}
	}
	result, err := r.confirmer.Confirm(ctx, ConfirmRequest{
		Recipient:   t.Recipient(),
		Destination: dest,
		Title:       settings.ConfirmThreadCreationTitle,
		Description: settings.ConfirmThreadResponse,
		Accept:      settings.ConfirmThreadCreationAccept,
		Deny:        settings.ConfirmThreadCreationDeny,
		Color:       settings.MainColor,
		Timeout:     settings.ConfirmTimeout,
	})
	if err != nil {
		r.logger.Warn("thread_confirm_failed", zap.String("thread", t.id), zap.Error(err))
		result = ConfirmTimedOut
	}
	if result == ConfirmAccepted {
		return true
	}
	t.markCancelled()
	r.evict(t)
	r.reportOpenThreads()
	r.metrics.ThreadCancelled()
	if result == ConfirmDeclined {
		embed := Embed{Title: settings.ThreadCancelled, Color: settings.ErrorColor}
		if _, err := r.platform.Send(ctx, dest, OutgoingMessage{Embed: &embed}); err != nil {
			r.logger.Warn("thread_cancel_notice_failed", zap.String("thread", t.id), zap.Error(err))
		}
	}
	ev := events.New(events.ThreadCancelled, t.id)
	ev.Data = map[string]any{"result": result.String()}
	r.publish(ctx, ev)
	return false
}

// Repair recovers the thread bound to channel: from the cache, from the
// handshake embed among the earliest messages, or from the log store. The
// recovery tag is rewritten on success.
func (r *Registry) Repair(ctx context.Context, channel Channel) *Thread {
	bot := r.platform.BotUser()
	settings := r.settings.Load()
	restoreTopic := func(userID string) {
		if err := r.platform.EditChannelTopic(ctx, channel.ID, TopicTag(bot.ID, userID)); err != nil {
			r.logger.Warn("thread_topic_restore_failed", zap.String("channel", channel.ID), zap.Error(err))
		}
	}
	if t := r.cachedByChannel(channel.ID); t != nil {
		restoreTopic(t.id)
		return t
	}

	userID := ""
	history, err := r.platform.History(ctx, channel.ID, HistoryQuery{Limit: repairHistoryLimit, OldestFirst: true})
	if err != nil {
		r.logger.Warn("repair_history_failed", zap.String("channel", channel.ID), zap.Error(err))
	}
	for _, msg := range history {
		if msg.Author.ID != bot.ID || len(msg.Embeds) == 0 {
			continue
		}
		e := msg.Embeds[0]
		if e.Color != settings.MainColor || e.FooterText() == "" {
			continue
		}
		if userID = MatchUserID(e.FooterText(), ""); userID != "" {
			break
		}
	}
	if userID == "" {
		r.logger.Warn("repair_genesis_missing", zap.String("channel", channel.ID))
		if entry, err := r.logs.GetEntryByChannel(ctx, channel.ID); err == nil {
			userID = entry.Recipient.ID
		}
	}
	if userID == "" {
		r.logger.Warn("repair_failed", zap.String("channel", channel.ID))
		return nil
	}
	t := r.adopt(ctx, userID, channel)
	restoreTopic(userID)
	r.logger.Info("thread_repaired", zap.String("thread", userID), zap.String("channel", channel.ID))
	return t
}

// ValidateAll reconciles open logs with the platform. Logs whose channel is
// gone are finalized with the bot as closer; live channels that are not
// cached are reported and, unless skipRepair, repaired.
func (r *Registry) ValidateAll(ctx context.Context, skipRepair bool) error {
	entries, err := r.logs.GetOpenEntries(ctx)
	if err != nil {
		return fmt.Errorf("load open logs: %w", err)
	}
	bot := r.platform.BotUser()
	var errs []error
	for _, entry := range entries {
		if entry.BotID != "" && entry.BotID != bot.ID {
			continue
		}
		ch, err := r.platform.GetChannel(ctx, entry.ChannelID)
		if errors.Is(err, ErrPlatformNotFound) {
			r.logger.Info("thread_channel_deleted", zap.String("channel", entry.ChannelID), zap.String("log", entry.Key))
			if t := r.cachedByChannel(entry.ChannelID); t != nil {
				if cerr := t.Close(ctx, CloseRequest{Closer: bot, Silent: true, LogNote: deletedChannelNote}); cerr != nil {
					errs = append(errs, cerr)
				}
				continue
			}
			if _, ferr := r.logs.FinalizeEntry(ctx, entry.ChannelID, CloseData{
				ClosedAt:     r.now().UTC(),
				Closer:       logAuthorFrom(bot, true),
				CloseMessage: deletedChannelNote,
			}); ferr != nil {
				errs = append(errs, fmt.Errorf("finalize log %s: %w", entry.Key, ferr))
			}
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("lookup channel %s: %w", entry.ChannelID, err))
			continue
		}
		if ch.Kind != "" && ch.Kind != ChannelKindText {
			r.logger.Error("thread_channel_not_text", zap.String("channel", ch.ID), zap.String("kind", string(ch.Kind)))
			continue
		}
		if r.cachedByChannel(ch.ID) != nil {
			continue
		}
		r.logger.Warn("thread_channel_broken", zap.String("channel", ch.ID), zap.String("log", entry.Key))
		if !skipRepair {
			r.Repair(ctx, ch)
		}
	}
	return errors.Join(errs...)
}

// HandleClosures re-arms persisted closures after a restart. Elapsed ones
// fire now; closures for threads that no longer exist are dropped.
func (r *Registry) HandleClosures(ctx context.Context) {
	pending := r.scheduler.Pending()
	r.logger.Info("pending_closures", zap.Int("count", len(pending)))
	for _, c := range pending {
		t := r.Find(ctx, c.ThreadID)
		if t == nil || t.Cancelled() {
			r.logger.Debug("closure_dropped", zap.String("thread", c.ThreadID))
			r.scheduler.forget(c.ThreadID, c.IsAutoClose)
			continue
		}
		after := c.FireAt.Sub(r.now())
		if after <= 0 {
			after = 0
		}
		req := CloseRequest{
			Closer:        r.resolveUser(ctx, c.CloserID),
			After:         after,
			Silent:        c.Silent,
			DeleteChannel: c.DeleteChannel,
			Message:       c.Message,
			AutoClose:     c.IsAutoClose,
		}
		if after == 0 {
			if err := t.closeNow(ctx, req, true); err != nil {
				r.logger.Warn("scheduled_close_failed", zap.String("thread", t.id), zap.Error(err))
			}
			continue
		}
		if err := t.Close(ctx, req); err != nil {
			r.logger.Warn("closure_rearm_failed", zap.String("thread", t.id), zap.Error(err))
		}
	}
}

// PopulateCache adopts every tagged channel in the modmail guild.
func (r *Registry) PopulateCache(ctx context.Context) error {
	settings := r.settings.Load()
	channels, err := r.platform.TextChannels(ctx, settings.modmailGuild())
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	bot := r.platform.BotUser()
	for _, ch := range channels {
		if uid := MatchUserID(ch.Topic, bot.ID); uid != "" {
			r.adopt(ctx, uid, ch)
		}
	}
	return nil
}

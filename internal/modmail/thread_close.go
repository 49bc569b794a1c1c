package modmail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/modmail/internal/events"
	"go.uber.org/zap"
)

type CloseRequest struct {
	Closer        User
	After         time.Duration
	Silent        bool
	DeleteChannel bool
	Message       string
	// LogNote is stored as the close message when Silent suppresses Message.
	LogNote       string
	AutoClose     bool
}

// Close closes the thread now, or after req.After. A delayed close replaces
// any pending close of the same kind and is persisted for restarts.
func (t *Thread) Close(ctx context.Context, req CloseRequest) error {
	r := t.registry
	if req.Closer.ID == "" {
		req.Closer = r.platform.BotUser()
	}
	if req.After <= 0 {
		return t.closeNow(ctx, req, false)
	}
	closure := PendingClosure{
		ThreadID:      t.id,
		FireAt:        r.now().Add(req.After).UTC(),
		CloserID:      req.Closer.ID,
		Silent:        req.Silent,
		DeleteChannel: req.DeleteChannel,
		Message:       req.Message,
		IsAutoClose:   req.AutoClose,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == ThreadClosed || t.state == ThreadCancelled {
		return nil
	}
	slot := &t.closeTimer
	if req.AutoClose {
		slot = &t.autoCloseTimer
	}
	r.scheduler.Disarm(*slot)
	*slot = r.scheduler.Arm(closure, t.fireClosure)
	return nil
}

func (t *Thread) fireClosure(c PendingClosure) {
	r := t.registry
	ctx := r.baseCtx
	t.mu.Lock()
	if c.IsAutoClose {
		if t.autoCloseTimer.Firing() {
			t.autoCloseTimer = nil
		}
	} else if t.closeTimer.Firing() {
		t.closeTimer = nil
	}
	t.mu.Unlock()
	err := t.closeNow(ctx, CloseRequest{
		Closer:        r.resolveUser(ctx, c.CloserID),
		Silent:        c.Silent,
		DeleteChannel: c.DeleteChannel,
		Message:       c.Message,
		AutoClose:     c.IsAutoClose,
	}, true)
	if err != nil {
		r.logger.Warn("scheduled_close_failed", zap.String("thread", t.id), zap.Error(err))
	}
}

// CancelClosure disarms the pending manual close, the auto-close, or both.
func (t *Thread) CancelClosure(autoClose, all bool) bool {
	t.mu.Lock()
	var timers []*closureTimer
	if !autoClose || all {
		timers = append(timers, t.closeTimer)
		t.closeTimer = nil
	}
	if autoClose || all {
		timers = append(timers, t.autoCloseTimer)
		t.autoCloseTimer = nil
	}
	t.mu.Unlock()
	cancelled := false
	for _, timer := range timers {
		if t.registry.scheduler.Disarm(timer) {
			cancelled = true
		}
	}
	return cancelled
}

// RestartAutoClose re-arms the inactivity close from now.
func (t *Thread) RestartAutoClose(ctx context.Context) error {
	r := t.registry
	settings := r.settings.Load()
	timeout := settings.ThreadAutoClose
	if timeout <= 0 {
		return nil
	}
	req := CloseRequest{
		Closer:        r.platform.BotUser(),
		After:         timeout,
		DeleteChannel: true,
		AutoClose:     true,
	}
	if settings.ThreadAutoCloseSilently {
		req.Silent = true
		return t.Close(ctx, req)
	}
	req.Message = autoCloseMessage(settings.ThreadAutoCloseResponse, timeout, func(markers int) {
		r.logger.Warn("auto_close_response_markers", zap.Int("markers", markers))
	})
	return t.Close(ctx, req)
}

// detach moves the thread to CLOSED, removes it from the registry and stops
// its timers. Only the first caller gets true.
func (t *Thread) detach() bool {
	r := t.registry
	t.mu.Lock()
	if t.state == ThreadClosed || t.state == ThreadCancelled {
		t.mu.Unlock()
		return false
	}
	t.state = ThreadClosed
	timers := []*closureTimer{t.closeTimer, t.autoCloseTimer}
	t.closeTimer, t.autoCloseTimer = nil, nil
	t.mu.Unlock()
	t.signalReady()

	if !r.evict(t) {
		r.logger.Debug("thread_not_registered", zap.String("thread", t.id))
	}
	for _, timer := range timers {
		timer.Cancel()
	}
	for _, auto := range []bool{false, true} {
		r.scheduler.forget(t.id, auto)
	}
	if err := r.state.DropThread(t.id); err != nil {
		r.logger.Warn("thread_state_drop_failed", zap.String("thread", t.id), zap.Error(err))
	}
	r.reportOpenThreads()
	return true
}

func (t *Thread) closeNow(ctx context.Context, req CloseRequest, scheduled bool) error {
	if !t.detach() {
		t.registry.logger.Debug("thread_already_closed", zap.String("thread", t.id))
		return nil
	}
	return t.finalize(ctx, req, scheduled)
}

// finalize runs the close side effects. They run concurrently and one
// failing does not stop the others.
func (t *Thread) finalize(ctx context.Context, req CloseRequest, scheduled bool) error {
	r := t.registry
	settings := r.settings.Load()
	recipient := t.Recipient()
	ch, hasChannel := t.Channel()
	closer := req.Closer
	now := r.now().UTC()

	closeMessage := req.Message
	if req.Silent {
		closeMessage = req.LogNote
	}
	var (
		entry  LogEntry
		logErr error
	)
	if hasChannel {
		entry, logErr = r.logs.FinalizeEntry(ctx, ch.ID, CloseData{
			ClosedAt:     now,
			Closer:       logAuthorFrom(closer, true),
			CloseMessage: closeMessage,
		})
		if logErr != nil {
			r.logger.Warn("log_finalize_failed", zap.String("thread", t.id), zap.Error(logErr))
		}
	} else {
		logErr = fmt.Errorf("%w: thread has no channel", ErrThreadLogsNotFound)
	}

	logURL := ""
	description := "Could not resolve log url."
	if logErr == nil {
		logURL = settings.LogLink(entry.Key)
		description = closePreview(entry, logURL)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		sideErr []error
	)
	record := func(err error) {
		mu.Lock()
		sideErr = append(sideErr, err)
		mu.Unlock()
	}

	if settings.LogChannelID != "" && hasChannel {
		title := "`" + t.id + "`"
		if recipient.Name != "" {
			title = fmt.Sprintf("%s (`%s`)", recipient.Tag(), t.id)
		}
		closedBy := fmt.Sprintf("%s (%s)", closer.Tag(), closer.ID)
		if closer.ID == t.id {
			closedBy = "the Recipient"
		}
		event := "Thread Closed"
		if scheduled {
			event = "Thread Closed as Scheduled"
		}
		logEmbed := Embed{Title: title, Description: description, Color: settings.ErrorColor, Timestamp: &now}
		logEmbed.SetFooter(event+" by "+closedBy, closer.AvatarURL)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.platform.Send(ctx, ChannelDestination{ChannelID: settings.LogChannelID}, OutgoingMessage{Embed: &logEmbed}); err != nil {
				r.logger.Warn("log_channel_send_failed", zap.String("thread", t.id), zap.Error(err))
			}
		}()
	}

	if !req.Silent {
		text := req.Message
		if text == "" {
			if closer.ID == t.id {
				text = settings.ThreadSelfCloseResponse
			} else {
				text = settings.ThreadCloseResponse
			}
		}
		text = fillTemplate(text, map[string]string{
			"closer.mention": closer.Mention(),
			"closer":         closer.Tag(),
			"loglink":        logURL,
			"logkey":         entry.Key,
		})
		notice := Embed{Title: settings.ThreadCloseTitle, Description: text, Color: settings.ErrorColor, Timestamp: &now}
		notice.SetFooter(settings.ThreadCloseFooter, r.guildIcon(ctx))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.platform.Send(ctx, UserDestination{UserID: t.id}, OutgoingMessage{Embed: &notice})
			switch {
			case err == nil:
			case errors.Is(err, ErrForbidden):
				r.logger.Error("close_notice_undeliverable", zap.String("thread", t.id))
			default:
				r.logger.Warn("close_notice_failed", zap.String("thread", t.id), zap.Error(err))
			}
		}()
	}

	if req.DeleteChannel && hasChannel {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.platform.DeleteChannel(ctx, ch.ID, "Thread closed"); err != nil && !errors.Is(err, ErrPlatformNotFound) {
				r.logger.Warn("thread_channel_delete_failed", zap.String("thread", t.id), zap.Error(err))
				record(fmt.Errorf("delete thread channel: %w", err))
			}
		}()
	}
	wg.Wait()

	r.metrics.ThreadClosed(scheduled)
	ev := events.New(events.ThreadClose, t.id)
	ev.ChannelID = ch.ID
	ev.ActorID = closer.ID
	ev.Data = map[string]any{
		"silent":        req.Silent,
		"deleteChannel": req.DeleteChannel,
		"scheduled":     scheduled,
		"message":       closeMessage,
		"logKey":        entry.Key,
	}
	r.publish(ctx, ev)
	r.logger.Info("thread_closed",
		zap.String("thread", t.id),
		zap.String("closer", closer.ID),
		zap.Bool("scheduled", scheduled),
		zap.Bool("silent", req.Silent),
	)
	if hasChannel && logErr != nil && !errors.Is(logErr, ErrNotFound) {
		sideErr = append(sideErr, fmt.Errorf("finalize log: %w", logErr))
	}
	return errors.Join(sideErr...)
}

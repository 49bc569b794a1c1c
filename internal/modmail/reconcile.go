package modmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// ValidateCron reports whether expr is a cron expression the reconcile loop
// accepts.
func ValidateCron(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: invalid cron expression %q", ErrInvalidInput, expr)
	}
	return nil
}

// RunReconcileLoop runs ValidateAll on the cron schedule until ctx is done.
// A run still in progress when the next tick arrives is not overlapped.
func (r *Registry) RunReconcileLoop(ctx context.Context, expr string, skipRepair bool) error {
	if err := ValidateCron(expr); err != nil {
		return err
	}
	r.logger.Info("reconcile_enabled", zap.String("cron", expr))
	for {
		next, err := gronx.NextTickAfter(expr, r.now(), false)
		if err != nil {
			r.logger.Error("reconcile_next_tick_failed", zap.String("cron", expr), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		wait := next.Sub(r.now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
		started := r.now()
		if err := r.ValidateAll(ctx, skipRepair); err != nil {
			r.logger.Warn("reconcile_run_failed", zap.Error(err))
		} else {
			r.logger.Info("reconcile_run_done", zap.Duration("elapsed", r.now().Sub(started)))
		}
		if wait == 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// MigrateNoteTypes retypes notes that older versions logged as system
// messages. The thread channel rendering decides the note kind. It returns
// the number of log messages changed.
func (r *Registry) MigrateNoteTypes(ctx context.Context) (int, error) {
	entries, err := r.logs.GetOpenEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open logs: %w", err)
	}
	migrated := 0
	var errs []error
	for _, entry := range entries {
		full, err := r.logs.GetEntry(ctx, entry.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("load log %s: %w", entry.Key, err))
			continue
		}
		for _, m := range full.Messages {
			if m.Type != MessageTypeSystem || m.MessageID == "" {
				continue
			}
			rendered, err := r.platform.FetchMessage(ctx, full.ChannelID, m.MessageID)
			if err != nil {
				if !errors.Is(err, ErrPlatformNotFound) {
					errs = append(errs, fmt.Errorf("fetch message %s: %w", m.MessageID, err))
				}
				continue
			}
			if len(rendered.Embeds) == 0 {
				continue
			}
			typ := ClassifyLegacyNote(m.Type, rendered.Embeds[0].AuthorName())
			if typ == m.Type {
				continue
			}
			if err := r.logs.SetMessageType(ctx, m.MessageID, typ); err != nil {
				errs = append(errs, fmt.Errorf("retype message %s: %w", m.MessageID, err))
				continue
			}
			migrated++
		}
	}
	if migrated > 0 {
		r.logger.Info("note_types_migrated", zap.Int("count", migrated))
	}
	return migrated, errors.Join(errs...)
}

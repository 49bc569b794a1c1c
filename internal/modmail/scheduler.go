package modmail

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	timerArmed int32 = iota
	timerFiring
	timerCancelled
)

// closureTimer is one armed delayed close. Once the fire sequence has started
// Cancel has no effect.
type closureTimer struct {
	closure PendingClosure
	timer   *time.Timer
	state   atomic.Int32
}

// Cancel stops the timer. It reports false when the timer already fired or
// was cancelled before.
func (t *closureTimer) Cancel() bool {
	if t == nil {
		return false
	}
	if !t.state.CompareAndSwap(timerArmed, timerCancelled) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

func (t *closureTimer) Firing() bool {
	return t != nil && t.state.Load() == timerFiring
}

// Scheduler arms delayed closes and keeps the persisted closure table in the
// runtime state in step with the armed timers.
type Scheduler struct {
	state  *RuntimeStore
	logger *zap.Logger
	now    func() time.Time
}

func NewScheduler(state *RuntimeStore, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if state == nil {
		state, _ = NewRuntimeStore(nil, logger)
	}
	return &Scheduler{state: state, logger: logger, now: time.Now}
}

// Arm persists the closure and starts a timer that calls fire at FireAt. A
// FireAt in the past fires immediately.
func (s *Scheduler) Arm(c PendingClosure, fire func(PendingClosure)) *closureTimer {
	if err := s.state.PutClosure(c); err != nil {
		s.logger.Warn("closure_persist_failed",
			zap.String("thread", c.ThreadID),
			zap.Bool("auto_close", c.IsAutoClose),
			zap.Error(err),
		)
	}
	delay := c.FireAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	t := &closureTimer{closure: c}
	t.timer = time.AfterFunc(delay, func() {
		if !t.state.CompareAndSwap(timerArmed, timerFiring) {
			return
		}
		s.forget(c.ThreadID, c.IsAutoClose)
		fire(c)
	})
	s.logger.Debug("closure_armed",
		zap.String("thread", c.ThreadID),
		zap.Bool("auto_close", c.IsAutoClose),
		zap.Duration("after", delay),
	)
	return t
}

// Disarm cancels t and drops its persisted closure.
func (s *Scheduler) Disarm(t *closureTimer) bool {
	if !t.Cancel() {
		return false
	}
	s.forget(t.closure.ThreadID, t.closure.IsAutoClose)
	return true
}

func (s *Scheduler) forget(threadID string, autoClose bool) {
	if err := s.state.RemoveClosure(threadID, autoClose); err != nil {
		s.logger.Warn("closure_remove_failed",
			zap.String("thread", threadID),
			zap.Bool("auto_close", autoClose),
			zap.Error(err),
		)
	}
}

// Pending lists the persisted closures, oldest fire time first.
func (s *Scheduler) Pending() []PendingClosure {
	return s.state.Closures()
}

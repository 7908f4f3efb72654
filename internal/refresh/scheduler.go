package refresh

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler owns one pending wakeup at a time. Scheduling replaces
// any pending wakeup; Stop cancels the pending one and makes every
// later Schedule call a no-op, so a stopped consumer can never leave a
// dangling timer behind.
type Scheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	logger  *slog.Logger
}

// NewScheduler builds an idle scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "refresh_scheduler"))
	}
	return &Scheduler{logger: logger}
}

// Schedule arranges for fn to run once after delay, replacing any
// not-yet-fired wakeup. fn runs on a timer goroutine.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = time.AfterFunc(delay, func() {
		// A Stop between firing and running must still win.
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		fn()
	})
}

// Stop cancels any pending wakeup and rejects future ones. Safe to
// call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

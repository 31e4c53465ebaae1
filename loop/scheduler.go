package loop

import (
	"sync"
	"time"
)

// Scheduler runs a single deferred frame callback. At most one callback may
// be pending: Schedule refuses a second one until the first has fired or
// been cancelled.
type Scheduler interface {
	// Schedule arranges for fn to run once. It returns false when a
	// callback is already pending.
	Schedule(fn func(now time.Time)) bool

	// Cancel drops the pending callback and reports whether there was one.
	Cancel() bool
}

// DefaultFrameInterval targets 60 frames per second.
const DefaultFrameInterval = time.Second / 60

// TimerScheduler fires callbacks after a fixed interval using time.AfterFunc.
type TimerScheduler struct {
	interval time.Duration

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewTimerScheduler creates a scheduler firing interval after each Schedule.
// A non-positive interval uses DefaultFrameInterval.
func NewTimerScheduler(interval time.Duration) *TimerScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &TimerScheduler{interval: interval}
}

// Schedule implements Scheduler.
func (s *TimerScheduler) Schedule(fn func(now time.Time)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return false
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		if s.gen != gen || s.timer == nil {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn(time.Now())
	})
	return true
}

// Cancel implements Scheduler.
func (s *TimerScheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	s.gen++
	return true
}

// Pending reports whether a callback is scheduled.
func (s *TimerScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

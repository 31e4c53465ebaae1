package loop

import (
	"testing"
	"time"
)

func TestTimerSchedulerSingleInFlight(t *testing.T) {
	s := NewTimerScheduler(5 * time.Millisecond)
	fired := make(chan struct{}, 2)

	if !s.Schedule(func(time.Time) { fired <- struct{}{} }) {
		t.Fatal("first Schedule refused")
	}
	if s.Schedule(func(time.Time) { fired <- struct{}{} }) {
		t.Fatal("second Schedule accepted while one is pending")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
	}
	select {
	case <-fired:
		t.Fatal("refused callback fired")
	case <-time.After(30 * time.Millisecond):
	}
	if s.Pending() {
		t.Error("scheduler still pending after firing")
	}
}

func TestTimerSchedulerCancel(t *testing.T) {
	s := NewTimerScheduler(20 * time.Millisecond)
	fired := make(chan struct{}, 1)
	s.Schedule(func(time.Time) { fired <- struct{}{} })
	if !s.Cancel() {
		t.Fatal("Cancel found nothing pending")
	}
	if s.Cancel() {
		t.Error("second Cancel reported a pending callback")
	}
	select {
	case <-fired:
		t.Fatal("cancelled callback fired")
	case <-time.After(60 * time.Millisecond):
	}
	if !s.Schedule(func(time.Time) {}) {
		t.Error("Schedule refused after Cancel")
	}
	s.Cancel()
}

func TestFrameRateSampler(t *testing.T) {
	s := NewFrameRateSampler(500 * time.Millisecond)
	var rate float64
	var emitted int
	for i := 0; i <= 10; i++ {
		if r, ok := s.Sample(t0.Add(time.Duration(i) * 100 * time.Millisecond)); ok {
			rate = r
			emitted++
		}
	}
	if emitted != 2 {
		t.Errorf("emitted %d samples over 1s, want 2", emitted)
	}
	if rate != 10 {
		t.Errorf("rate = %v, want 10", rate)
	}

	s.Restart()
	if _, ok := s.Sample(t0.Add(time.Hour)); ok || s.Rate() != 10 {
		t.Error("Restart should drop the window and keep the estimate")
	}
}

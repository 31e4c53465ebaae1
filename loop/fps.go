package loop

import "time"

// DefaultFrameRateWindow is how often the frame rate estimate is refreshed.
const DefaultFrameRateWindow = 500 * time.Millisecond

// FrameRateSampler averages frames over a fixed window.
//
// FrameRateSampler is not safe for concurrent use.
type FrameRateSampler struct {
	window time.Duration
	start  time.Time
	frames int
	rate   float64
}

// NewFrameRateSampler creates a sampler emitting every window.
func NewFrameRateSampler(window time.Duration) *FrameRateSampler {
	if window <= 0 {
		window = DefaultFrameRateWindow
	}
	return &FrameRateSampler{window: window}
}

// Sample records a frame at now. It returns the new estimate and true when
// a window has elapsed.
func (s *FrameRateSampler) Sample(now time.Time) (float64, bool) {
	if s.start.IsZero() {
		s.start = now
		return s.rate, false
	}
	s.frames++
	elapsed := now.Sub(s.start)
	if elapsed < s.window {
		return s.rate, false
	}
	s.rate = float64(s.frames) / elapsed.Seconds()
	s.start = now
	s.frames = 0
	return s.rate, true
}

// Rate returns the last estimate in frames per second.
func (s *FrameRateSampler) Rate() float64 { return s.rate }

// Restart drops the partial window, keeping the last estimate. Used after
// pauses so idle time does not count.
func (s *FrameRateSampler) Restart() {
	s.start = time.Time{}
	s.frames = 0
}

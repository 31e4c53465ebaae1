// Package loop drives the per-frame compute loop and owns playback state.
//
// A Controller moves between Stopped, Playing and Paused. Frames run on the
// Scheduler's goroutine one at a time; host calls and frames are serialized
// by the controller's mutex, so a Target never sees concurrent calls.
package loop

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/shaderlab/internal/logging"
)

// State is the playback state of a Controller.
type State uint8

const (
	Stopped State = iota
	Playing
	Paused
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// PlaybackState is a snapshot of the controller's playback fields.
type PlaybackState struct {
	State State

	// Time is accumulated simulation time in seconds. It does not advance
	// while paused.
	Time float64

	// Frame counts frames submitted since the last reset.
	Frame uint64

	PendingReset        bool
	PendingManualReload bool
	HotReload           bool
}

// Frame describes one frame handed to Target.Submit.
type Frame struct {
	Index uint64
	Time  float64
	Delta float64
}

// Target is the work driven by the controller. Calls are never concurrent.
// Implementations must not call back into the Controller.
type Target interface {
	// PushUniforms uploads the current custom uniform values.
	PushUniforms() error

	// Reload recompiles the source and reconciles resources. A non-nil
	// error leaves the previous pipelines in use.
	Reload() error

	// Reset destroys all resources so the next frame starts fresh.
	Reset() error

	// Submit encodes and submits one frame without waiting for the GPU.
	Submit(f Frame) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithErrorHandler sets a callback receiving errors raised inside frames
// and deferred reloads. It runs outside the controller's lock.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithFrameRateWindow sets the frame rate averaging window.
func WithFrameRateWindow(d time.Duration) Option {
	return func(c *Controller) { c.fps = NewFrameRateSampler(d) }
}

// WithHotReload sets the initial hot reload flag. Default off.
func WithHotReload(enabled bool) Option {
	return func(c *Controller) { c.st.HotReload = enabled }
}

// Controller is the playback state machine.
type Controller struct {
	target  Target
	sched   Scheduler
	onError func(error)

	mu    sync.Mutex
	st    PlaybackState
	ready bool
	last  time.Time
	fps   *FrameRateSampler
}

// New creates a stopped controller.
func New(target Target, sched Scheduler, opts ...Option) *Controller {
	c := &Controller{
		target: target,
		sched:  sched,
		fps:    NewFrameRateSampler(DefaultFrameRateWindow),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Play resumes a paused controller from its accumulated time. It returns
// false when already playing or when nothing has been compiled yet.
func (c *Controller) Play() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.st.State {
	case Playing:
		return false
	case Stopped:
		if !c.ready {
			return false
		}
	}
	c.startLocked()
	logging.For("loop").Debug("play", "time", c.st.Time)
	return true
}

// Pause stops frame submission and cancels the pending callback.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.State != Playing {
		return false
	}
	c.st.State = Paused
	c.sched.Cancel()
	logging.For("loop").Debug("pause", "time", c.st.Time, "frame", c.st.Frame)
	return true
}

// Reset requests a fresh simulation. Resources are destroyed and time and
// frame counter return to zero at the start of the next frame. The
// controller is Playing afterwards regardless of its prior state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.PendingReset = true
	if c.st.State != Playing {
		c.startLocked()
	}
	logging.For("loop").Debug("reset requested")
}

// RequestManualReload recompiles the source. While playing the reload runs
// at the start of the next frame; otherwise it runs now and its error is
// returned.
func (c *Controller) RequestManualReload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestReloadLocked()
}

// SetHotReload enables or disables reload on every source change.
func (c *Controller) SetHotReload(enabled bool) {
	c.mu.Lock()
	c.st.HotReload = enabled
	c.mu.Unlock()
}

// SourceChanged reports an edit. With hot reload enabled it behaves like
// RequestManualReload; otherwise it does nothing.
func (c *Controller) SourceChanged() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.st.HotReload {
		return nil
	}
	return c.requestReloadLocked()
}

// Reload recompiles immediately regardless of state. A successful reload
// from Stopped starts playback.
func (c *Controller) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked()
}

// Stop cancels the pending frame and moves to Stopped. Accumulated time is
// kept.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched.Cancel()
	c.st.State = Stopped
}

// State returns the playback state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.State
}

// Time returns accumulated simulation time in seconds.
func (c *Controller) Time() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Time
}

// Frame returns the number of frames submitted since the last reset.
func (c *Controller) Frame() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Frame
}

// FrameRate returns the latest frames-per-second estimate.
func (c *Controller) FrameRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps.Rate()
}

// Snapshot returns a copy of the playback state.
func (c *Controller) Snapshot() PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

func (c *Controller) requestReloadLocked() error {
	if c.st.State == Playing {
		c.st.PendingManualReload = true
		return nil
	}
	return c.reloadLocked()
}

func (c *Controller) reloadLocked() error {
	if err := c.target.Reload(); err != nil {
		logging.For("loop").Debug("reload failed", "error", err)
		return err
	}
	c.ready = true
	if c.st.State == Stopped {
		c.startLocked()
		logging.For("loop").Info("playback started")
	}
	return nil
}

// startLocked enters Playing and schedules a frame. A refused Schedule
// means a callback is already pending, which is fine.
func (c *Controller) startLocked() {
	c.st.State = Playing
	c.last = time.Time{}
	c.fps.Restart()
	c.sched.Schedule(c.frame)
}

// frame runs one animation callback.
func (c *Controller) frame(now time.Time) {
	var errs []error

	c.mu.Lock()
	if c.st.State != Playing {
		c.mu.Unlock()
		return
	}

	if c.st.PendingReset {
		c.st.PendingReset = false
		if err := c.target.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("loop: reset: %w", err))
		}
		c.st.Time = 0
		c.st.Frame = 0
		c.last = time.Time{}
		c.fps.Restart()
	}

	if err := c.target.PushUniforms(); err != nil {
		errs = append(errs, fmt.Errorf("loop: push uniforms: %w", err))
	}

	if c.st.PendingManualReload {
		c.st.PendingManualReload = false
		if err := c.reloadLocked(); err != nil {
			errs = append(errs, fmt.Errorf("loop: reload: %w", err))
		}
	}

	var delta float64
	if !c.last.IsZero() {
		delta = max(now.Sub(c.last).Seconds(), 0)
	}
	c.last = now
	c.st.Time += delta

	f := Frame{Index: c.st.Frame, Time: c.st.Time, Delta: delta}
	if err := c.target.Submit(f); err != nil {
		errs = append(errs, fmt.Errorf("loop: submit frame %d: %w", f.Index, err))
	}
	c.st.Frame++

	if rate, ok := c.fps.Sample(now); ok {
		logging.For("loop").Debug("frame rate", "fps", rate)
	}

	if c.st.State == Playing {
		c.sched.Schedule(c.frame)
	}
	c.mu.Unlock()

	for _, err := range errs {
		c.report(err)
	}
}

func (c *Controller) report(err error) {
	logging.For("loop").Warn("frame error", "error", err)
	if c.onError != nil {
		c.onError(err)
	}
}

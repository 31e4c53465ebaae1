package shaderlab

import (
	"context"
	"errors"
	"fmt"
	"image"
	"maps"
	"net/http"
	"slices"
	"sync"

	"github.com/gogpu/shaderlab/binding"
	"github.com/gogpu/shaderlab/compile"
	"github.com/gogpu/shaderlab/device"
	"github.com/gogpu/shaderlab/internal/config"
	"github.com/gogpu/shaderlab/internal/gpu"
	"github.com/gogpu/shaderlab/internal/logging"
	"github.com/gogpu/shaderlab/loop"
	"github.com/gogpu/shaderlab/readback"
	"github.com/gogpu/shaderlab/resource"
	"github.com/gogpu/shaderlab/state"
	"github.com/gogpu/shaderlab/texture"
)

// Engine errors.
var (
	// ErrClosed is returned by operations on a closed Engine.
	ErrClosed = errors.New("shaderlab: engine closed")

	// ErrUnknownChannel is returned for texture channels other than
	// channel0 and channel1.
	ErrUnknownChannel = errors.New("shaderlab: unknown texture channel")

	// ErrUnknownBuffer is returned by ReadBuffer for names that are not a
	// live buffer.
	ErrUnknownBuffer = errors.New("shaderlab: unknown buffer")

	// ErrInvalidUniform is returned for uniform names that are not WGSL
	// identifiers.
	ErrInvalidUniform = errors.New("shaderlab: invalid uniform name")
)

// Engine compiles, runs and presents a user shader.
//
// All methods are safe for concurrent use. Frames run on the scheduler's
// goroutine.
type Engine struct {
	cfg    *config.Config
	dev    *device.Context
	rb     *readback.Pipeline
	comp   *compile.Pipeline
	res    *resource.Manager
	exec   *gpu.Executor
	loader texture.Loader
	ctl    *loop.Controller

	// mu guards the session below. Frame callbacks take it while the
	// controller's lock is held, so it must never be held while calling
	// into ctl.
	mu       sync.Mutex
	closed   bool
	source   string
	uniforms map[string]float32
	textures map[string]string
	images   map[string]*image.RGBA

	// mod is the last module whose pipelines were built.
	mod *compile.Module

	// stale means the live resources no longer match mod, after a resize
	// or a new channel image.
	stale bool

	lastPlan  resource.Plan
	lastReset resource.Plan
}

// New opens a device and creates a stopped engine. A nil cfg uses
// config.DefaultConfig.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("shaderlab: %w", err)
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	var (
		dev *device.Context
		err error
	)
	if o.provider != nil {
		dev, err = device.InitFromProvider(o.provider, cfg.Device.Width, cfg.Device.Height)
	} else {
		dev, err = device.Init(ctx, cfg.Device.Width, cfg.Device.Height, o.canvas,
			device.WithBackend(cfg.Device.Backend))
	}
	if err != nil {
		return nil, err
	}

	rb, err := readback.New(dev.RawDevice(), dev.RawQueue(),
		readback.WithCapacity(uint64(cfg.Readback.CapacityMB)<<20), //nolint:gosec // validated positive
		readback.WithPollInterval(cfg.Readback.PollInterval))
	if err != nil {
		dev.Destroy()
		return nil, err
	}

	gpuOpts := []gpu.Option{gpu.WithMemoryTracker(gpu.NewMemoryTracker(cfg.Device.MemoryBudgetMB))}
	if dev.HasSurface() {
		gpuOpts = append(gpuOpts, gpu.WithSurface(dev))
	}

	compiler := o.compiler
	if compiler == nil {
		compiler = compile.NagaCompiler{}
	}
	loader := o.loader
	if loader == nil {
		loader = texture.NewFetcher(
			texture.WithHTTPClient(&http.Client{Timeout: cfg.Texture.Timeout}),
			texture.WithMaxBytes(int64(cfg.Texture.MaxSizeMB)<<20),
			texture.WithMaxDimension(cfg.Texture.MaxDimension))
		if cfg.Texture.CacheMB > 0 {
			loader = texture.NewCachedLoader(loader, int64(cfg.Texture.CacheMB)<<20)
		}
	}
	sched := o.scheduler
	if sched == nil {
		sched = loop.NewTimerScheduler(cfg.FrameInterval())
	}

	e := &Engine{
		cfg:      cfg,
		dev:      dev,
		rb:       rb,
		comp:     compile.NewPipeline(compiler),
		res:      resource.NewManager(),
		exec:     gpu.New(dev.RawDevice(), dev.RawQueue(), gpuOpts...),
		loader:   loader,
		uniforms: make(map[string]float32),
		textures: make(map[string]string),
		images:   make(map[string]*image.RGBA),
	}
	e.ctl = loop.New(&frameTarget{e: e}, sched,
		loop.WithFrameRateWindow(cfg.Loop.FrameRateWindow),
		loop.WithHotReload(cfg.Loop.HotReload),
		loop.WithErrorHandler(o.onError))

	w, h := dev.Size()
	logging.For("engine").Info("engine ready", "width", w, "height", h, "surface", dev.HasSurface())
	return e, nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Play resumes playback. It returns false when already playing or when no
// shader has compiled yet.
func (e *Engine) Play() bool {
	if e.isClosed() {
		return false
	}
	return e.ctl.Play()
}

// Pause stops frame submission, keeping simulation time.
func (e *Engine) Pause() bool {
	return e.ctl.Pause()
}

// Reset destroys every resource, persistent ones included, and restarts
// time at zero on the next frame. The engine is playing afterwards.
func (e *Engine) Reset() {
	if e.isClosed() {
		return
	}
	e.ctl.Reset()
}

// RequestManualReload recompiles the current source. While playing the
// reload happens at the start of the next frame and failures reach the
// error handler; otherwise the compile error is returned.
func (e *Engine) RequestManualReload() error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.ctl.RequestManualReload()
}

// SetHotReloadEnabled makes every SetSource trigger a reload.
func (e *Engine) SetHotReloadEnabled(enabled bool) {
	e.ctl.SetHotReload(enabled)
}

// SetSource replaces the shader source. With hot reload enabled it
// recompiles like RequestManualReload.
func (e *Engine) SetSource(src string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.source = src
	e.mu.Unlock()
	return e.ctl.SourceChanged()
}

// Source returns the current shader source.
func (e *Engine) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

// SetUniform sets a member of the custom uniform block. Values reach the
// GPU at the start of the next frame. A new name changes the block's
// layout and triggers a reload once a shader has compiled.
func (e *Engine) SetUniform(name string, value float32) error {
	if members := compile.CustomMembers([]string{name}); members[0] != name {
		return fmt.Errorf("%w: %q", ErrInvalidUniform, name)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	_, known := e.uniforms[name]
	e.uniforms[name] = value
	names := slices.Collect(maps.Keys(e.uniforms))
	compiled := e.mod != nil
	e.mu.Unlock()

	if known {
		return nil
	}
	e.comp.SetUniforms(names)
	if !compiled {
		// The next compile picks up the new layout.
		return nil
	}
	return e.ctl.RequestManualReload()
}

// Uniforms returns a copy of the custom uniform values.
func (e *Engine) Uniforms() map[string]float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.uniforms)
}

func validChannel(ch string) bool {
	for i := range compile.ChannelCount {
		if ch == compile.ChannelName(i) {
			return true
		}
	}
	return false
}

// LoadTexture fetches the image at uri into a sampled texture channel.
func (e *Engine) LoadTexture(ctx context.Context, channel, uri string) error {
	if !validChannel(channel) {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if e.isClosed() {
		return ErrClosed
	}
	img, err := e.loader.Fetch(ctx, uri)
	if err != nil {
		return err
	}

	playing := e.ctl.State() == loop.Playing
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.textures[channel] = uri
	e.images[channel] = img
	return e.invalidateLocked(playing)
}

// Resize changes the screen size. Screen-sized textures and buffers are
// reallocated before the next frame.
func (e *Engine) Resize(width, height uint32) error {
	if e.isClosed() {
		return ErrClosed
	}
	changed, err := e.dev.Reconfigure(width, height)
	if err != nil || !changed {
		return err
	}
	playing := e.ctl.State() == loop.Playing
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidateLocked(playing)
}

// invalidateLocked marks resources stale. While playing the next frame
// reconciles them; otherwise it happens now.
func (e *Engine) invalidateLocked(playing bool) error {
	e.stale = true
	if playing || e.mod == nil {
		return nil
	}
	return e.applyLocked(e.mod)
}

// ReadBuffer copies the named buffer to host memory. The buffer stays
// alive until the copy has finished, even if a frame releases it.
func (e *Engine) ReadBuffer(ctx context.Context, name string) ([]byte, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	r, err := e.res.Lookup(name)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuffer, name)
	}
	buf, ok := r.Handle.(*gpu.Buffer)
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is a %s", ErrUnknownBuffer, name, r.Kind)
	}
	unpin := e.exec.Pin(buf)
	e.mu.Unlock()

	tr := e.rb.Read(buf.Raw, make([]byte, buf.Size), buf.Size, 0, 0)
	go func() {
		<-tr.Done()
		unpin()
	}()
	return tr.Wait(ctx)
}

// ParseError returns the diagnostic of the latest compile.
func (e *Engine) ParseError() compile.ParseError {
	return e.comp.LastError()
}

// FrameRate returns the measured frames per second.
func (e *Engine) FrameRate() float64 {
	return e.ctl.FrameRate()
}

// Resolution returns the screen size in pixels.
func (e *Engine) Resolution() (width, height uint32) {
	return e.dev.Size()
}

// Bindings lists the bindings of the running shader by group and binding.
func (e *Engine) Bindings() []binding.ResourceBinding {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mod == nil {
		return nil
	}
	return binding.Sorted(e.mod.Bindings)
}

// State returns the playback state.
func (e *Engine) State() loop.PlaybackState {
	return e.ctl.Snapshot()
}

// Stats summarizes live resources and GPU activity.
type Stats struct {
	Resources  resource.Stats
	Frames     uint64
	InFlight   int
	Retired    int
	MemoryUsed uint64
	MemoryPeak uint64
}

// Stats returns a snapshot of resource and GPU counters.
func (e *Engine) Stats() Stats {
	g := e.exec.Stats()
	return Stats{
		Resources:  e.res.Stats(),
		Frames:     g.Frames,
		InFlight:   g.InFlight,
		Retired:    g.Retired,
		MemoryUsed: g.Memory.UsedBytes,
		MemoryPeak: g.Memory.PeakBytes,
	}
}

// Snapshot returns the session for persistence.
func (e *Engine) Snapshot() state.Bag {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := state.Bag{Source: e.source}
	if len(e.uniforms) > 0 {
		b.Uniforms = maps.Clone(e.uniforms)
	}
	if len(e.textures) > 0 {
		b.Textures = maps.Clone(e.textures)
	}
	return b
}

// Restore replaces the session with b, fetching its textures
// concurrently, and recompiles. Nothing changes if a texture fails to
// load.
func (e *Engine) Restore(ctx context.Context, b state.Bag) error {
	for ch := range b.Textures {
		if !validChannel(ch) {
			return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
		}
	}
	if e.isClosed() {
		return ErrClosed
	}
	images, err := texture.FetchAll(ctx, e.loader, b.Textures)
	if err != nil {
		return fmt.Errorf("shaderlab: restore: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.source = b.Source
	e.uniforms = maps.Clone(b.Uniforms)
	if e.uniforms == nil {
		e.uniforms = make(map[string]float32)
	}
	e.textures = maps.Clone(b.Textures)
	if e.textures == nil {
		e.textures = make(map[string]string)
	}
	e.images = images
	e.stale = true
	names := slices.Collect(maps.Keys(e.uniforms))
	e.mu.Unlock()

	e.comp.SetUniforms(names)
	logging.For("engine").Info("session restored",
		"uniforms", len(names), "textures", len(images))
	return e.ctl.RequestManualReload()
}

// Close stops playback and releases every GPU object. A device shared
// through WithDeviceProvider stays alive. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// Stop waits for a running frame; later callbacks see Stopped.
	e.ctl.Stop()
	// Queued reads finish before their buffers go away.
	e.rb.Dispose()

	e.mu.Lock()
	e.res.Reset(e.exec)
	e.mod = nil
	e.mu.Unlock()

	e.exec.Destroy()
	e.dev.Destroy()
	logging.For("engine").Info("engine closed")
	return nil
}

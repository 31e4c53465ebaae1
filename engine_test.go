package shaderlab

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/shaderlab/compile"
	"github.com/gogpu/shaderlab/internal/config"
	"github.com/gogpu/shaderlab/internal/gpu"
	"github.com/gogpu/shaderlab/loop"
	"github.com/gogpu/shaderlab/resource"
	"github.com/gogpu/shaderlab/state"
)

const particleShader = `@group(1) @binding(0) var<storage, read_write> particles: array<vec4<f32>, 256>;
@group(1) @binding(1) var trail: texture_storage_2d<rgba8unorm, write>;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    particles[id.x % 256u] += vec4<f32>(time.delta);
}
`

// stubCompiler reflects a fixed module, standing in for naga.
type stubCompiler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *stubCompiler) Compile(_ context.Context, _ string) (*compile.Reflection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &compile.Reflection{
		EntryPoints: []compile.EntryPoint{
			{Name: "main", Stage: compile.StageCompute, Workgroup: [3]uint32{8, 8, 1}},
		},
		Layouts: map[compile.Slot]compile.Layout{
			{Group: 1, Binding: 0}: {Fixed: 256 * 16},
		},
	}, nil
}

func (c *stubCompiler) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *stubCompiler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// manualScheduler holds at most one callback until the test fires it.
type manualScheduler struct {
	mu sync.Mutex
	fn func(time.Time)
}

func (s *manualScheduler) Schedule(fn func(time.Time)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fn != nil {
		return false
	}
	s.fn = fn
	return true
}

func (s *manualScheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := s.fn != nil
	s.fn = nil
	return had
}

func (s *manualScheduler) fire(now time.Time) bool {
	s.mu.Lock()
	fn := s.fn
	s.fn = nil
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(now)
	return true
}

type imageLoader struct {
	w, h int
	fail bool
}

func (l imageLoader) Fetch(_ context.Context, uri string) (*image.RGBA, error) {
	if l.fail {
		return nil, errors.New("unreachable: " + uri)
	}
	return image.NewRGBA(image.Rect(0, 0, l.w, l.h)), nil
}

type testEngine struct {
	*Engine
	compiler *stubCompiler
	sched    *manualScheduler
	now      time.Time

	errMu  sync.Mutex
	errors []error
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Device.Backend = "empty"
	cfg.Device.Width, cfg.Device.Height = 64, 32
	cfg.Readback.CapacityMB = 1

	te := &testEngine{
		compiler: &stubCompiler{},
		sched:    &manualScheduler{},
		now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{
		WithCompiler(te.compiler),
		WithScheduler(te.sched),
		WithLoader(imageLoader{w: 4, h: 2}),
		WithErrorHandler(func(err error) {
			te.errMu.Lock()
			te.errors = append(te.errors, err)
			te.errMu.Unlock()
		}),
	}, opts...)

	eng, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	te.Engine = eng
	return te
}

// frame fires the pending callback 1/60 s after the previous one.
func (te *testEngine) frame(t *testing.T) {
	t.Helper()
	te.now = te.now.Add(time.Second / 60)
	if !te.sched.fire(te.now) {
		t.Fatal("no frame scheduled")
	}
}

func (te *testEngine) frameErrors() []error {
	te.errMu.Lock()
	defer te.errMu.Unlock()
	return append([]error(nil), te.errors...)
}

func userNames(rs []resource.Desired) map[string]resource.Kind {
	out := make(map[string]resource.Kind)
	for _, d := range rs {
		switch d.Name {
		case "particles", "trail":
			out[d.Name] = d.Kind
		}
	}
	return out
}

func TestEngineEndToEnd(t *testing.T) {
	te := newTestEngine(t)

	if err := te.SetSource(particleShader); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	if te.State().State != loop.Stopped {
		t.Fatal("SetSource without hot reload should not compile")
	}
	if err := te.RequestManualReload(); err != nil {
		t.Fatalf("RequestManualReload: %v", err)
	}
	if !te.ParseError().Success {
		t.Fatalf("ParseError = %+v", te.ParseError())
	}
	if te.State().State != loop.Playing {
		t.Fatalf("state = %v, want playing after first compile", te.State().State)
	}

	te.Engine.mu.Lock()
	created := userNames(te.lastPlan.ToCreate)
	te.Engine.mu.Unlock()
	if len(created) != 2 {
		t.Fatalf("created user resources = %v, want particles and trail", created)
	}
	if b, ok := created["particles"].(resource.Buffer); !ok || b.Size != 4096 || b.Usage != resource.BufferStorage {
		t.Errorf("particles = %v", created["particles"])
	}
	if tex, ok := created["trail"].(resource.Texture); !ok || tex.Width != 64 || tex.Height != 32 || !tex.IsStorage() {
		t.Errorf("trail = %v", created["trail"])
	}

	te.frame(t)
	te.frame(t)
	if errs := te.frameErrors(); len(errs) != 0 {
		t.Fatalf("frame errors: %v", errs)
	}
	if st := te.Stats(); st.Frames != 2 || st.Resources.Buffers == 0 {
		t.Errorf("Stats = %+v", st)
	}

	data, err := te.ReadBuffer(context.Background(), "particles")
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if len(data) != 4096 {
		t.Errorf("ReadBuffer returned %d bytes", len(data))
	}

	te.Pause()
	te.Reset()
	te.frame(t)

	te.Engine.mu.Lock()
	var destroyed []string
	for _, r := range te.lastReset.ToDestroy {
		if r.Name == "particles" || r.Name == "trail" {
			destroyed = append(destroyed, r.Name)
		}
	}
	te.Engine.mu.Unlock()
	if len(destroyed) != 2 {
		t.Errorf("reset destroyed %v, want particles and trail", destroyed)
	}

	st := te.State()
	if st.State != loop.Playing || st.Time != 0 || st.Frame != 1 {
		t.Errorf("after reset: %+v", st)
	}
	if _, err := te.ReadBuffer(context.Background(), "particles"); err != nil {
		t.Errorf("particles not reallocated after reset: %v", err)
	}
}

// gatedDevice holds readback copies until the gate opens and records
// destroyed buffers.
type gatedDevice struct {
	*noop.Device
	gate    chan struct{}
	started chan struct{}

	mu             sync.Mutex
	destroyed      map[hal.Buffer]bool
	copiedReleased bool
}

func (d *gatedDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(desc)
	if err != nil || desc.Label != "readback_encoder" {
		return enc, err
	}
	return &gatedEncoder{CommandEncoder: enc, dev: d}, nil
}

func (d *gatedDevice) DestroyBuffer(b hal.Buffer) {
	d.mu.Lock()
	d.destroyed[b] = true
	d.mu.Unlock()
}

func (d *gatedDevice) isDestroyed(b hal.Buffer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed[b]
}

type gatedEncoder struct {
	hal.CommandEncoder
	dev *gatedDevice
}

func (e *gatedEncoder) CopyBufferToBuffer(src, dst hal.Buffer, regions []hal.BufferCopy) {
	select {
	case e.dev.started <- struct{}{}:
	default:
	}
	<-e.dev.gate
	e.dev.mu.Lock()
	if e.dev.destroyed[src] {
		e.dev.copiedReleased = true
	}
	e.dev.mu.Unlock()
	e.CommandEncoder.CopyBufferToBuffer(src, dst, regions)
}

type hostProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (p hostProvider) Device() gpucontext.Device { return p.device }
func (p hostProvider) Queue() gpucontext.Queue { return p.queue }
func (p hostProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }
func (p hostProvider) Adapter() gpucontext.Adapter { return nil }
func (p hostProvider) AdapterInfo() gpucontext.AdapterInfo { return gpucontext.AdapterInfo{Name: "host"} }
func (p hostProvider) HalDevice() any { return p.device }
func (p hostProvider) HalQueue() any { return p.queue }

func TestEngineReadBufferSurvivesReset(t *testing.T) {
	dev := &gatedDevice{
		Device:    &noop.Device{},
		gate:      make(chan struct{}),
		started:   make(chan struct{}, 1),
		destroyed: make(map[hal.Buffer]bool),
	}
	te := newTestEngine(t, WithDeviceProvider(hostProvider{device: dev, queue: &noop.Queue{}}))
	var openGate sync.Once
	t.Cleanup(func() { openGate.Do(func() { close(dev.gate) }) })
	if err := te.SetSource(particleShader); err != nil {
		t.Fatal(err)
	}
	if err := te.RequestManualReload(); err != nil {
		t.Fatal(err)
	}
	te.frame(t)

	te.Engine.mu.Lock()
	r, err := te.res.Lookup("particles")
	te.Engine.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	old := r.Handle.(*gpu.Buffer).Raw

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := te.ReadBuffer(context.Background(), "particles")
		done <- result{data, err}
	}()
	select {
	case <-dev.started:
	case <-time.After(5 * time.Second):
		t.Fatal("readback copy never started")
	}

	te.Reset()
	te.frame(t)
	te.frame(t)
	if dev.isDestroyed(old) {
		t.Fatal("buffer destroyed while its readback was in flight")
	}

	openGate.Do(func() { close(dev.gate) })
	res := <-done
	if res.err != nil || len(res.data) != 4096 {
		t.Fatalf("ReadBuffer = %d bytes, %v", len(res.data), res.err)
	}
	dev.mu.Lock()
	copiedReleased := dev.copiedReleased
	dev.mu.Unlock()
	if copiedReleased {
		t.Fatal("readback copied from a destroyed buffer")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !dev.isDestroyed(old) {
		if time.Now().After(deadline) {
			t.Fatal("released buffer never destroyed after the read")
		}
		te.exec.Collect()
		time.Sleep(time.Millisecond)
	}
}

func TestEngineReadBufferErrors(t *testing.T) {
	te := newTestEngine(t)
	if err := te.SetSource(particleShader); err != nil {
		t.Fatal(err)
	}
	if err := te.RequestManualReload(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"missing", "trail"} {
		if _, err := te.ReadBuffer(context.Background(), name); !errors.Is(err, ErrUnknownBuffer) {
			t.Errorf("ReadBuffer(%q) = %v, want ErrUnknownBuffer", name, err)
		}
	}
}

func TestEngineCompileErrorKeepsShader(t *testing.T) {
	te := newTestEngine(t)
	if err := te.SetSource(particleShader); err != nil {
		t.Fatal(err)
	}
	if err := te.RequestManualReload(); err != nil {
		t.Fatal(err)
	}
	te.Pause()

	te.compiler.fail(errors.New("expected ';'"))
	if err := te.SetSource("fn broken("); err != nil {
		t.Fatal(err)
	}
	err := te.RequestManualReload()
	if !errors.Is(err, compile.ErrCompile) {
		t.Fatalf("reload error = %v, want ErrCompile", err)
	}
	if te.ParseError().Success {
		t.Error("ParseError should report the failure")
	}
	if len(te.Bindings()) == 0 {
		t.Error("previous bindings lost after failed compile")
	}

	te.Play()
	te.frame(t)
	if errs := te.frameErrors(); len(errs) != 0 {
		t.Errorf("previous shader should keep running: %v", errs)
	}
}

func TestEngineHotReload(t *testing.T) {
	te := newTestEngine(t)
	te.SetHotReloadEnabled(true)

	if err := te.SetSource(particleShader); err != nil {
		t.Fatal(err)
	}
	if te.compiler.count() != 1 || te.State().State != loop.Playing {
		t.Fatalf("hot reload did not compile: calls=%d state=%v", te.compiler.count(), te.State().State)
	}

	// While playing, edits compile at the start of the next frame.
	if err := te.SetSource(particleShader + "\n"); err != nil {
		t.Fatal(err)
	}
	if te.compiler.count() != 1 {
		t.Fatal("edit compiled outside a frame while playing")
	}
	te.frame(t)
	if te.compiler.count() != 2 {
		t.Errorf("compiles = %d, want 2", te.compiler.count())
	}
}

func TestEngineSetUniform(t *testing.T) {
	te := newTestEngine(t)
	if err := te.SetSource(particleShader); err != nil {
		t.Fatal(err)
	}
	if err := te.RequestManualReload(); err != nil {
		t.Fatal(err)
	}
	te.Pause()
	calls := te.compiler.count()

	if err := te.SetUniform("speed", 2); err != nil {
		t.Fatal(err)
	}
	if te.compiler.count() != calls+1 {
		t.Error("a new uniform should recompile")
	}
	if err := te.SetUniform("speed", 3); err != nil {
		t.Fatal(err)
	}
	if te.compiler.count() != calls+1 {
		t.Error("changing a value should not recompile")
	}
	if got := te.Uniforms()["speed"]; got != 3 {
		t.Errorf("speed = %v", got)
	}
	if err := te.SetUniform("2fast", 1); !errors.Is(err, ErrInvalidUniform) {
		t.Errorf("invalid name error = %v", err)
	}
}

func TestEngineSetUniformBeforeCompile(t *testing.T) {
	te := newTestEngine(t)

	if err := te.SetUniform("speed", 1); err != nil {
		t.Fatalf("SetUniform without a shader: %v", err)
	}
	if n := te.compiler.count(); n != 0 {
		t.Errorf("compiled %d times before any source was set", n)
	}
	if pe := te.ParseError(); !pe.Success {
		t.Errorf("ParseError = %+v, want success", pe)
	}

	if err := te.SetSource(particleShader); err != nil {
		t.Fatal(err)
	}
	if err := te.SetUniform("gain", 2); err != nil {
		t.Fatalf("SetUniform before the first compile: %v", err)
	}
	if n := te.compiler.count(); n != 0 {
		t.Errorf("compiled %d times before a reload was requested", n)
	}
	if err := te.RequestManualReload(); err != nil {
		t.Fatal(err)
	}
	if err := te.SetUniform("speed", 4); err != nil || te.compiler.count() != 1 {
		t.Errorf("known uniform after compile: err %v, compiles %d", err, te.compiler.count())
	}
}

func TestEngineLoadTextureAndResize(t *testing.T) {
	te := newTestEngine(t)
	if err := te.SetSource(particleShader); err != nil {
		t.Fatal(err)
	}
	if err := te.RequestManualReload(); err != nil {
		t.Fatal(err)
	}
	te.Pause()

	if err := te.LoadTexture(context.Background(), "channel9", "a.png"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("LoadTexture unknown channel = %v", err)
	}
	if err := te.LoadTexture(context.Background(), "channel0", "a.png"); err != nil {
		t.Fatal(err)
	}
	te.Engine.mu.Lock()
	resized := resizedNames(te.lastPlan)
	te.Engine.mu.Unlock()
	if !resized["channel0"] {
		t.Errorf("channel0 not resized to the image: %v", resized)
	}

	if err := te.Resize(128, 64); err != nil {
		t.Fatal(err)
	}
	if w, h := te.Resolution(); w != 128 || h != 64 {
		t.Errorf("Resolution = %dx%d", w, h)
	}
	te.Engine.mu.Lock()
	resized = resizedNames(te.lastPlan)
	te.Engine.mu.Unlock()
	if !resized["screen"] || !resized["trail"] || resized["particles"] {
		t.Errorf("resize plan = %v", resized)
	}
}

func resizedNames(p resource.Plan) map[string]bool {
	out := make(map[string]bool)
	for _, r := range p.ToResize {
		out[r.New.Name] = true
	}
	return out
}

func TestEngineSnapshotRestore(t *testing.T) {
	te := newTestEngine(t)
	bag := state.Bag{
		Source:   particleShader,
		Uniforms: map[string]float32{"zoom": 1.5},
		Textures: map[string]string{"channel1": "https://example.com/noise.png"},
	}
	if err := te.Restore(context.Background(), bag); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if te.State().State != loop.Playing {
		t.Error("Restore should compile and start playback")
	}

	got := te.Snapshot()
	if got.Source != bag.Source || got.Uniforms["zoom"] != 1.5 || got.Textures["channel1"] != bag.Textures["channel1"] {
		t.Errorf("Snapshot = %+v", got)
	}

	te2 := newTestEngine(t, WithLoader(imageLoader{fail: true}))
	if err := te2.Restore(context.Background(), bag); err == nil {
		t.Error("Restore should fail when a texture cannot be fetched")
	}
	if te2.Source() != "" {
		t.Error("failed Restore changed the session")
	}
}

func TestEngineClose(t *testing.T) {
	te := newTestEngine(t)
	if err := te.SetSource(particleShader); err != nil {
		t.Fatal(err)
	}
	if err := te.RequestManualReload(); err != nil {
		t.Fatal(err)
	}
	if err := te.Close(); err != nil {
		t.Fatal(err)
	}
	if err := te.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := te.SetSource("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("SetSource after Close = %v", err)
	}
	if _, err := te.ReadBuffer(context.Background(), "particles"); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadBuffer after Close = %v", err)
	}
	if te.Play() {
		t.Error("Play after Close should fail")
	}
	te.sched.fire(te.now)
}

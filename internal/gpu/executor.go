package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shaderlab/binding"
	"github.com/gogpu/shaderlab/compile"
	"github.com/gogpu/shaderlab/internal/logging"
	"github.com/gogpu/shaderlab/resource"
)

// Executor errors.
var (
	// ErrNotReady is returned by Dispatch before the first successful Rebuild.
	ErrNotReady = errors.New("gpu: no pipeline built")

	// ErrMissingResource is returned when a bound name has no live resource.
	ErrMissingResource = errors.New("gpu: bound resource not allocated")
)

// Queue is the part of the device queue the executor uses.
type Queue interface {
	Submit(commandBuffers []hal.CommandBuffer) (uint64, error)
	PollCompleted() uint64
	WriteBuffer(buffer hal.Buffer, offset uint64, data []byte) error
	WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error
}

// Surface presents frames. device.Context implements it.
type Surface interface {
	HasSurface() bool
	SurfaceFormat() gputypes.TextureFormat
	AcquireTexture() (*hal.AcquiredSurfaceTexture, error)
	Present(tex hal.SurfaceTexture) error
	Discard(tex hal.SurfaceTexture)
}

// Resources resolves live resources by logical name. resource.Manager
// implements it.
type Resources interface {
	Lookup(name string) (*resource.Resource, error)
}

// Buffer is the handle of an allocated buffer.
type Buffer struct {
	Raw  hal.Buffer
	Size uint64
}

// Texture is the handle of an allocated texture and its default view.
type Texture struct {
	Raw    hal.Texture
	View   hal.TextureView
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
}

// Sampler is the handle of an allocated sampler.
type Sampler struct {
	Raw hal.Sampler
}

// Option configures an Executor.
type Option func(*Executor)

// WithSurface enables presentation of the screen texture.
func WithSurface(s Surface) Option {
	return func(e *Executor) { e.surface = s }
}

// WithMemoryTracker accounts allocations against mt instead of a default
// tracker.
func WithMemoryTracker(mt *MemoryTracker) Option {
	return func(e *Executor) { e.mem = mt }
}

// Executor owns the device objects behind a compiled shader: resources,
// pipelines and bind groups. It encodes and submits one frame per Dispatch
// without waiting for the GPU; objects that may still be in use are
// destroyed once the submission that last saw them has completed.
//
// Allocate and Release may be called concurrently with Dispatch.
type Executor struct {
	device  hal.Device
	queue   Queue
	surface Surface
	mem     *MemoryTracker

	// dirty is set whenever the resource set or the pipeline changed and
	// bind groups must be rebuilt.
	dirty atomic.Bool

	// lastSubmitted is the index of the most recent frame submission.
	lastSubmitted atomic.Uint64

	mu       sync.Mutex
	prog     *program
	groups   []hal.BindGroup
	blit     *blitter
	clears   []*Buffer
	inflight []inflight
	frames   uint64

	gmu       sync.Mutex
	graveyard []retired

	// pins counts readers outside frame submission, such as readback
	// copies. A pinned buffer released meanwhile waits in held.
	pins map[*Buffer]int
	held map[*Buffer]func()
}

// program is the set of objects built from one compiled module.
type program struct {
	bindings     []binding.ResourceBinding
	groupLayouts []hal.BindGroupLayout
	pipeLayout   hal.PipelineLayout
	shader       hal.ShaderModule
	passes       []pass
}

type pass struct {
	entry    compile.EntryPoint
	pipeline hal.ComputePipeline
}

type inflight struct {
	index   uint64
	cmd     hal.CommandBuffer
	encoder hal.CommandEncoder
}

type retired struct {
	after   uint64
	destroy func()
}

var _ resource.Allocator = (*Executor)(nil)

// New creates an executor on device and queue.
func New(device hal.Device, queue Queue, opts ...Option) *Executor {
	e := &Executor{device: device, queue: queue}
	for _, opt := range opts {
		opt(e)
	}
	if e.mem == nil {
		e.mem = NewMemoryTracker(DefaultMaxMemoryMB)
	}
	return e
}

// Memory returns the executor's memory tracker.
func (e *Executor) Memory() *MemoryTracker { return e.mem }

// Allocate implements resource.Allocator.
func (e *Executor) Allocate(d resource.Desired) (any, error) {
	if err := e.mem.Reserve(d.Name, resource.Bytes(d.Kind)); err != nil {
		return nil, err
	}
	h, err := e.allocate(d)
	if err != nil {
		e.mem.Release(d.Name)
		return nil, err
	}
	e.dirty.Store(true)
	logging.For("gpu").Debug("allocated", "name", d.Name, "kind", d.Kind.String())
	return h, nil
}

func (e *Executor) allocate(d resource.Desired) (any, error) {
	switch k := d.Kind.(type) {
	case resource.Buffer:
		usage := gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
		if k.Usage == resource.BufferUniform {
			usage |= gputypes.BufferUsageUniform
		} else {
			usage |= gputypes.BufferUsageStorage
		}
		buf, err := e.device.CreateBuffer(&hal.BufferDescriptor{Label: d.Name, Size: k.Size, Usage: usage})
		if err != nil {
			return nil, fmt.Errorf("create buffer: %w", err)
		}
		return &Buffer{Raw: buf, Size: k.Size}, nil

	case resource.Texture:
		usage := gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc | gputypes.TextureUsageTextureBinding
		if k.IsStorage() {
			usage |= gputypes.TextureUsageStorageBinding
		}
		tex, err := e.device.CreateTexture(&hal.TextureDescriptor{
			Label:         d.Name,
			Size:          hal.Extent3D{Width: k.Width, Height: k.Height, DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        k.Format,
			Usage:         usage,
		})
		if err != nil {
			return nil, fmt.Errorf("create texture: %w", err)
		}
		view, err := e.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
			Label:           d.Name,
			Format:          k.Format,
			Dimension:       gputypes.TextureViewDimension2D,
			Aspect:          gputypes.TextureAspectAll,
			MipLevelCount:   1,
			ArrayLayerCount: 1,
		})
		if err != nil {
			e.device.DestroyTexture(tex)
			return nil, fmt.Errorf("create texture view: %w", err)
		}
		return &Texture{Raw: tex, View: view, Width: k.Width, Height: k.Height, Format: k.Format}, nil

	case resource.Sampler:
		s, err := e.device.CreateSampler(&hal.SamplerDescriptor{
			Label:        d.Name,
			AddressModeU: k.Address,
			AddressModeV: k.Address,
			AddressModeW: k.Address,
			MagFilter:    k.Filter,
			MinFilter:    k.Filter,
			MipmapFilter: gputypes.FilterModeNearest,
			LodMaxClamp:  32,
		})
		if err != nil {
			return nil, fmt.Errorf("create sampler: %w", err)
		}
		return &Sampler{Raw: s}, nil

	default:
		panic(fmt.Sprintf("gpu: unknown resource kind %T", d.Kind))
	}
}

// Release implements resource.Allocator. Destruction is deferred until
// the GPU has finished the frames submitted so far.
func (e *Executor) Release(r *resource.Resource) {
	e.mem.Release(r.Name)
	e.dirty.Store(true)

	device := e.device
	switch h := r.Handle.(type) {
	case *Buffer:
		destroy := func() { device.DestroyBuffer(h.Raw) }
		e.gmu.Lock()
		if e.pins[h] > 0 {
			e.held[h] = destroy
			e.gmu.Unlock()
			logging.For("gpu").Debug("release deferred until unpinned", "name", r.Name)
			return
		}
		e.gmu.Unlock()
		e.retire(destroy)
	case *Texture:
		e.retire(func() {
			device.DestroyTextureView(h.View)
			device.DestroyTexture(h.Raw)
		})
	case *Sampler:
		e.retire(func() { device.DestroySampler(h.Raw) })
	default:
		logging.For("gpu").Warn("release of foreign handle", "name", r.Name, "handle", fmt.Sprintf("%T", r.Handle))
	}
}

// Pin keeps b alive for work submitted outside Dispatch. A Release while
// pinned is deferred until the returned unpin has been called once for
// every Pin. Unpin is safe to call more than once.
func (e *Executor) Pin(b *Buffer) (unpin func()) {
	e.gmu.Lock()
	if e.pins == nil {
		e.pins = make(map[*Buffer]int)
		e.held = make(map[*Buffer]func())
	}
	e.pins[b]++
	e.gmu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { e.unpin(b) }) }
}

func (e *Executor) unpin(b *Buffer) {
	e.gmu.Lock()
	e.pins[b]--
	if e.pins[b] > 0 {
		e.gmu.Unlock()
		return
	}
	delete(e.pins, b)
	destroy, ok := e.held[b]
	delete(e.held, b)
	if ok {
		e.graveyard = append(e.graveyard, retired{after: e.lastSubmitted.Load(), destroy: destroy})
	}
	e.gmu.Unlock()
}

// Clear zeroes a buffer at the start of the next frame.
func (e *Executor) Clear(r *resource.Resource) {
	b, ok := r.Handle.(*Buffer)
	if !ok {
		return
	}
	e.mu.Lock()
	e.clears = append(e.clears, b)
	e.mu.Unlock()
}

// Rebuild creates the layouts, shader module and compute pipelines for mod.
// On failure the previous pipelines stay in use.
func (e *Executor) Rebuild(mod *compile.Module) error {
	prog, err := e.build(mod)
	if err != nil {
		return fmt.Errorf("gpu: rebuild: %w", err)
	}

	e.mu.Lock()
	old := e.prog
	e.prog = prog
	e.mu.Unlock()

	e.dirty.Store(true)
	if old != nil {
		e.retire(func() { old.destroy(e.device) })
	}
	logging.For("gpu").Debug("pipelines rebuilt", "passes", len(prog.passes), "groups", len(prog.groupLayouts))
	return nil
}

func (e *Executor) build(mod *compile.Module) (*program, error) {
	prog := &program{bindings: binding.Sorted(mod.Bindings)}
	ok := false
	defer func() {
		if !ok {
			prog.destroy(e.device)
		}
	}()

	groups, err := layoutEntries(prog.bindings)
	if err != nil {
		return nil, err
	}
	for g, entries := range groups {
		layout, err := e.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("group%d_layout", g),
			Entries: entries,
		})
		if err != nil {
			return nil, fmt.Errorf("create bind group layout %d: %w", g, err)
		}
		prog.groupLayouts = append(prog.groupLayouts, layout)
	}

	prog.pipeLayout, err = e.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "shader_pipe_layout",
		BindGroupLayouts: prog.groupLayouts,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	prog.shader, err = e.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "user_shader",
		Source: hal.ShaderSource{WGSL: mod.WGSL},
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module: %w", err)
	}

	for _, ep := range mod.ComputeEntryPoints() {
		pipeline, err := e.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:   ep.Name,
			Layout:  prog.pipeLayout,
			Compute: hal.ComputeState{Module: prog.shader, EntryPoint: ep.Name},
		})
		if err != nil {
			return nil, fmt.Errorf("create compute pipeline %s: %w", ep.Name, err)
		}
		prog.passes = append(prog.passes, pass{entry: ep, pipeline: pipeline})
	}
	ok = true
	return prog, nil
}

func (p *program) destroy(device hal.Device) {
	for _, ps := range p.passes {
		device.DestroyComputePipeline(ps.pipeline)
	}
	p.passes = nil
	if p.shader != nil {
		device.DestroyShaderModule(p.shader)
		p.shader = nil
	}
	if p.pipeLayout != nil {
		device.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	for _, l := range p.groupLayouts {
		device.DestroyBindGroupLayout(l)
	}
	p.groupLayouts = nil
}

// layoutEntries returns bind group layout entries indexed by group. Groups
// without bindings get an empty layout so group indices stay contiguous.
func layoutEntries(bindings []binding.ResourceBinding) ([][]gputypes.BindGroupLayoutEntry, error) {
	var groups [][]gputypes.BindGroupLayoutEntry
	for _, b := range bindings {
		entry, err := layoutEntry(b)
		if err != nil {
			return nil, err
		}
		for uint32(len(groups)) <= b.Group {
			groups = append(groups, nil)
		}
		groups[b.Group] = append(groups[b.Group], entry)
	}
	return groups, nil
}

func layoutEntry(b binding.ResourceBinding) (gputypes.BindGroupLayoutEntry, error) {
	entry := gputypes.BindGroupLayoutEntry{Binding: b.Binding, Visibility: gputypes.ShaderStageCompute}
	switch {
	case b.IsUniform():
		entry.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
	case b.IsStorage():
		typ := gputypes.BufferBindingTypeStorage
		if b.Access() == binding.AccessRead {
			typ = gputypes.BufferBindingTypeReadOnlyStorage
		}
		entry.Buffer = &gputypes.BufferBindingLayout{Type: typ}
	case b.IsStorageTexture():
		format, err := ParseFormat(b.StorageFormat())
		if err != nil {
			return entry, fmt.Errorf("%s: %w", b.Name, err)
		}
		access := gputypes.StorageTextureAccessWriteOnly
		switch b.Access() {
		case binding.AccessRead:
			access = gputypes.StorageTextureAccessReadOnly
		case binding.AccessReadWrite:
			access = gputypes.StorageTextureAccessReadWrite
		}
		entry.StorageTexture = &gputypes.StorageTextureBindingLayout{
			Access:        access,
			Format:        format,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case b.IsTexture():
		entry.Texture = &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case b.Type == "sampler_comparison":
		entry.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeComparison}
	case b.IsSampler():
		entry.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	default:
		return entry, fmt.Errorf("%w: %s has type %s", ErrUnsupportedBinding, b.Name, b.Type)
	}
	return entry, nil
}

// WriteTime uploads the built-in time block.
func (e *Executor) WriteTime(res Resources, frame uint64, elapsed, delta float64) error {
	var data [compile.TimeSize]byte
	binary.LittleEndian.PutUint32(data[0:], uint32(frame)) //nolint:gosec // wraps like the shader's u32
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(float32(elapsed)))
	binary.LittleEndian.PutUint32(data[8:], math.Float32bits(float32(delta)))
	return e.writeBuffer(res, compile.TimeName, data[:])
}

// WriteCustom uploads custom uniform values in the member order of the
// Custom struct. Missing values are zero.
func (e *Executor) WriteCustom(res Resources, members []string, values map[string]float32) error {
	data := make([]byte, compile.CustomSize(len(members)))
	for i, name := range members {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(values[name]))
	}
	return e.writeBuffer(res, compile.CustomName, data)
}

func (e *Executor) writeBuffer(res Resources, name string, data []byte) error {
	r, err := res.Lookup(name)
	if err != nil {
		// The shader did not declare the block.
		return nil
	}
	b, ok := r.Handle.(*Buffer)
	if !ok {
		return fmt.Errorf("gpu: %s is not a buffer", name)
	}
	if uint64(len(data)) > b.Size {
		data = data[:b.Size]
	}
	return e.queue.WriteBuffer(b.Raw, 0, data)
}

// UploadTexture writes tightly packed RGBA8 pixels into the named texture.
func (e *Executor) UploadTexture(res Resources, name string, pixels []byte, width, height uint32) error {
	r, err := res.Lookup(name)
	if err != nil {
		return err
	}
	t, ok := r.Handle.(*Texture)
	if !ok {
		return fmt.Errorf("gpu: %s is not a texture", name)
	}
	if t.Width != width || t.Height != height {
		return fmt.Errorf("gpu: %s is %dx%d, image is %dx%d", name, t.Width, t.Height, width, height)
	}
	if uint64(len(pixels)) < uint64(width)*uint64(height)*4 {
		return fmt.Errorf("gpu: %s: %d bytes of pixels for %dx%d", name, len(pixels), width, height)
	}
	return e.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: t.Raw, Aspect: gputypes.TextureAspectAll},
		pixels,
		&hal.ImageDataLayout{BytesPerRow: width * 4, RowsPerImage: height},
		&hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
	)
}

// Workgroups returns the dispatch size of ep for a screen of the given size.
func Workgroups(ep compile.EntryPoint, screen Extent) (x, y, z uint32) {
	if ep.Dispatch != nil {
		return ep.Dispatch[0], ep.Dispatch[1], ep.Dispatch[2]
	}
	wx, wy := max(ep.Workgroup[0], 1), max(ep.Workgroup[1], 1)
	return (screen.Width + wx - 1) / wx, (screen.Height + wy - 1) / wy, 1
}

// Dispatch encodes one compute pass per entry point and repeat, blits the
// screen to the surface when presenting, and submits without waiting.
func (e *Executor) Dispatch(res Resources, screen Extent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.prog == nil {
		return ErrNotReady
	}
	e.collectLocked()

	if e.dirty.Swap(false) || e.groups == nil {
		if err := e.bindLocked(res); err != nil {
			e.dirty.Store(true)
			return err
		}
	}

	encoder, err := e.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "frame_encoder"})
	if err != nil {
		return fmt.Errorf("gpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("frame"); err != nil {
		encoder.Destroy()
		return fmt.Errorf("gpu: begin encoding: %w", err)
	}

	for _, b := range e.clears {
		encoder.ClearBuffer(b.Raw, 0, b.Size)
	}
	e.clears = e.clears[:0]

	for _, ps := range e.prog.passes {
		x, y, z := Workgroups(ps.entry, screen)
		for range max(ps.entry.Repeat, 1) {
			cp := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: ps.entry.Name})
			cp.SetPipeline(ps.pipeline)
			for g, group := range e.groups {
				cp.SetBindGroup(uint32(g), group, nil) //nolint:gosec // group count is small
			}
			cp.Dispatch(x, y, z)
			cp.End()
		}
	}

	acquired, target := e.encodePresentLocked(encoder, res)

	cmd, err := encoder.EndEncoding()
	if err != nil {
		encoder.Destroy()
		e.abandonPresent(acquired, target)
		return fmt.Errorf("gpu: end encoding: %w", err)
	}
	index, err := e.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		e.device.FreeCommandBuffer(cmd)
		encoder.Destroy()
		e.abandonPresent(acquired, target)
		return fmt.Errorf("gpu: submit: %w", err)
	}
	e.lastSubmitted.Store(index)
	e.inflight = append(e.inflight, inflight{index: index, cmd: cmd, encoder: encoder})
	e.frames++

	if acquired != nil {
		if err := e.surface.Present(acquired.Texture); err != nil {
			logging.For("gpu").Warn("present failed", "error", err)
		}
		device := e.device
		e.retire(func() { device.DestroyTextureView(target) })
	}
	return nil
}

// encodePresentLocked records the blit of the screen texture when a surface
// is configured. Presentation failures are logged and skipped.
func (e *Executor) encodePresentLocked(encoder hal.CommandEncoder, res Resources) (*hal.AcquiredSurfaceTexture, hal.TextureView) {
	if e.surface == nil || !e.surface.HasSurface() {
		return nil, nil
	}
	r, err := res.Lookup(compile.ScreenName)
	if err != nil {
		return nil, nil
	}
	screen, ok := r.Handle.(*Texture)
	if !ok {
		return nil, nil
	}

	log := logging.For("gpu")
	format := e.surface.SurfaceFormat()
	if e.blit == nil || e.blit.format != format {
		if e.blit != nil {
			old := e.blit
			e.retire(old.destroy)
		}
		e.blit, err = newBlitter(e.device, format)
		if err != nil {
			log.Warn("presentation disabled", "error", err)
			return nil, nil
		}
	}
	group, stale, err := e.blit.bindGroup(screen.View)
	if err != nil {
		log.Warn("present skipped", "error", err)
		return nil, nil
	}
	if stale != nil {
		device := e.device
		e.retire(func() { device.DestroyBindGroup(stale) })
	}

	acquired, err := e.surface.AcquireTexture()
	if err != nil {
		log.Debug("acquire surface texture", "error", err)
		return nil, nil
	}
	target, err := e.device.CreateTextureView(acquired.Texture, &hal.TextureViewDescriptor{
		Label:           "surface_view",
		Format:          format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		e.surface.Discard(acquired.Texture)
		log.Warn("present skipped", "error", err)
		return nil, nil
	}
	e.blit.encode(encoder, target, group)
	return acquired, target
}

func (e *Executor) abandonPresent(acquired *hal.AcquiredSurfaceTexture, target hal.TextureView) {
	if acquired == nil {
		return
	}
	e.device.DestroyTextureView(target)
	e.surface.Discard(acquired.Texture)
}

// bindLocked rebuilds every bind group from the live resources.
func (e *Executor) bindLocked(res Resources) error {
	groups := make([]hal.BindGroup, len(e.prog.groupLayouts))
	entries := make([][]gputypes.BindGroupEntry, len(e.prog.groupLayouts))

	for _, b := range e.prog.bindings {
		r, err := res.Lookup(b.Name)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMissingResource, b.Name)
		}
		entry := gputypes.BindGroupEntry{Binding: b.Binding}
		switch h := r.Handle.(type) {
		case *Buffer:
			entry.Resource = gputypes.BufferBinding{Buffer: h.Raw.NativeHandle(), Size: h.Size}
		case *Texture:
			entry.Resource = gputypes.TextureViewBinding{TextureView: h.View.NativeHandle()}
		case *Sampler:
			entry.Resource = gputypes.SamplerBinding{Sampler: h.Raw.NativeHandle()}
		default:
			return fmt.Errorf("%w: %s has handle %T", ErrMissingResource, b.Name, r.Handle)
		}
		entries[b.Group] = append(entries[b.Group], entry)
	}

	for g, layout := range e.prog.groupLayouts {
		group, err := e.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   fmt.Sprintf("group%d", g),
			Layout:  layout,
			Entries: entries[g],
		})
		if err != nil {
			for _, made := range groups[:g] {
				e.device.DestroyBindGroup(made)
			}
			return fmt.Errorf("gpu: create bind group %d: %w", g, err)
		}
		groups[g] = group
	}

	if old := e.groups; old != nil {
		device := e.device
		e.retire(func() {
			for _, g := range old {
				device.DestroyBindGroup(g)
			}
		})
	}
	e.groups = groups
	return nil
}

// retire schedules destroy to run once every frame submitted so far has
// completed.
func (e *Executor) retire(destroy func()) {
	e.gmu.Lock()
	e.graveyard = append(e.graveyard, retired{after: e.lastSubmitted.Load(), destroy: destroy})
	e.gmu.Unlock()
}

// Collect frees command buffers and retired objects whose submission has
// completed.
func (e *Executor) Collect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collectLocked()
}

func (e *Executor) collectLocked() {
	done := e.queue.PollCompleted()

	n := 0
	for _, f := range e.inflight {
		if f.index <= done {
			e.device.FreeCommandBuffer(f.cmd)
			f.encoder.Destroy()
			continue
		}
		e.inflight[n] = f
		n++
	}
	e.inflight = e.inflight[:n]

	e.gmu.Lock()
	var ready []retired
	m := 0
	for _, r := range e.graveyard {
		if r.after <= done {
			ready = append(ready, r)
			continue
		}
		e.graveyard[m] = r
		m++
	}
	e.graveyard = e.graveyard[:m]
	e.gmu.Unlock()

	for _, r := range ready {
		r.destroy()
	}
}

// Stats reports executor activity.
type Stats struct {
	Frames   uint64
	InFlight int
	Retired  int
	Memory   MemoryStats
}

// Stats returns a snapshot of executor activity.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	s := Stats{Frames: e.frames, InFlight: len(e.inflight)}
	e.mu.Unlock()
	e.gmu.Lock()
	s.Retired = len(e.graveyard) + len(e.held)
	e.gmu.Unlock()
	s.Memory = e.mem.Stats()
	return s
}

// Destroy waits for the device to go idle and releases pipelines, bind
// groups and everything retired, pinned buffers included. Resources
// allocated through Allocate are released by their owner first, and work
// that pinned buffers must be finished.
func (e *Executor) Destroy() {
	if err := e.device.WaitIdle(); err != nil {
		logging.For("gpu").Warn("wait idle", "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, f := range e.inflight {
		e.device.FreeCommandBuffer(f.cmd)
		f.encoder.Destroy()
	}
	e.inflight = nil
	for _, g := range e.groups {
		e.device.DestroyBindGroup(g)
	}
	e.groups = nil
	if e.prog != nil {
		e.prog.destroy(e.device)
		e.prog = nil
	}
	if e.blit != nil {
		e.blit.destroy()
		e.blit = nil
	}

	e.gmu.Lock()
	graveyard := e.graveyard
	e.graveyard = nil
	for b, destroy := range e.held {
		graveyard = append(graveyard, retired{destroy: destroy})
		delete(e.held, b)
	}
	e.gmu.Unlock()
	for _, r := range graveyard {
		r.destroy()
	}
}

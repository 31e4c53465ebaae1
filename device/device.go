// Package device owns the GPU device, its queue and the optional
// presentation surface.
//
// A Context is created once per canvas. Resources created from it must be
// released by their owners before Destroy is called.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shaderlab/internal/logging"
)

var (
	// ErrDeviceUnavailable is returned when no backend, adapter, device or
	// surface can be obtained. Callers should report the GPU as unsupported
	// rather than retry.
	ErrDeviceUnavailable = errors.New("device: GPU unavailable")

	// ErrInvalidSize is returned for zero surface dimensions.
	ErrInvalidSize = errors.New("device: width and height must be non-zero")

	// ErrDestroyed is returned by operations on a destroyed context.
	ErrDestroyed = errors.New("device: context destroyed")

	// ErrNoSurface is returned when presenting from a headless context.
	ErrNoSurface = errors.New("device: no presentation surface")
)

// Canvas is a native presentation target.
type Canvas interface {
	// NativeHandles returns the platform display and window handles.
	NativeHandles() (display, window uintptr)
}

// Option configures Init.
type Option func(*options)

type options struct {
	backend     string
	presentMode hal.PresentMode
}

// WithBackend selects a hal backend by name ("vulkan", "metal", "dx12",
// "gl", "empty"). The default "auto" picks the most preferred registered
// backend.
func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

// WithPresentMode sets the surface present mode. The default is Fifo.
func WithPresentMode(m hal.PresentMode) Option {
	return func(o *options) { o.presentMode = m }
}

// Context owns a device, a serialized queue and an optional surface.
//
// Context implements gpucontext.DeviceProvider.
type Context struct {
	mu sync.RWMutex

	instance hal.Instance
	adapter  hal.Adapter
	info     gputypes.AdapterInfo
	device   hal.Device
	queue    *Queue
	surface  hal.Surface
	config   hal.SurfaceConfiguration

	// owned is false for contexts sharing a host device.
	owned     bool
	destroyed bool
}

var _ gpucontext.DeviceProvider = (*Context)(nil)

func unavailable(step string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, step)
	}
	return fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, step, err)
}

// Init acquires an adapter, preferring discrete over integrated GPUs, and
// opens a device on it. When canvas is non-nil a surface is created from
// its handles and configured with the adapter's preferred format.
func Init(ctx context.Context, width, height uint32, canvas Canvas, opts ...Option) (*Context, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	o := options{backend: "auto", presentMode: hal.PresentModeFifo}
	for _, opt := range opts {
		opt(&o)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	backend, ok := selectBackend(o.backend)
	if !ok {
		return nil, unavailable(fmt.Sprintf("backend %q not registered (have: %s)",
			o.backend, strings.Join(Backends(), ", ")), nil)
	}

	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{
		Backends: gputypes.BackendsAll,
		Flags:    gputypes.InstanceFlagsNone,
	})
	if err != nil {
		return nil, unavailable("create instance", err)
	}

	var surface hal.Surface
	if canvas != nil {
		display, window := canvas.NativeHandles()
		surface, err = instance.CreateSurface(display, window)
		if err != nil {
			instance.Destroy()
			return nil, unavailable("create surface", err)
		}
	}
	cleanup := func() {
		if surface != nil {
			surface.Destroy()
		}
		instance.Destroy()
	}

	adapters := instance.EnumerateAdapters(surface)
	if len(adapters) == 0 {
		cleanup()
		return nil, unavailable("no adapters", nil)
	}
	selected := pickAdapter(adapters)

	if err := ctx.Err(); err != nil {
		cleanup()
		return nil, err
	}
	open, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		cleanup()
		return nil, unavailable("open device", err)
	}

	c := &Context{
		instance: instance,
		adapter:  selected.Adapter,
		info:     selected.Info,
		device:   open.Device,
		queue:    NewQueue(open.Queue),
		surface:  surface,
		owned:    true,
		config: hal.SurfaceConfiguration{
			Width:       width,
			Height:      height,
			Usage:       gputypes.TextureUsageRenderAttachment,
			PresentMode: o.presentMode,
			AlphaMode:   hal.CompositeAlphaModeOpaque,
		},
	}
	if surface != nil {
		c.config.Format = preferredFormat(selected.Adapter.SurfaceCapabilities(surface))
		if err := surface.Configure(open.Device, &c.config); err != nil {
			open.Device.Destroy()
			cleanup()
			return nil, unavailable("configure surface", err)
		}
	}

	logging.For("device").Info("device ready",
		"adapter", selected.Info.Name,
		"backend", selected.Info.Backend.String(),
		"type", adapterType(selected.Info.DeviceType).String(),
		"surface", surface != nil,
		"format", c.config.Format.String())
	return c, nil
}

// InitFromProvider shares the device of a host that implements
// gpucontext.DeviceProvider together with HalDevice() and HalQueue().
// The returned context is headless and Destroy leaves the host device
// alive.
func InitFromProvider(provider gpucontext.DeviceProvider, width, height uint32) (*Context, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, unavailable("provider does not expose hal device", nil)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, unavailable("provider HalDevice is not hal.Device", nil)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, unavailable("provider HalQueue is not hal.Queue", nil)
	}
	if q, ok := queue.(*Queue); ok {
		queue = q.Queue
	}

	c := &Context{
		device: device,
		queue:  NewQueue(queue),
		config: hal.SurfaceConfiguration{Width: width, Height: height},
		info:   gputypes.AdapterInfo{Name: provider.AdapterInfo().Name},
	}
	if a, ok := provider.Adapter().(hal.Adapter); ok {
		c.adapter = a
	}
	logging.For("device").Info("device shared from provider", "adapter", c.info.Name)
	return c, nil
}

// pickAdapter prefers discrete, then integrated, then any other adapter,
// keeping enumeration order within a class.
func pickAdapter(adapters []hal.ExposedAdapter) *hal.ExposedAdapter {
	rank := func(t gputypes.DeviceType) int {
		switch t {
		case gputypes.DeviceTypeDiscreteGPU:
			return 0
		case gputypes.DeviceTypeIntegratedGPU:
			return 1
		default:
			return 2
		}
	}
	idx := make([]int, len(adapters))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return rank(adapters[idx[a]].Info.DeviceType) < rank(adapters[idx[b]].Info.DeviceType)
	})
	return &adapters[idx[0]]
}

func preferredFormat(caps *hal.SurfaceCapabilities) gputypes.TextureFormat {
	if caps != nil && len(caps.Formats) > 0 {
		return caps.Formats[0]
	}
	return gputypes.TextureFormatBGRA8Unorm
}

func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	default:
		return gpucontext.AdapterTypeUnknown
	}
}

// Reconfigure records a new canvas size and reconfigures the surface. It
// is cheap to call every frame: unchanged dimensions return false without
// touching the surface.
func (c *Context) Reconfigure(width, height uint32) (changed bool, err error) {
	if width == 0 || height == 0 {
		return false, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return false, ErrDestroyed
	}
	if c.config.Width == width && c.config.Height == height {
		return false, nil
	}
	cfg := c.config
	cfg.Width, cfg.Height = width, height
	if c.surface != nil {
		if err := c.surface.Configure(c.device, &cfg); err != nil {
			return false, fmt.Errorf("device: reconfigure surface: %w", err)
		}
	}
	c.config = cfg
	logging.For("device").Debug("surface reconfigured", "width", width, "height", height)
	return true, nil
}

// Size returns the last requested canvas size.
func (c *Context) Size() (width, height uint32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Width, c.config.Height
}

// HasSurface reports whether the context presents to a canvas.
func (c *Context) HasSurface() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.surface != nil
}

// SurfaceConfig returns the current surface configuration.
func (c *Context) SurfaceConfig() hal.SurfaceConfiguration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Info returns the selected adapter's description.
func (c *Context) Info() gputypes.AdapterInfo {
	return c.info
}

// RawDevice returns the hal device.
func (c *Context) RawDevice() hal.Device { return c.device }

// RawQueue returns the serialized queue.
func (c *Context) RawQueue() *Queue { return c.queue }

// Device implements gpucontext.DeviceProvider. The value is a hal.Device.
func (c *Context) Device() gpucontext.Device { return c.device }

// Queue implements gpucontext.DeviceProvider. The value is a *Queue.
func (c *Context) Queue() gpucontext.Queue { return c.queue }

// HalDevice returns the hal device for providers consumed by gogpu libraries.
func (c *Context) HalDevice() any { return c.device }

// HalQueue returns the serialized queue as a hal.Queue.
func (c *Context) HalQueue() any { return c.queue }

// SurfaceFormat implements gpucontext.DeviceProvider. Headless contexts
// report TextureFormatUndefined.
func (c *Context) SurfaceFormat() gputypes.TextureFormat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.surface == nil {
		return gputypes.TextureFormatUndefined
	}
	return c.config.Format
}

// Adapter implements gpucontext.DeviceProvider.
func (c *Context) Adapter() gpucontext.Adapter { return c.adapter }

// AdapterInfo implements gpucontext.DeviceProvider.
func (c *Context) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: c.info.Name, Type: adapterType(c.info.DeviceType)}
}

// AcquireTexture acquires the next surface texture. It must be passed to
// Present or Discard before the next acquire.
func (c *Context) AcquireTexture() (*hal.AcquiredSurfaceTexture, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return nil, ErrDestroyed
	}
	if c.surface == nil {
		return nil, ErrNoSurface
	}
	return c.surface.AcquireTexture(nil)
}

// Present presents an acquired surface texture.
func (c *Context) Present(tex hal.SurfaceTexture) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.surface == nil {
		return ErrNoSurface
	}
	return c.queue.Present(c.surface, tex, nil)
}

// Discard releases an acquired surface texture without presenting it.
func (c *Context) Discard(tex hal.SurfaceTexture) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.surface != nil {
		c.surface.DiscardTexture(tex)
	}
}

// Destroy waits for the device to go idle and releases the surface, the
// device and the instance. Contexts created by InitFromProvider release
// nothing. Destroy is idempotent.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	if !c.owned {
		return
	}

	log := logging.For("device")
	if err := c.device.WaitIdle(); err != nil {
		log.Warn("wait idle before destroy", "error", err)
	}
	if c.surface != nil {
		c.surface.Unconfigure(c.device)
		c.surface.Destroy()
		c.surface = nil
	}
	c.device.Destroy()
	if c.adapter != nil {
		c.adapter.Destroy()
	}
	if c.instance != nil {
		c.instance.Destroy()
	}
	log.Info("device destroyed")
}

// PhysicalSize converts a window's logical size to physical pixels, with
// a minimum of 1x1.
func PhysicalSize(wp gpucontext.WindowProvider) (width, height uint32) {
	w, h := wp.Size()
	scale := wp.ScaleFactor()
	if scale <= 0 {
		scale = 1
	}
	pw := math.Round(float64(w) * scale)
	ph := math.Round(float64(h) * scale)
	return uint32(max(pw, 1)), uint32(max(ph, 1))
}

package shaderlab

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/shaderlab/compile"
	"github.com/gogpu/shaderlab/device"
	"github.com/gogpu/shaderlab/loop"
	"github.com/gogpu/shaderlab/texture"
)

// Option configures an Engine during creation.
//
// Example:
//
//	// Headless engine on the default backend
//	eng, err := shaderlab.New(ctx, cfg)
//
//	// Present into a window
//	eng, err := shaderlab.New(ctx, cfg, shaderlab.WithCanvas(win))
type Option func(*engineOptions)

type engineOptions struct {
	canvas    device.Canvas
	provider  gpucontext.DeviceProvider
	scheduler loop.Scheduler
	compiler  compile.Compiler
	loader    texture.Loader
	onError   func(error)
}

// WithCanvas presents frames to the window behind canvas.
func WithCanvas(c device.Canvas) Option {
	return func(o *engineOptions) {
		o.canvas = c
	}
}

// WithDeviceProvider shares the device of a host application instead of
// opening a new one. The provider must also expose HalDevice and
// HalQueue. Close leaves the shared device alive.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *engineOptions) {
		o.provider = p
	}
}

// WithScheduler replaces the timer-driven frame scheduler, e.g. with a
// host's vsync callback.
func WithScheduler(s loop.Scheduler) Option {
	return func(o *engineOptions) {
		o.scheduler = s
	}
}

// WithCompiler replaces the naga compiler.
func WithCompiler(c compile.Compiler) Option {
	return func(o *engineOptions) {
		o.compiler = c
	}
}

// WithLoader replaces the texture fetcher used by LoadTexture and Restore.
func WithLoader(l texture.Loader) Option {
	return func(o *engineOptions) {
		o.loader = l
	}
}

// WithErrorHandler receives errors raised inside frames, such as deferred
// reload failures.
func WithErrorHandler(fn func(error)) Option {
	return func(o *engineOptions) {
		o.onError = fn
	}
}

// Package shaderlab runs user-edited WGSL compute shaders in real time.
//
// # Overview
//
// An Engine owns a GPU device and turns shader source into dispatched
// frames. Each edit is preprocessed, compiled and validated; the bindings
// the shader declares are reconciled against the live buffers and
// textures so that simulation state survives recompiles; a playback loop
// then submits one frame per tick without blocking on the GPU.
//
// # Quick Start
//
//	import "github.com/gogpu/shaderlab"
//
//	eng, err := shaderlab.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	if err := eng.SetSource(src); err != nil {
//	    log.Println(eng.ParseError()) // row and column of the first error
//	}
//	eng.RequestManualReload()
//
//	data, err := eng.ReadBuffer(ctx, "particles")
//
// # Built-in Bindings
//
// Every shader is compiled with a prelude declaring group 0:
//   - time: frame counter, elapsed and delta seconds
//   - custom: one f32 per uniform set with SetUniform
//   - screen: rgba16float storage texture presented to the surface
//   - channel0, channel1: sampled textures loaded with LoadTexture
//   - nearest, bilinear: samplers
//
// # Directives
//
// Lines starting with # are handled before compilation:
//   - #define NAME VALUE
//   - #storage NAME TYPE declares a read_write storage buffer
//   - #workgroup_count ENTRY X Y Z fixes the dispatch size
//   - #dispatch_count ENTRY N runs an entry point N times per frame
//
// # Architecture
//
// The library is organized into:
//   - binding: extracts resource bindings from WGSL
//   - compile: preprocessor, prelude, naga validation, diagnostics
//   - resource: pure reconciliation of desired against live resources
//   - device: adapter selection, device and surface lifetime
//   - readback: FIFO device-to-host copies through one staging buffer
//   - loop: playback state machine and frame scheduling
//   - texture, state: image channels and session persistence
//
// # Logging
//
// shaderlab is silent by default. Use SetLogger to route log/slog output
// from every sub-package and the wgpu HAL.
package shaderlab

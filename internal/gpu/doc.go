// Package gpu executes compiled shader programs on a wgpu HAL device.
//
// It is the only package that touches raw GPU objects. The Executor turns
// resource descriptions into buffers, textures and samplers, builds one
// compute pipeline per entry point plus a blit pipeline for presenting
// the screen texture, and records a frame as a single command buffer:
// built-in uniforms are written, each entry point is dispatched in
// declaration order (repeated as its directives say) and the screen is
// copied to the surface when there is one.
//
// # Resource lifetime
//
// Frames may still be executing when a resource is released or the
// pipelines are rebuilt. Released objects are parked with the submission
// index that last used them and destroyed once the queue has retired it.
//
// # Memory
//
// MemoryTracker accounts allocations against a configurable budget so an
// oversized binding fails with an error instead of exhausting the device.
package gpu

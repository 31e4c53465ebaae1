package gpu

import (
	_ "embed"
)

// Embedded WGSL shader sources.

//go:embed shaders/blit.wgsl
var blitShaderSource string

// Entry points of blitShaderSource.
const (
	blitVertexEntry   = "vs_main"
	blitFragmentEntry = "fs_main"
)

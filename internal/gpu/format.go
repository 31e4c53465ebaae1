package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// storageFormats maps WGSL texel format names to device formats.
var storageFormats = map[string]gputypes.TextureFormat{
	"r32float":    gputypes.TextureFormatR32Float,
	"r32uint":     gputypes.TextureFormatR32Uint,
	"r32sint":     gputypes.TextureFormatR32Sint,
	"rg32float":   gputypes.TextureFormatRG32Float,
	"rg32uint":    gputypes.TextureFormatRG32Uint,
	"rg32sint":    gputypes.TextureFormatRG32Sint,
	"rgba8unorm":  gputypes.TextureFormatRGBA8Unorm,
	"rgba8snorm":  gputypes.TextureFormatRGBA8Snorm,
	"rgba8uint":   gputypes.TextureFormatRGBA8Uint,
	"rgba8sint":   gputypes.TextureFormatRGBA8Sint,
	"bgra8unorm":  gputypes.TextureFormatBGRA8Unorm,
	"rgba16float": gputypes.TextureFormatRGBA16Float,
	"rgba16uint":  gputypes.TextureFormatRGBA16Uint,
	"rgba16sint":  gputypes.TextureFormatRGBA16Sint,
	"rgba32float": gputypes.TextureFormatRGBA32Float,
	"rgba32uint":  gputypes.TextureFormatRGBA32Uint,
	"rgba32sint":  gputypes.TextureFormatRGBA32Sint,
}

// ParseFormat returns the device format for a WGSL texel format name.
func ParseFormat(name string) (gputypes.TextureFormat, error) {
	f, ok := storageFormats[name]
	if !ok {
		return gputypes.TextureFormatUndefined, fmt.Errorf("%w: texel format %q", ErrUnsupportedBinding, name)
	}
	return f, nil
}

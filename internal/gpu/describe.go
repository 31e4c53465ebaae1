package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/shaderlab/binding"
	"github.com/gogpu/shaderlab/compile"
	"github.com/gogpu/shaderlab/resource"
)

// ErrUnsupportedBinding is returned for declarations the executor cannot back.
var ErrUnsupportedBinding = errors.New("gpu: unsupported binding")

// Extent is a 2D size in texels.
type Extent struct {
	Width  uint32
	Height uint32
}

// minBufferSize keeps zero-sized layouts bindable.
const minBufferSize = 16

// Describe returns the resources mod needs for a screen of the given size.
// Runtime-sized arrays get one element per screen pixel. Sampled textures
// take their size from channels and default to 1x1 until an image is
// loaded.
func Describe(mod *compile.Module, screen Extent, channels map[string]Extent) ([]resource.Desired, error) {
	var errs []error
	out := make([]resource.Desired, 0, len(mod.Bindings))

	for _, b := range binding.Sorted(mod.Bindings) {
		d := resource.Desired{Name: b.Name}
		switch {
		case b.IsBuffer():
			layout, ok := mod.Layouts[compile.Slot{Group: b.Group, Binding: b.Binding}]
			if !ok {
				layout = fallbackLayout(b)
			}
			size := layout.Fixed
			if layout.Stride > 0 {
				size = layout.Size(uint64(screen.Width) * uint64(screen.Height))
			}
			d.Kind = resource.Buffer{Size: alignBuffer(size), Usage: bufferUsage(b)}
			d.Persistent = b.IsStorage() && b.Access() == binding.AccessReadWrite

		case b.IsStorageTexture():
			format, err := ParseFormat(b.StorageFormat())
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
				continue
			}
			d.Kind = resource.Texture{
				Width:  max(screen.Width, 1),
				Height: max(screen.Height, 1),
				Format: format,
				Access: textureAccess(b.Access()),
			}

		case b.IsTexture():
			ext, ok := channels[b.Name]
			if !ok || ext.Width == 0 || ext.Height == 0 {
				ext = Extent{Width: 1, Height: 1}
			}
			d.Kind = resource.Texture{Width: ext.Width, Height: ext.Height, Format: gputypes.TextureFormatRGBA8Unorm}

		case b.IsSampler():
			filter := gputypes.FilterModeLinear
			if b.Name == compile.NearestName {
				filter = gputypes.FilterModeNearest
			}
			d.Kind = resource.Sampler{Filter: filter, Address: gputypes.AddressModeRepeat}

		default:
			errs = append(errs, fmt.Errorf("%w: %s has type %s", ErrUnsupportedBinding, b.Name, b.Type))
			continue
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// fallbackLayout sizes buffers the compiler did not reflect.
func fallbackLayout(b binding.ResourceBinding) compile.Layout {
	switch b.Name {
	case compile.TimeName:
		return compile.Layout{Fixed: compile.TimeSize}
	default:
		return compile.Layout{Fixed: minBufferSize}
	}
}

func bufferUsage(b binding.ResourceBinding) resource.BufferUsage {
	switch {
	case b.IsUniform():
		return resource.BufferUniform
	case b.Access() == binding.AccessRead:
		return resource.BufferReadOnlyStorage
	default:
		return resource.BufferStorage
	}
}

func textureAccess(a binding.Access) resource.TextureAccess {
	switch a {
	case binding.AccessRead:
		return resource.TextureReadOnly
	case binding.AccessReadWrite:
		return resource.TextureReadWrite
	default:
		return resource.TextureWriteOnly
	}
}

// alignBuffer rounds size up to 16 bytes with a 16 byte minimum.
func alignBuffer(size uint64) uint64 {
	return max((size+15)&^15, minBufferSize)
}

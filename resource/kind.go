package resource

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Kind is the declared shape of a managed resource. It is a closed set:
// Buffer, Texture and Sampler are the only implementations.
type Kind interface {
	kind()
	fmt.Stringer
}

// BufferUsage selects how a buffer is bound.
type BufferUsage uint8

const (
	BufferStorage BufferUsage = iota
	BufferReadOnlyStorage
	BufferUniform
)

// String returns the usage name.
func (u BufferUsage) String() string {
	switch u {
	case BufferStorage:
		return "storage"
	case BufferReadOnlyStorage:
		return "storage-read"
	case BufferUniform:
		return "uniform"
	default:
		return fmt.Sprintf("BufferUsage(%d)", u)
	}
}

// Buffer is a storage or uniform buffer of Size bytes.
type Buffer struct {
	Size  uint64
	Usage BufferUsage
}

// TextureAccess is the storage access of a storage texture.
type TextureAccess uint8

const (
	TextureSampled TextureAccess = iota
	TextureWriteOnly
	TextureReadOnly
	TextureReadWrite
)

// Texture is a 2D texture. Storage textures carry an access mode other
// than TextureSampled.
type Texture struct {
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
	Access TextureAccess
}

// Sampler is a texture sampler.
type Sampler struct {
	Filter  gputypes.FilterMode
	Address gputypes.AddressMode
}

func (Buffer) kind()  {}
func (Texture) kind() {}
func (Sampler) kind() {}

func (b Buffer) String() string { return fmt.Sprintf("buffer(%s, %d bytes)", b.Usage, b.Size) }

func (t Texture) String() string {
	return fmt.Sprintf("texture(%dx%d, %s, access=%d)", t.Width, t.Height, t.Format, t.Access)
}

func (s Sampler) String() string { return fmt.Sprintf("sampler(%s, %s)", s.Filter, s.Address) }

// IsStorage reports whether t is bound as a storage texture.
func (t Texture) IsStorage() bool { return t.Access != TextureSampled }

// SameShape reports whether a and b describe interchangeable resources.
// Resources of different variants never match.
func SameShape(a, b Kind) bool {
	switch x := a.(type) {
	case Buffer:
		y, ok := b.(Buffer)
		return ok && x == y
	case Texture:
		y, ok := b.(Texture)
		return ok && x == y
	case Sampler:
		y, ok := b.(Sampler)
		return ok && x == y
	default:
		panic(fmt.Sprintf("resource: unknown kind %T", a))
	}
}

// Bytes estimates the device memory held by a resource of kind k.
func Bytes(k Kind) uint64 {
	switch x := k.(type) {
	case Buffer:
		return x.Size
	case Texture:
		return uint64(x.Width) * uint64(x.Height) * uint64(BytesPerTexel(x.Format))
	case Sampler:
		return 0
	default:
		panic(fmt.Sprintf("resource: unknown kind %T", k))
	}
}

// BytesPerTexel returns the texel size of the uncompressed color formats
// the engine binds. Unknown formats count as 4 bytes.
func BytesPerTexel(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint:
		return 1
	case gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatRG8Snorm,
		gputypes.TextureFormatRG8Uint, gputypes.TextureFormatRG8Sint,
		gputypes.TextureFormatR16Float, gputypes.TextureFormatR16Uint, gputypes.TextureFormatR16Sint:
		return 2
	case gputypes.TextureFormatRG32Float, gputypes.TextureFormatRG32Uint, gputypes.TextureFormatRG32Sint,
		gputypes.TextureFormatRGBA16Float, gputypes.TextureFormatRGBA16Uint, gputypes.TextureFormatRGBA16Sint,
		gputypes.TextureFormatRGBA16Unorm, gputypes.TextureFormatRGBA16Snorm:
		return 8
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint, gputypes.TextureFormatRGBA32Sint:
		return 16
	default:
		return 4
	}
}

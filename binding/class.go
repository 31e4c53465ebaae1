package binding

import "strings"

// Access is the declared access mode of a storage resource.
type Access uint8

const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
	AccessReadWrite
)

// String returns the WGSL spelling of the access mode.
func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read_write"
	default:
		return ""
	}
}

func parseAccess(s string) Access {
	switch strings.TrimSpace(s) {
	case "read":
		return AccessRead
	case "write":
		return AccessWrite
	case "read_write":
		return AccessReadWrite
	default:
		return AccessNone
	}
}

// AddressSpace returns the first entry of the property list, e.g. "storage".
func (b ResourceBinding) AddressSpace() string {
	space, _, _ := strings.Cut(b.Properties, ",")
	return strings.TrimSpace(space)
}

// Access returns the access mode of a storage buffer or storage texture.
// Storage buffers without an explicit mode are read only.
func (b ResourceBinding) Access() Access {
	switch {
	case b.IsStorage():
		_, mode, ok := strings.Cut(b.Properties, ",")
		if !ok {
			return AccessRead
		}
		return parseAccess(mode)
	case b.IsStorageTexture():
		if len(b.TypeArgs) < 2 {
			return AccessNone
		}
		return parseAccess(b.TypeArgs[1])
	}
	return AccessNone
}

// IsStorage reports whether b is a var<storage> buffer.
func (b ResourceBinding) IsStorage() bool { return b.AddressSpace() == "storage" }

// IsUniform reports whether b is a var<uniform> buffer.
func (b ResourceBinding) IsUniform() bool { return b.AddressSpace() == "uniform" }

// IsBuffer reports whether b is backed by a buffer.
func (b ResourceBinding) IsBuffer() bool { return b.IsStorage() || b.IsUniform() }

// IsStorageTexture reports whether b is a texture_storage_* binding.
func (b ResourceBinding) IsStorageTexture() bool {
	return strings.HasPrefix(b.Type, "texture_storage_")
}

// IsTexture reports whether b is a sampled or storage texture.
func (b ResourceBinding) IsTexture() bool { return strings.HasPrefix(b.Type, "texture_") }

// IsSampler reports whether b is a sampler or comparison sampler.
func (b ResourceBinding) IsSampler() bool {
	return b.Type == "sampler" || b.Type == "sampler_comparison"
}

// StorageFormat returns the texel format of a storage texture, e.g. "rgba16float".
func (b ResourceBinding) StorageFormat() string {
	if !b.IsStorageTexture() || len(b.TypeArgs) == 0 {
		return ""
	}
	return b.TypeArgs[0]
}

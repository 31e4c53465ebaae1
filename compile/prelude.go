package compile

import (
	"fmt"
	"sort"
	"strings"
)

// Built-in resource names declared by the prelude.
const (
	TimeName     = "time"
	CustomName   = "custom"
	ScreenName   = "screen"
	Channel0Name = "channel0"
	Channel1Name = "channel1"
	NearestName  = "nearest"
	BilinearName = "bilinear"
)

// ScreenFormat is the texel format of the screen storage texture.
const ScreenFormat = "rgba16float"

// ChannelCount is the number of sampled texture channels.
const ChannelCount = 2

// ChannelName returns the built-in name of texture channel i.
func ChannelName(i int) string { return fmt.Sprintf("channel%d", i) }

// TimeSize is the byte size of the Time uniform block, padded to 16.
const TimeSize = 16

// emptyCustom is the placeholder member used when no custom uniforms exist;
// WGSL does not allow empty structs.
const emptyCustom = "_unused"

// Prelude returns the built-in declarations prepended to every shader.
// Custom uniform names become f32 members of the Custom struct in sorted
// order; invalid identifiers are dropped.
func Prelude(uniforms []string) string {
	names := CustomMembers(uniforms)

	var b strings.Builder
	b.WriteString("struct Time { frame: u32, elapsed: f32, delta: f32 }\n")
	b.WriteString("struct Custom {")
	for i, n := range names {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " %s: f32", n)
	}
	b.WriteString(" }\n")
	fmt.Fprintf(&b, "@binding(0) @group(0) var<uniform> %s: Time;\n", TimeName)
	fmt.Fprintf(&b, "@binding(1) @group(0) var<uniform> %s: Custom;\n", CustomName)
	fmt.Fprintf(&b, "@binding(2) @group(0) var %s: texture_storage_2d<%s, write>;\n", ScreenName, ScreenFormat)
	fmt.Fprintf(&b, "@binding(3) @group(0) var %s: texture_2d<f32>;\n", Channel0Name)
	fmt.Fprintf(&b, "@binding(4) @group(0) var %s: texture_2d<f32>;\n", Channel1Name)
	fmt.Fprintf(&b, "@binding(5) @group(0) var %s: sampler;\n", NearestName)
	fmt.Fprintf(&b, "@binding(6) @group(0) var %s: sampler;", BilinearName)
	return b.String()
}

// CustomMembers returns the member order of the Custom uniform struct.
func CustomMembers(uniforms []string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, n := range uniforms {
		if !identRe.MatchString(n) || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		names = []string{emptyCustom}
	}
	return names
}

// CustomSize is the byte size of the Custom uniform block for n members,
// rounded up to 16 bytes.
func CustomSize(n int) uint64 {
	if n < 1 {
		n = 1
	}
	return (uint64(n)*4 + 15) &^ 15
}

package device

import (
	"sort"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
)

// backendPriority orders hal backends from most to least preferred.
// "empty" is the noop or software backend.
var backendPriority = []string{"vulkan", "metal", "dx12", "gl", "empty"}

// BackendName returns the lower-case name used to select a backend.
func BackendName(b hal.Backend) string {
	return strings.ToLower(b.Variant().String())
}

// backendRegistry snapshots the hal backends registered in this binary.
func backendRegistry() *gpucontext.Registry[hal.Backend] {
	reg := gpucontext.NewRegistry[hal.Backend](gpucontext.WithPriority(backendPriority...))
	for _, variant := range hal.AvailableBackends() {
		b, ok := hal.GetBackend(variant)
		if !ok {
			continue
		}
		reg.Register(BackendName(b), func() hal.Backend { return b })
	}
	return reg
}

// Backends lists the names of the registered hal backends in preference
// order.
func Backends() []string {
	reg := backendRegistry()
	names := reg.Available()
	rank := func(n string) int {
		for i, p := range backendPriority {
			if p == n {
				return i
			}
		}
		return len(backendPriority)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := rank(names[i]), rank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	return names
}

// selectBackend returns the named backend, or the most preferred one when
// name is empty or "auto".
func selectBackend(name string) (hal.Backend, bool) {
	reg := backendRegistry()
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "auto" {
		b := reg.Best()
		return b, b != nil
	}
	if !reg.Has(name) {
		return nil, false
	}
	return reg.Get(name), true
}

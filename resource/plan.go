// Package resource plans the lifetime of GPU buffers, textures and
// samplers keyed by the logical names found in a compiled shader.
//
// Planning is pure: Reconcile compares the desired resource set against
// the live one and returns what to create, resize and destroy. The
// Manager applies a plan through a caller-supplied Allocator and never
// talks to a device itself, so everything here runs without a GPU.
package resource

import (
	"fmt"
	"sort"
	"strings"
)

// Desired is a resource the current shader needs.
type Desired struct {
	Name string
	Kind Kind

	// Persistent resources keep their content across reloads that leave
	// their shape unchanged.
	Persistent bool
}

// Resource is a live, allocated resource.
type Resource struct {
	Name       string
	Kind       Kind
	Persistent bool

	// Handle is owned by the Allocator that created the resource.
	Handle any

	// ID is unique per allocation. A resized resource gets a new ID.
	ID uint64

	// Retained marks resources kept alive after their binding vanished
	// from the shader. Only Reset destroys them.
	Retained bool
}

// Resize replaces Old with a freshly allocated resource shaped as New.
type Resize struct {
	Old *Resource
	New Desired
}

// Reflag changes the persistence of an unchanged resource.
type Reflag struct {
	Resource   *Resource
	Persistent bool
}

// Options tune a single reconciliation pass.
type Options struct {
	// PreserveMissing keeps resources whose binding is absent from the
	// desired set instead of destroying them.
	PreserveMissing bool
}

// Plan is the outcome of a reconciliation.
type Plan struct {
	ToCreate  []Desired
	ToResize  []Resize
	ToDestroy []*Resource
	Unchanged []*Resource
	Retained  []*Resource

	// Reflagged lists Unchanged resources whose binding now has a
	// different persistence, e.g. read_write storage turned read-only.
	Reflagged []Reflag
}

// Empty reports whether the plan requires no allocation or release.
func (p Plan) Empty() bool {
	return len(p.ToCreate) == 0 && len(p.ToResize) == 0 && len(p.ToDestroy) == 0
}

// String summarizes the plan for logs.
func (p Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan[create=%d resize=%d destroy=%d unchanged=%d retained=%d]",
		len(p.ToCreate), len(p.ToResize), len(p.ToDestroy), len(p.Unchanged), len(p.Retained))
	return b.String()
}

// Reconcile compares desired against previous and returns the work needed
// to make the live set match. All lists are sorted by name.
func Reconcile(desired []Desired, previous map[string]*Resource, opts Options) Plan {
	var plan Plan

	want := make(map[string]Desired, len(desired))
	for _, d := range desired {
		want[d.Name] = d
	}

	for _, name := range sortedKeys(want) {
		d := want[name]
		prev, ok := previous[name]
		switch {
		case !ok:
			plan.ToCreate = append(plan.ToCreate, d)
		case SameShape(prev.Kind, d.Kind):
			plan.Unchanged = append(plan.Unchanged, prev)
			if prev.Persistent != d.Persistent {
				plan.Reflagged = append(plan.Reflagged, Reflag{Resource: prev, Persistent: d.Persistent})
			}
		default:
			plan.ToResize = append(plan.ToResize, Resize{Old: prev, New: d})
		}
	}

	for _, name := range sortedKeys(previous) {
		if _, ok := want[name]; ok {
			continue
		}
		prev := previous[name]
		if opts.PreserveMissing || prev.Retained {
			plan.Retained = append(plan.Retained, prev)
			continue
		}
		plan.ToDestroy = append(plan.ToDestroy, prev)
	}
	return plan
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

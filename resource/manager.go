package resource

import (
	"errors"
	"fmt"
	"sync"
)

// Resource manager errors.
var (
	// ErrAllocation wraps failures reported by an Allocator.
	ErrAllocation = errors.New("resource: allocation failed")

	// ErrUnknownResource is returned when a name has no live resource.
	ErrUnknownResource = errors.New("resource: unknown resource")
)

// Allocator performs the device side of a plan.
type Allocator interface {
	// Allocate creates a resource shaped as d and returns its handle.
	Allocate(d Desired) (any, error)

	// Release frees a resource previously returned by Allocate.
	Release(r *Resource)
}

// Stats describes the live resource set.
type Stats struct {
	Buffers    int
	Textures   int
	Samplers   int
	Persistent int
	Retained   int
	Bytes      uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Resources[%d buffers, %d textures, %d samplers, %d persistent, %d retained, %d KB]",
		s.Buffers, s.Textures, s.Samplers, s.Persistent, s.Retained, s.Bytes/1024)
}

// Manager tracks the live resource set.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	live   map[string]*Resource
	nextID uint64
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{live: make(map[string]*Resource)}
}

// Reconcile plans the transition from the live set to desired.
func (m *Manager) Reconcile(desired []Desired, opts Options) Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Reconcile(desired, m.live, opts)
}

// Apply executes plan through alloc. Releases happen before allocations so
// a resize never holds both copies. Failed allocations are left out of the
// live set, which makes the next reconciliation retry them; all failures
// are joined into the returned error.
func (m *Manager) Apply(plan Plan, alloc Allocator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for _, r := range plan.ToDestroy {
		if m.live[r.Name] != r {
			continue
		}
		alloc.Release(r)
		delete(m.live, r.Name)
	}

	for _, rs := range plan.ToResize {
		if cur := m.live[rs.Old.Name]; cur == rs.Old {
			alloc.Release(rs.Old)
			delete(m.live, rs.Old.Name)
		}
		if err := m.allocateLocked(rs.New, alloc); err != nil {
			errs = append(errs, err)
		}
	}

	for _, d := range plan.ToCreate {
		if _, exists := m.live[d.Name]; exists {
			continue
		}
		if err := m.allocateLocked(d, alloc); err != nil {
			errs = append(errs, err)
		}
	}

	for _, r := range plan.Unchanged {
		r.Retained = false
	}
	for _, rf := range plan.Reflagged {
		if m.live[rf.Resource.Name] == rf.Resource {
			rf.Resource.Persistent = rf.Persistent
		}
	}
	for _, r := range plan.Retained {
		r.Retained = true
	}

	return errors.Join(errs...)
}

func (m *Manager) allocateLocked(d Desired, alloc Allocator) error {
	h, err := alloc.Allocate(d)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrAllocation, d.Name, d.Kind, err)
	}
	m.nextID++
	m.live[d.Name] = &Resource{
		Name:       d.Name,
		Kind:       d.Kind,
		Persistent: d.Persistent,
		Handle:     h,
		ID:         m.nextID,
	}
	return nil
}

// Reset destroys every live resource regardless of persistence and returns
// the plan describing what was released.
func (m *Manager) Reset(alloc Allocator) Plan {
	m.mu.Lock()
	defer m.mu.Unlock()

	var plan Plan
	for _, name := range sortedKeys(m.live) {
		r := m.live[name]
		alloc.Release(r)
		plan.ToDestroy = append(plan.ToDestroy, r)
	}
	m.live = make(map[string]*Resource)
	return plan
}

// Lookup returns the live resource registered under name.
func (m *Manager) Lookup(name string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.live[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, name)
	}
	return r, nil
}

// Resources returns the live set sorted by name.
func (m *Manager) Resources() []*Resource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Resource, 0, len(m.live))
	for _, name := range sortedKeys(m.live) {
		out = append(out, m.live[name])
	}
	return out
}

// Len returns the number of live resources.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Stats summarizes the live set.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, r := range m.live {
		switch r.Kind.(type) {
		case Buffer:
			s.Buffers++
		case Texture:
			s.Textures++
		case Sampler:
			s.Samplers++
		default:
			panic(fmt.Sprintf("resource: unknown kind %T", r.Kind))
		}
		if r.Persistent {
			s.Persistent++
		}
		if r.Retained {
			s.Retained++
		}
		s.Bytes += Bytes(r.Kind)
	}
	return s
}

package gpu

import (
	"errors"
	"fmt"
	"sync"
)

// Memory tracking errors.
var (
	// ErrMemoryBudgetExceeded is returned when an allocation would exceed budget.
	ErrMemoryBudgetExceeded = errors.New("gpu: memory budget exceeded")

	// ErrMemoryTrackerClosed is returned when operating on a closed tracker.
	ErrMemoryTrackerClosed = errors.New("gpu: memory tracker closed")
)

// Default memory limits.
const (
	// DefaultMaxMemoryMB is the default GPU memory budget (1 GB).
	DefaultMaxMemoryMB = 1024

	// MinMemoryMB is the minimum allowed memory budget (16 MB).
	MinMemoryMB = 16
)

// MemoryStats contains GPU memory usage statistics.
type MemoryStats struct {
	// TotalBytes is the total memory budget in bytes.
	TotalBytes uint64

	// UsedBytes is the currently allocated memory in bytes.
	UsedBytes uint64

	// AvailableBytes is the remaining memory budget.
	AvailableBytes uint64

	// PeakBytes is the highest UsedBytes observed.
	PeakBytes uint64

	// Allocations is the number of live tracked allocations.
	Allocations int

	// Rejected counts reservations refused for exceeding the budget.
	Rejected uint64

	// Utilization is the fraction of budget used (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d MB, peak %d MB, %d allocations, %d rejected]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.TotalBytes/(1024*1024),
		s.PeakBytes/(1024*1024),
		s.Allocations,
		s.Rejected)
}

// MemoryTracker accounts device allocations against a budget. Allocations
// are keyed by resource name; shader resources are never evicted, so a
// reservation that does not fit fails instead.
//
// MemoryTracker is safe for concurrent use.
type MemoryTracker struct {
	mu sync.RWMutex

	budgetBytes uint64
	usedBytes   uint64
	peakBytes   uint64
	rejected    uint64

	entries map[string]uint64

	closed bool
}

// NewMemoryTracker creates a tracker with a budget in megabytes.
// Budgets below MinMemoryMB use DefaultMaxMemoryMB.
func NewMemoryTracker(maxMB int) *MemoryTracker {
	if maxMB < MinMemoryMB {
		maxMB = DefaultMaxMemoryMB
	}
	//nolint:gosec // G115: maxMB is bounded by MinMemoryMB minimum
	return &MemoryTracker{
		budgetBytes: uint64(maxMB) * 1024 * 1024,
		entries:     make(map[string]uint64),
	}
}

// Reserve records size bytes under name. A name already tracked is
// replaced, so only the size difference counts against the budget.
func (m *MemoryTracker) Reserve(name string, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMemoryTrackerClosed
	}

	prev := m.entries[name]
	next := m.usedBytes - prev + size
	if next > m.budgetBytes {
		m.rejected++
		return fmt.Errorf("%w: %s needs %d bytes, have %d bytes available",
			ErrMemoryBudgetExceeded, name, size, m.budgetBytes-(m.usedBytes-prev))
	}

	m.entries[name] = size
	m.usedBytes = next
	m.peakBytes = max(m.peakBytes, m.usedBytes)
	return nil
}

// Release forgets the allocation recorded under name.
func (m *MemoryTracker) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, ok := m.entries[name]
	if !ok {
		return
	}
	delete(m.entries, name)
	m.usedBytes -= size
}

// Stats returns current memory usage statistics.
func (m *MemoryTracker) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var utilization float64
	if m.budgetBytes > 0 {
		utilization = float64(m.usedBytes) / float64(m.budgetBytes)
	}

	var available uint64
	if m.budgetBytes > m.usedBytes {
		available = m.budgetBytes - m.usedBytes
	}

	return MemoryStats{
		TotalBytes:     m.budgetBytes,
		UsedBytes:      m.usedBytes,
		AvailableBytes: available,
		PeakBytes:      m.peakBytes,
		Allocations:    len(m.entries),
		Rejected:       m.rejected,
		Utilization:    utilization,
	}
}

// SetBudget updates the memory budget. Existing allocations are kept even
// when they exceed the new budget; further reservations fail until enough
// is released.
func (m *MemoryTracker) SetBudget(megabytes int) error {
	if megabytes < MinMemoryMB {
		megabytes = MinMemoryMB
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMemoryTrackerClosed
	}

	//nolint:gosec // G115: megabytes bounded by MinMemoryMB minimum
	m.budgetBytes = uint64(megabytes) * 1024 * 1024
	return nil
}

// Contains reports whether name is tracked.
func (m *MemoryTracker) Contains(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entries[name]
	return ok
}

// Close drops all entries. The tracker should not be used after Close.
func (m *MemoryTracker) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
	m.usedBytes = 0
	m.closed = true
}

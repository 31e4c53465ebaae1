// Package cache provides a cost-bounded LRU cache.
//
// Each entry has a cost computed when it is added, e.g. the byte size of
// a decoded image. Adding past the budget evicts least recently used
// entries until the total fits again. An entry costing more than the
// whole budget is not stored.
package cache

import "sync"

// entry is a node in the recency list. The head is the most recently used.
type entry[K comparable, V any] struct {
	key   K
	value V
	cost  int64
	prev  *entry[K, V]
	next  *entry[K, V]
}

// Stats reports cache effectiveness.
type Stats struct {
	Entries   int
	Cost      int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// LRU is a thread-safe least recently used cache.
//
// LRU must not be copied after creation (has mutex).
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	budget  int64
	costOf  func(V) int64
	entries map[K]*entry[K, V]
	head    *entry[K, V]
	tail    *entry[K, V]
	cost    int64

	hits, misses, evictions uint64
}

// New creates a cache holding at most budget total cost. A nil costOf
// counts every entry as 1, making budget an entry limit.
func New[K comparable, V any](budget int64, costOf func(V) int64) *LRU[K, V] {
	if costOf == nil {
		costOf = func(V) int64 { return 1 }
	}
	return &LRU[K, V]{
		budget:  budget,
		costOf:  costOf,
		entries: make(map[K]*entry[K, V]),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.moveToFront(e)
	return e.value, true
}

// Add stores value under key, replacing any previous value. It reports
// whether the value was stored.
func (c *LRU[K, V]) Add(key K, value V) bool {
	cost := c.costOf(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeEntry(old)
	}
	if cost > c.budget {
		return false
	}

	e := &entry[K, V]{key: key, value: value, cost: cost}
	c.entries[key] = e
	c.pushFront(e)
	c.cost += cost

	for c.cost > c.budget && c.tail != nil {
		c.removeEntry(c.tail)
		c.evictions++
	}
	return true
}

// Remove deletes key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		c.removeEntry(e)
	}
	return ok
}

// Clear removes all entries.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*entry[K, V])
	c.head, c.tail = nil, nil
	c.cost = 0
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Cost:      c.cost,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *LRU[K, V]) removeEntry(e *entry[K, V]) {
	c.unlink(e)
	delete(c.entries, e.key)
	c.cost -= e.cost
}

func (c *LRU[K, V]) pushFront(e *entry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *LRU[K, V]) moveToFront(e *entry[K, V]) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *LRU[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

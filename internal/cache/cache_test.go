package cache

import (
	"strconv"
	"sync"
	"testing"
)

func TestLRUGetAdd(t *testing.T) {
	c := New[string, int](10, nil)

	if _, ok := c.Get("a"); ok {
		t.Error("empty cache returned a value")
	}
	c.Add("a", 1)
	c.Add("b", 2)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v", v, ok)
	}
	c.Add("a", 3)
	if v, _ := c.Get("a"); v != 3 {
		t.Errorf("replaced value = %d, want 3", v)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Cost != 2 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](3, nil)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3)
	c.Get("a") // b is now the oldest
	c.Add("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s evicted", k)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d", c.Stats().Evictions)
	}
}

func TestLRUCost(t *testing.T) {
	c := New[string, []byte](100, func(b []byte) int64 { return int64(len(b)) })

	tests := []struct {
		key     string
		size    int
		stored  bool
		wantLen int
	}{
		{"small", 30, true, 1},
		{"medium", 60, true, 2},
		{"evicts-small", 40, true, 2},
		{"too-big", 101, false, 2},
	}
	for _, tt := range tests {
		if got := c.Add(tt.key, make([]byte, tt.size)); got != tt.stored {
			t.Errorf("Add(%s) = %v, want %v", tt.key, got, tt.stored)
		}
		if c.Len() != tt.wantLen {
			t.Errorf("after %s: Len = %d, want %d", tt.key, c.Len(), tt.wantLen)
		}
	}
	if _, ok := c.Get("small"); ok {
		t.Error("small should have been evicted")
	}
	if c.Stats().Cost != 100 {
		t.Errorf("Cost = %d, want 100", c.Stats().Cost)
	}
}

func TestLRURemoveClear(t *testing.T) {
	c := New[int, int](10, nil)
	for i := range 5 {
		c.Add(i, i)
	}
	if !c.Remove(2) || c.Remove(2) {
		t.Error("Remove should report presence once")
	}
	if c.Len() != 4 {
		t.Errorf("Len = %d", c.Len())
	}
	c.Clear()
	if c.Len() != 0 || c.Stats().Cost != 0 {
		t.Errorf("after Clear: %+v", c.Stats())
	}
	c.Add(7, 7)
	if v, ok := c.Get(7); !ok || v != 7 {
		t.Error("cache unusable after Clear")
	}
}

func TestLRUConcurrent(t *testing.T) {
	c := New[string, int](64, nil)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := strconv.Itoa((g*200 + i) % 100)
				if _, ok := c.Get(key); !ok {
					c.Add(key, i)
				}
			}
		}()
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Errorf("Len = %d exceeds budget", c.Len())
	}
}

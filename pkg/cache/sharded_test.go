package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGetOrCreateCreatesOnce(t *testing.T) {
	c := NewSharded[*int]()
	calls := 0
	create := func() *int { calls++; n := calls; return &n }

	a := c.GetOrCreate("10.0.0.1", create)
	b := c.GetOrCreate("10.0.0.1", create)
	if a != b || calls != 1 {
		t.Fatalf("expected one value, got calls=%d", calls)
	}
	if _, ok := c.Get("10.0.0.2"); ok {
		t.Fatal("unexpected entry")
	}
	c.Delete("10.0.0.1")
	if c.Len() != 0 {
		t.Fatalf("Len = %d after delete", c.Len())
	}
}

func TestCleanupEvictsIdle(t *testing.T) {
	c := NewSharded[int]()
	for i := 0; i < 40; i++ {
		c.GetOrCreate(fmt.Sprintf("k%d", i), func() int { return i })
	}
	if removed := c.Cleanup(time.Hour); removed != 0 {
		t.Fatalf("removed %d fresh entries", removed)
	}
	time.Sleep(5 * time.Millisecond)
	c.GetOrCreate("k0", func() int { return -1 })
	if removed := c.Cleanup(2 * time.Millisecond); removed != 39 {
		t.Fatalf("removed %d, want 39", removed)
	}
	if v, ok := c.Get("k0"); !ok || v != 0 {
		t.Fatalf("k0 = %d, %v", v, ok)
	}
	if s := c.Stats(); s.TotalItems != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewSharded[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.GetOrCreate(fmt.Sprintf("%d-%d", g, i%10), func() int { return i })
			}
		}(g)
	}
	wg.Wait()
	if c.Len() != 80 {
		t.Fatalf("Len = %d, want 80", c.Len())
	}
}

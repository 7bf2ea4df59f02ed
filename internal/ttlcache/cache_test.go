package ttlcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCache_HitBeforeExpiryMissAfter(t *testing.T) {
	clock := newFakeClock()
	ttl := 10 * time.Second
	c := New[string, int](4, ttl, WithClock(clock.Now))

	c.Set("a", 1)

	clock.Advance(ttl - time.Millisecond)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get at T-eps = (%v, %v), want (1, true)", v, ok)
	}

	clock.Advance(2 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("Get at T+eps hit, want miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not evicted on access, Len = %d", c.Len())
	}
}

func TestCache_MissForAbsentKey(t *testing.T) {
	c := New[string, string](2, time.Minute)
	if _, ok := c.Get("nope"); ok {
		t.Fatal("Get on empty cache hit")
	}
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](2, time.Minute, WithClock(clock.Now))

	c.Set("a", 1)
	clock.Advance(time.Second)
	c.Set("b", 2)
	clock.Advance(time.Second)
	c.Set("c", 3)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry a should have been evicted")
	}
	for _, k := range []string{"b", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("entry %s missing", k)
		}
	}
}

func TestCache_EvictsExpiredBeforeOldest(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](2, 10*time.Second, WithClock(clock.Now))

	c.Set("stale", 1)
	clock.Advance(6 * time.Second)
	c.Set("fresh", 2)
	clock.Advance(5 * time.Second) // stale expired, fresh has 1s left

	c.Set("new", 3)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("fresh entry evicted while an expired one was available")
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("new entry missing")
	}
}

func TestCache_OverwriteRefreshesTTL(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](2, 10*time.Second, WithClock(clock.Now))

	c.Set("k", 1)
	clock.Advance(8 * time.Second)
	c.Set("k", 2)
	clock.Advance(8 * time.Second) // 16s after the first Set, 8s after the second

	v, ok := c.Get("k")
	if !ok || v != 2 {
		t.Fatalf("Get = (%v, %v), want (2, true)", v, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCache_Delete(t *testing.T) {
	c := New[int, string](2, time.Minute)
	c.Set(1, "x")
	c.Delete(1)
	c.Delete(42)
	if _, ok := c.Get(1); ok {
		t.Error("deleted key still present")
	}
}

func TestCache_GetOrLoad(t *testing.T) {
	c := New[string, string](4, time.Minute)
	calls := 0
	load := func(ctx context.Context) (string, error) {
		calls++
		return "loaded", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(context.Background(), "k", load)
		if err != nil {
			t.Fatalf("GetOrLoad error = %v", err)
		}
		if v != "loaded" {
			t.Fatalf("GetOrLoad = %q, want loaded", v)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}

	wantErr := errors.New("store down")
	_, err := c.GetOrLoad(context.Background(), "other", func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("GetOrLoad error = %v, want %v", err, wantErr)
	}
	if _, ok := c.Get("other"); ok {
		t.Error("failed load must not be cached")
	}
}

func TestCache_Defaults(t *testing.T) {
	c := New[string, int](0, 0)
	if c.capacity != DefaultCapacity || c.ttl != DefaultTTL {
		t.Errorf("defaults = (%d, %v), want (%d, %v)", c.capacity, c.ttl, DefaultCapacity, DefaultTTL)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int, int](16, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Set(i%32, g)
				c.Get((i + g) % 32)
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 16 {
		t.Errorf("Len = %d exceeds capacity 16", c.Len())
	}
}

// Package ttlcache provides a bounded key/value cache whose entries expire a
// fixed duration after insertion. Expiry is lazy: an expired entry is removed
// when it is read or when room is needed for a new entry.
package ttlcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	DefaultCapacity = 1024
	DefaultTTL      = 5 * time.Minute
)

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Cache is safe for concurrent use. It is a local optimization only and is
// never the source of truth for the values it holds.
type Cache[K comparable, V any] struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	items map[K]*list.Element
	order *list.List // insertion order, oldest at the front
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a cache holding at most capacity entries, each living for ttl.
// Non-positive values fall back to DefaultCapacity and DefaultTTL.
func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      o.now,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

// Get returns the value for key. An absent or expired key is a miss, and an
// expired key is evicted on the spot.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with a fresh TTL. Overwriting a key counts as a
// new insertion for eviction order. When the cache is full, an expired entry
// is evicted first; otherwise the oldest inserted entry goes.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if len(c.items) >= c.capacity {
		c.evictOne(now)
	}
	el := c.order.PushBack(&entry[K, V]{key: key, value: value, expiresAt: now.Add(c.ttl)})
	c.items[key] = el
}

// Delete removes key if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len reports the number of stored entries, including expired entries that
// have not been evicted yet.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result on a miss. Load errors are returned and nothing is cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, v)
	return v, nil
}

func (c *Cache[K, V]) evictOne(now time.Time) {
	for el := c.order.Front(); el != nil; el = el.Next() {
		if !now.Before(el.Value.(*entry[K, V]).expiresAt) {
			c.removeElement(el)
			return
		}
	}
	if front := c.order.Front(); front != nil {
		c.removeElement(front)
	}
}

func (c *Cache[K, V]) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.items, e.key)
}

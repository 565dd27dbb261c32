// Package cache implements the bounded, TTL-expiring key/value store that every
// detector uses to hold per-client state.
//
// Design Choices:
//   - Recency order comes from hashicorp/golang-lru's simplelru, which is not
//     safe for concurrent use on its own; one sync.Mutex per cache guards it.
//     Get mutates LRU order, so a read lock would not be enough.
//   - Entries carry their insertion time. TTL is enforced lazily on read and
//     eagerly by Cleanup, which the Sweeper calls on a fixed interval.
//   - Values are replaced wholesale through Set/Update, never mutated through
//     the cache API, so eviction and TTL bookkeeping stay correct.
//
// Complexity:
//   - Get/Set/Delete/Has: O(1)
//   - Cleanup: O(n) over the entries currently stored
package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/o-tero/requestguard/pkg/models"
)

var (
	// ErrInvalidCapacity is returned when a cache is built with capacity <= 0.
	ErrInvalidCapacity = errors.New("cache capacity must be positive")
	// ErrInvalidTTL is returned when a cache is built with ttl <= 0.
	ErrInvalidTTL = errors.New("cache ttl must be positive")
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// BoundedCache is a fixed-capacity, TTL-expiring LRU map safe for concurrent use.
type BoundedCache[K comparable, V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[K, entry[V]]
	name     string
	capacity int
	ttl      time.Duration
	clock    Clock

	evictions   atomic.Int64
	expirations atomic.Int64
}

// Option customizes a BoundedCache at construction time.
type Option func(*options)

type options struct {
	clock Clock
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// New creates a cache named name holding at most capacity entries for ttl each.
func New[K comparable, V any](name string, capacity int, ttl time.Duration, opts ...Option) (*BoundedCache[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache %q: %w", name, ErrInvalidCapacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache %q: %w", name, ErrInvalidTTL)
	}

	o := options{clock: SystemClock()}
	for _, opt := range opts {
		opt(&o)
	}

	// Evictions are counted from Add's return value; the callback would also
	// fire on Remove and Purge.
	lru, err := simplelru.NewLRU[K, entry[V]](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", name, err)
	}

	return &BoundedCache[K, V]{
		lru:      lru,
		name:     name,
		capacity: capacity,
		ttl:      ttl,
		clock:    o.clock,
	}, nil
}

// Get returns the value for key and moves it to the most-recently-used position.
// An expired entry is deleted and reported absent.
func (c *BoundedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveUnsafe(key, c.clock.Now())
	return e.value, ok
}

// Has reports whether a live entry exists for key. It does not touch LRU order.
func (c *BoundedCache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	if c.expiredUnsafe(e, c.clock.Now()) {
		c.lru.Remove(key)
		c.expirations.Add(1)
		return false
	}
	return true
}

// Set stores value under key at the most-recently-used position, evicting the
// least-recently-used entry first when the cache is full.
func (c *BoundedCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setUnsafe(key, value, c.clock.Now())
}

// Update atomically reads the live value for key, passes it to fn and stores
// the result. When fn returns keep=false the entry is deleted instead.
// fn runs with the cache lock held and must not call back into the cache.
func (c *BoundedCache[K, V]) Update(key K, fn func(current V, found bool) (next V, keep bool)) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e, found := c.liveUnsafe(key, now)

	next, keep := fn(e.value, found)
	if !keep {
		c.lru.Remove(key)
		return next
	}
	c.setUnsafe(key, next, now)
	return next
}

// Delete removes key. Returns true if it existed.
func (c *BoundedCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Cleanup drops every TTL-expired entry and returns how many were removed.
func (c *BoundedCache[K, V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0

	// Keys runs oldest first: least recently used entries are the likeliest
	// to be stale.
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && c.expiredUnsafe(e, now) {
			c.lru.Remove(key)
			removed++
		}
	}

	c.expirations.Add(int64(removed))
	return removed
}

// Size returns the number of stored entries, expired ones included until swept.
func (c *BoundedCache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the construction-time capacity.
func (c *BoundedCache[K, V]) Capacity() int {
	return c.capacity
}

// TTL returns the construction-time time-to-live.
func (c *BoundedCache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Name identifies the logical store in logs and metrics.
func (c *BoundedCache[K, V]) Name() string {
	return c.name
}

// Evictions returns how many entries were dropped by LRU eviction.
func (c *BoundedCache[K, V]) Evictions() int64 {
	return c.evictions.Load()
}

// Expirations returns how many entries were dropped because their TTL passed.
func (c *BoundedCache[K, V]) Expirations() int64 {
	return c.expirations.Load()
}

// Stats reports size, capacity and drop counters.
func (c *BoundedCache[K, V]) Stats() models.CacheStats {
	return models.CacheStats{
		Name:        c.name,
		Size:        c.Size(),
		Capacity:    c.capacity,
		Evictions:   uint64(c.evictions.Load()),
		Expirations: uint64(c.expirations.Load()),
	}
}

// Clear removes all entries.
func (c *BoundedCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// liveUnsafe looks key up, deleting it if expired, and promotes it to MRU.
// Must be called with the lock held.
func (c *BoundedCache[K, V]) liveUnsafe(key K, now time.Time) (entry[V], bool) {
	e, ok := c.lru.Peek(key)
	if !ok {
		return entry[V]{}, false
	}
	if c.expiredUnsafe(e, now) {
		c.lru.Remove(key)
		c.expirations.Add(1)
		return entry[V]{}, false
	}
	c.lru.Get(key)
	return e, true
}

// setUnsafe stores key with a fresh insertion time. Must be called with the
// lock held.
func (c *BoundedCache[K, V]) setUnsafe(key K, value V, now time.Time) {
	if c.lru.Add(key, entry[V]{value: value, insertedAt: now}) {
		c.evictions.Add(1)
	}
}

func (c *BoundedCache[K, V]) expiredUnsafe(e entry[V], now time.Time) bool {
	return now.Sub(e.insertedAt) > c.ttl
}

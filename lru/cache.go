// Package lru implements a generic, thread-safe LRU cache with optional
// per-entry expiry.
//
// Get, Put, Delete and Len are O(1). Expired entries are removed lazily when
// they are touched, or in bulk by RemoveExpired.
package lru

import (
	"sync"
	"time"
)

// EvictReason tells an eviction handler why an entry left the cache.
type EvictReason int

const (
	// EvictCapacity means the entry was the least recently used one when a
	// new key was inserted into a full cache.
	EvictCapacity EvictReason = iota
	// EvictExpired means the entry outlived its TTL.
	EvictExpired
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type node[K comparable, V any] struct {
	key       K
	val       V
	expiresAt time.Time // zero => never
	prev      *node[K, V]
	next      *node[K, V]
}

func (n *node[K, V]) expired(now time.Time) bool {
	return !n.expiresAt.IsZero() && !now.Before(n.expiresAt)
}

// Metrics is a point-in-time snapshot of cache counters.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithTTL sets the expiry applied by Put. Zero means entries never expire.
func WithTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.ttl = ttl }
}

// WithEvictionHandler registers a callback for capacity and expiry evictions.
func WithEvictionHandler[K comparable, V any](fn func(key K, val V, reason EvictReason)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// Cache is a generic, thread-safe LRU cache.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*node[K, V]
	head     *node[K, V] // sentinel, next is most recently used
	tail     *node[K, V] // sentinel, prev is least recently used
	onEvict  func(K, V, EvictReason)
	metrics  Metrics

	now func() time.Time
}

// New creates an LRU cache with the given capacity.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	c := &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetClock replaces the time source. Intended for tests in dependent packages.
func (c *Cache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get retrieves a live value by key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	n, ok := c.lookup(key)
	if !ok {
		c.metrics.Misses++
		evicted := c.takeExpired(key)
		c.mu.Unlock()
		evicted.notify(c.onEvict)
		var zero V
		return zero, false
	}
	c.metrics.Hits++
	c.moveToFront(n)
	val := n.val
	c.mu.Unlock()
	return val, true
}

// Peek retrieves a live value without updating access order or counters.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.lookup(key)
	if !ok {
		var zero V
		return zero, false
	}
	return n.val, true
}

// Put inserts or updates key using the default TTL. If a new key does not
// fit, the least recently used entry is evicted and returned.
func (c *Cache[K, V]) Put(key K, val V) (K, V, bool) {
	return c.PutWithTTL(key, val, c.ttl)
}

// PutWithTTL is Put with an explicit TTL. Zero means the entry never expires.
// Updating an existing key resets its expiry.
func (c *Cache[K, V]) PutWithTTL(key K, val V, ttl time.Duration) (K, V, bool) {
	c.mu.Lock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if n, ok := c.items[key]; ok {
		n.val = val
		n.expiresAt = expiresAt
		c.moveToFront(n)
		c.mu.Unlock()
		var zk K
		var zv V
		return zk, zv, false
	}

	var victim *node[K, V]
	if len(c.items) >= c.capacity {
		victim = c.tail.prev
		c.unlink(victim)
		delete(c.items, victim.key)
		c.metrics.Evictions++
	}

	n := &node[K, V]{key: key, val: val, expiresAt: expiresAt}
	c.items[key] = n
	c.pushFront(n)
	c.mu.Unlock()

	if victim == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	if c.onEvict != nil {
		c.onEvict(victim.key, victim.val, EvictCapacity)
	}
	return victim.key, victim.val, true
}

// Delete removes a key from the cache. Returns true if the key existed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}
	c.unlink(n)
	delete(c.items, key)
	return true
}

// DeleteFunc removes every entry whose key satisfies match and returns how
// many were removed.
func (c *Cache[K, V]) DeleteFunc(match func(key K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, n := range c.items {
		if match(k) {
			c.unlink(n)
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

// RemoveExpired drops every expired entry, notifying the eviction handler,
// and returns how many were removed.
func (c *Cache[K, V]) RemoveExpired() int {
	c.mu.Lock()
	now := c.now()
	var gone evictions[K, V]
	for k, n := range c.items {
		if n.expired(now) {
			c.unlink(n)
			delete(c.items, k)
			c.metrics.Expirations++
			gone = append(gone, n)
		}
	}
	c.mu.Unlock()

	gone.notify(c.onEvict)
	return len(gone)
}

// Len returns the number of entries held, including expired ones not yet removed.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns live keys ordered from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]K, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		if !cur.expired(now) {
			keys = append(keys, cur.key)
		}
	}
	return keys
}

// Clear removes all entries without notifying the eviction handler.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[K]*node[K, V], c.capacity)
}

// Metrics returns a snapshot of the hit, miss and eviction counters.
func (c *Cache[K, V]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// lookup returns the live node for key. Caller must hold the lock.
func (c *Cache[K, V]) lookup(key K) (*node[K, V], bool) {
	n, ok := c.items[key]
	if !ok || n.expired(c.now()) {
		return nil, false
	}
	return n, true
}

// takeExpired unlinks key if it is present but expired. Caller must hold the lock.
func (c *Cache[K, V]) takeExpired(key K) evictions[K, V] {
	n, ok := c.items[key]
	if !ok || !n.expired(c.now()) {
		return nil
	}
	c.unlink(n)
	delete(c.items, key)
	c.metrics.Expirations++
	return evictions[K, V]{n}
}

type evictions[K comparable, V any] []*node[K, V]

// notify runs outside the lock so handlers may call back into the cache.
func (e evictions[K, V]) notify(fn func(K, V, EvictReason)) {
	if fn == nil {
		return
	}
	for _, n := range e {
		fn(n.key, n.val, EvictExpired)
	}
}

func (c *Cache[K, V]) unlink(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.unlink(n)
	c.pushFront(n)
}

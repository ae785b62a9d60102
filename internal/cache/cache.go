// Package cache is the TTL response cache for successful backend reads.
//
// Entries are keyed purely by endpoint identity (path + query string), never
// by user. Clearing it together with the credential store on logout or
// refresh failure is what keeps one user's data from leaking to the next.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/dashsync/internal/metrics"
	"github.com/p-blackswan/dashsync/lru"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 512
)

// Entry is a cached read payload. It is logically expired once
// now - InsertedAt >= TTL.
type Entry struct {
	Key        string
	Value      json.RawMessage
	InsertedAt time.Time
	TTL        time.Duration
}

// Expired reports whether the entry is stale at now.
func (e Entry) Expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) >= e.TTL
}

// Options configures a Cache.
type Options struct {
	TTL      time.Duration // default for Set calls with ttl <= 0
	Capacity int           // LRU bound on distinct keys
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Cache is a bounded TTL cache of read payloads, safe for concurrent use.
type Cache struct {
	entries *lru.Cache[string, Entry]
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a response cache.
func New(opts Options, logger zerolog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity < 1 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Cache{
		ttl:     opts.TTL,
		metrics: opts.Metrics,
		logger:  logger.With().Str("component", "cache").Logger(),
		now:     opts.Clock,
	}
	c.entries = lru.New[string, Entry](opts.Capacity,
		lru.WithTTL[string, Entry](opts.TTL),
		lru.WithEvictionHandler[string, Entry](c.onEvict),
	)
	c.entries.SetClock(opts.Clock)
	return c
}

func (c *Cache) onEvict(key string, _ Entry, reason lru.EvictReason) {
	c.metrics.RecordCacheEviction(reason.String(), 1)
	c.logger.Trace().Str("key", key).Stringer("reason", reason).Msg("cache entry evicted")
}

// DefaultTTL returns the TTL applied when Set is called without one.
func (c *Cache) DefaultTTL() time.Duration {
	return c.ttl
}

// Get returns the payload stored under key if present and not expired.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		c.metrics.RecordCacheLookup("miss")
		c.metrics.SetCacheEntries(c.entries.Len())
		return nil, false
	}
	c.metrics.RecordCacheLookup("hit")
	return e.Value, true
}

// Entry returns the full entry stored under key without promoting it.
func (c *Cache) Entry(key string) (Entry, bool) {
	return c.entries.Peek(key)
}

// Set inserts or overwrites key. A ttl <= 0 selects the default TTL.
func (c *Cache) Set(key string, value json.RawMessage, ttl time.Duration) {
	e := Entry{Key: key, Value: value, InsertedAt: c.now(), TTL: ttl}
	if ttl <= 0 {
		e.TTL = c.ttl
		c.entries.Put(key, e)
	} else {
		c.entries.PutWithTTL(key, e, ttl)
	}
	c.metrics.SetCacheEntries(c.entries.Len())
}

// Delete removes key. Deleting an absent key is a no-op.
func (c *Cache) Delete(key string) {
	if c.entries.Delete(key) {
		c.metrics.RecordCacheEviction("deleted", 1)
		c.metrics.SetCacheEntries(c.entries.Len())
	}
}

// DeletePath removes every query-string variant cached for path and returns
// how many entries were dropped.
func (c *Cache) DeletePath(path string) int {
	path = PathOf(Key(path))
	n := c.entries.DeleteFunc(func(key string) bool {
		return PathOf(key) == path
	})
	c.metrics.RecordCacheEviction("deleted", n)
	c.metrics.SetCacheEntries(c.entries.Len())
	return n
}

// Clear drops every entry. Safe to call repeatedly.
func (c *Cache) Clear() {
	n := c.entries.Len()
	c.entries.Clear()
	c.metrics.RecordCacheEviction("cleared", n)
	c.metrics.SetCacheEntries(0)
	if n > 0 {
		c.logger.Debug().Int("entries", n).Msg("response cache cleared")
	}
}

// Len returns the number of held entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Stats is a point-in-time view of the cache for operators.
type Stats struct {
	Entries     int      `json:"entries"`
	Keys        []string `json:"keys"`
	Hits        uint64   `json:"hits"`
	Misses      uint64   `json:"misses"`
	Evictions   uint64   `json:"evictions"`
	Expirations uint64   `json:"expirations"`
	HitRate     float64  `json:"hit_rate"`
}

// Stats reports live keys, most recently used first, and lookup counters.
func (c *Cache) Stats() Stats {
	m := c.entries.Metrics()
	keys := c.entries.Keys()
	return Stats{
		Entries:     len(keys),
		Keys:        keys,
		Hits:        m.Hits,
		Misses:      m.Misses,
		Evictions:   m.Evictions,
		Expirations: m.Expirations,
		HitRate:     m.HitRate(),
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	n := c.entries.RemoveExpired()
	c.metrics.SetCacheEntries(c.entries.Len())
	return n
}

// StartSweeper sweeps every interval until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug().
						Int("expired", n).
						Float64("hit_rate", c.entries.Metrics().HitRate()).
						Msg("swept expired cache entries")
				}
			}
		}
	}()
}

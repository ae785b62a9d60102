package cache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/dashsync/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(clock *fakeClock) *Cache {
	return New(Options{TTL: time.Minute, Capacity: 16, Clock: clock.Now}, zerolog.Nop())
}

func TestCache_SetThenGet(t *testing.T) {
	c := newTestCache(newFakeClock())
	c.Set("/campaigns", json.RawMessage(`[{"id":1}]`), time.Minute)

	v, ok := c.Get("/campaigns")
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":1}]`, string(v))
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	c.Set("/analytics/overview", json.RawMessage(`{}`), 30*time.Second)

	clock.Advance(29 * time.Second)
	_, ok := c.Get("/analytics/overview")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("/analytics/overview")
	assert.False(t, ok, "entry must be absent once now - insertedAt >= ttl")
}

func TestCache_DefaultTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	c.Set("/reports", json.RawMessage(`[]`), 0)

	e, ok := c.Entry("/reports")
	require.True(t, ok)
	assert.Equal(t, time.Minute, e.TTL)
	assert.Equal(t, clock.Now(), e.InsertedAt)
	assert.False(t, e.Expired(clock.Now()))
	assert.True(t, e.Expired(clock.Now().Add(time.Minute)))
}

func TestCache_ClearIsIdempotent(t *testing.T) {
	c := newTestCache(newFakeClock())
	c.Set("/a", json.RawMessage(`1`), 0)
	c.Set("/b", json.RawMessage(`2`), 0)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCache_DeleteNonexistentIsNoop(t *testing.T) {
	c := newTestCache(newFakeClock())
	c.Set("/a", json.RawMessage(`1`), 0)

	assert.NotPanics(t, func() { c.Delete("/missing") })
	assert.Equal(t, 1, c.Len())
}

func TestCache_QueryStringsAreIndependent(t *testing.T) {
	c := newTestCache(newFakeClock())
	active := Key("/campaigns?status=active")
	draft := Key("/campaigns?status=draft")
	require.NotEqual(t, active, draft)

	c.Set(active, json.RawMessage(`["a"]`), 0)
	c.Set(draft, json.RawMessage(`["d"]`), 0)

	c.Delete(active)

	_, ok := c.Get(active)
	assert.False(t, ok)
	v, ok := c.Get(draft)
	require.True(t, ok)
	assert.JSONEq(t, `["d"]`, string(v))
}

func TestCache_DeletePath(t *testing.T) {
	c := newTestCache(newFakeClock())
	c.Set(Key("/campaigns"), json.RawMessage(`1`), 0)
	c.Set(Key("/campaigns?status=active"), json.RawMessage(`2`), 0)
	c.Set(Key("/campaigns/42"), json.RawMessage(`3`), 0)

	assert.Equal(t, 2, c.DeletePath("/campaigns?page=9"))
	_, ok := c.Get(Key("/campaigns/42"))
	assert.True(t, ok)
}

func TestCache_CapacityBound(t *testing.T) {
	c := New(Options{Capacity: 2}, zerolog.Nop())
	c.Set("/a", json.RawMessage(`1`), 0)
	c.Set("/b", json.RawMessage(`2`), 0)
	c.Get("/a")
	c.Set("/c", json.RawMessage(`3`), 0)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("/b")
	assert.False(t, ok, "least recently used entry should be evicted")
}

func TestCache_Sweep(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	c.Set("/short", json.RawMessage(`1`), time.Second)
	c.Set("/long", json.RawMessage(`2`), time.Hour)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestCache_StartSweeper(t *testing.T) {
	c := New(Options{TTL: time.Millisecond}, zerolog.Nop())
	c.Set("/a", json.RawMessage(`1`), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartSweeper(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	c := New(Options{Capacity: 1, Metrics: m}, zerolog.Nop())
	c.Set("/a", json.RawMessage(`1`), 0)
	c.Get("/a")
	c.Get("/nope")
	c.Set("/b", json.RawMessage(`2`), 0)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)

	assert.Contains(t, string(body), `dashsync_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, string(body), `dashsync_cache_lookups_total{result="miss"} 1`)
	assert.Contains(t, string(body), `dashsync_cache_evictions_total{reason="capacity"} 1`)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "/campaigns", Key("/campaigns"))
	assert.Equal(t, "/campaigns?status=active&page=2", Key("/campaigns?status=active&page=2"))
	assert.Equal(t, "/campaigns?status=active", Key("/campaigns?status=active#top"))
	assert.NotEqual(t, Key("/a?x=1&y=2"), Key("/a?y=2&x=1"))
	assert.Equal(t, "/campaigns", PathOf(Key("/campaigns?status=draft")))
}

func TestCache_DefaultTTLExpiresWithoutExplicitTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	c.Set("/reports", json.RawMessage(`[]`), 0)

	clock.Advance(time.Minute - time.Second)
	_, ok := c.Get("/reports")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("/reports")
	assert.False(t, ok)
}

func TestCache_Stats(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	c.Set("/campaigns", json.RawMessage(`[]`), 0)
	c.Set("/settings", json.RawMessage(`{}`), time.Second)

	_, ok := c.Get("/campaigns")
	require.True(t, ok)
	_, ok = c.Get("/reports")
	require.False(t, ok)

	clock.Advance(2 * time.Second)
	st := c.Stats()
	assert.Equal(t, []string{"/campaigns"}, st.Keys)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
}

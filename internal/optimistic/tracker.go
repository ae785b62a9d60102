// Package optimistic applies local state changes ahead of the backend write
// that makes them durable, and rolls them back when the write fails.
package optimistic

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/dashsync/internal/errors"
)

// Tracker holds the locally visible state of entities keyed by K. Concurrent
// updates to one entity resolve last-writer-wins: every Apply bumps the
// entity's version, and a failed write only rolls back if no newer update
// has been applied since.
type Tracker[K comparable, V any] struct {
	mu       sync.Mutex
	values   map[K]V
	versions map[K]uint64
	logger   zerolog.Logger
}

// New creates an empty Tracker.
func New[K comparable, V any](logger zerolog.Logger) *Tracker[K, V] {
	return &Tracker[K, V]{
		values:   make(map[K]V),
		versions: make(map[K]uint64),
		logger:   logger.With().Str("component", "optimistic").Logger(),
	}
}

// Set stores the server-confirmed value for key without an update cycle.
func (t *Tracker[K, V]) Set(key K, val V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[key] = val
	t.versions[key]++
}

// Get returns the locally visible value for key.
func (t *Tracker[K, V]) Get(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	return v, ok
}

// Version returns key's update counter.
func (t *Tracker[K, V]) Version(key K) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.versions[key]
}

// Apply snapshots key, makes proposed visible, and runs write. If write
// fails the snapshot is restored, unless a later Apply or Set for key has
// already replaced the proposed value; in that case the newer value stays
// and the returned error also matches ErrConflict.
func (t *Tracker[K, V]) Apply(ctx context.Context, key K, proposed V, write func(ctx context.Context) error) error {
	t.mu.Lock()
	prev, existed := t.values[key]
	t.values[key] = proposed
	t.versions[key]++
	version := t.versions[key]
	t.mu.Unlock()

	err := write(ctx)
	if err == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.versions[key] != version {
		t.logger.Debug().Err(err).Interface("key", key).Msg("write failed after newer update, keeping newer value")
		return fmt.Errorf("%w: %w", perrors.ErrConflict, err)
	}
	if existed {
		t.values[key] = prev
	} else {
		delete(t.values, key)
	}
	t.versions[key]++
	t.logger.Debug().Err(err).Interface("key", key).Msg("write failed, rolled back")
	return err
}

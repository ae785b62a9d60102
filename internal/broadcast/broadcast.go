// Package broadcast is the in-process invalidation channel: a typed
// publish/subscribe bus plus one-shot per-path stale markers.
package broadcast

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/dashsync/internal/metrics"
)

// Topic names one of the closed set of events consumers can subscribe to.
type Topic string

const (
	// TopicCacheInvalidated tells mounted consumers their data may be stale.
	TopicCacheInvalidated Topic = "cache-invalidated"
	// TopicPathRefreshRequested acknowledges that a write affecting a path has
	// completed and consumers of that path should refetch now.
	TopicPathRefreshRequested Topic = "path-refresh-requested"
)

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	return t == TopicCacheInvalidated || t == TopicPathRefreshRequested
}

// Event is a single published signal. An empty Path addresses every consumer.
type Event struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Matches reports whether a consumer mounted on path should react to e.
func (e Event) Matches(path string) bool {
	return e.Path == "" || e.Path == path
}

// Handler receives published events. Handlers run on the publishing
// goroutine and must not block.
type Handler func(Event)

// Broadcaster fans events out to subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[Topic]map[uint64]Handler
	nextID uint64

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Broadcaster.
func New(m *metrics.Metrics, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:    make(map[Topic]map[uint64]Handler),
		metrics: m,
		logger:  logger.With().Str("component", "broadcast").Logger(),
	}
}

// Subscribe registers h for topic and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Broadcaster) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish delivers an event on topic to every current subscriber, in
// subscription order, and returns it.
func (b *Broadcaster) Publish(topic Topic, path string) (Event, error) {
	if !topic.Valid() {
		return Event{}, fmt.Errorf("unknown topic %q", topic)
	}
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Path:      path,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs[topic]))
	for id := range b.subs[topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[topic][id])
	}
	b.mu.RUnlock()

	b.metrics.RecordBroadcast(string(topic))
	b.logger.Debug().
		Str("event_id", ev.ID).
		Str("topic", string(topic)).
		Str("path", path).
		Int("subscribers", len(handlers)).
		Msg("event published")

	for _, h := range handlers {
		h(ev)
	}
	return ev, nil
}

// Subscribers returns the number of handlers registered for topic.
func (b *Broadcaster) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

package broadcast

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/dashsync/internal/cache"
)

// CacheInvalidator is the part of the response cache a mutation needs.
type CacheInvalidator interface {
	Delete(key string)
	DeletePath(path string) int
}

// Invalidator bundles the three steps a mutation call site performs after a
// successful write: drop the affected reads, mark the target view stale and
// tell mounted consumers.
type Invalidator struct {
	cache   CacheInvalidator
	markers *StaleMarkers
	bus     *Broadcaster
	logger  zerolog.Logger
}

// NewInvalidator creates an Invalidator. Any collaborator may be nil.
func NewInvalidator(c CacheInvalidator, markers *StaleMarkers, bus *Broadcaster, logger zerolog.Logger) *Invalidator {
	return &Invalidator{
		cache:   c,
		markers: markers,
		bus:     bus,
		logger:  logger.With().Str("component", "invalidator").Logger(),
	}
}

// Invalidate removes the cached reads for endpoints and publishes
// cache-invalidated scoped to target. An endpoint with a query string drops
// that exact entry; a bare path drops every query variant of it. An empty
// target addresses all consumers and sets no marker.
func (i *Invalidator) Invalidate(target string, endpoints ...string) Event {
	removed := 0
	if i.cache != nil {
		for _, ep := range endpoints {
			if strings.Contains(ep, "?") {
				i.cache.Delete(cache.Key(ep))
				removed++
				continue
			}
			removed += i.cache.DeletePath(ep)
		}
	}
	if target != "" && i.markers != nil {
		i.markers.MarkStale(target)
	}

	i.logger.Debug().
		Str("target", target).
		Strs("endpoints", endpoints).
		Int("removed", removed).
		Msg("invalidated cached reads")

	if i.bus == nil {
		return Event{}
	}
	ev, _ := i.bus.Publish(TopicCacheInvalidated, target)
	return ev
}

// Acknowledge publishes path-refresh-requested for path, telling its
// consumers the write they were waiting on is visible.
func (i *Invalidator) Acknowledge(path string) Event {
	if i.bus == nil {
		return Event{}
	}
	ev, _ := i.bus.Publish(TopicPathRefreshRequested, path)
	return ev
}

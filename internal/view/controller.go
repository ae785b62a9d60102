// Package view binds a consumer's refresh callback to the events that make
// its data stale: mounting, navigation, dependency changes, foregrounding and
// broadcast invalidations.
package view

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/dashsync/internal/broadcast"
	perrors "github.com/p-blackswan/dashsync/internal/errors"
	"github.com/p-blackswan/dashsync/internal/metrics"
)

// Default timings.
const (
	DefaultSettleDelay = 100 * time.Millisecond
)

// DefaultStaleDelays are the staggered refetch delays used after a stale signal.
var DefaultStaleDelays = []time.Duration{300 * time.Millisecond, time.Second}

// FetchFunc loads the consumer's data. Its error is logged and dropped.
type FetchFunc func(ctx context.Context) error

// State is the controller's fetch state.
type State int

const (
	StateIdle State = iota
	StateFetching
)

func (s State) String() string {
	if s == StateFetching {
		return "fetching"
	}
	return "idle"
}

// Trigger names what caused a fetch.
type Trigger string

const (
	TriggerMount      Trigger = "mount"
	TriggerStale      Trigger = "stale"
	TriggerNavigate   Trigger = "navigate"
	TriggerDependency Trigger = "dependency"
	TriggerFocus      Trigger = "focus"
	TriggerBroadcast  Trigger = "broadcast"
	TriggerAck        Trigger = "ack"
)

// Bus is the subscription side of the invalidation channel.
type Bus interface {
	Subscribe(topic broadcast.Topic, h broadcast.Handler) (unsubscribe func())
}

// Options configures a Controller.
type Options struct {
	Path        string
	Fetch       FetchFunc
	Bus         Bus
	Markers     *broadcast.StaleMarkers
	StaleDelays []time.Duration
	SettleDelay time.Duration
	Metrics     *metrics.Metrics
}

// Controller drives one consumer's fetches. A trigger that arrives while a
// fetch is running is coalesced into a single follow-up fetch.
type Controller struct {
	fetch       FetchFunc
	bus         Bus
	markers     *broadcast.StaleMarkers
	staleDelays []time.Duration
	settleDelay time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	path     string
	state    State
	rerun    Trigger
	mounted  bool
	disposed bool
	visible  bool
	deps     []any
	hasDeps  bool
	timers   []*time.Timer
	unsubs   []func()
	inflight sync.WaitGroup
}

// New creates an unmounted Controller.
func New(opts Options, logger zerolog.Logger) *Controller {
	if opts.StaleDelays == nil {
		opts.StaleDelays = DefaultStaleDelays
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	return &Controller{
		fetch:       opts.Fetch,
		bus:         opts.Bus,
		markers:     opts.Markers,
		staleDelays: append([]time.Duration(nil), opts.StaleDelays...),
		settleDelay: opts.SettleDelay,
		metrics:     opts.Metrics,
		logger:      logger.With().Str("component", "view").Str("path", opts.Path).Logger(),
		path:        opts.Path,
		visible:     true,
	}
}

// Mount subscribes to broadcasts and fetches immediately. If the path carries
// a stale marker it is consumed and staggered refetches are scheduled. Fetches
// run with ctx, which Dispose does not cancel.
func (c *Controller) Mount(ctx context.Context) {
	c.mu.Lock()
	if c.mounted || c.disposed {
		c.mu.Unlock()
		return
	}
	c.mounted = true
	c.ctx = ctx
	path := c.path
	c.mu.Unlock()

	if c.bus != nil {
		unsubInvalidated := c.bus.Subscribe(broadcast.TopicCacheInvalidated, c.onInvalidated)
		unsubAck := c.bus.Subscribe(broadcast.TopicPathRefreshRequested, c.onRefreshRequested)
		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			unsubInvalidated()
			unsubAck()
			return
		}
		c.unsubs = append(c.unsubs, unsubInvalidated, unsubAck)
		c.mu.Unlock()
	}

	c.trigger(TriggerMount)
	if c.consumeStale(path) {
		c.schedule(TriggerStale, c.staleDelays...)
	}
}

// Navigate moves the controller to path. Refetches still scheduled for the
// previous path are dropped. After the navigation settles the data is
// refetched; a pending stale marker for the new path widens that into
// staggered refetches.
func (c *Controller) Navigate(path string) {
	c.mu.Lock()
	if !c.mounted || c.disposed || path == c.path {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.path = path
	c.logger = c.logger.With().Str("path", path).Logger()
	c.mu.Unlock()

	if c.consumeStale(path) {
		c.schedule(TriggerStale, c.staleDelays...)
		return
	}
	c.schedule(TriggerNavigate, c.settleDelay)
}

// SetDependencies records the consumer's dependency list and refetches when
// any element differs from the previous call. The first call only records.
func (c *Controller) SetDependencies(deps ...any) {
	c.mu.Lock()
	changed := c.hasDeps && !sameDeps(c.deps, deps)
	c.deps = append(c.deps[:0:0], deps...)
	c.hasDeps = true
	c.mu.Unlock()

	if changed {
		c.trigger(TriggerDependency)
	}
}

// SetVisible records the surface's visibility. Becoming visible refetches.
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	became := visible && !c.visible
	c.visible = visible
	c.mu.Unlock()

	if became {
		c.trigger(TriggerFocus)
	}
}

// Focus refetches because the surface regained focus.
func (c *Controller) Focus() {
	c.trigger(TriggerFocus)
}

// Dispose turns every trigger into a no-op and cancels scheduled refetches.
// A fetch already running completes.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.stopTimersLocked()
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// Wait blocks until no fetch is running.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Path returns the controller's current path.
func (c *Controller) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// State returns the current fetch state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) onInvalidated(ev broadcast.Event) {
	if !ev.Matches(c.Path()) {
		return
	}
	c.trigger(TriggerBroadcast)
}

// onRefreshRequested handles the completion acknowledgment for a write: the
// staggered guesses are no longer needed.
func (c *Controller) onRefreshRequested(ev broadcast.Event) {
	if !ev.Matches(c.Path()) {
		return
	}
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
	c.trigger(TriggerAck)
}

func (c *Controller) consumeStale(path string) bool {
	return c.markers != nil && c.markers.ConsumeStale(path)
}

func (c *Controller) schedule(trigger Trigger, delays ...time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	for _, d := range delays {
		c.timers = append(c.timers, time.AfterFunc(d, func() { c.trigger(trigger) }))
	}
}

func (c *Controller) stopTimersLocked() {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}

// trigger starts a fetch, or marks a follow-up if one is already running.
func (c *Controller) trigger(trigger Trigger) {
	c.mu.Lock()
	if !c.mounted || c.disposed || c.fetch == nil {
		c.mu.Unlock()
		return
	}
	if c.state == StateFetching {
		c.rerun = trigger
		c.mu.Unlock()
		return
	}
	c.state = StateFetching
	c.inflight.Add(1)
	ctx := c.ctx
	c.mu.Unlock()

	go c.run(ctx, trigger)
}

func (c *Controller) run(ctx context.Context, trigger Trigger) {
	defer c.inflight.Done()

	for {
		err := c.fetch(ctx)
		c.record(trigger, err)

		c.mu.Lock()
		next := c.rerun
		c.rerun = ""
		if next == "" || c.disposed {
			c.state = StateIdle
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		trigger = next
	}
}

func (c *Controller) record(trigger Trigger, err error) {
	c.mu.Lock()
	logger := c.logger
	c.mu.Unlock()

	switch {
	case err == nil:
		c.metrics.RecordViewFetch(string(trigger), "ok")
		logger.Trace().Str("trigger", string(trigger)).Msg("fetched")
	case perrors.IsConnectivity(err):
		c.metrics.RecordViewFetch(string(trigger), "unreachable")
		logger.Debug().Err(err).Str("trigger", string(trigger)).Msg("fetch skipped, backend unreachable")
	default:
		c.metrics.RecordViewFetch(string(trigger), "error")
		logger.Warn().Err(err).Str("trigger", string(trigger)).Msg("fetch failed")
	}
}

package view

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/dashsync/internal/broadcast"
	perrors "github.com/p-blackswan/dashsync/internal/errors"
)

type counter struct {
	n   atomic.Int32
	err error
}

func (c *counter) fetch(context.Context) error {
	c.n.Add(1)
	return c.err
}

func (c *counter) count() int32 { return c.n.Load() }

type fixture struct {
	bus     *broadcast.Broadcaster
	markers *broadcast.StaleMarkers
}

func newFixture() *fixture {
	return &fixture{
		bus:     broadcast.New(nil, zerolog.Nop()),
		markers: broadcast.NewStaleMarkers(),
	}
}

func (f *fixture) controller(t *testing.T, path string, fetch FetchFunc, mutate ...func(*Options)) *Controller {
	t.Helper()
	opts := Options{
		Path:        path,
		Fetch:       fetch,
		Bus:         f.bus,
		Markers:     f.markers,
		SettleDelay: 20 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c := New(opts, zerolog.Nop())
	t.Cleanup(func() {
		c.Dispose()
		c.Wait()
	})
	return c
}

func settle(t *testing.T, c *Controller, want int32, got func() int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return got() == want && c.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestController_MountFetchesOnce(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	c := f.controller(t, "/campaigns", cnt.fetch)

	c.Mount(context.Background())
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), cnt.count())
}

func TestController_StaleMarkerOnMountFetchesTwiceWithinASecond(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	f.markers.MarkStale("/campaigns")
	c := f.controller(t, "/campaigns", cnt.fetch)

	start := time.Now()
	c.Mount(context.Background())

	require.Eventually(t, func() bool { return cnt.count() >= 2 }, 1200*time.Millisecond, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 1200*time.Millisecond)
	assert.False(t, f.markers.IsStale("/campaigns"), "marker is consumed by the mount")
}

func TestController_UnscopedBroadcastRefetchesEveryone(t *testing.T) {
	f := newFixture()
	paths := []string{"/campaigns", "/settings", "/analytics"}
	counters := make([]*counter, len(paths))
	ctrls := make([]*Controller, len(paths))
	for i, p := range paths {
		counters[i] = &counter{}
		ctrls[i] = f.controller(t, p, counters[i].fetch)
		ctrls[i].Mount(context.Background())
		settle(t, ctrls[i], 1, counters[i].count)
	}

	_, err := f.bus.Publish(broadcast.TopicCacheInvalidated, "")
	require.NoError(t, err)

	for i := range paths {
		settle(t, ctrls[i], 2, counters[i].count)
	}
}

func TestController_ScopedBroadcastRefetchesOnlyMatchingPath(t *testing.T) {
	f := newFixture()
	settingsA, settingsB, campaigns := &counter{}, &counter{}, &counter{}
	a := f.controller(t, "/settings", settingsA.fetch)
	b := f.controller(t, "/settings", settingsB.fetch)
	c := f.controller(t, "/campaigns", campaigns.fetch)
	for _, ctrl := range []*Controller{a, b, c} {
		ctrl.Mount(context.Background())
	}
	settle(t, a, 1, settingsA.count)
	settle(t, b, 1, settingsB.count)
	settle(t, c, 1, campaigns.count)

	_, err := f.bus.Publish(broadcast.TopicCacheInvalidated, "/settings")
	require.NoError(t, err)

	settle(t, a, 2, settingsA.count)
	settle(t, b, 2, settingsB.count)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), campaigns.count())
}

func TestController_NavigateRefetchesAfterSettle(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	c := f.controller(t, "/campaigns", cnt.fetch)
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	c.Navigate("/campaigns")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), cnt.count(), "same path is not a change")

	c.Navigate("/campaigns/42")
	assert.Equal(t, "/campaigns/42", c.Path())
	settle(t, c, 2, cnt.count)
}

func TestController_NavigateToStalePathFetchesTwice(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	c := f.controller(t, "/campaigns", cnt.fetch, func(o *Options) {
		o.StaleDelays = []time.Duration{20 * time.Millisecond, 80 * time.Millisecond}
	})
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	f.markers.MarkStale("/reports")
	c.Navigate("/reports")
	settle(t, c, 3, cnt.count)
	assert.False(t, f.markers.IsStale("/reports"))
}

func TestController_DependencyChange(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	c := f.controller(t, "/analytics", cnt.fetch)
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	filters := []string{"facebook"}
	c.SetDependencies("7d", filters)
	c.SetDependencies("7d", filters)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), cnt.count())

	c.SetDependencies("30d", filters)
	settle(t, c, 2, cnt.count)

	c.SetDependencies("30d", []string{"facebook"})
	settle(t, c, 3, cnt.count)
}

func TestController_Visibility(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	c := f.controller(t, "/campaigns", cnt.fetch)
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	c.SetVisible(true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), cnt.count(), "already visible")

	c.SetVisible(false)
	c.SetVisible(true)
	settle(t, c, 2, cnt.count)

	c.Focus()
	settle(t, c, 3, cnt.count)
}

func TestController_ErrorsAreSwallowed(t *testing.T) {
	f := newFixture()
	cnt := &counter{err: perrors.Unreachable("http://localhost:5000/api", errors.New("connection refused"))}
	c := f.controller(t, "/campaigns", cnt.fetch)
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	cnt.err = errors.New("boom")
	c.Focus()
	settle(t, c, 2, cnt.count)
}

func TestController_AckCancelsStaggeredRefetches(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	f.markers.MarkStale("/reports")
	c := f.controller(t, "/reports", cnt.fetch, func(o *Options) {
		o.StaleDelays = []time.Duration{150 * time.Millisecond, 300 * time.Millisecond}
	})
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	_, err := f.bus.Publish(broadcast.TopicPathRefreshRequested, "/reports")
	require.NoError(t, err)
	settle(t, c, 2, cnt.count)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(2), cnt.count())
}

func TestController_AckForOtherPathIgnored(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	c := f.controller(t, "/reports", cnt.fetch)
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	_, err := f.bus.Publish(broadcast.TopicPathRefreshRequested, "/settings")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), cnt.count())
}

func TestController_CoalescesTriggersWhileFetching(t *testing.T) {
	f := newFixture()
	release := make(chan struct{})
	var n atomic.Int32
	c := f.controller(t, "/campaigns", func(context.Context) error {
		if n.Add(1) == 1 {
			<-release
		}
		return nil
	})
	c.Mount(context.Background())
	require.Eventually(t, func() bool { return c.State() == StateFetching }, time.Second, time.Millisecond)

	c.Focus()
	c.Focus()
	c.Focus()
	close(release)

	settle(t, c, 2, n.Load)
}

func TestController_DisposeLetsInflightFetchFinish(t *testing.T) {
	f := newFixture()
	release := make(chan struct{})
	var finished atomic.Bool
	var n atomic.Int32
	c := f.controller(t, "/campaigns", func(ctx context.Context) error {
		n.Add(1)
		<-release
		finished.Store(true)
		return nil
	})
	c.Mount(context.Background())
	require.Eventually(t, func() bool { return c.State() == StateFetching }, time.Second, time.Millisecond)

	c.Dispose()
	c.Focus()
	_, err := f.bus.Publish(broadcast.TopicCacheInvalidated, "")
	require.NoError(t, err)
	assert.Equal(t, 0, f.bus.Subscribers(broadcast.TopicCacheInvalidated))

	close(release)
	c.Wait()
	assert.True(t, finished.Load())
	assert.Equal(t, int32(1), n.Load())
	assert.Equal(t, StateIdle, c.State())
}

func TestController_TriggersBeforeMountAreIgnored(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	c := f.controller(t, "/campaigns", cnt.fetch)

	c.Focus()
	c.Navigate("/settings")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), cnt.count())
	assert.Equal(t, "/campaigns", c.Path())
}

func TestRouter_MovesAttachedControllers(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	c := f.controller(t, "/campaigns", cnt.fetch)
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	r := NewRouter("/campaigns")
	detach := r.Attach(c)
	r.Navigate("/login")
	assert.Equal(t, "/login", r.CurrentPath())
	assert.Equal(t, "/login", c.Path())
	settle(t, c, 2, cnt.count)

	detach()
	r.Navigate("/campaigns")
	assert.Equal(t, "/login", c.Path())
}

func TestController_NavigateDropsTimersOfPreviousPath(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	f.markers.MarkStale("/campaigns")
	c := f.controller(t, "/campaigns", cnt.fetch, func(o *Options) {
		o.StaleDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	})
	c.Mount(context.Background())
	settle(t, c, 1, cnt.count)

	c.Navigate("/settings")
	settle(t, c, 2, cnt.count)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(2), cnt.count(), "stale refetches scheduled for /campaigns must not fire on /settings")
}

// disposingBus disposes the controller while it is subscribing.
type disposingBus struct {
	inner *broadcast.Broadcaster
	ctrl  *Controller
}

func (b *disposingBus) Subscribe(topic broadcast.Topic, h broadcast.Handler) func() {
	unsub := b.inner.Subscribe(topic, h)
	b.ctrl.Dispose()
	return unsub
}

func TestController_DisposeDuringMountLeavesNoSubscriptions(t *testing.T) {
	f := newFixture()
	cnt := &counter{}
	bus := &disposingBus{inner: f.bus}
	c := f.controller(t, "/campaigns", cnt.fetch, func(o *Options) { o.Bus = bus })
	bus.ctrl = c

	c.Mount(context.Background())
	c.Wait()

	assert.Equal(t, 0, f.bus.Subscribers(broadcast.TopicCacheInvalidated))
	assert.Equal(t, 0, f.bus.Subscribers(broadcast.TopicPathRefreshRequested))
	assert.Equal(t, int32(0), cnt.count())
}

package hub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropool/entropool/engine/hub"
	"github.com/entropool/entropool/engine/registry"
	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module/irrecoverable"
	"github.com/entropool/entropool/module/metrics"
	"github.com/entropool/entropool/storage"
	"github.com/entropool/entropool/utils/unittest"
)

// fakeUpdates hands out scripted subscriptions and records how often the hub
// had to subscribe.
type fakeUpdates struct {
	mu         sync.Mutex
	failures   int
	subscribes int
	subs       []*fakeSubscription
}

var _ storage.Updates = (*fakeUpdates)(nil)

func (f *fakeUpdates) Publish(_ context.Context, _ *entropy.ChangeEvent) error {
	return nil
}

func (f *fakeUpdates) Subscribe(_ context.Context) (storage.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribes <= f.failures {
		return nil, storage.ErrUnavailable
	}
	sub := &fakeSubscription{events: make(chan *entropy.ChangeEvent, 16)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeUpdates) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeUpdates) latest() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeSubscription struct {
	events chan *entropy.ChangeEvent
	mu     sync.Mutex
	err    error
	once   sync.Once
}

func (s *fakeSubscription) Events() <-chan *entropy.ChangeEvent {
	return s.events
}

func (s *fakeSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSubscription) Cancel() {
	s.once.Do(func() { close(s.events) })
}

func (s *fakeSubscription) emit(version uint64) {
	s.events <- &entropy.ChangeEvent{
		State: entropy.State{Version: version, Payload: "p", UpdatedAt: time.Now().UTC()},
	}
}

func (s *fakeSubscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.events) })
}

// fakeStateSource is a scriptable stand-in for the state repository.
type fakeStateSource struct {
	mu       sync.Mutex
	state    *entropy.State
	stale    bool
	observed []uint64
}

var _ hub.StateSource = (*fakeStateSource)(nil)

func (f *fakeStateSource) CurrentState(_ context.Context) (*entropy.State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return nil, false, storage.ErrUnavailable
	}
	return f.state, f.stale, nil
}

func (f *fakeStateSource) Observe(state *entropy.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, state.Version)
}

func (f *fakeStateSource) observedVersions() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.observed...)
}

func newHub(t *testing.T, reg *registry.Registry, source *fakeStateSource, updates *fakeUpdates, opts ...hub.Option) *hub.Hub {
	opts = append([]hub.Option{hub.WithResubscribeDelays(time.Millisecond, 10*time.Millisecond)}, opts...)
	h, err := hub.New(unittest.Logger(), metrics.NewNoopCollector(), reg, source, updates, opts...)
	require.NoError(t, err)
	return h
}

func startHub(t *testing.T, h *hub.Hub) context.CancelFunc {
	ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(t, context.Background())
	h.Start(ctx)
	unittest.RequireCloseBefore(t, h.Ready(), time.Second, "hub should start")
	return func() {
		cancel()
		unittest.RequireCloseBefore(t, h.Done(), time.Second, "hub should stop")
	}
}

func waitForSubscription(t *testing.T, updates *fakeUpdates) *fakeSubscription {
	require.Eventually(t, func() bool {
		return updates.latest() != nil
	}, time.Second, time.Millisecond, "hub should subscribe")
	return updates.latest()
}

func expectState(t *testing.T, conn *registry.Connection, version uint64) {
	select {
	case got := <-conn.Outbound():
		require.Equal(t, version, got.Version)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for version %d on connection %s", version, conn.ID())
	}
}

func expectNothing(t *testing.T, conn *registry.Connection, wait time.Duration) {
	select {
	case got := <-conn.Outbound():
		t.Fatalf("unexpected delivery of version %d", got.Version)
	case <-time.After(wait):
	}
}

func TestHubRejectsInvalidConfig(t *testing.T) {
	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	_, err := hub.New(unittest.Logger(), metrics.NewNoopCollector(), reg, &fakeStateSource{}, &fakeUpdates{},
		hub.WithSweepInterval(0))
	require.Error(t, err)
}

func TestHubFansOutToAllConnections(t *testing.T) {
	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	connA, err := registry.NewConnection()
	require.NoError(t, err)
	connB, err := registry.NewConnection()
	require.NoError(t, err)
	require.NoError(t, reg.Register(connA))
	require.NoError(t, reg.Register(connB))

	updates := &fakeUpdates{}
	source := &fakeStateSource{state: &entropy.State{Version: 1, Payload: "x"}}
	h := newHub(t, reg, source, updates, hub.WithSweepInterval(time.Hour))

	stop := startHub(t, h)
	defer stop()

	sub := waitForSubscription(t, updates)
	sub.emit(2)

	expectState(t, connA, 2)
	expectState(t, connB, 2)

	require.Eventually(t, func() bool {
		for _, v := range source.observedVersions() {
			if v == 2 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "the event should be folded into the repository cache")
}

func TestHubRetriesInitialSubscribe(t *testing.T) {
	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	conn, err := registry.NewConnection()
	require.NoError(t, err)
	require.NoError(t, reg.Register(conn))

	updates := &fakeUpdates{failures: 3}
	source := &fakeStateSource{state: &entropy.State{Version: 1, Payload: "x"}}
	h := newHub(t, reg, source, updates, hub.WithSweepInterval(time.Hour))

	stop := startHub(t, h)
	defer stop()

	require.Eventually(t, func() bool {
		return updates.subscribeCount() == 4
	}, time.Second, time.Millisecond, "the hub should retry until the store answers")

	waitForSubscription(t, updates).emit(2)
	expectState(t, conn, 2)
}

func TestHubResubscribesAfterFailure(t *testing.T) {
	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	conn, err := registry.NewConnection()
	require.NoError(t, err)
	require.NoError(t, reg.Register(conn))

	updates := &fakeUpdates{}
	source := &fakeStateSource{state: &entropy.State{Version: 1, Payload: "x"}}
	h := newHub(t, reg, source, updates, hub.WithSweepInterval(time.Hour))

	stop := startHub(t, h)
	defer stop()

	sub := waitForSubscription(t, updates)
	sub.emit(2)
	expectState(t, conn, 2)
	conn.MarkDrained()

	sub.fail(storage.ErrUnavailable)
	require.Eventually(t, func() bool {
		return updates.subscribeCount() == 2
	}, time.Second, time.Millisecond, "a failed subscription should be reopened")

	updates.latest().emit(3)
	expectState(t, conn, 3)
}

func TestHubSweepHealsMissedDelivery(t *testing.T) {
	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	behind, err := registry.NewConnection()
	require.NoError(t, err)
	caughtUp, err := registry.NewConnection()
	require.NoError(t, err)
	caughtUp.SeenVersion(5)
	require.NoError(t, reg.Register(behind))
	require.NoError(t, reg.Register(caughtUp))

	updates := &fakeUpdates{}
	source := &fakeStateSource{state: &entropy.State{Version: 5, Payload: "x"}}
	h := newHub(t, reg, source, updates, hub.WithSweepInterval(20*time.Millisecond))

	stop := startHub(t, h)
	defer stop()

	// no event is ever published; only the sweep can deliver
	expectState(t, behind, 5)
	expectNothing(t, caughtUp, 100*time.Millisecond)
}

func TestHubSweepSkipsStaleState(t *testing.T) {
	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	conn, err := registry.NewConnection()
	require.NoError(t, err)
	require.NoError(t, reg.Register(conn))

	updates := &fakeUpdates{}
	source := &fakeStateSource{state: &entropy.State{Version: 5, Payload: "x"}, stale: true}
	h := newHub(t, reg, source, updates, hub.WithSweepInterval(10*time.Millisecond))

	stop := startHub(t, h)
	defer stop()

	// a stale cached state was already fanned out when it was fresh
	expectNothing(t, conn, 100*time.Millisecond)
}

func TestHubEvictsSlowConsumer(t *testing.T) {
	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	slow, err := registry.NewConnection(registry.WithGracePeriod(0))
	require.NoError(t, err)
	fast, err := registry.NewConnection()
	require.NoError(t, err)
	require.NoError(t, reg.Register(slow))
	require.NoError(t, reg.Register(fast))

	updates := &fakeUpdates{}
	source := &fakeStateSource{state: &entropy.State{Version: 1, Payload: "x"}}
	h := newHub(t, reg, source, updates, hub.WithSweepInterval(time.Hour))

	stop := startHub(t, h)
	defer stop()

	sub := waitForSubscription(t, updates)

	// the slow consumer never drains; the fast one keeps up throughout
	sub.emit(2)
	expectState(t, fast, 2)
	fast.MarkDrained()

	sub.emit(3)
	expectState(t, fast, 3)
	fast.MarkDrained()
	require.Eventually(t, func() bool {
		return slow.Liveness() == registry.LivenessSuspect
	}, time.Second, time.Millisecond, "the first missed cycle should mark the consumer suspect")

	sub.emit(4)
	expectState(t, fast, 4)

	unittest.RequireCloseBefore(t, slow.Done(), time.Second, "the second missed cycle should evict")
	assert.Equal(t, registry.CloseReasonSlowConsumer, slow.CloseReason())
	require.Eventually(t, func() bool {
		return reg.Size() == 1
	}, time.Second, time.Millisecond, "the evicted connection should be unregistered")
}

func TestHubShutdownCancelsSubscription(t *testing.T) {
	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	updates := &fakeUpdates{}
	source := &fakeStateSource{state: &entropy.State{Version: 1, Payload: "x"}}
	h := newHub(t, reg, source, updates, hub.WithSweepInterval(time.Hour))

	stop := startHub(t, h)
	sub := waitForSubscription(t, updates)
	stop()

	select {
	case _, ok := <-sub.events:
		assert.False(t, ok, "the subscription should be cancelled on shutdown")
	case <-time.After(time.Second):
		t.Fatal("the subscription was not cancelled on shutdown")
	}
}

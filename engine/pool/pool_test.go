package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropool/entropool/engine/pool"
	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module/metrics"
	"github.com/entropool/entropool/module/trace"
	"github.com/entropool/entropool/storage"
	"github.com/entropool/entropool/utils/unittest"
)

// fakeStore is an in-memory stand-in for the shared store with injectable
// failures, so tests can provoke version conflicts and outages on demand.
type fakeStore struct {
	mu          sync.Mutex
	state       *entropy.State
	unavailable bool

	retrieves int
	swaps     int
	published []*entropy.ChangeEvent

	// beforeSwap runs under the lock before the version check, letting a
	// test interleave a competing writer.
	beforeSwap func()
}

var _ storage.States = (*fakeStore)(nil)
var _ storage.Updates = (*fakeStore)(nil)

func (f *fakeStore) Retrieve(_ context.Context) (*entropy.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieves++
	if f.unavailable {
		return nil, storage.ErrUnavailable
	}
	if f.state == nil {
		return nil, storage.ErrNotFound
	}
	return f.state.Copy(), nil
}

func (f *fakeStore) CompareAndSwap(_ context.Context, expectedVersion uint64, next *entropy.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swaps++
	if f.unavailable {
		return storage.ErrUnavailable
	}
	if f.beforeSwap != nil {
		f.beforeSwap()
	}
	current := entropy.UnsetVersion
	if f.state != nil {
		current = f.state.Version
	}
	if current != expectedVersion {
		return storage.ErrVersionConflict
	}
	f.state = next.Copy()
	return nil
}

func (f *fakeStore) Publish(_ context.Context, event *entropy.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return storage.ErrUnavailable
	}
	f.published = append(f.published, event)
	return nil
}

func (f *fakeStore) Subscribe(_ context.Context) (storage.Subscription, error) {
	return nil, storage.ErrUnavailable
}

func (f *fakeStore) setUnavailable(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = down
}

func newPool(t *testing.T, store *fakeStore, opts ...pool.Option) *pool.Pool {
	mixer, err := entropy.NewMixer(entropy.DefaultMaxPayloadBytes, entropy.DefaultMaxContributionBytes)
	require.NoError(t, err)

	opts = append([]pool.Option{pool.WithRetryBaseDelay(time.Millisecond)}, opts...)
	p, err := pool.New(unittest.Logger(), metrics.NewNoopCollector(), trace.NewNoopTracer(), store, store, mixer, opts...)
	require.NoError(t, err)
	return p
}

func TestBootstrapCreatesGenesis(t *testing.T) {
	store := &fakeStore{}
	p := newPool(t, store)

	state, err := p.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Version)
	assert.Len(t, state.Payload, 64, "genesis payload must be 32 bytes of hex encoded entropy")
}

func TestBootstrapAdoptsExistingState(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 7, Payload: "existing"}}
	p := newPool(t, store)

	state, err := p.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), state.Version)
	assert.Equal(t, "existing", state.Payload)
	assert.Zero(t, store.swaps, "an existing pool must not be overwritten")
}

func TestBootstrapLosesGenesisRace(t *testing.T) {
	store := &fakeStore{}
	// another instance creates the pool between our read and our write
	store.beforeSwap = func() {
		if store.state == nil {
			store.state = &entropy.State{Version: 1, Payload: "theirs", UpdatedAt: time.Now().UTC()}
		}
	}
	p := newPool(t, store)

	state, err := p.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Version)
	assert.Equal(t, "theirs", state.Payload, "the race loser must adopt the winner's state")
}

func TestCurrentStateReadsThrough(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 3, Payload: "abc"}}
	p := newPool(t, store)

	state, stale, err := p.CurrentState(context.Background())
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, uint64(3), state.Version)
}

func TestCurrentStateFallsBackToCache(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 3, Payload: "abc"}}
	p := newPool(t, store)

	_, _, err := p.CurrentState(context.Background())
	require.NoError(t, err)

	store.setUnavailable(true)

	state, stale, err := p.CurrentState(context.Background())
	require.NoError(t, err)
	assert.True(t, stale, "a cached copy served during an outage must be flagged stale")
	assert.Equal(t, uint64(3), state.Version)
}

func TestCurrentStateUnavailableWithoutCache(t *testing.T) {
	store := &fakeStore{unavailable: true}
	p := newPool(t, store)

	_, _, err := p.CurrentState(context.Background())
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestApplyContribution(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 1, Payload: "x"}}
	p := newPool(t, store)

	next, err := p.ApplyContribution(context.Background(), entropy.Contribution{Payload: "y"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Version)
	assert.Equal(t, "xy", next.Payload)

	require.Len(t, store.published, 1, "every accepted contribution publishes exactly one change event")
	assert.Equal(t, uint64(2), store.published[0].State.Version)
}

func TestApplyContributionRejectsInvalid(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 1, Payload: "x"}}
	p := newPool(t, store)

	_, err := p.ApplyContribution(context.Background(), entropy.Contribution{Payload: ""})
	require.True(t, entropy.IsInvalidContributionError(err))
	assert.Zero(t, store.swaps, "invalid contributions must be rejected before any write")
}

func TestApplyContributionRetriesOnConflict(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 1, Payload: "x"}}
	// a competing writer wins the first two races
	store.beforeSwap = func() {
		if store.swaps <= 2 {
			store.state = &entropy.State{
				Version:   store.state.Version + 1,
				Payload:   store.state.Payload + "z",
				UpdatedAt: time.Now().UTC(),
			}
		}
	}
	p := newPool(t, store)

	next, err := p.ApplyContribution(context.Background(), entropy.Contribution{Payload: "y"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Version, "two lost races advance the version twice before our write")
	assert.Equal(t, "xzzy", next.Payload, "the contribution must land on the freshest payload")
	assert.Equal(t, 3, store.swaps)
}

func TestApplyContributionContention(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 1, Payload: "x"}}
	// a competing writer wins every race
	store.beforeSwap = func() {
		store.state = &entropy.State{
			Version:   store.state.Version + 1,
			Payload:   store.state.Payload,
			UpdatedAt: time.Now().UTC(),
		}
	}
	p := newPool(t, store, pool.WithMaxRetries(3))

	_, err := p.ApplyContribution(context.Background(), entropy.Contribution{Payload: "y"})
	require.ErrorIs(t, err, entropy.ErrContention)
	assert.Equal(t, 4, store.swaps, "three retries make four attempts in total")
	assert.Empty(t, store.published, "a rejected contribution must not publish")
}

func TestApplyContributionStoreDown(t *testing.T) {
	store := &fakeStore{unavailable: true}
	p := newPool(t, store)

	_, err := p.ApplyContribution(context.Background(), entropy.Contribution{Payload: "y"})
	require.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestApplyContributionBootstrapsEmptyPool(t *testing.T) {
	store := &fakeStore{}
	p := newPool(t, store)

	next, err := p.ApplyContribution(context.Background(), entropy.Contribution{Payload: "y"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Version, "the write lands on top of a freshly created genesis")
	assert.Equal(t, "y", next.Payload[len(next.Payload)-1:])
}

func TestHistoryOrdered(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 1, Payload: "a"}}
	p := newPool(t, store)

	ctx := context.Background()
	for _, payload := range []string{"b", "c", "d"} {
		_, err := p.ApplyContribution(ctx, entropy.Contribution{Payload: payload})
		require.NoError(t, err)
	}

	history := p.History()
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.Less(t, history[i-1].Version, history[i].Version)
	}
}

func TestHistoryBounded(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 1, Payload: "a"}}
	p := newPool(t, store, pool.WithHistorySize(2))

	ctx := context.Background()
	for _, payload := range []string{"b", "c", "d"} {
		_, err := p.ApplyContribution(ctx, entropy.Contribution{Payload: payload})
		require.NoError(t, err)
	}

	history := p.History()
	require.Len(t, history, 2)
	assert.Equal(t, uint64(3), history[0].Version)
	assert.Equal(t, uint64(4), history[1].Version)
}

func TestObserveIgnoresStaleStates(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 5, Payload: "fresh"}}
	p := newPool(t, store)

	_, _, err := p.CurrentState(context.Background())
	require.NoError(t, err)

	// a late event for an older version must not regress the cache
	p.Observe(&entropy.State{Version: 3, Payload: "stale"})

	store.setUnavailable(true)
	state, stale, err := p.CurrentState(context.Background())
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, uint64(5), state.Version)
}

func TestConcurrentAppliersLoseNoUpdate(t *testing.T) {
	store := &fakeStore{state: &entropy.State{Version: 1, Payload: "."}}
	p := newPool(t, store, pool.WithMaxRetries(100))

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := p.ApplyContribution(context.Background(), entropy.Contribution{Payload: "w"})
			assert.NoError(t, err)
		}()
	}
	unittest.RequireReturnsBefore(t, wg.Wait, 10*time.Second, "writers should finish")

	state, _, err := p.CurrentState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1+writers), state.Version, "every accepted write must advance the version exactly once")
	assert.Len(t, state.Payload, 1+writers)
}

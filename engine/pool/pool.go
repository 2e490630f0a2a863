// Package pool implements the state repository: the one place in this
// process that reads and advances the shared entropy pool. Writes go through
// an optimistic compare-and-swap loop against the store; reads fall back to
// the last locally observed copy when the store is unreachable.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/exp/slices"

	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/module/metrics"
	"github.com/entropool/entropool/module/trace"
	"github.com/entropool/entropool/storage"
	"github.com/entropool/entropool/utils/rand"
)

const (
	// DefaultRetryBaseDelay is the first backoff step of the write retry
	// loop. Conflicts resolve in a round trip, so the first retry is quick.
	DefaultRetryBaseDelay = 20 * time.Millisecond

	// DefaultRetryJitterPercent spreads concurrent retriers so they do not
	// collide on the same version again.
	DefaultRetryJitterPercent = 25

	// DefaultMaxRetries bounds the write retry loop. Once exhausted the
	// contribution is rejected with entropy.ErrContention.
	DefaultMaxRetries = 5

	// DefaultHistorySize is the number of recently observed states kept for
	// the diagnostics endpoint.
	DefaultHistorySize = 32

	// genesisSeedBytes is the amount of server entropy seeding a fresh pool.
	genesisSeedBytes = 32
)

// Pool is the state repository. It is safe for concurrent use; all methods
// may be called from any goroutine.
type Pool struct {
	log     zerolog.Logger
	metrics module.PoolMetrics
	tracer  module.Tracer
	states  storage.States
	updates storage.Updates
	mixer   *entropy.Mixer

	retryBaseDelay time.Duration
	maxRetries     uint64
	historySize    int

	mu      sync.RWMutex
	latest  *entropy.State
	history *lru.Cache
}

// Option customizes a Pool created with New.
type Option func(*Pool)

// WithRetryBaseDelay overrides the first backoff step of the write retry loop.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(p *Pool) {
		p.retryBaseDelay = delay
	}
}

// WithMaxRetries overrides how often a conflicting write is retried before
// the contribution is rejected.
func WithMaxRetries(retries uint64) Option {
	return func(p *Pool) {
		p.maxRetries = retries
	}
}

// WithHistorySize overrides the size of the diagnostics history ring.
func WithHistorySize(size int) Option {
	return func(p *Pool) {
		p.historySize = size
	}
}

// New creates a state repository reading and writing through the given store.
func New(
	log zerolog.Logger,
	poolMetrics module.PoolMetrics,
	tracer module.Tracer,
	states storage.States,
	updates storage.Updates,
	mixer *entropy.Mixer,
	opts ...Option,
) (*Pool, error) {
	p := &Pool{
		log:            log.With().Str("component", "pool").Logger(),
		metrics:        poolMetrics,
		tracer:         tracer,
		states:         states,
		updates:        updates,
		mixer:          mixer,
		retryBaseDelay: DefaultRetryBaseDelay,
		maxRetries:     DefaultMaxRetries,
		historySize:    DefaultHistorySize,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.retryBaseDelay <= 0 {
		return nil, fmt.Errorf("retry base delay must be positive, got %v", p.retryBaseDelay)
	}
	history, err := lru.New(p.historySize)
	if err != nil {
		return nil, fmt.Errorf("could not create history ring: %w", err)
	}
	p.history = history

	return p, nil
}

// Bootstrap makes sure the pool exists in the store, creating the genesis
// state from fresh server entropy if it does not. Every instance calls this
// on startup; losing the creation race to another instance is not an error.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (p *Pool) Bootstrap(ctx context.Context) (*entropy.State, error) {
	span, ctx := p.tracer.StartSpanFromContext(ctx, trace.PoolBootstrap)
	defer span.End()

	state, err := p.states.Retrieve(ctx)
	if err == nil {
		p.observe(state)
		return state, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("could not check for existing state: %w", err)
	}

	return p.createGenesis(ctx)
}

// CurrentState returns the latest pool state. It prefers a fresh read from
// the store; when the store is unreachable it returns the last state this
// instance observed, flagged as stale. It never fabricates state: with the
// store down and nothing observed yet, it fails.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached and no state was
//     ever observed
func (p *Pool) CurrentState(ctx context.Context) (*entropy.State, bool, error) {
	span, ctx := p.tracer.StartSpanFromContext(ctx, trace.PoolCurrentState)
	defer span.End()

	state, err := p.states.Retrieve(ctx)
	switch {
	case err == nil:
		p.observe(state)
		return state, false, nil

	case errors.Is(err, storage.ErrNotFound):
		// the pool vanished from the store, e.g. after a flush; recreate it
		state, err = p.createGenesis(ctx)
		if err != nil {
			return nil, false, err
		}
		return state, false, nil

	case errors.Is(err, storage.ErrUnavailable):
		if cached := p.cachedState(); cached != nil {
			return cached, true, nil
		}
		return nil, false, fmt.Errorf("store unreachable with no cached state: %w", err)

	default:
		return nil, false, fmt.Errorf("could not retrieve current state: %w", err)
	}
}

// ApplyContribution validates the contribution and folds it into the pool
// with a bounded optimistic write loop: read the current state, compute the
// successor, compare-and-swap. A version conflict means another writer got
// in between; the loop re-reads and retries with jittered backoff until the
// attempt budget runs out.
//
// On success the new state is returned and a change event is published.
// Publishing is best effort: subscribers that miss the event are healed by
// the broadcast hub's reconciliation sweep.
//
// Expected errors during normal operations:
//   - entropy.InvalidContributionError if the contribution fails validation
//   - entropy.ErrContention if every attempt lost its version race
//   - storage.ErrUnavailable if the store cannot be reached
func (p *Pool) ApplyContribution(ctx context.Context, c entropy.Contribution) (*entropy.State, error) {
	span, ctx := p.tracer.StartSpanFromContext(ctx, trace.PoolApplyContribution)
	defer span.End()

	err := p.mixer.Validate(c)
	if err != nil {
		p.metrics.ContributionRejected(metrics.ReasonInvalid)
		return nil, err
	}

	backoff, err := retry.NewExponential(p.retryBaseDelay)
	if err != nil {
		return nil, fmt.Errorf("could not create retry backoff: %w", err)
	}
	backoff = retry.WithJitterPercent(DefaultRetryJitterPercent, backoff)
	backoff = retry.WithMaxRetries(p.maxRetries, backoff)

	var next *entropy.State
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		cur, err := p.states.Retrieve(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			cur, err = p.createGenesis(ctx)
		}
		if err != nil {
			return err
		}

		candidate := p.mixer.Next(cur, c, time.Now().UTC())
		err = p.states.CompareAndSwap(ctx, cur.Version, candidate)
		if errors.Is(err, storage.ErrVersionConflict) {
			p.metrics.WriteConflict()
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}

		next = candidate
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			p.metrics.ContributionRejected(metrics.ReasonContention)
			p.log.Debug().
				Uint64("max_retries", p.maxRetries).
				Msg("contribution lost every version race")
			return nil, entropy.ErrContention
		case errors.Is(err, storage.ErrUnavailable):
			p.metrics.ContributionRejected(metrics.ReasonUnavailable)
			return nil, fmt.Errorf("could not apply contribution: %w", err)
		default:
			return nil, fmt.Errorf("could not apply contribution: %w", err)
		}
	}

	p.observe(next)
	p.metrics.ContributionAccepted()

	err = p.updates.Publish(ctx, &entropy.ChangeEvent{State: *next})
	if err != nil {
		p.log.Warn().Err(err).
			Uint64("version", next.Version).
			Msg("could not publish change event")
	}

	return next, nil
}

// Observe records a state learned outside this repository, typically from a
// change event published by another instance. Stale observations never
// regress the cached latest state.
func (p *Pool) Observe(state *entropy.State) {
	if state == nil {
		return
	}
	p.observe(state)
}

// History returns the recently observed states, oldest first. This is a
// diagnostics view over a bounded ring; old entries are evicted.
func (p *Pool) History() []*entropy.State {
	keys := p.history.Keys()
	states := make([]*entropy.State, 0, len(keys))
	for _, key := range keys {
		if cached, ok := p.history.Peek(key); ok {
			states = append(states, cached.(*entropy.State))
		}
	}
	slices.SortFunc(states, func(a, b *entropy.State) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		default:
			return 0
		}
	})
	return states
}

// createGenesis seeds the pool and stores it at the unset version, so that
// exactly one instance can ever create version 1. The loser of the race
// adopts the winner's state.
func (p *Pool) createGenesis(ctx context.Context) (*entropy.State, error) {
	seed, err := rand.HexString(genesisSeedBytes)
	if err != nil {
		return nil, fmt.Errorf("could not generate genesis seed: %w", err)
	}

	genesis := entropy.Genesis(seed, time.Now().UTC())
	err = p.states.CompareAndSwap(ctx, entropy.UnsetVersion, genesis)
	if errors.Is(err, storage.ErrVersionConflict) {
		state, rerr := p.states.Retrieve(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("could not read state after losing genesis race: %w", rerr)
		}
		p.observe(state)
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not store genesis state: %w", err)
	}

	p.log.Info().Msg("bootstrapped genesis state")
	p.observe(genesis)
	return genesis, nil
}

// observe folds a state into the local cache and history.
func (p *Pool) observe(state *entropy.State) {
	p.history.Add(state.Version, state)

	p.mu.Lock()
	if p.latest != nil && state.Version <= p.latest.Version {
		p.mu.Unlock()
		return
	}
	p.latest = state
	p.mu.Unlock()

	p.metrics.PoolVersion(state.Version)
}

func (p *Pool) cachedState() *entropy.State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

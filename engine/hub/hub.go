// Package hub implements the broadcast hub: the fan-out path between the
// shared store's change event stream and the connections registered on this
// instance. It never blocks on a single consumer and it survives store
// outages by resubscribing and by periodically reconciling every connection
// against the authoritative state.
package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/entropool/entropool/engine/registry"
	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/module/component"
	"github.com/entropool/entropool/module/irrecoverable"
	"github.com/entropool/entropool/storage"
)

const (
	// DefaultSweepInterval is how often every connection is reconciled
	// against the authoritative state. The sweep heals deliveries missed
	// while the store connection was down.
	DefaultSweepInterval = 10 * time.Second

	// defaultResubscribeBaseDelay is the first backoff step after losing
	// the change event subscription.
	defaultResubscribeBaseDelay = 100 * time.Millisecond

	// defaultResubscribeMaxDelay caps the resubscribe backoff so a long
	// outage does not push recovery out indefinitely.
	defaultResubscribeMaxDelay = 10 * time.Second
)

// StateSource is the slice of the state repository the hub needs: the
// authoritative state for reconciliation sweeps, and a sink for states
// learned from change events.
type StateSource interface {
	CurrentState(ctx context.Context) (*entropy.State, bool, error)
	Observe(state *entropy.State)
}

// Hub subscribes to the store's change event stream and fans every event
// out to the registered connections. A second worker sweeps the registry on
// an interval and re-enqueues the current state to connections that fell
// behind. Store-transient failures are retried forever; they never take the
// process down.
type Hub struct {
	*component.ComponentManager
	log      zerolog.Logger
	metrics  module.RegistryMetrics
	registry *registry.Registry
	states   StateSource
	updates  storage.Updates

	sweepInterval        time.Duration
	resubscribeBaseDelay time.Duration
	resubscribeMaxDelay  time.Duration
}

// Option customizes a Hub created with New.
type Option func(*Hub)

// WithSweepInterval overrides how often the reconciliation sweep runs.
func WithSweepInterval(interval time.Duration) Option {
	return func(h *Hub) {
		h.sweepInterval = interval
	}
}

// WithResubscribeDelays overrides the backoff used when the change event
// subscription has to be reopened.
func WithResubscribeDelays(base time.Duration, max time.Duration) Option {
	return func(h *Hub) {
		h.resubscribeBaseDelay = base
		h.resubscribeMaxDelay = max
	}
}

// New creates the broadcast hub. The returned component starts its workers
// on Start and stops them when the parent context is cancelled.
func New(
	log zerolog.Logger,
	registryMetrics module.RegistryMetrics,
	reg *registry.Registry,
	states StateSource,
	updates storage.Updates,
	opts ...Option,
) (*Hub, error) {
	h := &Hub{
		log:                  log.With().Str("component", "hub").Logger(),
		metrics:              registryMetrics,
		registry:             reg,
		states:               states,
		updates:              updates,
		sweepInterval:        DefaultSweepInterval,
		resubscribeBaseDelay: defaultResubscribeBaseDelay,
		resubscribeMaxDelay:  defaultResubscribeMaxDelay,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.sweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %v", h.sweepInterval)
	}
	if h.resubscribeBaseDelay <= 0 {
		return nil, fmt.Errorf("resubscribe base delay must be positive, got %v", h.resubscribeBaseDelay)
	}

	h.ComponentManager = component.NewComponentManagerBuilder().
		AddWorker(h.updateConsumerLoop).
		AddWorker(h.reconciliationLoop).
		Build()

	return h, nil
}

// updateConsumerLoop keeps exactly one live subscription to the change event
// stream and fans out every event it delivers. When the subscription fails
// it is reopened with backoff; events published in between are lost here and
// healed by the reconciliation sweep.
func (h *Hub) updateConsumerLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()

	for {
		sub, err := h.subscribe(ctx)
		if err != nil {
			// the backoff is unbounded, so this only happens on shutdown
			return
		}
		h.consume(ctx, sub)
		if ctx.Err() != nil {
			return
		}
	}
}

// subscribe opens a subscription, retrying with capped backoff until it
// succeeds or the context is cancelled.
func (h *Hub) subscribe(ctx context.Context) (storage.Subscription, error) {
	backoff, err := retry.NewExponential(h.resubscribeBaseDelay)
	if err != nil {
		return nil, fmt.Errorf("could not create retry backoff: %w", err)
	}
	backoff = retry.WithCappedDuration(h.resubscribeMaxDelay, backoff)

	var sub storage.Subscription
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := h.updates.Subscribe(ctx)
		if err != nil {
			h.log.Warn().Err(err).Msg("could not subscribe to change events, retrying")
			return retry.RetryableError(err)
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.log.Info().Msg("subscribed to change events")
	return sub, nil
}

// consume fans out events until the subscription closes or the context is
// cancelled.
func (h *Hub) consume(ctx context.Context, sub storage.Subscription) {
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					h.log.Warn().Err(err).Msg("change event subscription failed, resubscribing")
				}
				return
			}
			h.broadcast(&event.State)
		}
	}
}

// broadcast offers one state to every registered connection.
func (h *Hub) broadcast(state *entropy.State) {
	h.states.Observe(state)
	h.metrics.ChangeEventBroadcast()
	h.registry.ForEach(func(conn *registry.Connection) {
		h.deliver(conn, state)
	})
}

// deliver enqueues the state on one connection and acts on the verdict.
// Eviction closes and unregisters the connection right here so a dead
// consumer cannot keep accumulating queue replacements.
func (h *Hub) deliver(conn *registry.Connection, state *entropy.State) {
	switch result := conn.Enqueue(state); result {
	case registry.EnqueueDelivered:
		h.metrics.StateEnqueued()

	case registry.EnqueueSuperseded:
		h.metrics.StateEnqueued()
		h.metrics.StateSuperseded()

	case registry.EnqueueSuspect:
		h.metrics.StateEnqueued()
		h.metrics.StateSuperseded()
		h.metrics.SlowConsumerSuspected()
		h.log.Debug().
			Str("connection_id", conn.ID()).
			Uint64("version", state.Version).
			Msg("connection missed a delivery cycle")

	case registry.EnqueueEvict:
		h.metrics.SlowConsumerEvicted()
		h.log.Warn().
			Str("connection_id", conn.ID()).
			Uint64("last_seen_version", conn.LastSeenVersion()).
			Msg("evicting slow consumer")
		conn.Close(registry.CloseReasonSlowConsumer)
		h.registry.Unregister(conn.ID())

	case registry.EnqueueStale, registry.EnqueueClosed:
		// nothing to do
	}
}

// reconciliationLoop periodically re-enqueues the authoritative state to
// every connection that has not seen it. Together with the monotonic
// enqueue guard this makes missed deliveries self-healing without ever
// delivering a version twice.
func (h *Hub) reconciliationLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

// sweep runs one reconciliation pass.
func (h *Hub) sweep(ctx context.Context) {
	state, stale, err := h.states.CurrentState(ctx)
	if err != nil {
		if ctx.Err() == nil {
			h.log.Warn().Err(err).Msg("reconciliation sweep could not read state")
		}
		return
	}
	if stale {
		// a cached state was already fanned out when it was fresh
		return
	}

	enqueued := 0
	h.registry.ForEach(func(conn *registry.Connection) {
		if conn.LastSeenVersion() >= state.Version {
			return
		}
		h.deliver(conn, state)
		enqueued++
	})
	h.metrics.ReconciliationSweep(enqueued)

	if enqueued > 0 {
		h.log.Debug().
			Int("connections", enqueued).
			Uint64("version", state.Version).
			Msg("reconciliation sweep re-enqueued state")
	}
}

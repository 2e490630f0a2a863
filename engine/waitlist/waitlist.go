// Package waitlist implements the randomness waitlist: HTTP callers park on
// a shared queue and are handed the next pool state an accepted contribution
// produces. The queue lives in the shared store, so across instances each
// waiter is fulfilled exactly once, by whichever instance pops it first.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/entropool/entropool/engine"
	"github.com/entropool/entropool/engine/common/fifoqueue"
	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/module/component"
	"github.com/entropool/entropool/module/irrecoverable"
	"github.com/entropool/entropool/storage"
)

const (
	// DefaultPendingEventCapacity bounds the buffer between the change
	// event subscription and the fulfiller. Events beyond it are dropped;
	// a dropped event only means the head waiter waits for the next one.
	DefaultPendingEventCapacity = 100

	// removeTimeout bounds the store call that removes an abandoned
	// waiter. The waiter's own context is already done at that point.
	removeTimeout = 2 * time.Second

	defaultResubscribeBaseDelay = 100 * time.Millisecond
	defaultResubscribeMaxDelay  = 10 * time.Second
)

// Service parks waiters and runs the fulfiller. The fulfiller worker
// subscribes to the change event stream and, for every event, pops at most
// one waiter from the shared queue and delivers the new state to it. The pop
// is atomic in the store, so with several instances racing exactly one wins
// each waiter.
type Service struct {
	*component.ComponentManager
	log     zerolog.Logger
	metrics module.WaitlistMetrics
	store   storage.Waitlist
	updates storage.Updates

	pending  *fifoqueue.FifoQueue
	notifier engine.Notifier

	resubscribeBaseDelay time.Duration
	resubscribeMaxDelay  time.Duration
}

// Option customizes a Service created with New.
type Option func(*Service)

// WithResubscribeDelays overrides the backoff used when the change event
// subscription has to be reopened.
func WithResubscribeDelays(base time.Duration, max time.Duration) Option {
	return func(s *Service) {
		s.resubscribeBaseDelay = base
		s.resubscribeMaxDelay = max
	}
}

func New(
	log zerolog.Logger,
	waitlistMetrics module.WaitlistMetrics,
	store storage.Waitlist,
	updates storage.Updates,
	opts ...Option,
) (*Service, error) {
	pending, err := fifoqueue.NewFifoQueue(
		fifoqueue.WithCapacity(DefaultPendingEventCapacity),
		fifoqueue.WithLengthObserver(func(length int) { waitlistMetrics.PendingEvents(length) }),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create pending event queue: %w", err)
	}

	s := &Service{
		log:                  log.With().Str("component", "waitlist").Logger(),
		metrics:              waitlistMetrics,
		store:                store,
		updates:              updates,
		pending:              pending,
		notifier:             engine.NewNotifier(),
		resubscribeBaseDelay: defaultResubscribeBaseDelay,
		resubscribeMaxDelay:  defaultResubscribeMaxDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.resubscribeBaseDelay <= 0 {
		return nil, fmt.Errorf("resubscribe base delay must be positive, got %v", s.resubscribeBaseDelay)
	}

	s.ComponentManager = component.NewComponentManagerBuilder().
		AddWorker(s.updateConsumerLoop).
		AddWorker(s.fulfillerLoop).
		Build()

	return s, nil
}

// Join parks the caller until the next change event fulfills it or ctx ends.
// On success it returns the state that fulfilled the waiter. When the caller
// gives up, its entry is removed from the shared queue so no fulfillment is
// wasted on it.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
//   - ctx.Err() if the caller's deadline expired or it disconnected
func (s *Service) Join(ctx context.Context) (*entropy.State, error) {
	waiterID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("could not generate waiter id: %w", err)
	}
	id := waiterID.String()

	// the delivery channel must be open before the id becomes poppable,
	// otherwise a fulfillment could be published before anyone listens
	fulfillment, err := s.store.Await(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not open fulfillment channel: %w", err)
	}
	defer fulfillment.Cancel()

	err = s.store.Join(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not join waitlist: %w", err)
	}

	s.metrics.WaiterJoined()
	s.log.Debug().Str("waiter_id", id).Msg("waiter joined")

	select {
	case state, ok := <-fulfillment.States():
		if !ok {
			s.abandon(id)
			if err := fulfillment.Err(); err != nil {
				return nil, fmt.Errorf("fulfillment channel failed: %w", err)
			}
			return nil, fmt.Errorf("fulfillment channel closed: %w", storage.ErrUnavailable)
		}
		s.metrics.WaiterFulfilled()
		return state, nil

	case <-ctx.Done():
		s.abandon(id)
		return nil, ctx.Err()
	}
}

// Entries returns the waiter ids currently queued, head first.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Service) Entries(ctx context.Context) ([]string, error) {
	return s.store.Entries(ctx)
}

// abandon removes a waiter that stopped waiting. The waiter's context is
// already done, so the removal runs on its own short deadline.
func (s *Service) abandon(id string) {
	s.metrics.WaiterAbandoned()

	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	err := s.store.Remove(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("waiter_id", id).Msg("could not remove abandoned waiter")
	}
}

// updateConsumerLoop keeps exactly one live subscription to the change event
// stream and buffers every event for the fulfiller. Lost subscriptions are
// reopened with backoff; waiters parked across the gap are served by the
// next event after recovery.
func (s *Service) updateConsumerLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()

	for {
		sub, err := s.subscribe(ctx)
		if err != nil {
			// the backoff is unbounded, so this only happens on shutdown
			return
		}
		s.consume(ctx, sub)
		if ctx.Err() != nil {
			return
		}
	}
}

// subscribe opens a subscription, retrying with capped backoff until it
// succeeds or the context is cancelled.
func (s *Service) subscribe(ctx context.Context) (storage.Subscription, error) {
	backoff, err := retry.NewExponential(s.resubscribeBaseDelay)
	if err != nil {
		return nil, fmt.Errorf("could not create retry backoff: %w", err)
	}
	backoff = retry.WithCappedDuration(s.resubscribeMaxDelay, backoff)

	var sub storage.Subscription
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		sb, err := s.updates.Subscribe(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("could not subscribe to change events, retrying")
			return retry.RetryableError(err)
		}
		sub = sb
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// consume buffers events until the subscription closes or the context is
// cancelled.
func (s *Service) consume(ctx context.Context, sub storage.Subscription) {
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					s.log.Warn().Err(err).Msg("change event subscription failed, resubscribing")
				}
				return
			}
			if s.pending.Push(event.State.Copy()) {
				s.notifier.Notify()
			}
		}
	}
}

// fulfillerLoop drains buffered events. Each event fulfills at most one
// waiter: the head of the shared queue, popped atomically so concurrent
// instances never serve the same waiter twice.
func (s *Service) fulfillerLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notifier.Channel():
			s.processPending(ctx)
		}
	}
}

func (s *Service) processPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		element, ok := s.pending.Pop()
		if !ok {
			return
		}
		s.fulfillNext(ctx, element.(*entropy.State))
	}
}

// fulfillNext pops the head waiter and delivers the state to it. An empty
// queue consumes the event with no effect. Store failures drop the event;
// the affected waiter keeps waiting for the next one.
func (s *Service) fulfillNext(ctx context.Context, state *entropy.State) {
	id, err := s.store.Pop(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		// nobody is waiting, the event is consumed with no effect
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("could not pop waiter")
		return
	}

	err = s.store.Fulfill(ctx, id, state)
	if err != nil {
		s.log.Warn().Err(err).Str("waiter_id", id).Msg("could not fulfill waiter")
		return
	}

	s.log.Debug().
		Str("waiter_id", id).
		Uint64("version", state.Version).
		Msg("waiter fulfilled")
}

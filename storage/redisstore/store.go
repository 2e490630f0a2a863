// Package redisstore implements the storage interfaces on a Redis-compatible
// server: the pool state as a msgpack-encoded string key guarded by WATCH
// transactions, change events and waiter fulfillments as pub/sub channels,
// and the waitlist as a list. All instances sharing one database observe the
// same pool.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/storage"
)

// Store operation names reported to metrics.
const (
	opRetrieveState   = "retrieve_state"
	opCompareAndSwap  = "compare_and_swap"
	opPublishEvent    = "publish_event"
	opSubscribe       = "subscribe"
	opPing            = "ping"
	opWaitlistJoin    = "waitlist_join"
	opWaitlistPop     = "waitlist_pop"
	opWaitlistRemove  = "waitlist_remove"
	opWaitlistEntries = "waitlist_entries"
	opFulfill         = "waitlist_fulfill"
	opAwait           = "waitlist_await"
)

const (
	// DefaultKeyPrefix namespaces all keys and channels so multiple
	// deployments can share one database.
	DefaultKeyPrefix = "entropool"

	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config holds the connection parameters for the store.
type Config struct {
	Address      string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// DefaultConfig returns a Config pointing at a local server.
func DefaultConfig() Config {
	return Config{
		Address:      "localhost:6379",
		KeyPrefix:    DefaultKeyPrefix,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// closer is the store-internal teardown hook shared by the subscription types.
type closer interface {
	close() error
}

// Store implements storage.States, storage.Updates, storage.Waitlist and
// storage.Pinger on a single Redis database. The constructor does not contact
// the server: a store whose server is down starts degraded and recovers as
// soon as the server is reachable again.
type Store struct {
	log     zerolog.Logger
	metrics module.StoreMetrics
	client  *redis.Client

	stateKey       string
	updatesChannel string
	waitlistKey    string
	fulfillPrefix  string

	mu     sync.Mutex
	subs   map[closer]struct{}
	closed bool
}

var _ storage.States = (*Store)(nil)
var _ storage.Updates = (*Store)(nil)
var _ storage.Waitlist = (*Store)(nil)
var _ storage.Pinger = (*Store)(nil)

// New creates a Store on top of a fresh client for the given config.
func New(log zerolog.Logger, metrics module.StoreMetrics, cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &Store{
		log:            log.With().Str("component", "redis_store").Logger(),
		metrics:        metrics,
		client:         client,
		stateKey:       prefix + ":state",
		updatesChannel: prefix + ":updates",
		waitlistKey:    prefix + ":waitlist",
		fulfillPrefix:  prefix + ":waitlist:",
		subs:           make(map[closer]struct{}),
	}
}

// Retrieve returns the current pool state.
//
// Expected errors during normal operations:
//   - storage.ErrNotFound if the pool was never bootstrapped
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Retrieve(ctx context.Context) (*entropy.State, error) {
	start := time.Now()
	raw, err := s.client.Get(ctx, s.stateKey).Bytes()
	if err != nil {
		return nil, s.fail(opRetrieveState, err)
	}
	s.metrics.StoreOperation(opRetrieveState, time.Since(start))

	var state entropy.State
	if err := msgpack.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("could not decode pool state: %w", err)
	}
	return &state, nil
}

// CompareAndSwap stores next if and only if the stored version still equals
// expectedVersion. The check-and-set runs inside a WATCH transaction, so a
// concurrent write between the read and the set aborts the transaction.
//
// Expected errors during normal operations:
//   - storage.ErrVersionConflict if the stored version differs from expectedVersion
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion uint64, next *entropy.State) error {
	payload, err := msgpack.Marshal(next)
	if err != nil {
		return fmt.Errorf("could not encode pool state: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.stateKey).Bytes()
		switch {
		case err == nil:
			var current entropy.State
			if err := msgpack.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("could not decode pool state: %w", err)
			}
			if current.Version != expectedVersion {
				return storage.ErrVersionConflict
			}
		case errors.Is(err, redis.Nil):
			// no state yet: only the genesis write may proceed
			if expectedVersion != entropy.UnsetVersion {
				return storage.ErrVersionConflict
			}
		default:
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.stateKey, payload, 0)
			return nil
		})
		return err
	}

	start := time.Now()
	err = s.client.Watch(ctx, txf, s.stateKey)
	if err != nil {
		return s.fail(opCompareAndSwap, err)
	}
	s.metrics.StoreOperation(opCompareAndSwap, time.Since(start))
	return nil
}

// Publish broadcasts the change event to all subscribers.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Publish(ctx context.Context, event *entropy.ChangeEvent) error {
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("could not encode change event: %w", err)
	}

	start := time.Now()
	err = s.client.Publish(ctx, s.updatesChannel, payload).Err()
	if err != nil {
		return s.fail(opPublishEvent, err)
	}
	s.metrics.StoreOperation(opPublishEvent, time.Since(start))
	s.metrics.ChangeEventPublished()
	return nil
}

// Subscribe opens a subscription on the updates channel. The underlying
// client re-establishes the subscription after transient outages; events
// published while the connection is down are lost, not replayed.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Subscribe(ctx context.Context) (storage.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.updatesChannel)

	// force the connection so the caller learns about an unreachable store
	// now instead of silently missing events
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, s.fail(opSubscribe, err)
	}

	sub := newSubscription(s.log, s.metrics, pubsub)
	sub.unregister = func() { s.removeSub(sub) }
	if err := s.addSub(sub); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub.start()
	return sub, nil
}

// Join appends the waiter id to the tail of the shared waitlist.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Join(ctx context.Context, id string) error {
	start := time.Now()
	if err := s.client.RPush(ctx, s.waitlistKey, id).Err(); err != nil {
		return s.fail(opWaitlistJoin, err)
	}
	s.metrics.StoreOperation(opWaitlistJoin, time.Since(start))
	return nil
}

// Pop removes and returns the waiter id at the head of the waitlist. LPOP is
// atomic, so concurrent pops across instances each receive a distinct id.
//
// Expected errors during normal operations:
//   - storage.ErrNotFound if the waitlist is empty
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Pop(ctx context.Context) (string, error) {
	start := time.Now()
	id, err := s.client.LPop(ctx, s.waitlistKey).Result()
	if err != nil {
		return "", s.fail(opWaitlistPop, err)
	}
	s.metrics.StoreOperation(opWaitlistPop, time.Since(start))
	return id, nil
}

// Remove deletes every occurrence of the waiter id from the waitlist.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Remove(ctx context.Context, id string) error {
	start := time.Now()
	if err := s.client.LRem(ctx, s.waitlistKey, 0, id).Err(); err != nil {
		return s.fail(opWaitlistRemove, err)
	}
	s.metrics.StoreOperation(opWaitlistRemove, time.Since(start))
	return nil
}

// Entries returns the waiter ids currently queued, head first.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Entries(ctx context.Context) ([]string, error) {
	start := time.Now()
	ids, err := s.client.LRange(ctx, s.waitlistKey, 0, -1).Result()
	if err != nil {
		return nil, s.fail(opWaitlistEntries, err)
	}
	s.metrics.StoreOperation(opWaitlistEntries, time.Since(start))
	return ids, nil
}

// Fulfill delivers the state to the waiter with the given id via its
// dedicated channel.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Fulfill(ctx context.Context, id string, state *entropy.State) error {
	payload, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("could not encode pool state: %w", err)
	}

	start := time.Now()
	receivers, err := s.client.Publish(ctx, s.fulfillPrefix+id, payload).Result()
	if err != nil {
		return s.fail(opFulfill, err)
	}
	s.metrics.StoreOperation(opFulfill, time.Since(start))

	if receivers == 0 {
		// the waiter's instance died between pop and fulfill; the waiter is
		// gone and the delivery is lost
		s.log.Warn().Str("waiter_id", id).Msg("fulfilled waiter had no live receiver")
	}
	return nil
}

// Await opens the delivery channel for the fulfillment of a single waiter.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Await(ctx context.Context, id string) (storage.Fulfillment, error) {
	pubsub := s.client.Subscribe(ctx, s.fulfillPrefix+id)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, s.fail(opAwait, err)
	}

	f := newFulfillment(s.log, pubsub, id)
	f.unregister = func() { s.removeSub(f) }
	if err := s.addSub(f); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	f.start()
	return f, nil
}

// Ping performs a round trip to the store.
//
// Expected errors during normal operations:
//   - storage.ErrUnavailable if the store cannot be reached
func (s *Store) Ping(ctx context.Context) error {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.fail(opPing, err)
	}
	s.metrics.StoreOperation(opPing, time.Since(start))
	return nil
}

// Close tears down all open subscriptions and the underlying client.
// No errors are expected during normal operation.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]closer, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[closer]struct{})
	s.mu.Unlock()

	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("could not close subscription: %w", err))
		}
	}
	if err := s.client.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("could not close client: %w", err))
	}
	return result.ErrorOrNil()
}

func (s *Store) addSub(sub closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store is closed", storage.ErrUnavailable)
	}
	s.subs[sub] = struct{}{}
	return nil
}

func (s *Store) removeSub(sub closer) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// fail converts a client error into the storage error taxonomy and records
// the failed operation. Context cancellations pass through unconverted.
func (s *Store) fail(op string, err error) error {
	converted := convertError(err)
	if errors.Is(converted, storage.ErrUnavailable) {
		s.metrics.StoreOperationFailed(op)
	}
	return converted
}

func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, storage.ErrUnavailable):
		return err
	case errors.Is(err, redis.Nil):
		return storage.ErrNotFound
	case errors.Is(err, redis.TxFailedErr):
		return storage.ErrVersionConflict
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s", storage.ErrUnavailable, err.Error())
	}
}

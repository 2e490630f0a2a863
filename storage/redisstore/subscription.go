package redisstore

import (
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/module/util"
	"github.com/entropool/entropool/storage"
)

// subscriptionBuffer bounds how far a subscription consumer may fall behind
// before deliveries start to block the pump.
const subscriptionBuffer = 16

// subscription adapts a pub/sub channel to storage.Subscription. A pump
// goroutine decodes incoming messages and forwards them on the events
// channel until the pub/sub connection is closed.
type subscription struct {
	log     zerolog.Logger
	metrics module.StoreMetrics
	pubsub  *redis.PubSub

	events     chan *entropy.ChangeEvent
	done       chan struct{}
	once       sync.Once
	unregister func()

	mu  sync.Mutex
	err error
}

var _ storage.Subscription = (*subscription)(nil)

func newSubscription(log zerolog.Logger, metrics module.StoreMetrics, pubsub *redis.PubSub) *subscription {
	return &subscription{
		log:        log,
		metrics:    metrics,
		pubsub:     pubsub,
		events:     make(chan *entropy.ChangeEvent, subscriptionBuffer),
		done:       make(chan struct{}),
		unregister: func() {},
	}
}

// start launches the pump goroutine. It must be called exactly once, after
// the subscription is fully wired up.
func (s *subscription) start() {
	go s.pump()
}

func (s *subscription) pump() {
	defer close(s.events)

	for msg := range s.pubsub.Channel() {
		var event entropy.ChangeEvent
		if err := msgpack.Unmarshal([]byte(msg.Payload), &event); err != nil {
			// a malformed event must not poison the stream
			s.log.Warn().Err(err).Msg("skipping undecodable change event")
			continue
		}
		s.metrics.ChangeEventReceived()

		select {
		case s.events <- &event:
		case <-s.done:
			return
		}
	}

	// the message channel closed without Cancel: the connection was torn
	// down underneath us
	if !util.CheckClosed(s.done) {
		s.setErr(storage.ErrUnavailable)
	}
}

func (s *subscription) Events() <-chan *entropy.ChangeEvent {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if err := s.pubsub.Close(); err != nil {
			s.log.Debug().Err(err).Msg("pubsub did not close cleanly")
		}
		s.unregister()
	})
}

// close tears the subscription down on behalf of Store.Close, surfacing the
// close error instead of logging it.
func (s *subscription) close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

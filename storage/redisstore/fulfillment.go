package redisstore

import (
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module/util"
	"github.com/entropool/entropool/storage"
)

// fulfillment adapts a single waiter's pub/sub channel to
// storage.Fulfillment. At most one state is ever expected on it, but the
// pump keeps forwarding until the waiter cancels.
type fulfillment struct {
	log    zerolog.Logger
	pubsub *redis.PubSub
	id     string

	states     chan *entropy.State
	done       chan struct{}
	once       sync.Once
	unregister func()

	mu  sync.Mutex
	err error
}

var _ storage.Fulfillment = (*fulfillment)(nil)

func newFulfillment(log zerolog.Logger, pubsub *redis.PubSub, id string) *fulfillment {
	return &fulfillment{
		log:        log.With().Str("waiter_id", id).Logger(),
		pubsub:     pubsub,
		id:         id,
		states:     make(chan *entropy.State, 1),
		done:       make(chan struct{}),
		unregister: func() {},
	}
}

// start launches the pump goroutine. It must be called exactly once, after
// the fulfillment is fully wired up.
func (f *fulfillment) start() {
	go f.pump()
}

func (f *fulfillment) pump() {
	defer close(f.states)

	for msg := range f.pubsub.Channel() {
		var state entropy.State
		if err := msgpack.Unmarshal([]byte(msg.Payload), &state); err != nil {
			f.log.Warn().Err(err).Msg("skipping undecodable fulfillment")
			continue
		}

		select {
		case f.states <- &state:
		case <-f.done:
			return
		}
	}

	if !util.CheckClosed(f.done) {
		f.setErr(storage.ErrUnavailable)
	}
}

func (f *fulfillment) States() <-chan *entropy.State {
	return f.states
}

func (f *fulfillment) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fulfillment) Cancel() {
	f.once.Do(func() {
		close(f.done)
		if err := f.pubsub.Close(); err != nil {
			f.log.Debug().Err(err).Msg("pubsub did not close cleanly")
		}
		f.unregister()
	})
}

func (f *fulfillment) close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.pubsub.Close()
	})
	return err
}

func (f *fulfillment) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

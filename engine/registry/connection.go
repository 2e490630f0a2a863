package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module/counters"
	"github.com/entropool/entropool/module/util"
)

const (
	// DefaultQueueDepth bounds the outbound queue of a connection. Depth 1
	// gives latest-wins coalescing: a client that cannot keep up skips
	// intermediate states instead of delaying everyone else.
	DefaultQueueDepth = 1

	// DefaultGracePeriod is how long a connection may sit on an undrained
	// queue before arriving states start counting as misses.
	DefaultGracePeriod = 3 * time.Second

	// evictionStrikes is the number of missed deliveries after which a
	// consumer is considered dead.
	evictionStrikes = 2
)

// Close reasons, used as metric labels and in close frames.
const (
	CloseReasonClient       = "client_closed"
	CloseReasonSlowConsumer = "slow_consumer"
	CloseReasonInactivity   = "inactive"
	CloseReasonTransport    = "transport_error"
	CloseReasonShutdown     = "shutdown"
)

// EnqueueResult describes what happened to a state handed to Enqueue.
type EnqueueResult int

const (
	// EnqueueDelivered means the state was queued and the consumer keeps up.
	EnqueueDelivered EnqueueResult = iota

	// EnqueueSuperseded means the state replaced an older queued state
	// within the grace period. Coalescing, not a miss.
	EnqueueSuperseded

	// EnqueueStale means the state is not newer than what was already
	// enqueued and was dropped. Delivery order never regresses.
	EnqueueStale

	// EnqueueSuspect means the consumer missed a delivery cycle. The state
	// still replaced the queued one.
	EnqueueSuspect

	// EnqueueEvict means the consumer missed a second delivery cycle and
	// must be closed by the caller.
	EnqueueEvict

	// EnqueueClosed means the connection was already closed.
	EnqueueClosed
)

func (r EnqueueResult) String() string {
	switch r {
	case EnqueueDelivered:
		return "delivered"
	case EnqueueSuperseded:
		return "superseded"
	case EnqueueStale:
		return "stale"
	case EnqueueSuspect:
		return "suspect"
	case EnqueueEvict:
		return "evict"
	case EnqueueClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Liveness is the delivery health of a connection.
type Liveness int

const (
	// LivenessAlive means the consumer drains its queue in time.
	LivenessAlive Liveness = iota

	// LivenessSuspect means the consumer missed one delivery cycle.
	LivenessSuspect

	// LivenessDead means the consumer was evicted or the connection closed.
	LivenessDead
)

func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessSuspect:
		return "suspect"
	case LivenessDead:
		return "dead"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Connection is the registry's view of one live client: a bounded
// latest-wins outbound queue plus delivery bookkeeping. The transport and
// its goroutines live in the session layer; everything here is non-blocking
// and safe for concurrent use.
type Connection struct {
	id          string
	connectedAt time.Time
	queueDepth  int
	grace       time.Duration

	outbound     chan *entropy.State
	lastEnqueued counters.StrictMonotonicCounter
	lastSeen     counters.StrictMonotonicCounter

	mu          sync.Mutex
	liveness    Liveness
	strikes     int
	lastDrained time.Time
	reason      string

	closeOnce sync.Once
	done      chan struct{}
}

// ConnectionOption customizes a Connection created with NewConnection.
type ConnectionOption func(*Connection)

// WithQueueDepth overrides the outbound queue depth.
func WithQueueDepth(depth int) ConnectionOption {
	return func(c *Connection) {
		c.queueDepth = depth
	}
}

// WithGracePeriod overrides how long an undrained queue is tolerated before
// misses count.
func WithGracePeriod(grace time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.grace = grace
	}
}

// NewConnection creates a connection with a fresh time-ordered id. IDs are
// never reused, so a message addressed to a closed connection can never
// reach a later one.
func NewConnection(opts ...ConnectionOption) (*Connection, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("could not generate connection id: %w", err)
	}

	now := time.Now()
	c := &Connection{
		id:           id.String(),
		connectedAt:  now,
		queueDepth:   DefaultQueueDepth,
		grace:        DefaultGracePeriod,
		lastEnqueued: counters.NewMonotonicCounter(entropy.UnsetVersion),
		lastSeen:     counters.NewMonotonicCounter(entropy.UnsetVersion),
		lastDrained:  now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.queueDepth <= 0 {
		return nil, fmt.Errorf("queue depth must be positive, got %d", c.queueDepth)
	}
	c.outbound = make(chan *entropy.State, c.queueDepth)

	return c, nil
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// ConnectedAt returns when the connection was registered.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Enqueue offers a state to the connection without ever blocking. States
// older than the newest one already offered are dropped. When the queue is
// full the queued state is replaced, which counts as a miss once the queue
// has been full for longer than the grace period: the first miss marks the
// consumer suspect, the second tells the caller to evict it.
func (c *Connection) Enqueue(state *entropy.State) EnqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if util.CheckClosed(c.done) {
		return EnqueueClosed
	}
	if !c.lastEnqueued.Set(state.Version) {
		return EnqueueStale
	}

	select {
	case c.outbound <- state:
		c.strikes = 0
		c.liveness = LivenessAlive
		return EnqueueDelivered
	default:
	}

	// The queue is full: replace the queued state so the consumer always
	// wakes up to the freshest one. Producers are serialized by the mutex,
	// so after removing one element the send cannot block.
	select {
	case <-c.outbound:
	default:
	}
	c.outbound <- state

	if time.Since(c.lastDrained) <= c.grace {
		return EnqueueSuperseded
	}

	c.strikes++
	if c.strikes < evictionStrikes {
		c.liveness = LivenessSuspect
		return EnqueueSuspect
	}
	c.liveness = LivenessDead
	return EnqueueEvict
}

// Outbound returns the channel the session writer drains. The channel is
// never closed; the writer must also select on Done.
func (c *Connection) Outbound() <-chan *entropy.State {
	return c.outbound
}

// MarkDrained records that the consumer picked up a queued state, resetting
// the miss bookkeeping.
func (c *Connection) MarkDrained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDrained = time.Now()
	c.strikes = 0
	if !util.CheckClosed(c.done) {
		c.liveness = LivenessAlive
	}
}

// SeenVersion records that the client was sent this version. Stale values
// are ignored, so the last seen version never regresses.
func (c *Connection) SeenVersion(version uint64) {
	c.lastSeen.Set(version)
}

// LastSeenVersion returns the newest version the client was sent, or
// entropy.UnsetVersion before the first delivery.
func (c *Connection) LastSeenVersion() uint64 {
	return c.lastSeen.Value()
}

// Liveness returns the current delivery health.
func (c *Connection) Liveness() Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveness
}

// Close marks the connection dead and signals Done. It is idempotent; only
// the first caller gets true and with it the duty to unregister and tear
// down the transport.
func (c *Connection) Close(reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.liveness = LivenessDead
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

// CloseReason returns the reason passed to the first Close call, or the
// empty string while the connection is open.
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

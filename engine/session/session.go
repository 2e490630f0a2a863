// Package session drives the per-client websocket protocol: it pushes pool
// states to the peer, accepts contributions, and enforces the keepalive,
// inactivity, and drain rules of a connection's lifecycle.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/entropool/entropool/engine/registry"
	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/storage"
)

// Status is the lifecycle phase of a session. Transitions only move forward.
type Status int32

const (
	StatusConnecting Status = iota
	StatusActive
	StatusDraining
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusDraining:
		return "draining"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// errSessionDone ends the writer after a drain so the other loops unwind.
var errSessionDone = errors.New("session done")

// Contributor is the slice of the pool a session needs: a snapshot for the
// initial push and the write path for contributions.
type Contributor interface {
	CurrentState(ctx context.Context) (*entropy.State, bool, error)
	ApplyContribution(ctx context.Context, c entropy.Contribution) (*entropy.State, error)
}

// Session runs the websocket protocol for one registered connection. It owns
// the transport for its whole lifetime: Run blocks until the peer goes away,
// the connection is closed from the server side, or the transport fails, and
// guarantees the connection is unregistered and the socket closed on return.
type Session struct {
	log         zerolog.Logger
	config      Config
	conn        WebsocketConnection
	client      *registry.Connection
	registry    *registry.Registry
	contributor Contributor

	status         *atomic.Int32
	lastActivityAt *atomic.Int64
	responses      chan interface{}
	limiter        *rate.Limiter
	closeOnce      sync.Once
}

func New(
	log zerolog.Logger,
	config Config,
	conn WebsocketConnection,
	client *registry.Connection,
	reg *registry.Registry,
	contributor Contributor,
) *Session {
	config = config.withDefaults()

	var limiter *rate.Limiter
	if config.MaxResponsesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.MaxResponsesPerSecond), 1)
	}

	return &Session{
		log: log.With().
			Str("component", "session").
			Str("connection_id", client.ID()).
			Logger(),
		config:         config,
		conn:           conn,
		client:         client,
		registry:       reg,
		contributor:    contributor,
		status:         atomic.NewInt32(int32(StatusConnecting)),
		lastActivityAt: atomic.NewInt64(time.Now().UnixNano()),
		responses:      make(chan interface{}),
		limiter:        limiter,
	}
}

// Status returns the current lifecycle phase.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Run drives the session until it ends. The caller owns the goroutine; by
// the time Run returns the connection is unregistered and the transport
// closed, no matter which side initiated the teardown.
func (s *Session) Run(ctx context.Context) {
	defer s.shutdown()

	err := s.configureKeepalive()
	if err != nil {
		s.log.Warn().Err(err).Msg("could not configure keepalive")
		return
	}

	s.advance(StatusActive)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(gCtx)
	})
	g.Go(func() error {
		err := s.writeLoop(gCtx)
		if err != nil && !errors.Is(err, errSessionDone) {
			// a failed write never reaches drain, so unblock the read
			// loop here
			s.client.Close(registry.CloseReasonTransport)
			s.closeTransport()
		}
		return err
	})
	g.Go(func() error {
		return s.keepalive(gCtx)
	})

	err = g.Wait()
	if err != nil &&
		!errors.Is(err, errSessionDone) &&
		!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Debug().Err(err).Msg("session ended abnormally")
	}
}

// configureKeepalive arms the read deadline and refreshes it on every pong.
// A peer that stops answering pings times out within PongWait.
func (s *Session) configureKeepalive() error {
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})
	err := s.conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	if err != nil {
		return fmt.Errorf("could not set read deadline: %w", err)
	}
	return nil
}

// keepalive pings the peer so proxies keep the connection open and dead
// peers are detected by the read deadline.
func (s *Session) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(s.config.pingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteWait))
			if err != nil {
				s.client.Close(registry.CloseReasonTransport)
				return fmt.Errorf("could not send ping: %w", err)
			}
		}
	}
}

// readLoop consumes client messages until the transport ends. Malformed
// JSON is answered with an error message and the session stays open; only
// transport-level failures are fatal.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var req Request
		err := s.conn.ReadJSON(&req)
		if err != nil {
			reason, fatal := fatalReadReason(err)
			if fatal {
				s.client.Close(reason)
				return err
			}
			s.respondError(ctx, ErrorCodeBadRequest, "could not parse message")
			continue
		}

		s.touch()
		s.handleRequest(ctx, req)
	}
}

func (s *Session) handleRequest(ctx context.Context, req Request) {
	switch req.Action {
	case ActionContribute:
		s.handleContribute(ctx, req)
	default:
		s.respondError(ctx, ErrorCodeBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (s *Session) handleContribute(ctx context.Context, req Request) {
	contribution := entropy.Contribution{
		ConnectionID: s.client.ID(),
		Payload:      req.Payload,
		SubmittedAt:  time.Now().UTC(),
	}

	state, err := s.contributor.ApplyContribution(ctx, contribution)
	if err != nil {
		switch {
		case entropy.IsInvalidContributionError(err):
			s.respondError(ctx, ErrorCodeInvalidContribution, err.Error())
		case errors.Is(err, entropy.ErrContention):
			s.respondError(ctx, ErrorCodeContention, "pool is contended, try again")
		case errors.Is(err, storage.ErrUnavailable):
			s.respondError(ctx, ErrorCodeStoreUnavailable, "store is unavailable, try again later")
		case ctx.Err() != nil:
			// session is tearing down, nobody is listening for the answer
		default:
			s.log.Warn().Err(err).Msg("could not apply contribution")
			s.respondError(ctx, ErrorCodeInternal, "could not apply contribution")
		}
		return
	}

	s.respond(ctx, AckMessage{Type: MessageTypeAck, Version: state.Version})
}

// respond hands a reader-produced message to the writer, which owns the
// transport. Dropped without error if the session ends first.
func (s *Session) respond(ctx context.Context, message interface{}) {
	select {
	case <-ctx.Done():
	case s.responses <- message:
	}
}

func (s *Session) respondError(ctx context.Context, code string, message string) {
	s.respond(ctx, ErrorMessage{Type: MessageTypeError, Code: code, Message: message})
}

// writeLoop owns all data writes: the initial snapshot, queued state from
// the fan-out, and reader responses. It also watches for inactivity and
// performs the final drain.
func (s *Session) writeLoop(ctx context.Context) error {
	err := s.pushSnapshot(ctx)
	if err != nil {
		return err
	}

	inactivity := time.NewTicker(s.config.InactivityTimeout / 10)
	defer inactivity.Stop()

	for {
		select {
		case <-ctx.Done():
			// server shutdown, or another loop already failed and set a
			// close reason
			s.client.Close(registry.CloseReasonShutdown)
			return s.drain()

		case <-s.client.Done():
			return s.drain()

		case state := <-s.client.Outbound():
			s.client.MarkDrained()
			err := s.writeState(ctx, state, false)
			if err != nil {
				return err
			}

		case message := <-s.responses:
			err := s.writeJSON(ctx, message)
			if err != nil {
				return err
			}
			s.touch()

		case <-inactivity.C:
			if time.Since(s.lastActivity()) > s.config.InactivityTimeout {
				s.log.Debug().Msg("closing inactive session")
				s.client.Close(registry.CloseReasonInactivity)
				return s.drain()
			}
		}
	}
}

// pushSnapshot sends the current pool state so a new client never waits for
// the next change. A store outage is not fatal: the client keeps its session
// and catches up through the reconciliation sweep.
func (s *Session) pushSnapshot(ctx context.Context) error {
	state, stale, err := s.contributor.CurrentState(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not load state for new session")
		return nil
	}
	return s.writeState(ctx, state, stale)
}

// writeState delivers a state if it advances the connection. Versions at or
// below the last delivered one are dropped so the peer never observes the
// pool moving backwards.
func (s *Session) writeState(ctx context.Context, state *entropy.State, stale bool) error {
	if state.Version <= s.client.LastSeenVersion() {
		return nil
	}

	err := s.writeJSON(ctx, StateMessage{
		Type:      MessageTypeState,
		Version:   state.Version,
		Payload:   state.Payload,
		UpdatedAt: state.UpdatedAt,
		Stale:     stale,
	})
	if err != nil {
		return err
	}

	s.client.SeenVersion(state.Version)
	s.touch()
	return nil
}

func (s *Session) writeJSON(ctx context.Context, message interface{}) error {
	if s.limiter != nil {
		err := s.limiter.WaitN(ctx, 1)
		if err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
	if err != nil {
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	return s.conn.WriteJSON(message)
}

// drain flushes whatever state is still queued, bounded by DrainTimeout,
// then sends the close frame and closes the transport. Closing the socket
// here unblocks the read loop, which would otherwise sit in ReadJSON until
// the read deadline fires.
func (s *Session) drain() error {
	s.advance(StatusDraining)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.DrainTimeout)
	defer cancel()

flush:
	for {
		select {
		case state := <-s.client.Outbound():
			s.client.MarkDrained()
			err := s.writeState(ctx, state, false)
			if err != nil {
				break flush
			}
		default:
			break flush
		}
	}

	reason := s.client.CloseReason()
	message := websocket.FormatCloseMessage(closeCode(reason), reason)
	err := s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(s.config.WriteWait))
	if err != nil {
		s.log.Debug().Err(err).Msg("could not send close frame")
	}

	s.closeTransport()
	return errSessionDone
}

// shutdown is the terminal transition, reached exactly once no matter what
// ended the session.
func (s *Session) shutdown() {
	s.advance(StatusClosed)
	s.client.Close(registry.CloseReasonTransport)
	s.registry.Unregister(s.client.ID())
	s.closeTransport()
	s.log.Debug().Str("reason", s.client.CloseReason()).Msg("session closed")
}

func (s *Session) closeTransport() {
	s.closeOnce.Do(func() {
		err := s.conn.Close()
		if err != nil {
			s.log.Debug().Err(err).Msg("could not close transport")
		}
	})
}

// advance moves the status forward. Backward transitions are ignored, so
// concurrent closers cannot resurrect a closed session.
func (s *Session) advance(to Status) bool {
	for {
		cur := s.status.Load()
		if cur >= int32(to) {
			return false
		}
		if s.status.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

func (s *Session) touch() {
	s.lastActivityAt.Store(time.Now().UnixNano())
}

func (s *Session) lastActivity() time.Time {
	return time.Unix(0, s.lastActivityAt.Load())
}

// fatalReadReason classifies a read error. Decode failures of a single
// message keep the session open; anything else ends it, tagged with how the
// transport went away.
func fatalReadReason(err error) (string, bool) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return "", false
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return registry.CloseReasonClient, true
	}
	return registry.CloseReasonTransport, true
}

// closeCode maps a close reason to the websocket status code sent to the
// peer.
func closeCode(reason string) int {
	switch reason {
	case registry.CloseReasonSlowConsumer:
		return websocket.ClosePolicyViolation
	case registry.CloseReasonShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseNormalClosure
	}
}

package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropool/entropool/engine/registry"
	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module/metrics"
	"github.com/entropool/entropool/storage"
	"github.com/entropool/entropool/utils/unittest"
)

// fakeConn scripts a websocket transport without a network socket. Inbound
// frames are queued as raw JSON; outbound frames are captured for
// assertions.
type fakeConn struct {
	mu        sync.Mutex
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	written   [][]byte
	controls  []controlFrame
	writeErr  error
}

type controlFrame struct {
	messageType int
	data        []byte
}

var _ WebsocketConnection = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) send(raw string) {
	c.inbound <- []byte(raw)
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
		}
		return json.Unmarshal(data, v)
	case <-c.closed:
		return errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.controls = append(c.controls, controlFrame{messageType: messageType, data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) messagesOfType(typ string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, data := range c.written {
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) stateVersions() []uint64 {
	var versions []uint64
	for _, m := range c.messagesOfType(MessageTypeState) {
		versions = append(versions, uint64(m["version"].(float64)))
	}
	return versions
}

func (c *fakeConn) closeFrames() []controlFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var frames []controlFrame
	for _, frame := range c.controls {
		if frame.messageType == websocket.CloseMessage {
			frames = append(frames, frame)
		}
	}
	return frames
}

// fakeContributor applies contributions by appending to an in-memory state.
type fakeContributor struct {
	mu       sync.Mutex
	state    *entropy.State
	stale    bool
	snapErr  error
	applyErr error
	applied  []entropy.Contribution
}

func newFakeContributor(version uint64, payload string) *fakeContributor {
	return &fakeContributor{
		state: &entropy.State{Version: version, Payload: payload, UpdatedAt: time.Now().UTC()},
	}
}

func (f *fakeContributor) CurrentState(context.Context) (*entropy.State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, false, f.snapErr
	}
	return f.state.Copy(), f.stale, nil
}

func (f *fakeContributor) ApplyContribution(_ context.Context, c entropy.Contribution) (*entropy.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.applied = append(f.applied, c)
	f.state = &entropy.State{
		Version:   f.state.Version + 1,
		Payload:   f.state.Payload + c.Payload,
		UpdatedAt: c.SubmittedAt,
	}
	return f.state.Copy(), nil
}

func (f *fakeContributor) setApplyError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyErr = err
}

func (f *fakeContributor) contributions() []entropy.Contribution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entropy.Contribution, len(f.applied))
	copy(out, f.applied)
	return out
}

type sessionFixture struct {
	conn        *fakeConn
	client      *registry.Connection
	registry    *registry.Registry
	contributor *fakeContributor
	session     *Session
	cancel      context.CancelFunc
	done        chan struct{}
}

func startSession(t *testing.T, config Config, contributor *fakeContributor, clientOpts ...registry.ConnectionOption) *sessionFixture {
	t.Helper()

	conn := newFakeConn()
	client, err := registry.NewConnection(clientOpts...)
	require.NoError(t, err)

	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	require.NoError(t, reg.Register(client))

	s := New(unittest.Logger(), config, conn, client, reg, contributor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		unittest.RequireCloseBefore(t, done, time.Second, "session did not stop")
	})

	return &sessionFixture{
		conn:        conn,
		client:      client,
		registry:    reg,
		contributor: contributor,
		session:     s,
		cancel:      cancel,
		done:        done,
	}
}

func (f *sessionFixture) awaitDone(t *testing.T) {
	t.Helper()
	unittest.RequireCloseBefore(t, f.done, time.Second, "session did not end")
}

func (f *sessionFixture) awaitSnapshot(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.conn.stateVersions()) > 0
	}, time.Second, 10*time.Millisecond, "no snapshot delivered")
}

func TestSessionPushesSnapshotOnConnect(t *testing.T) {
	f := startSession(t, DefaultConfig(), newFakeContributor(3, "seed"))

	f.awaitSnapshot(t)

	states := f.conn.messagesOfType(MessageTypeState)
	require.Len(t, states, 1)
	assert.EqualValues(t, 3, states[0]["version"])
	assert.Equal(t, "seed", states[0]["payload"])
	assert.Nil(t, states[0]["stale"])
	assert.Equal(t, uint64(3), f.client.LastSeenVersion())
	assert.Equal(t, StatusActive, f.session.Status())
}

func TestSessionMarksStaleSnapshot(t *testing.T) {
	contributor := newFakeContributor(3, "seed")
	contributor.stale = true
	f := startSession(t, DefaultConfig(), contributor)

	f.awaitSnapshot(t)

	states := f.conn.messagesOfType(MessageTypeState)
	require.Len(t, states, 1)
	assert.Equal(t, true, states[0]["stale"])
}

func TestSessionSurvivesSnapshotOutage(t *testing.T) {
	contributor := newFakeContributor(3, "seed")
	contributor.snapErr = storage.ErrUnavailable
	f := startSession(t, DefaultConfig(), contributor)

	f.conn.send(`{"action":"contribute","payload":"x"}`)

	require.Eventually(t, func() bool {
		return len(f.conn.messagesOfType(MessageTypeAck)) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, f.conn.stateVersions())
	assert.Equal(t, StatusActive, f.session.Status())
}

func TestSessionAcksContribution(t *testing.T) {
	f := startSession(t, DefaultConfig(), newFakeContributor(3, "seed"))
	f.awaitSnapshot(t)

	f.conn.send(`{"action":"contribute","payload":"xyz"}`)

	require.Eventually(t, func() bool {
		return len(f.conn.messagesOfType(MessageTypeAck)) > 0
	}, time.Second, 10*time.Millisecond)

	acks := f.conn.messagesOfType(MessageTypeAck)
	require.Len(t, acks, 1)
	assert.EqualValues(t, 4, acks[0]["version"])

	applied := f.contributor.contributions()
	require.Len(t, applied, 1)
	assert.Equal(t, "xyz", applied[0].Payload)
	assert.Equal(t, f.client.ID(), applied[0].ConnectionID)
	assert.False(t, applied[0].SubmittedAt.IsZero())
}

func TestSessionRejectsInvalidContribution(t *testing.T) {
	contributor := newFakeContributor(3, "seed")
	contributor.setApplyError(entropy.NewInvalidContributionError("payload is empty"))
	f := startSession(t, DefaultConfig(), contributor)
	f.awaitSnapshot(t)

	f.conn.send(`{"action":"contribute","payload":""}`)

	require.Eventually(t, func() bool {
		return len(f.conn.messagesOfType(MessageTypeError)) > 0
	}, time.Second, 10*time.Millisecond)

	errs := f.conn.messagesOfType(MessageTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorCodeInvalidContribution, errs[0]["code"])
	assert.Equal(t, StatusActive, f.session.Status())
}

func TestSessionReportsContention(t *testing.T) {
	contributor := newFakeContributor(3, "seed")
	contributor.setApplyError(entropy.ErrContention)
	f := startSession(t, DefaultConfig(), contributor)
	f.awaitSnapshot(t)

	f.conn.send(`{"action":"contribute","payload":"x"}`)

	require.Eventually(t, func() bool {
		return len(f.conn.messagesOfType(MessageTypeError)) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, ErrorCodeContention, f.conn.messagesOfType(MessageTypeError)[0]["code"])
	assert.Equal(t, StatusActive, f.session.Status())
}

func TestSessionReportsStoreOutage(t *testing.T) {
	contributor := newFakeContributor(3, "seed")
	contributor.setApplyError(storage.ErrUnavailable)
	f := startSession(t, DefaultConfig(), contributor)
	f.awaitSnapshot(t)

	f.conn.send(`{"action":"contribute","payload":"x"}`)

	require.Eventually(t, func() bool {
		return len(f.conn.messagesOfType(MessageTypeError)) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, ErrorCodeStoreUnavailable, f.conn.messagesOfType(MessageTypeError)[0]["code"])
}

func TestSessionRejectsMalformedMessage(t *testing.T) {
	f := startSession(t, DefaultConfig(), newFakeContributor(3, "seed"))
	f.awaitSnapshot(t)

	f.conn.send(`{oops`)

	require.Eventually(t, func() bool {
		return len(f.conn.messagesOfType(MessageTypeError)) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, ErrorCodeBadRequest, f.conn.messagesOfType(MessageTypeError)[0]["code"])

	// the transport is still healthy, the session must keep serving
	f.conn.send(`{"action":"contribute","payload":"x"}`)
	require.Eventually(t, func() bool {
		return len(f.conn.messagesOfType(MessageTypeAck)) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestSessionRejectsUnknownAction(t *testing.T) {
	f := startSession(t, DefaultConfig(), newFakeContributor(3, "seed"))
	f.awaitSnapshot(t)

	f.conn.send(`{"action":"dance"}`)

	require.Eventually(t, func() bool {
		return len(f.conn.messagesOfType(MessageTypeError)) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, ErrorCodeBadRequest, f.conn.messagesOfType(MessageTypeError)[0]["code"])
}

func TestSessionDeliversQueuedStates(t *testing.T) {
	f := startSession(t, DefaultConfig(), newFakeContributor(3, "seed"))
	f.awaitSnapshot(t)

	f.client.Enqueue(&entropy.State{Version: 4, Payload: "seedx", UpdatedAt: time.Now().UTC()})

	require.Eventually(t, func() bool {
		return f.client.LastSeenVersion() == 4
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{3, 4}, f.conn.stateVersions())
	assert.Equal(t, registry.LivenessAlive, f.client.Liveness())
}

func TestSessionDropsVersionRegressions(t *testing.T) {
	f := startSession(t, DefaultConfig(), newFakeContributor(3, "seed"))
	f.awaitSnapshot(t)

	// the snapshot already covered version 3, a queued copy must not be
	// written a second time
	f.client.Enqueue(&entropy.State{Version: 3, Payload: "seed", UpdatedAt: time.Now().UTC()})
	f.client.Enqueue(&entropy.State{Version: 5, Payload: "seedxy", UpdatedAt: time.Now().UTC()})

	require.Eventually(t, func() bool {
		return f.client.LastSeenVersion() == 5
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{3, 5}, f.conn.stateVersions())
}

func TestSessionEndsOnClientClose(t *testing.T) {
	f := startSession(t, DefaultConfig(), newFakeContributor(3, "seed"))
	f.awaitSnapshot(t)

	close(f.conn.inbound)

	f.awaitDone(t)
	assert.Equal(t, StatusClosed, f.session.Status())
	assert.Equal(t, registry.CloseReasonClient, f.client.CloseReason())
	assert.Equal(t, 0, f.registry.Size())
}

func TestSessionDrainsOnShutdown(t *testing.T) {
	f := startSession(t, DefaultConfig(), newFakeContributor(3, "seed"))
	f.awaitSnapshot(t)

	f.cancel()

	f.awaitDone(t)
	assert.Equal(t, registry.CloseReasonShutdown, f.client.CloseReason())
	assert.Equal(t, 0, f.registry.Size())

	frames := f.conn.closeFrames()
	require.Len(t, frames, 1)
	code := int(binary.BigEndian.Uint16(frames[0].data[:2]))
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, registry.CloseReasonShutdown, string(frames[0].data[2:]))
}

func TestSessionDrainsOnEviction(t *testing.T) {
	f := startSession(t, DefaultConfig(), newFakeContributor(3, "seed"))
	f.awaitSnapshot(t)

	f.client.Close(registry.CloseReasonSlowConsumer)

	f.awaitDone(t)
	assert.Equal(t, registry.CloseReasonSlowConsumer, f.client.CloseReason())
	assert.Equal(t, 0, f.registry.Size())

	frames := f.conn.closeFrames()
	require.Len(t, frames, 1)
	code := int(binary.BigEndian.Uint16(frames[0].data[:2]))
	assert.Equal(t, websocket.ClosePolicyViolation, code)
}

func TestSessionClosesWhenInactive(t *testing.T) {
	f := startSession(t, Config{InactivityTimeout: 50 * time.Millisecond}, newFakeContributor(3, "seed"))

	f.awaitDone(t)
	assert.Equal(t, registry.CloseReasonInactivity, f.client.CloseReason())

	frames := f.conn.closeFrames()
	require.Len(t, frames, 1)
	code := int(binary.BigEndian.Uint16(frames[0].data[:2]))
	assert.Equal(t, websocket.CloseNormalClosure, code)
}

func TestSessionEndsOnWriteFailure(t *testing.T) {
	contributor := newFakeContributor(3, "seed")
	conn := newFakeConn()
	conn.failWrites(errors.New("broken pipe"))

	client, err := registry.NewConnection()
	require.NoError(t, err)
	reg := registry.New(unittest.Logger(), metrics.NewNoopCollector())
	require.NoError(t, reg.Register(client))

	s := New(unittest.Logger(), DefaultConfig(), conn, client, reg, contributor)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	unittest.RequireCloseBefore(t, done, time.Second, "session did not end")
	assert.Equal(t, registry.CloseReasonTransport, client.CloseReason())
	assert.Equal(t, 0, reg.Size())
}

// Package registry maintains the set of live client connections on this
// instance and the per-connection delivery state the broadcast hub fans out
// to. It holds no transport handles; sessions own those.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/entropool/entropool/module"
)

// Registry tracks the live connections of this instance. All methods are
// safe for concurrent use. The registry never holds its lock while calling
// into a connection's consumer, so one stuck client cannot stall another.
type Registry struct {
	log     zerolog.Logger
	metrics module.RegistryMetrics

	mu          sync.RWMutex
	connections map[string]*Connection
}

// New creates an empty registry.
func New(log zerolog.Logger, registryMetrics module.RegistryMetrics) *Registry {
	return &Registry{
		log:         log.With().Str("component", "registry").Logger(),
		metrics:     registryMetrics,
		connections: make(map[string]*Connection),
	}
}

// Register adds a connection to the live set. Registering the same id twice
// is a programming error and rejected.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[conn.ID()]; ok {
		return fmt.Errorf("connection %s is already registered", conn.ID())
	}
	r.connections[conn.ID()] = conn
	r.metrics.ConnectionOpened()
	r.log.Debug().Str("connection_id", conn.ID()).Msg("connection registered")
	return nil
}

// Unregister removes a connection from the live set. Unknown ids are a
// no-op, so teardown paths may race without coordination.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	conn, ok := r.connections[id]
	if ok {
		delete(r.connections, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	reason := conn.CloseReason()
	if reason == "" {
		reason = "unknown"
	}
	r.metrics.ConnectionClosed(reason)
	r.log.Debug().
		Str("connection_id", id).
		Str("reason", reason).
		Msg("connection unregistered")
}

// ForEach calls fn once per live connection, on a point-in-time snapshot.
// Connections registered or removed during the iteration may or may not be
// visited.
func (r *Registry) ForEach(fn func(*Connection)) {
	for _, conn := range r.Snapshot() {
		fn(conn)
	}
}

// Snapshot returns the live connections ordered by connect time, then id.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	slices.SortFunc(conns, func(a, b *Connection) int {
		if !a.ConnectedAt().Equal(b.ConnectedAt()) {
			if a.ConnectedAt().Before(b.ConnectedAt()) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID(), b.ID())
	})
	return conns
}

// Size returns the number of live connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

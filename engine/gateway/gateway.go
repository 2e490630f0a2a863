// Package gateway is the HTTP boundary of the service: it upgrades websocket
// clients into sessions, exposes the REST surface over the pool and the
// waitlist, reports process health, and serves the static web client. All
// synchronization semantics live behind it; the gateway only translates HTTP
// into calls on the core and core errors into status codes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/entropool/entropool/engine/registry"
	"github.com/entropool/entropool/engine/session"
	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/module/component"
	"github.com/entropool/entropool/module/irrecoverable"
	"github.com/entropool/entropool/storage/assets"
)

const (
	// DefaultListenAddr is where the gateway serves when no address is
	// configured.
	DefaultListenAddr = ":8080"

	// DefaultWaitTimeout bounds how long a GET /api/random request may park
	// on the waitlist before the gateway gives up on its behalf.
	DefaultWaitTimeout = 60 * time.Second

	// DefaultShutdownTimeout bounds the drain of in-flight requests and open
	// sessions once the gateway is told to stop.
	DefaultShutdownTimeout = 10 * time.Second

	// readTimeout bounds reading a request, header and body. Requests on
	// this surface are small; anything slower is a stuck client.
	readTimeout = 15 * time.Second

	// idleTimeout reaps keep-alive connections between requests.
	idleTimeout = 60 * time.Second

	// writeTimeoutSlack is added on top of the configured wait timeout to
	// produce the server write timeout, so a long poll that is about to be
	// answered is never cut off by the transport.
	writeTimeoutSlack = 15 * time.Second
)

// StateProvider is the slice of the state repository the gateway needs. It
// is satisfied by *pool.Pool and doubles as the session.Contributor for
// websocket sessions.
type StateProvider interface {
	CurrentState(ctx context.Context) (*entropy.State, bool, error)
	ApplyContribution(ctx context.Context, c entropy.Contribution) (*entropy.State, error)
	History() []*entropy.State
}

// Waiters is the slice of the waitlist service backing GET /api/random and
// GET /api/waitlist. It is satisfied by *waitlist.Service.
type Waiters interface {
	Join(ctx context.Context) (*entropy.State, error)
	Entries(ctx context.Context) ([]string, error)
}

// HealthSource reports whether the shared store is currently reachable. It
// is satisfied by *redisstore.Prober.
type HealthSource interface {
	Available() bool
}

// Config tunes the gateway's listener and the connections it creates.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string
	// WaitTimeout bounds a GET /api/random long poll.
	WaitTimeout time.Duration
	// ShutdownTimeout bounds the stop sequence: first the drain of in-flight
	// requests, then the wait for open sessions.
	ShutdownTimeout time.Duration
	// QueueDepth is the outbound queue depth of websocket connections
	// created by this gateway.
	QueueDepth int
	// GracePeriod is how long a websocket connection may sit on an
	// undelivered state before a missed delivery counts against it.
	GracePeriod time.Duration
	// Session tunes the per-session websocket protocol.
	Session session.Config
	// AllowedOrigins is the CORS allowlist for the REST surface.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		WaitTimeout:     DefaultWaitTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		QueueDepth:      registry.DefaultQueueDepth,
		GracePeriod:     registry.DefaultGracePeriod,
		Session:         session.DefaultConfig(),
		AllowedOrigins:  []string{"*"},
	}
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = registry.DefaultQueueDepth
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = registry.DefaultGracePeriod
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	return c
}

// Gateway serves the HTTP and websocket surface. The component binds its
// listener on Start, signals ready once it is accepting, and on shutdown
// drains in-flight requests before waiting for the sessions it spawned.
type Gateway struct {
	*component.ComponentManager
	log        zerolog.Logger
	sessionLog zerolog.Logger
	config     Config
	tracer     module.Tracer
	states     StateProvider
	registry   *registry.Registry
	waiters    Waiters
	assets     assets.Provider
	health     HealthSource

	server   *http.Server
	sessions sync.WaitGroup

	mu         sync.Mutex
	addr       net.Addr
	sessionCtx context.Context
}

// New creates the gateway around the given core components. The returned
// component serves once started; Handler can be used to exercise the routes
// without binding a listener.
func New(
	log zerolog.Logger,
	config Config,
	tracer module.Tracer,
	states StateProvider,
	reg *registry.Registry,
	waiters Waiters,
	assetsProvider assets.Provider,
	health HealthSource,
) (*Gateway, error) {
	config = config.withDefaults()

	if states == nil {
		return nil, fmt.Errorf("state provider is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if waiters == nil {
		return nil, fmt.Errorf("waitlist is required")
	}
	if assetsProvider == nil {
		return nil, fmt.Errorf("assets provider is required")
	}
	if health == nil {
		return nil, fmt.Errorf("health source is required")
	}

	g := &Gateway{
		log: log.With().Str("component", "gateway").Logger(),
		// sessions tag their own component; give them the untagged logger
		sessionLog: log,
		config:     config,
		tracer:     tracer,
		states:     states,
		registry:   reg,
		waiters:    waiters,
		assets:     assetsProvider,
		health:     health,
		sessionCtx: context.Background(),
	}

	g.server = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      g.buildHandler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: config.WaitTimeout + writeTimeoutSlack,
		IdleTimeout:  idleTimeout,
	}

	g.ComponentManager = component.NewComponentManagerBuilder().
		AddWorker(g.serveLoop).
		Build()

	return g, nil
}

// buildHandler assembles the router and wraps it with the CORS layer.
func (g *Gateway) buildHandler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(g.log))

	router.Methods(http.MethodGet).Path("/ws").HandlerFunc(g.serveWebsocket)

	api := router.PathPrefix("/api").Subrouter()
	api.Methods(http.MethodGet).Path("/state").HandlerFunc(g.getState)
	api.Methods(http.MethodPost).Path("/contributions").HandlerFunc(g.postContribution)
	api.Methods(http.MethodGet).Path("/random").HandlerFunc(g.getRandom)
	api.Methods(http.MethodGet).Path("/waitlist").HandlerFunc(g.getWaitlist)
	api.Methods(http.MethodGet).Path("/history").HandlerFunc(g.getHistory)
	api.Methods(http.MethodGet).Path("/connections").HandlerFunc(g.getConnections)

	router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(g.getHealth)
	router.Methods(http.MethodGet).PathPrefix("/static/").HandlerFunc(g.getStatic)
	router.Methods(http.MethodGet).Path("/").HandlerFunc(g.getIndex)

	c := cors.New(cors.Options{
		AllowedOrigins: g.config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
			http.MethodHead,
		},
	})
	return c.Handler(router)
}

// Handler returns the full middleware-wrapped handler. It lets tests drive
// the routes through httptest without starting the component.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler
}

// Addr returns the bound listener address, or nil before the component
// started. With ListenAddr ":0" this is how the chosen port is discovered.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// sessionContext is the parent context of every session spawned by this
// gateway. Once the component runs it is the worker context, so cancelling
// the gateway drains all of its sessions.
func (g *Gateway) sessionContext() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionCtx
}

func (g *Gateway) serveLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	listener, err := net.Listen("tcp", g.config.ListenAddr)
	if err != nil {
		ctx.Throw(fmt.Errorf("could not listen on %s: %w", g.config.ListenAddr, err))
		return
	}

	g.mu.Lock()
	g.addr = listener.Addr()
	g.sessionCtx = ctx
	g.mu.Unlock()

	g.log.Info().Str("address", listener.Addr().String()).Msg("gateway listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- g.server.Serve(listener)
	}()

	ready()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctx.Throw(fmt.Errorf("gateway server failed: %w", err))
		}

	case <-ctx.Done():
		g.stop()
	}
}

// stop drains the server and then the sessions. Shutdown does not track
// hijacked websocket connections; those end through the cancelled session
// context and are waited for separately.
func (g *Gateway) stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.ShutdownTimeout)
	defer cancel()

	if err := g.server.Shutdown(shutdownCtx); err != nil {
		g.log.Warn().Err(err).Msg("graceful shutdown failed, closing server")
		_ = g.server.Close()
	}

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info().Msg("gateway stopped")
	case <-time.After(g.config.ShutdownTimeout):
		g.log.Warn().Msg("sessions still open after shutdown timeout")
	}
}

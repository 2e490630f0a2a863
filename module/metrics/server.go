package metrics

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/utils/liveness"
)

// shutdownTimeout bounds how long Done waits for in-flight scrapes.
const shutdownTimeout = 5 * time.Second

// Server serves the prometheus scrape endpoint on the operations port,
// optionally alongside pprof and the liveness report.
type Server struct {
	log    zerolog.Logger
	server *http.Server
	serve  sync.Once
}

var _ module.ReadyDoneAware = (*Server)(nil)

// ServerOption mounts an additional handler on the server's mux.
type ServerOption func(mux *http.ServeMux)

// WithLivenessCollector mounts the collector's liveness report at /live.
func WithLivenessCollector(collector *liveness.CheckCollector) ServerOption {
	return func(mux *http.ServeMux) {
		mux.Handle("/live", collector)
	}
}

// NewServer builds a server exposing /metrics on the given address. The
// pprof handlers register themselves on http.DefaultServeMux when their
// package is imported; enableProfiler exposes them under /debug/pprof/.
func NewServer(log zerolog.Logger, address string, enableProfiler bool, opts ...ServerOption) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if enableProfiler {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}
	for _, opt := range opts {
		opt(mux)
	}

	return &Server{
		log:    log.With().Str("component", "metrics_server").Logger(),
		server: &http.Server{Addr: address, Handler: mux},
	}
}

// Ready starts the listener on first call. The returned channel closes
// immediately: a scrape endpoint that comes up a beat late is not worth
// holding the rest of startup for.
func (s *Server) Ready() <-chan struct{} {
	s.serve.Do(func() {
		go func() {
			s.log.Info().Str("address", s.server.Addr).Msg("metrics server listening")
			err := s.server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Err(err).Msg("metrics server failed")
			}
		}()
	})

	ready := make(chan struct{})
	close(ready)
	return ready
}

// Done shuts the server down, waiting up to shutdownTimeout for in-flight
// requests to finish.
func (s *Server) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("metrics server shutdown interrupted")
		}
	}()
	return done
}

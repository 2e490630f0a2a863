package redisstore

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/module/component"
	"github.com/entropool/entropool/module/irrecoverable"
	"github.com/entropool/entropool/storage"
	"github.com/entropool/entropool/utils/liveness"
)

// DefaultProbeInterval is how often the prober pings the store.
const DefaultProbeInterval = 5 * time.Second

// Prober periodically pings the store and publishes the verdict through
// Available and the availability gauge. A store outage degrades the verdict
// but never stops the prober; it keeps probing until its context is
// cancelled, so the verdict recovers on its own once the store is reachable
// again.
//
// The liveness check heartbeats once per completed probe cycle, regardless
// of the verdict. It reports whether this loop is still running, not whether
// the store is up: the service is built to run degraded, and a store outage
// must not read as a dead process.
type Prober struct {
	component.Component

	log       zerolog.Logger
	metrics   module.StoreMetrics
	pinger    storage.Pinger
	check     liveness.Check
	interval  time.Duration
	available *atomic.Bool
}

func NewProber(
	log zerolog.Logger,
	metrics module.StoreMetrics,
	pinger storage.Pinger,
	check liveness.Check,
	interval time.Duration,
) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	p := &Prober{
		log:       log.With().Str("component", "store_prober").Logger(),
		metrics:   metrics,
		pinger:    pinger,
		check:     check,
		interval:  interval,
		available: atomic.NewBool(false),
	}

	p.Component = component.NewComponentManagerBuilder().
		AddWorker(p.probeLoop).
		Build()

	return p
}

// Available returns the verdict of the most recent probe.
func (p *Prober) Available() bool {
	return p.available.Load()
}

func (p *Prober) probeLoop(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	// probe once before signalling ready so consumers never observe the
	// zero verdict of a prober that has not run yet
	p.probe(ctx)
	ready()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	err := p.pinger.Ping(probeCtx)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down, not an outage
			return
		}
		if p.available.CompareAndSwap(true, false) {
			p.log.Warn().Err(err).Msg("store became unreachable")
		}
		p.metrics.StoreAvailable(false)
		p.check.CheckIn()
		return
	}

	p.metrics.StoreAvailable(true)
	if p.available.CompareAndSwap(false, true) {
		p.log.Info().Msg("store reachable")
	}
	p.check.CheckIn()
}

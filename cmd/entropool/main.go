// Command entropool runs the crowdsourced randomness service: a websocket
// and REST gateway over a pool state shared through redis, with the
// broadcast hub and waitlist keeping every connected client in sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/entropool/entropool/engine/gateway"
	"github.com/entropool/entropool/engine/hub"
	"github.com/entropool/entropool/engine/pool"
	"github.com/entropool/entropool/engine/registry"
	"github.com/entropool/entropool/engine/waitlist"
	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/module/component"
	"github.com/entropool/entropool/module/irrecoverable"
	"github.com/entropool/entropool/module/metrics"
	"github.com/entropool/entropool/module/trace"
	"github.com/entropool/entropool/module/util"
	"github.com/entropool/entropool/storage/assets"
	"github.com/entropool/entropool/storage/redisstore"
	"github.com/entropool/entropool/utils/liveness"
)

const (
	// startupTimeout bounds how long any single component may take to
	// become ready.
	startupTimeout = 30 * time.Second

	// bootstrapTimeout bounds the initial pool bootstrap. Failing it is not
	// fatal: the service starts degraded and heals when the store returns.
	bootstrapTimeout = 10 * time.Second
)

func main() {
	flags := pflag.NewFlagSet("entropool", pflag.ExitOnError)
	initFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	config, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := initLogger(config.LogLevel)
	log.Info().Msg("entropool starting up")

	svc, err := newService(log, config)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize entropool")
	}

	if err := svc.run(); err != nil {
		log.Fatal().Err(err).Msg("entropool failed")
	}
}

// initLogger configures logging with the standard level and UTC timestamps.
func initLogger(level string) zerolog.Logger {
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Fatal().Str("loglevel", level).Msg("invalid log level")
	}
	return log.Level(lvl)
}

type namedModule struct {
	name   string
	module module.ReadyDoneAware
}

type namedComponent struct {
	name      string
	component component.Component
}

// service holds the wired process: ambient modules that start on Ready, and
// lifecycle components driven by one shared signaler context.
type service struct {
	log    zerolog.Logger
	config *Config
	store  *redisstore.Store
	pool   *pool.Pool

	// modules start before and stop after the components
	modules    []namedModule
	components []namedComponent
}

// newService wires every component of the process. Construction only; no
// goroutine starts until run.
func newService(log zerolog.Logger, config *Config) (*service, error) {
	registryCollector := metrics.NewRegistryCollector()
	poolCollector := metrics.NewPoolCollector()
	storeCollector := metrics.NewStoreCollector()
	waitlistCollector := metrics.NewWaitlistCollector()

	// the store probe heartbeats the /live report; three missed probes in a
	// row flip it
	livenessCollector := liveness.NewCheckCollector(3 * config.StoreProbeInterval)
	metricsServer := metrics.NewServer(
		log,
		config.MetricsAddr,
		config.ProfilerEnabled,
		metrics.WithLivenessCollector(livenessCollector),
	)

	var tracer module.Tracer
	if config.TracerEnabled {
		otelTracer, err := trace.NewTracer(log, "entropool")
		if err != nil {
			return nil, fmt.Errorf("could not create tracer: %w", err)
		}
		tracer = otelTracer
	} else {
		tracer = trace.NewNoopTracer()
	}

	store := redisstore.New(log, storeCollector, config.storeConfig())
	prober := redisstore.NewProber(log, storeCollector, store, livenessCollector.NewCheck(), config.StoreProbeInterval)

	mixer, err := entropy.NewMixer(config.MaxPayloadBytes, config.MaxContributionBytes)
	if err != nil {
		return nil, fmt.Errorf("could not create mixer: %w", err)
	}

	p, err := pool.New(
		log,
		poolCollector,
		tracer,
		store,
		store,
		mixer,
		pool.WithMaxRetries(config.WriteMaxRetries),
		pool.WithRetryBaseDelay(config.WriteRetryBaseDelay),
		pool.WithHistorySize(config.HistorySize),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create pool: %w", err)
	}

	reg := registry.New(log, registryCollector)

	broadcastHub, err := hub.New(log, registryCollector, reg, p, store, hub.WithSweepInterval(config.SweepInterval))
	if err != nil {
		return nil, fmt.Errorf("could not create hub: %w", err)
	}

	waiters, err := waitlist.New(log, waitlistCollector, store, store)
	if err != nil {
		return nil, fmt.Errorf("could not create waitlist: %w", err)
	}

	provider, err := newAssetsProvider(log, config)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(log, config.gatewayConfig(), tracer, p, reg, waiters, provider, prober)
	if err != nil {
		return nil, fmt.Errorf("could not create gateway: %w", err)
	}

	return &service{
		log:    log,
		config: config,
		store:  store,
		pool:   p,
		modules: []namedModule{
			{"tracer", tracer},
			{"metrics server", metricsServer},
		},
		components: []namedComponent{
			{"store prober", prober},
			{"broadcast hub", broadcastHub},
			{"waitlist", waiters},
			{"gateway", gw},
		},
	}, nil
}

// newAssetsProvider serves the web client from S3 when a bucket is
// configured, from a local directory otherwise, with an in-memory cache in
// front of either.
func newAssetsProvider(log zerolog.Logger, config *Config) (assets.Provider, error) {
	var provider assets.Provider
	if config.S3Bucket != "" {
		awsConfig, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("could not load AWS configuration: %w", err)
		}
		provider = assets.NewS3Provider(s3.NewFromConfig(awsConfig), config.S3Bucket, config.S3Prefix)
		log.Info().Str("bucket", config.S3Bucket).Str("prefix", config.S3Prefix).Msg("serving assets from s3")
	} else {
		provider = assets.NewLocalProvider(config.StaticDir)
		log.Info().Str("dir", config.StaticDir).Msg("serving assets from local directory")
	}

	if config.AssetCacheLen <= 0 {
		return provider, nil
	}
	cached, err := assets.NewCachedProvider(provider, config.AssetCacheLen, config.AssetCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("could not create asset cache: %w", err)
	}
	return cached, nil
}

// run brings the process up, blocks until a shutdown signal or an
// irrecoverable error, and takes everything down again. It returns the error
// that ended the run, if any.
func (s *service) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalerCtx, errChan := irrecoverable.WithSignaler(ctx)

	for _, m := range s.modules {
		if err := waitReady(m.name, m.module.Ready()); err != nil {
			return err
		}
		s.log.Info().Msgf("%s ready", m.name)
	}

	s.bootstrap(ctx)

	for _, c := range s.components {
		c.component.Start(signalerCtx)
		select {
		case <-c.component.Ready():
			s.log.Info().Msgf("%s ready", c.name)
		case err := <-errChan:
			cancel()
			return fmt.Errorf("%s failed to start: %w", c.name, err)
		case <-time.After(startupTimeout):
			cancel()
			return fmt.Errorf("%s did not start within %v", c.name, startupTimeout)
		}
	}

	s.log.Info().Msg("entropool startup complete")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sig:
		s.log.Info().Msg("shutdown signal received, stopping")
		signal.Stop(sig)
		go func() {
			forced := make(chan os.Signal, 1)
			signal.Notify(forced, os.Interrupt, syscall.SIGTERM)
			<-forced
			s.log.Warn().Msg("second signal received, exiting immediately")
			os.Exit(1)
		}()
	case runErr = <-errChan:
		s.log.Err(runErr).Msg("irrecoverable error, stopping")
	}

	cancel()

	if err := s.stop(errChan); err != nil && runErr == nil {
		runErr = err
	}

	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("could not close store cleanly")
	}

	return runErr
}

// bootstrap ensures the pool state exists before serving. Best effort: with
// the store down the service starts in degraded stale-read mode and the
// state is created on the first successful read instead.
func (s *service) bootstrap(ctx context.Context) {
	bootstrapCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	state, err := s.pool.Bootstrap(bootstrapCtx)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not bootstrap pool state, starting degraded")
		return
	}
	s.log.Info().Uint64("version", state.Version).Msg("pool state bootstrapped")
}

// stop waits for every component and module to wind down, catching errors
// thrown while stopping. The wait is bounded; a wedged component must not
// keep the process alive forever.
func (s *service) stop(errChan <-chan error) error {
	all := make([]module.ReadyDoneAware, 0, len(s.components)+len(s.modules))
	for _, c := range s.components {
		all = append(all, c.component)
	}
	for _, m := range s.modules {
		all = append(all, m.module)
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- util.WaitError(errChan, util.AllDone(all...))
	}()

	select {
	case err := <-stopped:
		if err != nil {
			return fmt.Errorf("error while stopping: %w", err)
		}
		s.log.Info().Msg("entropool stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout + 5*time.Second):
		return fmt.Errorf("components did not stop within %v", s.config.ShutdownTimeout)
	}
}

func waitReady(name string, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-time.After(startupTimeout):
		return fmt.Errorf("%s did not start within %v", name, startupTimeout)
	}
}

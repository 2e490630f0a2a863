package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/entropool/entropool/engine/gateway"
	"github.com/entropool/entropool/engine/hub"
	"github.com/entropool/entropool/engine/pool"
	"github.com/entropool/entropool/engine/registry"
	"github.com/entropool/entropool/engine/session"
	"github.com/entropool/entropool/model/entropy"
	"github.com/entropool/entropool/storage/redisstore"
)

// All constant strings are used for CLI flag names and the corresponding
// keys for config values. Every flag can also be set through the environment
// with the ENTROPOOL_ prefix and dashes replaced by underscores, e.g.
// ENTROPOOL_REDIS_ADDRESS.
const (
	// process
	logLevel        = "loglevel"
	bindAddr        = "bind-addr"
	metricsAddr     = "metrics-addr"
	profilerEnabled = "profiler-enabled"
	tracerEnabled   = "tracer-enabled"
	shutdownTimeout = "shutdown-timeout"

	// store
	redisAddress       = "redis-address"
	redisPassword      = "redis-password"
	redisDB            = "redis-db"
	redisKeyPrefix     = "redis-key-prefix"
	redisPoolSize      = "redis-pool-size"
	storeProbeInterval = "store-probe-interval"

	// pool
	maxPayloadBytes      = "max-payload-bytes"
	maxContributionBytes = "max-contribution-bytes"
	writeMaxRetries      = "write-max-retries"
	writeRetryBaseDelay  = "write-retry-base-delay"
	historySize          = "history-size"

	// broadcast
	sweepInterval = "sweep-interval"
	queueDepth    = "queue-depth"
	gracePeriod   = "grace-period"

	// sessions
	sessionWriteWait          = "session-write-wait"
	sessionPongWait           = "session-pong-wait"
	sessionInactivityTimeout  = "session-inactivity-timeout"
	sessionDrainTimeout       = "session-drain-timeout"
	sessionMaxResponsesPerSec = "session-max-responses-per-second"

	// gateway
	waitTimeout    = "wait-timeout"
	allowedOrigins = "allowed-origins"

	// assets
	staticDir     = "static-dir"
	s3Bucket      = "s3-bucket"
	s3Prefix      = "s3-prefix"
	assetCacheLen = "asset-cache-size"
	assetCacheTTL = "asset-cache-ttl"
)

// Config carries every tunable of the process. Defaults are production
// values; tests and local runs override the few they care about.
type Config struct {
	LogLevel        string
	BindAddr        string
	MetricsAddr     string
	ProfilerEnabled bool
	TracerEnabled   bool
	ShutdownTimeout time.Duration

	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RedisKeyPrefix     string
	RedisPoolSize      int
	StoreProbeInterval time.Duration

	MaxPayloadBytes      int
	MaxContributionBytes int
	WriteMaxRetries      uint64
	WriteRetryBaseDelay  time.Duration
	HistorySize          int

	SweepInterval time.Duration
	QueueDepth    int
	GracePeriod   time.Duration

	SessionWriteWait          time.Duration
	SessionPongWait           time.Duration
	SessionInactivityTimeout  time.Duration
	SessionDrainTimeout       time.Duration
	SessionMaxResponsesPerSec float64

	WaitTimeout    time.Duration
	AllowedOrigins []string

	StaticDir     string
	S3Bucket      string
	S3Prefix      string
	AssetCacheLen int
	AssetCacheTTL time.Duration
}

// initFlags declares every flag with its default on the given flag set.
func initFlags(flags *pflag.FlagSet) {
	storeDefaults := redisstore.DefaultConfig()

	flags.StringP(logLevel, "l", "info", "level for logging output")
	flags.String(bindAddr, gateway.DefaultListenAddr, "address the gateway server binds to")
	flags.String(metricsAddr, ":9090", "address the metrics server binds to")
	flags.Bool(profilerEnabled, false, "whether to enable the pprof endpoints on the metrics server")
	flags.Bool(tracerEnabled, false, "whether to enable tracing; the OTLP exporter is configured through OTEL_ environment variables")
	flags.Duration(shutdownTimeout, gateway.DefaultShutdownTimeout, "bound on the graceful stop of each component")

	flags.String(redisAddress, storeDefaults.Address, "host:port of the shared redis store")
	flags.String(redisPassword, "", "password of the shared redis store")
	flags.Int(redisDB, storeDefaults.DB, "redis database number")
	flags.String(redisKeyPrefix, storeDefaults.KeyPrefix, "prefix of every redis key and channel")
	flags.Int(redisPoolSize, storeDefaults.PoolSize, "size of the redis connection pool, 0 for the client default")
	flags.Duration(storeProbeInterval, redisstore.DefaultProbeInterval, "how often the store health probe pings redis")

	flags.Int(maxPayloadBytes, entropy.DefaultMaxPayloadBytes, "cap on the pool payload; older content is trimmed beyond it")
	flags.Int(maxContributionBytes, entropy.DefaultMaxContributionBytes, "cap on a single contribution")
	flags.Uint64(writeMaxRetries, pool.DefaultMaxRetries, "how often a conflicting write is retried before the contribution is rejected")
	flags.Duration(writeRetryBaseDelay, pool.DefaultRetryBaseDelay, "first backoff step of the write retry loop")
	flags.Int(historySize, pool.DefaultHistorySize, "number of recently observed states kept for diagnostics")

	flags.Duration(sweepInterval, hub.DefaultSweepInterval, "how often connections are reconciled against the authoritative state")
	flags.Int(queueDepth, registry.DefaultQueueDepth, "outbound queue depth per websocket connection")
	flags.Duration(gracePeriod, registry.DefaultGracePeriod, "how long a connection may sit on an undelivered state before it counts as missed")

	flags.Duration(sessionWriteWait, session.DefaultWriteWait, "deadline applied to every websocket write")
	flags.Duration(sessionPongWait, session.DefaultPongWait, "how long a websocket peer may go without proof of life")
	flags.Duration(sessionInactivityTimeout, session.DefaultInactivityTimeout, "close sessions with no traffic in either direction for this long")
	flags.Duration(sessionDrainTimeout, session.DefaultDrainTimeout, "bound on the final flush of queued state when a session closes")
	flags.Float64(sessionMaxResponsesPerSec, 0, "throttle on outbound session messages, 0 disables")

	flags.Duration(waitTimeout, gateway.DefaultWaitTimeout, "bound on a GET /api/random long poll")
	flags.StringSlice(allowedOrigins, []string{"*"}, "CORS allowlist for the REST surface")

	flags.String(staticDir, "web/static", "directory the web client is served from")
	flags.String(s3Bucket, "", "serve the web client from this S3 bucket instead of a local directory")
	flags.String(s3Prefix, "", "key prefix of the web client objects in the S3 bucket")
	flags.Int(assetCacheLen, 128, "number of assets cached in memory")
	flags.Duration(assetCacheTTL, 5*time.Minute, "how long a cached asset stays fresh")
}

// loadConfig resolves the configuration: CLI flags take precedence over
// ENTROPOOL_ environment variables, which take precedence over defaults.
func loadConfig(flags *pflag.FlagSet) (*Config, error) {
	if err := viper.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("could not bind flags: %w", err)
	}
	viper.SetEnvPrefix("ENTROPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config := &Config{
		LogLevel:        viper.GetString(logLevel),
		BindAddr:        viper.GetString(bindAddr),
		MetricsAddr:     viper.GetString(metricsAddr),
		ProfilerEnabled: viper.GetBool(profilerEnabled),
		TracerEnabled:   viper.GetBool(tracerEnabled),
		ShutdownTimeout: viper.GetDuration(shutdownTimeout),

		RedisAddress:       viper.GetString(redisAddress),
		RedisPassword:      viper.GetString(redisPassword),
		RedisDB:            viper.GetInt(redisDB),
		RedisKeyPrefix:     viper.GetString(redisKeyPrefix),
		RedisPoolSize:      viper.GetInt(redisPoolSize),
		StoreProbeInterval: viper.GetDuration(storeProbeInterval),

		MaxPayloadBytes:      viper.GetInt(maxPayloadBytes),
		MaxContributionBytes: viper.GetInt(maxContributionBytes),
		WriteMaxRetries:      viper.GetUint64(writeMaxRetries),
		WriteRetryBaseDelay:  viper.GetDuration(writeRetryBaseDelay),
		HistorySize:          viper.GetInt(historySize),

		SweepInterval: viper.GetDuration(sweepInterval),
		QueueDepth:    viper.GetInt(queueDepth),
		GracePeriod:   viper.GetDuration(gracePeriod),

		SessionWriteWait:          viper.GetDuration(sessionWriteWait),
		SessionPongWait:           viper.GetDuration(sessionPongWait),
		SessionInactivityTimeout:  viper.GetDuration(sessionInactivityTimeout),
		SessionDrainTimeout:       viper.GetDuration(sessionDrainTimeout),
		SessionMaxResponsesPerSec: viper.GetFloat64(sessionMaxResponsesPerSec),

		WaitTimeout:    viper.GetDuration(waitTimeout),
		AllowedOrigins: viper.GetStringSlice(allowedOrigins),

		StaticDir:     viper.GetString(staticDir),
		S3Bucket:      viper.GetString(s3Bucket),
		S3Prefix:      viper.GetString(s3Prefix),
		AssetCacheLen: viper.GetInt(assetCacheLen),
		AssetCacheTTL: viper.GetDuration(assetCacheTTL),
	}
	return config, nil
}

// storeConfig maps the process config onto the redis store's config.
func (c *Config) storeConfig() redisstore.Config {
	storeCfg := redisstore.DefaultConfig()
	storeCfg.Address = c.RedisAddress
	storeCfg.Password = c.RedisPassword
	storeCfg.DB = c.RedisDB
	storeCfg.KeyPrefix = c.RedisKeyPrefix
	storeCfg.PoolSize = c.RedisPoolSize
	return storeCfg
}

// gatewayConfig maps the process config onto the gateway's config.
func (c *Config) gatewayConfig() gateway.Config {
	return gateway.Config{
		ListenAddr:      c.BindAddr,
		WaitTimeout:     c.WaitTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
		QueueDepth:      c.QueueDepth,
		GracePeriod:     c.GracePeriod,
		Session: session.Config{
			WriteWait:             c.SessionWriteWait,
			PongWait:              c.SessionPongWait,
			InactivityTimeout:     c.SessionInactivityTimeout,
			DrainTimeout:          c.SessionDrainTimeout,
			MaxResponsesPerSecond: c.SessionMaxResponsesPerSec,
		},
		AllowedOrigins: c.AllowedOrigins,
	}
}

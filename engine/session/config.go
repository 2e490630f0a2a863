package session

import "time"

const (
	// DefaultWriteWait bounds every write to the peer, data and control
	// frames alike.
	DefaultWriteWait = 10 * time.Second

	// DefaultPongWait is how long the connection may go without proof of
	// life from the peer. Pings are sent at 9/10 of this interval.
	DefaultPongWait = 20 * time.Second

	// DefaultInactivityTimeout closes sessions that neither received a
	// client message nor delivered a state for the whole interval.
	DefaultInactivityTimeout = time.Minute

	// DefaultDrainTimeout bounds the flush of queued state once a session
	// starts closing.
	DefaultDrainTimeout = 3 * time.Second
)

// Config tunes the per-session websocket protocol.
type Config struct {
	// WriteWait is the deadline applied to every outbound frame.
	WriteWait time.Duration
	// PongWait is the read deadline; it is refreshed by pongs and inbound
	// messages.
	PongWait time.Duration
	// InactivityTimeout ends sessions with no traffic in either direction.
	InactivityTimeout time.Duration
	// DrainTimeout bounds the final flush of queued state.
	DrainTimeout time.Duration
	// MaxResponsesPerSecond throttles outbound messages when positive.
	MaxResponsesPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		WriteWait:         DefaultWriteWait,
		PongWait:          DefaultPongWait,
		InactivityTimeout: DefaultInactivityTimeout,
		DrainTimeout:      DefaultDrainTimeout,
	}
}

// withDefaults fills unset durations so a partially populated Config cannot
// produce zero deadlines or a zero ticker interval.
func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// pingPeriod is the keepalive interval, kept under PongWait so a healthy
// peer always answers in time.
func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

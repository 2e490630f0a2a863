package session

import "time"

// Client actions.
const (
	// ActionContribute asks the server to mix the request payload into the
	// pool.
	ActionContribute = "contribute"
)

// Server message types.
const (
	MessageTypeState = "state"
	MessageTypeAck   = "ack"
	MessageTypeError = "error"
)

// Error codes sent with MessageTypeError. The session stays open after any
// of them; only transport failures end a session.
const (
	ErrorCodeBadRequest          = "bad_request"
	ErrorCodeInvalidContribution = "invalid_contribution"
	ErrorCodeContention          = "contention"
	ErrorCodeStoreUnavailable    = "store_unavailable"
	ErrorCodeInternal            = "internal_error"
)

// Request is one inbound client message.
type Request struct {
	Action  string `json:"action"`
	Payload string `json:"payload,omitempty"`
}

// StateMessage pushes a pool state to the client. Stale marks a cached copy
// served while the store is unreachable.
type StateMessage struct {
	Type      string    `json:"type"`
	Version   uint64    `json:"version"`
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
	Stale     bool      `json:"stale,omitempty"`
}

// AckMessage confirms an accepted contribution and names the version it
// created.
type AckMessage struct {
	Type    string `json:"type"`
	Version uint64 `json:"version"`
}

// ErrorMessage reports a rejected client message.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Package entropy contains the domain model for the shared entropy pool:
// the versioned pool state, client contributions, and the change events
// published whenever the pool advances.
package entropy

import (
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	// UnsetVersion is the version of a pool that has never been written.
	// Real states start at version 1, so a compare-and-swap against
	// UnsetVersion creates the genesis state.
	UnsetVersion uint64 = 0

	// DefaultMaxPayloadBytes caps the pool payload. Older content is
	// discarded from the front when the cap is exceeded.
	DefaultMaxPayloadBytes = 4096

	// DefaultMaxContributionBytes caps a single contribution. It must not
	// exceed the payload cap, otherwise an accepted contribution could be
	// partially discarded by its own write.
	DefaultMaxContributionBytes = 256
)

// State is a snapshot of the shared entropy pool. The pool is owned by the
// external store; every State held in this process is a cached copy.
//
// Version is strictly increasing across successive published states. No
// reader may ever observe a version decrease.
type State struct {
	Version   uint64    `json:"version" msgpack:"version"`
	Payload   string    `json:"payload" msgpack:"payload"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Copy returns an independent copy of the state.
func (s *State) Copy() *State {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Contribution is a client request to mix bytes into the pool. It is
// transient: validated, then either folded into the next State or rejected.
type Contribution struct {
	ConnectionID string    `json:"connection_id,omitempty"`
	Payload      string    `json:"payload"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// ChangeEvent notifies subscribers that the pool advanced. Emitted exactly
// once per successful write; never persisted.
type ChangeEvent struct {
	State State `json:"state" msgpack:"state"`
}

// Mixer folds contributions into pool states deterministically. The zero
// value is not usable; use NewMixer.
type Mixer struct {
	maxPayloadBytes      int
	maxContributionBytes int
}

// NewMixer returns a Mixer with the given caps. Zero or negative caps fall
// back to the defaults.
func NewMixer(maxPayloadBytes, maxContributionBytes int) (*Mixer, error) {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	if maxContributionBytes <= 0 {
		maxContributionBytes = DefaultMaxContributionBytes
	}
	if maxContributionBytes > maxPayloadBytes {
		return nil, fmt.Errorf("contribution cap %d exceeds payload cap %d", maxContributionBytes, maxPayloadBytes)
	}
	return &Mixer{
		maxPayloadBytes:      maxPayloadBytes,
		maxContributionBytes: maxContributionBytes,
	}, nil
}

// Validate checks a contribution against the pool's input rules.
//
// Expected error returns during normal operation:
//   - InvalidContributionError if the payload is empty, oversized, not valid
//     UTF-8, or contains non-printable runes.
func (m *Mixer) Validate(c Contribution) error {
	if len(c.Payload) == 0 {
		return NewInvalidContributionError("payload is empty")
	}
	if len(c.Payload) > m.maxContributionBytes {
		return NewInvalidContributionError("payload exceeds %d bytes", m.maxContributionBytes)
	}
	if !utf8.ValidString(c.Payload) {
		return NewInvalidContributionError("payload is not valid UTF-8")
	}
	for _, r := range c.Payload {
		if !unicode.IsPrint(r) {
			return NewInvalidContributionError("payload contains non-printable rune %q", r)
		}
	}
	return nil
}

// Next computes the successor state for an accepted contribution. The result
// depends only on (cur, c, now): the contribution is appended and the payload
// is trimmed from the front to the configured cap, so the newest bytes always
// survive intact.
func (m *Mixer) Next(cur *State, c Contribution, now time.Time) *State {
	payload := cur.Payload + c.Payload
	if over := len(payload) - m.maxPayloadBytes; over > 0 {
		// trim on a rune boundary so the payload stays valid UTF-8
		for over < len(payload) && !utf8.RuneStart(payload[over]) {
			over++
		}
		payload = payload[over:]
	}
	return &State{
		Version:   cur.Version + 1,
		Payload:   payload,
		UpdatedAt: now,
	}
}

// Genesis builds the first pool state from server-provided seed entropy.
func Genesis(seed string, now time.Time) *State {
	return &State{
		Version:   UnsetVersion + 1,
		Payload:   seed,
		UpdatedAt: now,
	}
}

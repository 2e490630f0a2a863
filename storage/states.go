// Package storage defines the interfaces to the shared state store that owns
// all cross-instance data: the authoritative pool state, the change event
// fan-out, and the randomness waitlist. Implementations live in subpackages;
// everything above this package holds cached copies only.
package storage

import (
	"context"

	"github.com/entropool/entropool/model/entropy"
)

// States provides access to the authoritative pool state.
type States interface {

	// Retrieve returns the current pool state.
	//
	// Expected errors during normal operations:
	//   - storage.ErrNotFound if the pool was never bootstrapped
	//   - storage.ErrUnavailable if the store cannot be reached
	Retrieve(ctx context.Context) (*entropy.State, error)

	// CompareAndSwap stores next if and only if the stored version still
	// equals expectedVersion. Passing entropy.UnsetVersion as the expected
	// version creates the genesis state, failing if any state already exists.
	//
	// Expected errors during normal operations:
	//   - storage.ErrVersionConflict if the stored version differs from expectedVersion
	//   - storage.ErrUnavailable if the store cannot be reached
	CompareAndSwap(ctx context.Context, expectedVersion uint64, next *entropy.State) error
}

// Pinger reports whether the shared store is reachable.
type Pinger interface {

	// Ping performs a round trip to the store.
	//
	// Expected errors during normal operations:
	//   - storage.ErrUnavailable if the store cannot be reached
	Ping(ctx context.Context) error
}

package storage

import (
	"context"

	"github.com/entropool/entropool/model/entropy"
)

// Waitlist coordinates randomness waiters across all instances. Waiters are
// queued in join order in the shared store; the instance that pops a waiter
// delivers the fulfilling state to whichever instance parked it.
type Waitlist interface {

	// Join appends the waiter id to the tail of the shared waitlist.
	//
	// Expected errors during normal operations:
	//   - storage.ErrUnavailable if the store cannot be reached
	Join(ctx context.Context, id string) error

	// Pop removes and returns the waiter id at the head of the waitlist.
	// The pop is atomic: when multiple instances race, exactly one receives
	// each id.
	//
	// Expected errors during normal operations:
	//   - storage.ErrNotFound if the waitlist is empty
	//   - storage.ErrUnavailable if the store cannot be reached
	Pop(ctx context.Context) (string, error)

	// Remove deletes the waiter id from the waitlist regardless of its
	// position. Removing an absent id is not an error.
	//
	// Expected errors during normal operations:
	//   - storage.ErrUnavailable if the store cannot be reached
	Remove(ctx context.Context, id string) error

	// Entries returns the waiter ids currently queued, head first.
	//
	// Expected errors during normal operations:
	//   - storage.ErrUnavailable if the store cannot be reached
	Entries(ctx context.Context) ([]string, error)

	// Fulfill delivers the state to the waiter with the given id, on
	// whichever instance it is parked. Fulfilling a waiter nobody awaits is
	// not an error; the delivery is simply lost.
	//
	// Expected errors during normal operations:
	//   - storage.ErrUnavailable if the store cannot be reached
	Fulfill(ctx context.Context, id string, state *entropy.State) error

	// Await opens the delivery channel for the fulfillment of a single
	// waiter. The caller must Cancel the fulfillment when it stops waiting,
	// whether it was served or not.
	//
	// Expected errors during normal operations:
	//   - storage.ErrUnavailable if the store cannot be reached
	Await(ctx context.Context, id string) (Fulfillment, error)
}

// Fulfillment is the delivery channel for a single waiter.
type Fulfillment interface {

	// States returns the channel the fulfilling state is delivered on. The
	// channel is closed after Cancel, or when the delivery fails terminally.
	States() <-chan *entropy.State

	// Err returns the terminal error of the delivery, or nil after a clean
	// Cancel. Err must only be read after the States channel closed.
	Err() error

	// Cancel tears down the delivery channel. It is safe to call Cancel
	// multiple times and from any goroutine.
	Cancel()
}

package storage

import (
	"context"

	"github.com/entropool/entropool/model/entropy"
)

// Updates is the change event fan-out shared by all instances. An event
// published by any instance is delivered to every live subscription on every
// instance, including the publisher's own.
type Updates interface {

	// Publish broadcasts the change event to all subscribers. Delivery is
	// at-most-once per subscriber; subscribers opened after the call never
	// see the event.
	//
	// Expected errors during normal operations:
	//   - storage.ErrUnavailable if the store cannot be reached
	Publish(ctx context.Context, event *entropy.ChangeEvent) error

	// Subscribe opens a subscription delivering change events published
	// after the call. The subscription survives transient store outages;
	// events published while the connection is down are lost, not replayed.
	//
	// Expected errors during normal operations:
	//   - storage.ErrUnavailable if the store cannot be reached
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a stream of change events. The consumer owns the
// subscription and must Cancel it when done.
type Subscription interface {

	// Events returns the channel events are delivered on. The channel is
	// closed after Cancel, or when the subscription fails terminally.
	Events() <-chan *entropy.ChangeEvent

	// Err returns the terminal error of the subscription, or nil after a
	// clean Cancel. Err must only be read after the Events channel closed.
	Err() error

	// Cancel tears down the subscription and closes the Events channel.
	// It is safe to call Cancel multiple times and from any goroutine.
	Cancel()
}

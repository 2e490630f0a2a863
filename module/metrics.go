package module

import "time"

// RegistryMetrics tracks the population of the connection registry and the
// fate of the connections in it.
type RegistryMetrics interface {
	// ConnectionOpened is called when a connection is added to the registry.
	ConnectionOpened()

	// ConnectionClosed is called when a connection leaves the registry,
	// with the reason the connection was closed.
	ConnectionClosed(reason string)

	// SlowConsumerSuspected is called when a connection accumulates its
	// first missed-delivery strike.
	SlowConsumerSuspected()

	// SlowConsumerEvicted is called when a connection is force-closed for
	// repeatedly failing to drain its queue.
	SlowConsumerEvicted()

	// StateEnqueued is called for every state successfully handed to a
	// connection queue.
	StateEnqueued()

	// StateSuperseded is called when a queued state is replaced by a newer
	// one before the writer could deliver it.
	StateSuperseded()

	// ChangeEventBroadcast is called once per change event fanned out to the
	// registered connections.
	ChangeEventBroadcast()

	// ReconciliationSweep is called once per sweep pass, with the number of
	// connections that were behind and got the state re-enqueued.
	ReconciliationSweep(enqueued int)
}

// PoolMetrics tracks contribution outcomes and the observed pool version.
type PoolMetrics interface {
	// ContributionAccepted is called once per contribution folded into the pool.
	ContributionAccepted()

	// ContributionRejected is called once per rejected contribution, with
	// the rejection reason.
	ContributionRejected(reason string)

	// WriteConflict is called for every compare-and-swap attempt lost to a
	// concurrent writer.
	WriteConflict()

	// PoolVersion reports the latest pool version this instance has observed.
	PoolVersion(version uint64)
}

// StoreMetrics tracks interactions with the shared state store.
type StoreMetrics interface {
	// StoreOperation reports a completed store round trip.
	StoreOperation(operation string, duration time.Duration)

	// StoreOperationFailed is called when a store round trip failed.
	StoreOperationFailed(operation string)

	// StoreAvailable reports the most recent health probe verdict.
	StoreAvailable(available bool)

	// ChangeEventPublished is called for every change event published to the store.
	ChangeEventPublished()

	// ChangeEventReceived is called for every change event received from the store.
	ChangeEventReceived()
}

// WaitlistMetrics tracks the lifecycle of randomness waiters.
type WaitlistMetrics interface {
	// WaiterJoined is called when a waiter is appended to the waitlist.
	WaiterJoined()

	// WaiterFulfilled is called when a waiter is handed a fresh state.
	WaiterFulfilled()

	// WaiterAbandoned is called when a waiter leaves before fulfillment,
	// whether by timeout or disconnect.
	WaiterAbandoned()

	// PendingEvents reports the depth of the buffered change event queue
	// feeding the fulfiller.
	PendingEvents(length int)
}

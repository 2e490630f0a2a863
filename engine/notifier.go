// Package engine holds primitives shared by the service's engines.
package engine

// Notifier tells a worker loop that new work exists without saying how much.
// Any number of Notify calls between two reads collapse into a single wakeup,
// so producers never block and the consumer drains whatever it finds.
//
// The zero value is not usable; create one with NewNotifier. A Notifier can
// be passed by value, all copies share the same wakeup channel.
type Notifier struct {
	wakeup chan struct{}
}

// NewNotifier returns a ready-to-use Notifier.
func NewNotifier() Notifier {
	// capacity 1 so one pending wakeup is remembered even with no consumer
	// currently receiving
	return Notifier{wakeup: make(chan struct{}, 1)}
}

// Notify records that work is pending. It never blocks: if a wakeup is
// already pending, the call is a no-op.
func (n Notifier) Notify() {
	select {
	case n.wakeup <- struct{}{}:
	default:
	}
}

// Channel returns the channel a worker loop selects on. Receiving from it
// consumes the pending wakeup.
func (n Notifier) Channel() <-chan struct{} {
	return n.wakeup
}

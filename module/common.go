package module

import (
	"errors"

	"github.com/entropool/entropool/module/irrecoverable"
)

// ErrMultipleStartup is returned when Start is called more than once on a
// single-use component.
var ErrMultipleStartup = errors.New("component may only be started once")

// ReadyDoneAware provides an easy interface to wait for component startup
// and shutdown. Components that implement this interface only support a
// single start-stop cycle and will not restart after shutdown commenced.
type ReadyDoneAware interface {
	// Ready returns a channel that is closed once startup has completed.
	// This is an idempotent method.
	Ready() <-chan struct{}

	// Done returns a channel that is closed once shutdown has completed.
	// This is an idempotent method.
	Done() <-chan struct{}
}

// Startable provides an interface to start a component. Once started, the
// component can be stopped by cancelling the given context.
type Startable interface {
	// Start starts the component. Any irrecoverable errors are thrown via
	// the given SignalerContext.
	Start(irrecoverable.SignalerContext)
}

// Package irrecoverable implements error escalation for failures a
// component cannot handle locally. Workers run with a SignalerContext;
// throwing on it hands the error to whoever started the component and
// unwinds the throwing goroutine.
package irrecoverable

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"go.uber.org/atomic"
)

// SignalerContext is a context.Context that can carry an irrecoverable
// error out of the goroutine that hit it. It can only be constructed
// through WithSignaler, so a thrown error always has a live receiver.
type SignalerContext interface {
	context.Context

	// Throw delivers an irrecoverable error and never returns.
	Throw(err error)

	sealed()
}

type signalerCtx struct {
	context.Context
	errChan chan error
	thrown  *atomic.Bool
}

func (sc *signalerCtx) sealed() {}

// Throw sends the error to the channel returned by WithSignaler, then
// terminates the calling goroutine with runtime.Goexit, running its deferred
// calls on the way out. Only the first thrown error is delivered; later ones
// are dumped to stderr, since the component is already coming down.
func (sc *signalerCtx) Throw(err error) {
	defer runtime.Goexit()
	if sc.thrown.CompareAndSwap(false, true) {
		sc.errChan <- err
		close(sc.errChan)
	} else {
		fmt.Fprintln(os.Stderr, "unhandled irrecoverable error:", err)
	}
}

// WithSignaler wraps parent so irrecoverable errors can be thrown on it and
// returns the channel those errors arrive on. The channel delivers at most
// one error and is closed immediately after.
func WithSignaler(parent context.Context) (SignalerContext, <-chan error) {
	errChan := make(chan error, 1)
	return &signalerCtx{
		Context: parent,
		errChan: errChan,
		thrown:  atomic.NewBool(false),
	}, errChan
}

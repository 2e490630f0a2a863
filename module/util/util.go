// Package util holds small channel helpers shared by the component
// lifecycle plumbing.
package util

import (
	"github.com/entropool/entropool/module"
)

// AllDone returns a channel that closes once every given component has
// finished shutting down.
func AllDone(components ...module.ReadyDoneAware) <-chan struct{} {
	channels := make([]<-chan struct{}, 0, len(components))
	for _, c := range components {
		channels = append(channels, c.Done())
	}
	return AllClosed(channels...)
}

// AllClosed returns a channel that closes once all input channels have
// closed. The inputs are awaited in order, which is equivalent to waiting
// on all of them at once: the result must not close before the last input.
func AllClosed(channels ...<-chan struct{}) <-chan struct{} {
	all := make(chan struct{})
	go func() {
		defer close(all)
		for _, ch := range channels {
			<-ch
		}
	}()
	return all
}

// CheckClosed reports whether the channel is closed (or has a pending
// value) without blocking. Callers use it to re-check a shutdown signal
// after winning an unrelated select case.
func CheckClosed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// WaitError blocks until either an error arrives or done closes, and
// returns the error if there was one.
//
// When done closes as a consequence of a thrown error, both channels can be
// readable by the time this goroutine is scheduled, and select would pick
// one at random. The nested select re-checks the error channel so a real
// error is never swallowed by losing that coin toss.
func WaitError(errChan <-chan error, done <-chan struct{}) error {
	select {
	case err := <-errChan:
		return err
	case <-done:
		select {
		case err := <-errChan:
			return err
		default:
		}
		return nil
	}
}

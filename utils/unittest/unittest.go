// Package unittest provides the small helpers the component tests lean on:
// a switchable test logger and timeout-bounded waits for lifecycle channels.
package unittest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// RequireCloseBefore fails the test unless the channel closes within the
// given duration. The message names what was being waited for.
func RequireCloseBefore(tb testing.TB, ch <-chan struct{}, within time.Duration, message string) {
	select {
	case <-ch:
	case <-time.After(within):
		require.Fail(tb, "channel did not close in time: "+message)
	}
}

// RequireReturnsBefore fails the test unless f returns within the given
// duration. f keeps running on its goroutine after the failure; callers must
// not pass functions whose late return corrupts test state.
func RequireReturnsBefore(tb testing.TB, f func(), within time.Duration, message string) {
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		f()
	}()
	RequireCloseBefore(tb, returned, within, message)
}

// RunWithTempDir calls f with a fresh directory that is removed when the
// test finishes.
func RunWithTempDir(tb testing.TB, f func(dir string)) {
	f(tb.TempDir())
}

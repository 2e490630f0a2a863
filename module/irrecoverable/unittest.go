package irrecoverable

import (
	"context"
	"testing"
)

// MockSignalerContext fails the test on Throw. It backs component tests in
// which an irrecoverable error is itself the test failure.
type MockSignalerContext struct {
	context.Context
	tb testing.TB
}

var _ SignalerContext = (*MockSignalerContext)(nil)

func (m *MockSignalerContext) sealed() {}

func (m *MockSignalerContext) Throw(err error) {
	m.tb.Fatalf("unexpected irrecoverable error: %v", err)
}

// NewMockSignalerContextWithCancel derives a cancellable MockSignalerContext
// from parent, for driving a component through startup and shutdown in tests.
func NewMockSignalerContextWithCancel(tb testing.TB, parent context.Context) (*MockSignalerContext, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	return &MockSignalerContext{Context: ctx, tb: tb}, cancel
}

// Package counters provides a lock-free strictly monotonic counter, used to
// keep per-connection version watermarks moving in one direction only.
package counters

import "sync/atomic"

// StrictMonotonicCounter only ever moves forward: Set rejects any value that
// does not exceed the stored one. All operations are non-blocking.
type StrictMonotonicCounter struct {
	value uint64
}

// NewMonotonicCounter returns a counter starting at initial.
func NewMonotonicCounter(initial uint64) StrictMonotonicCounter {
	return StrictMonotonicCounter{value: initial}
}

// Set advances the counter to newValue and reports whether it did. A value
// lower than or equal to the stored one leaves the counter untouched, even
// when racing with concurrent Sets.
func (c *StrictMonotonicCounter) Set(newValue uint64) bool {
	for {
		current := c.Value()
		if newValue <= current {
			return false
		}
		if atomic.CompareAndSwapUint64(&c.value, current, newValue) {
			return true
		}
	}
}

// Value returns the stored value.
func (c *StrictMonotonicCounter) Value() uint64 {
	return atomic.LoadUint64(&c.value)
}

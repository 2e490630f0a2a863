// Package fifoqueue implements a bounded FIFO queue for handing work between
// goroutines. Producers push elements and fire a notifier; a consumer drains
// the queue in its own loop. Elements pushed beyond the queue's capacity are
// dropped, which keeps producers non-blocking at the cost of losing the
// newest element under sustained overload.
package fifoqueue

import (
	"fmt"
	"math"
	"sync"

	"github.com/ef-ds/deque"
)

// LengthObserver is called with the queue's new length after every
// successful push and pop. It runs outside the queue's lock but still on the
// caller's hot path, so it must not block; a metrics gauge is the intended
// use.
type LengthObserver func(length int)

// Option configures a queue at construction time.
type Option func(*FifoQueue) error

// WithCapacity bounds the number of queued elements. Pushes against a full
// queue are rejected. Without this option the queue is effectively
// unbounded.
func WithCapacity(capacity int) Option {
	return func(q *FifoQueue) error {
		if capacity < 1 {
			return fmt.Errorf("queue capacity must be positive, got %d", capacity)
		}
		q.capacity = capacity
		return nil
	}
}

// WithLengthObserver registers the observer the queue reports length changes
// to.
func WithLengthObserver(observer LengthObserver) Option {
	return func(q *FifoQueue) error {
		if observer == nil {
			return fmt.Errorf("length observer must not be nil")
		}
		q.onLength = observer
		return nil
	}
}

// FifoQueue is a mutex-guarded FIFO queue, safe for any number of producers
// and consumers.
type FifoQueue struct {
	mu       sync.RWMutex
	elements deque.Deque
	capacity int
	onLength LengthObserver
}

// NewFifoQueue builds a queue with the given options.
func NewFifoQueue(opts ...Option) (*FifoQueue, error) {
	q := &FifoQueue{
		capacity: math.MaxInt,
		onLength: func(int) {},
	}
	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, fmt.Errorf("could not configure queue: %w", err)
		}
	}
	return q, nil
}

// Push appends element to the tail of the queue. It reports false and leaves
// the queue unchanged when the queue is at capacity.
func (q *FifoQueue) Push(element interface{}) bool {
	length, pushed := q.tryPush(element)
	if pushed {
		q.onLength(length)
	}
	return pushed
}

func (q *FifoQueue) tryPush(element interface{}) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.elements.Len() >= q.capacity {
		return q.elements.Len(), false
	}
	q.elements.PushBack(element)
	return q.elements.Len(), true
}

// Pop removes and returns the head of the queue. It reports false when the
// queue is empty.
func (q *FifoQueue) Pop() (interface{}, bool) {
	element, length, popped := q.tryPop()
	if !popped {
		return nil, false
	}
	q.onLength(length)
	return element, true
}

func (q *FifoQueue) tryPop() (interface{}, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	element, popped := q.elements.PopFront()
	return element, q.elements.Len(), popped
}

// Front returns the head of the queue without removing it.
func (q *FifoQueue) Front() (interface{}, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.elements.Front()
}

// Len returns the number of queued elements.
func (q *FifoQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.elements.Len()
}

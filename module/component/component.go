// Package component provides the lifecycle harness for the service's
// long-running parts. A component owns one or more worker goroutines:
// Start launches them, Ready closes once every worker has checked in, and
// Done closes only after the last worker has returned. Workers report
// irrecoverable errors by throwing them on their context, which tears the
// whole component down and rethrows on the parent.
package component

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/module/irrecoverable"
	"github.com/entropool/entropool/module/util"
)

// Component is a startable unit with observable lifecycle edges. After Start
// has been called, Done must eventually close, whether the component wound
// down gracefully or was killed by an irrecoverable error.
type Component interface {
	module.Startable
	module.ReadyDoneAware
}

// ReadyFunc is handed to each worker. The worker calls it exactly when it can
// serve; the manager's Ready channel closes once every worker has done so.
// Calling it more than once is harmless.
type ReadyFunc func()

// Worker is a single goroutine of a component. It must call ready once it is
// operational, run until ctx is cancelled, and throw anything it cannot
// recover from on ctx.
type Worker func(ctx irrecoverable.SignalerContext, ready ReadyFunc)

// Builder collects workers for a ComponentManager.
type Builder struct {
	workers []Worker
}

// NewComponentManagerBuilder returns an empty Builder.
func NewComponentManagerBuilder() *Builder {
	return &Builder{}
}

// AddWorker registers another worker goroutine. All registered workers run
// concurrently once the manager is started. Not safe for concurrent use.
func (b *Builder) AddWorker(worker Worker) *Builder {
	b.workers = append(b.workers, worker)
	return b
}

// Build returns a fresh ComponentManager running the registered workers.
// Every call returns an independent manager, so building twice and starting
// both runs each worker twice.
func (b *Builder) Build() *ComponentManager {
	return &ComponentManager{
		started: atomic.NewBool(false),
		ready:   make(chan struct{}),
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
		workers: b.workers,
	}
}

var _ Component = (*ComponentManager)(nil)

// ComponentManager drives a set of workers through the Component lifecycle
// so the components themselves only write worker functions. Ready and Done
// are safe to call at any point, including before Start.
//
// Shutdown is requested by cancelling the context passed to Start. An error
// thrown by any worker cancels the remaining workers and is rethrown on the
// parent context; either way Done closes only after every worker returned.
type ComponentManager struct {
	started *atomic.Bool
	ready   chan struct{}
	exited  chan struct{}
	done    chan struct{}

	workers []Worker
}

// Start launches all workers. It must be called at most once and panics with
// module.ErrMultipleStartup on a repeated call.
func (c *ComponentManager) Start(parent irrecoverable.SignalerContext) {
	if !c.started.CompareAndSwap(false, true) {
		panic(module.ErrMultipleStartup)
	}

	ctx, cancel := context.WithCancel(parent)
	signalerCtx, errChan := irrecoverable.WithSignaler(ctx)

	var workersReady sync.WaitGroup
	var workersExited sync.WaitGroup
	workersReady.Add(len(c.workers))
	workersExited.Add(len(c.workers))

	for _, worker := range c.workers {
		worker := worker
		go func() {
			defer workersExited.Done()
			var once sync.Once
			worker(signalerCtx, func() {
				once.Do(workersReady.Done)
			})
		}()
	}

	go func() {
		workersReady.Wait()
		close(c.ready)
	}()
	go func() {
		workersExited.Wait()
		close(c.exited)
	}()

	go func() {
		// done must stay open until a thrown error has reached the parent:
		// if it closed first, a caller selecting on Done could observe a
		// clean shutdown and never see the error
		defer func() {
			<-c.exited
			close(c.done)
		}()

		if err := util.WaitError(errChan, c.exited); err != nil {
			cancel()
			parent.Throw(err)
		}
	}()
}

// Ready closes once every worker has called its ReadyFunc. If a worker
// returns without ever reporting ready, the channel never closes.
func (c *ComponentManager) Ready() <-chan struct{} {
	return c.ready
}

// Done closes once every worker has returned and any thrown error has been
// rethrown on the parent context.
func (c *ComponentManager) Done() <-chan struct{} {
	return c.done
}

package component_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/entropool/entropool/module"
	"github.com/entropool/entropool/module/component"
	"github.com/entropool/entropool/module/irrecoverable"
	"github.com/entropool/entropool/utils/unittest"
)

func TestComponentManagerReadyAfterAllWorkers(t *testing.T) {
	release := make(chan struct{})

	cm := component.NewComponentManagerBuilder().
		AddWorker(func(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
			ready()
			<-ctx.Done()
		}).
		AddWorker(func(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
			// hold readiness back until the test releases it
			<-release
			ready()
			<-ctx.Done()
		}).
		Build()

	ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(t, context.Background())
	cm.Start(ctx)

	select {
	case <-cm.Ready():
		t.Fatal("ready must wait for every worker")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	unittest.RequireCloseBefore(t, cm.Ready(), time.Second, "all workers reported ready")

	cancel()
	unittest.RequireCloseBefore(t, cm.Done(), time.Second, "workers exited")
}

func TestComponentManagerDoneWaitsForWorkers(t *testing.T) {
	lingering := make(chan struct{})

	cm := component.NewComponentManagerBuilder().
		AddWorker(func(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
			ready()
			<-ctx.Done()
			// simulate cleanup that outlives the cancellation
			<-lingering
		}).
		Build()

	ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(t, context.Background())
	cm.Start(ctx)
	unittest.RequireCloseBefore(t, cm.Ready(), time.Second, "worker ready")

	cancel()
	select {
	case <-cm.Done():
		t.Fatal("done must wait for the worker to return")
	case <-time.After(50 * time.Millisecond):
	}

	close(lingering)
	unittest.RequireCloseBefore(t, cm.Done(), time.Second, "worker returned")
}

func TestComponentManagerSecondStartPanics(t *testing.T) {
	cm := component.NewComponentManagerBuilder().
		AddWorker(func(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
			ready()
			<-ctx.Done()
		}).
		Build()

	ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(t, context.Background())
	defer cancel()
	cm.Start(ctx)

	require.PanicsWithValue(t, module.ErrMultipleStartup, func() {
		cm.Start(ctx)
	})
}

func TestComponentManagerThrowReachesParent(t *testing.T) {
	failure := errors.New("worker exploded")

	cm := component.NewComponentManagerBuilder().
		AddWorker(func(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
			ready()
			ctx.Throw(failure)
		}).
		AddWorker(func(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
			ready()
			// must be cancelled by the sibling's throw
			<-ctx.Done()
		}).
		Build()

	parent, errChan := irrecoverable.WithSignaler(context.Background())
	cm.Start(parent)

	select {
	case err := <-errChan:
		require.ErrorIs(t, err, failure)
	case <-time.After(time.Second):
		t.Fatal("thrown error never reached the parent")
	}

	unittest.RequireCloseBefore(t, cm.Done(), time.Second, "manager wound down after throw")
}

func TestComponentManagerReadyRequiresEveryWorker(t *testing.T) {
	cm := component.NewComponentManagerBuilder().
		AddWorker(func(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
			ready()
			<-ctx.Done()
		}).
		AddWorker(func(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
			// returns without ever calling ready
		}).
		Build()

	ctx, cancel := irrecoverable.NewMockSignalerContextWithCancel(t, context.Background())
	cm.Start(ctx)

	select {
	case <-cm.Ready():
		t.Fatal("ready must not close when a worker never reported ready")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	unittest.RequireCloseBefore(t, cm.Done(), time.Second, "manager wound down")
}

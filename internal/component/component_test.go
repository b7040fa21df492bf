package component

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	var beforeRan, runRan, cleanupRan int32
	running := make(chan struct{})

	c := New("test.basic", Hooks{
		Before: func(ctx context.Context) error {
			atomic.AddInt32(&beforeRan, 1)
			return nil
		},
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runRan, 1)
			close(running)
			<-ctx.Done()
			return ctx.Err()
		},
		Cleanup: func(ctx context.Context) error {
			atomic.AddInt32(&cleanupRan, 1)
			return nil
		},
	}, nil)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.State())

	<-running
	require.NoError(t, c.Stop())

	assert.Equal(t, StateNone, c.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&beforeRan))
	assert.EqualValues(t, 1, atomic.LoadInt32(&runRan))
	assert.EqualValues(t, 1, atomic.LoadInt32(&cleanupRan))
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	c := New("test.double-start", Hooks{
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, nil)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStopWithoutStartReturnsNotRunning(t *testing.T) {
	c := New("test.never-started", Hooks{}, nil)
	err := c.Stop()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCleanupRunsShieldedAfterCancellation(t *testing.T) {
	cleanupSawCancelledParent := false

	c := New("test.shielded-cleanup", Hooks{
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Cleanup: func(ctx context.Context) error {
			// ctx here is a fresh background context, not the (already
			// cancelled) run context — it must still be usable.
			cleanupSawCancelledParent = ctx.Err() == nil
			return nil
		},
	}, nil)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())
	assert.True(t, cleanupSawCancelledParent)
	assert.Equal(t, StateNone, c.State())
}

func TestWatchObservesEachTransitionOnce(t *testing.T) {
	c := New("test.watch", Hooks{
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, nil)

	require.NoError(t, c.Start(context.Background()))
	noneAgain := c.Watch(StateNone)

	select {
	case <-noneAgain:
		t.Fatal("watch fired before the component ever stopped")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, c.Stop())
	select {
	case <-noneAgain:
	case <-time.After(time.Second):
		t.Fatal("watch never fired after stop")
	}
}

func TestStopAfterRunReturnedIsNotRunning(t *testing.T) {
	boom := errors.New("boom")
	c := New("test.run-error", Hooks{
		Run: func(ctx context.Context) error {
			return boom
		},
	}, nil)

	require.NoError(t, c.Start(context.Background()))
	// Give the Run goroutine a chance to return on its own before Stop
	// observes it.
	<-c.Watch(StateNone)
	err := c.Stop()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestScopedStopsChildBeforeReturning(t *testing.T) {
	var stopped int32
	child := New("test.child", Hooks{
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Cleanup: func(ctx context.Context) error {
			atomic.AddInt32(&stopped, 1)
			return nil
		},
	}, nil)

	err := Scoped(context.Background(), child, func(ctx context.Context) error {
		assert.Equal(t, StateRunning, child.State())
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&stopped))
	assert.Equal(t, StateNone, child.State())
}

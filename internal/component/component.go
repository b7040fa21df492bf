// Package component implements the supervised before/run/cleanup lifecycle
// shared by every long-running subsystem in elva: rooms, stores,
// providers, connections, the relay server and the renderer.
//
// It generalises the shutdown idioms the teacher codebase repeats ad hoc
// in its broker and event-bus types (a context+cancel pair, a
// sync.WaitGroup drained on Close, a background goroutine that must run
// to completion even while the process is shutting down) into one
// reusable state machine with a guaranteed cleanup ordering.
package component

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is a point in a Component's observable lifecycle.
type State int32

const (
	StateNone State = iota
	StateActive
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateActive:
		return "active"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Hooks are the three lifecycle callbacks. Any of them may be nil.
type Hooks struct {
	// Before runs once, synchronously, before the component is marked
	// RUNNING. A non-nil error aborts startup before Run is ever called.
	Before func(ctx context.Context) error

	// Run is the component's main body. It returns when the component's
	// work is done or when ctx is cancelled by Stop. Its error (if any,
	// other than context.Canceled) is recorded but does not change the
	// shutdown sequence: Cleanup always runs.
	Run func(ctx context.Context) error

	// Cleanup always runs exactly once, with cancellation shielded
	// (its context is independent of Run's), whether Run returned on its
	// own or was cancelled mid-flight. A panic in Run is not recovered. This is the durability boundary: anything
	// that must flush before the component reaches StateNone belongs
	// here.
	Cleanup func(ctx context.Context) error
}

// Component is a uniform supervised lifecycle: NONE -> ACTIVE -> RUNNING
// -> (stopping) -> NONE.
type Component struct {
	Name   string
	Hooks  Hooks
	Logger *zap.Logger

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
	watchers map[State][]chan struct{}
}

// New creates a Component. logger may be nil, in which case a no-op
// logger is used.
func New(name string, hooks Hooks, logger *zap.Logger) *Component {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Component{
		Name:     name,
		Hooks:    hooks,
		Logger:   logger.Named(name),
		watchers: make(map[State][]chan struct{}),
	}
}

// ErrAlreadyRunning is returned by Start on a component that is not NONE.
var ErrAlreadyRunning = fmt.Errorf("component: already running")

// ErrNotRunning is returned by Stop on a component that is NONE.
var ErrNotRunning = fmt.Errorf("component: not running")

// State returns the component's current lifecycle state.
func (c *Component) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Watch returns a channel closed the next time the component enters
// state s, or already closed if the component is in s right now.
// Dependent components and tests use this to synchronise on lifecycle
// transitions instead of polling.
func (c *Component) Watch(s State) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	if c.state == s {
		close(ch)
		return ch
	}
	c.watchers[s] = append(c.watchers[s], ch)
	return ch
}

func (c *Component) setState(s State) {
	c.mu.Lock()
	c.state = s
	chs := c.watchers[s]
	delete(c.watchers, s)
	c.mu.Unlock()
	for _, ch := range chs {
		close(ch)
	}
}

// Start runs Before synchronously, then spawns Run in the background.
// It returns once the component has reached RUNNING (or failed to).
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNone {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.setState(StateActive)
	if c.Hooks.Before != nil {
		if err := c.Hooks.Before(runCtx); err != nil {
			cancel()
			c.setState(StateNone)
			close(c.done)
			return err
		}
	}
	c.setState(StateRunning)

	go func() {
		var runErr error
		if c.Hooks.Run != nil {
			runErr = c.Hooks.Run(runCtx)
		} else {
			<-runCtx.Done()
		}

		c.setState(StateStopping)
		// Cleanup is shielded: it gets its own context, independent of
		// the (already cancelled) run context, so it can still perform
		// I/O such as a final store flush.
		if c.Hooks.Cleanup != nil {
			if err := c.Hooks.Cleanup(context.Background()); err != nil {
				c.Logger.Error("cleanup failed", zap.Error(err))
			}
		}

		c.mu.Lock()
		c.runErr = runErr
		c.mu.Unlock()
		c.setState(StateNone)
		close(c.done)
	}()

	return nil
}

// Stop cancels the run context and blocks until Cleanup has completed
// and the component has reached NONE. Re-raises Run's error, if any,
// other than context.Canceled.
func (c *Component) Stop() error {
	c.mu.Lock()
	if c.state == StateNone {
		c.mu.Unlock()
		return ErrNotRunning
	}
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	err := c.runErr
	c.mu.Unlock()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Scoped starts child, invokes fn, and guarantees child.Stop() completes
// before Scoped returns — the "outer component starts inner one and
// guarantees its stop before its own cleanup returns" pattern from the
// nested-usage requirement.
func Scoped(ctx context.Context, child *Component, fn func(ctx context.Context) error) error {
	if err := child.Start(ctx); err != nil {
		return err
	}
	defer child.Stop()
	return fn(ctx)
}

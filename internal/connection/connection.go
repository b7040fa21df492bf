// Package connection implements the client-side reconnecting framed
// transport: dial, pump frames, and on any disconnect — normal or
// abnormal — loop back to the connect phase transparently. Grounded on
// internal/consensus/transport/websocket.go's connectToNodes retry
// loop, rewritten as an explicit Disconnected/Connecting/Connected
// state machine rather than a bare retry goroutine.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/jbdyn/elva/internal/backoff"
	"github.com/jbdyn/elva/internal/component"
	"github.com/jbdyn/elva/internal/transport/wsconn"
)

// Phase is the connection's observable state.
type Phase int32

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Closing
)

// Options are the transport parameters used for each dial attempt.
type Options struct {
	URL    string
	Header http.Header
}

// ExceptionHook is invoked on an HTTP-level handshake failure (invalid
// status, invalid URI, dial error). It may return updated Options
// (e.g. a refreshed authorization header) to merge into the next
// attempt. Returning a non-nil error stops the Connection permanently.
type ExceptionHook func(err error, current Options) (Options, error)

// ErrNotConnected is returned by Send when no live transport is held.
var ErrNotConnected = errors.New("connection: not connected")

// Connection is a Component wrapping one reconnecting websocket
// transport.
type Connection struct {
	*component.Component

	opts        Options
	onConnect   func(ctx context.Context, send func([]byte) error)
	onRecv      func(frame []byte)
	onException ExceptionHook
	backoffCfg  backoff.Config
	logger      *zap.Logger

	mu    sync.Mutex
	phase Phase
	conn  *wsconn.Conn
}

// New creates a Connection. onConnect, if non-nil, is spawned as a
// child task on every successful connect (e.g. to drive proactive
// cross sync). onRecv is called for every inbound frame. onException
// may be nil, in which case a handshake failure is retried with
// backoff and no option changes.
func New(opts Options, onConnect func(ctx context.Context, send func([]byte) error), onRecv func(frame []byte), onException ExceptionHook, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		opts:        opts,
		onConnect:   onConnect,
		onRecv:      onRecv,
		onException: onException,
		backoffCfg:  backoff.DefaultConfig(),
		logger:      logger.Named("connection"),
	}
	c.Component = component.New("connection", component.Hooks{
		Run:     c.run,
		Cleanup: c.cleanup,
	}, logger)
	return c
}

// Phase reports the current connection phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Connection) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Send writes a frame on the current transport. Fails with
// ErrNotConnected while disconnected or reconnecting.
func (c *Connection) Send(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(frame)
}

func (c *Connection) setConn(conn *wsconn.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.phase = Connected
	c.mu.Unlock()
}

func (c *Connection) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.phase = Disconnected
	c.mu.Unlock()
}

func (c *Connection) run(ctx context.Context) error {
	bo := backoff.New(c.backoffCfg)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.setPhase(Connecting)
		conn, resp, err := wsconn.Dial(ctx, c.opts.URL, c.opts.Header)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			if c.onException != nil {
				newOpts, hookErr := c.onException(err, c.opts)
				if hookErr != nil {
					return fmt.Errorf("connection: exception hook aborted reconnection: %w", hookErr)
				}
				c.opts = newOpts
			}
			c.logger.Debug("dial failed, backing off", zap.Error(err))
			if werr := bo.Wait(ctx); werr != nil {
				return werr
			}
			continue
		}

		bo.Reset()
		c.setConn(conn)

		if c.onConnect != nil {
			go c.onConnect(ctx, c.Send)
		}

		onRecv := c.onRecv
		if onRecv == nil {
			onRecv = func([]byte) {}
		}
		pumpErr := conn.Pump(ctx, onRecv)
		conn.Close()
		c.clearConn()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("disconnected, reconnecting", zap.Error(pumpErr))
		if werr := bo.Wait(ctx); werr != nil {
			return werr
		}
	}
}

func (c *Connection) cleanup(ctx context.Context) error {
	c.setPhase(Closing)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

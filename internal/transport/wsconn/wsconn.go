// Package wsconn wraps gorilla/websocket as a frame-oriented transport
// shared by the relay's server side and the client Connection: binary
// messages in, binary messages out, one writer at a time. Grounded on
// internal/consensus/transport/websocket.go's upgrade-then-pump loop,
// swapped from JSON text frames to the raw binary frames the wire
// codec produces.
package wsconn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader is shared by every relay HTTP handler that accepts a
// websocket connection.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is a single binary-framed websocket connection. gorilla/websocket
// forbids concurrent writers, so all sends take writeMu.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// New wraps an already-upgraded or already-dialed websocket connection.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Dial opens a client-side websocket connection and wraps it.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return New(ws), resp, nil
}

// Send writes one binary frame. Safe for concurrent use.
func (c *Conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Ping writes a control ping frame. Safe for concurrent use with Send.
func (c *Conn) Ping(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// SetPongHandler installs a handler invoked on each received pong.
func (c *Conn) SetPongHandler(h func(appData string) error) {
	c.ws.SetPongHandler(h)
}

// SetReadDeadline arms the next read's deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Recv blocks until the next binary frame arrives, skipping any
// non-binary control frames gorilla hands back to ReadMessage.
func (c *Conn) Recv() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Pump runs the receive loop, invoking onFrame for every inbound binary
// frame, until Recv errors (remote close, network failure) or ctx is
// cancelled, whichever comes first.
func (c *Conn) Pump(ctx context.Context, onFrame func(frame []byte)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.ws.Close()
		case <-stop:
		}
	}()

	for {
		frame, err := c.Recv()
		if err != nil {
			return err
		}
		onFrame(frame)
	}
}

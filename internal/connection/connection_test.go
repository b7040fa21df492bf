package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbdyn/elva/internal/component"
	"github.com/jbdyn/elva/internal/transport/wsconn"
)

func echoServer(t *testing.T, closeFirstN int) (*httptest.Server, func() int) {
	t.Helper()
	var mu sync.Mutex
	connCount := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsconn.Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := wsconn.New(ws)

		mu.Lock()
		connCount++
		n := connCount
		mu.Unlock()

		if n <= closeFirstN {
			conn.Close()
			return
		}

		defer conn.Close()
		conn.Pump(context.Background(), func(frame []byte) {
			conn.Send(frame)
		})
	}))

	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return connCount
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectionExchangesFramesAfterConnect(t *testing.T) {
	srv, _ := echoServer(t, 0)
	defer srv.Close()

	var mu sync.Mutex
	var received [][]byte

	onConnect := func(ctx context.Context, send func([]byte) error) {
		send([]byte("hello"))
	}
	onRecv := func(frame []byte) {
		mu.Lock()
		received = append(received, frame)
		mu.Unlock()
	}

	c := New(Options{URL: wsURL(srv)}, onConnect, onRecv, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, []byte("hello"), received[0])
}

func TestConnectionReconnectsAfterServerDrop(t *testing.T) {
	srv, connCount := echoServer(t, 1) // first connection is dropped immediately
	defer srv.Close()

	c := New(Options{URL: wsURL(srv)}, nil, nil, nil, nil)
	c.backoffCfg.Initial = 5 * time.Millisecond
	c.backoffCfg.Max = 20 * time.Millisecond
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if connCount() >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, connCount(), 2)
}

func TestExceptionHookErrorStopsConnectionPermanently(t *testing.T) {
	hookCalled := make(chan struct{}, 1)
	onException := func(err error, opts Options) (Options, error) {
		select {
		case hookCalled <- struct{}{}:
		default:
		}
		return opts, assert.AnError
	}

	c := New(Options{URL: "ws://127.0.0.1:1/does-not-exist"}, nil, nil, onException, nil)
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-c.Watch(component.StateNone):
	case <-time.After(2 * time.Second):
		t.Fatal("connection never stopped after exception hook returned an error")
	}
	assert.Error(t, c.Stop())
}

package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := Upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := New(ws)
		defer conn.Close()
		conn.Pump(context.Background(), func(frame []byte) {
			conn.Send(frame)
		})
	}))
}

func TestSendAndRecvRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer client.Close()

	require.NoError(t, client.Send([]byte{0x00, 0x00, 0x01, 0xff}))

	got, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0xff}, got)
}

func TestPumpStopsWhenContextCancelled(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Pump(ctx, func(frame []byte) {})
	}()

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after context cancellation")
	}
}

package replication

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(2 * time.Second) {
		t.Fatal("nats test server never became ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, srv *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestPublishIsDeliveredToSubscriber(t *testing.T) {
	srv := startTestServer(t)
	pubConn := connect(t, srv)
	subConn := connect(t, srv)

	subscriber := New(subConn, nil)

	received := make(chan []byte, 1)
	unsub, err := subscriber.Subscribe(context.Background(), "room-1", func(update []byte) {
		received <- update
	})
	require.NoError(t, err)
	defer unsub()

	publisher := New(pubConn, nil)
	require.NoError(t, publisher.Publish(context.Background(), "room-1", []byte("update-payload")))

	select {
	case got := <-received:
		assert.Equal(t, []byte("update-payload"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the published update")
	}
}

func TestSubscribersOnDifferentIdentifiersDoNotCrossTalk(t *testing.T) {
	srv := startTestServer(t)
	conn := connect(t, srv)
	r := New(conn, nil)

	receivedA := make(chan []byte, 1)
	unsubA, err := r.Subscribe(context.Background(), "room-a", func(update []byte) { receivedA <- update })
	require.NoError(t, err)
	defer unsubA()

	require.NoError(t, r.Publish(context.Background(), "room-b", []byte("for-b-only")))

	select {
	case <-receivedA:
		t.Fatal("subscriber for room-a must not receive room-b's updates")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	srv := startTestServer(t)
	conn := connect(t, srv)
	r := New(conn, nil)

	received := make(chan []byte, 2)
	unsub, err := r.Subscribe(context.Background(), "room-1", func(update []byte) { received <- update })
	require.NoError(t, err)

	require.NoError(t, r.Publish(context.Background(), "room-1", []byte("first")))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("never received first publish")
	}

	unsub()
	require.NoError(t, r.Publish(context.Background(), "room-1", []byte("second")))

	select {
	case <-received:
		t.Fatal("received a publish after unsubscribing")
	case <-time.After(200 * time.Millisecond):
	}
}

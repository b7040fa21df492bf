package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/jbdyn/elva/internal/awareness"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestFanoutReplicatesLocalChangeToAnotherMap(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	mapA := awareness.New()
	mapB := awareness.New()

	stopA := New(client, "room-1", nil).Start(ctx, mapA)
	defer stopA()
	stopB := New(client, "room-1", nil).Start(ctx, mapB)
	defer stopB()

	mapA.Set("client-1", 1, json.RawMessage(`{"cursor":5}`))

	waitFor(t, func() bool {
		fields, ok := mapB.Get("client-1")
		return ok && string(fields) == `{"cursor":5}`
	})
}

func TestFanoutReplicatesRemovalToAnotherMap(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	mapA := awareness.New()
	mapB := awareness.New()

	stopA := New(client, "room-1", nil).Start(ctx, mapA)
	defer stopA()
	stopB := New(client, "room-1", nil).Start(ctx, mapB)
	defer stopB()

	mapA.Set("client-1", 1, json.RawMessage(`{}`))
	waitFor(t, func() bool {
		_, ok := mapB.Get("client-1")
		return ok
	})

	mapA.Remove("client-1")
	waitFor(t, func() bool {
		_, ok := mapB.Get("client-1")
		return !ok
	})
}

func TestFanoutDoesNotEchoRemoteApplyBackOut(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	mapA := awareness.New()
	mapB := awareness.New()

	stopA := New(client, "room-1", nil).Start(ctx, mapA)
	defer stopA()
	stopB := New(client, "room-1", nil).Start(ctx, mapB)
	defer stopB()

	mapA.Set("client-1", 1, json.RawMessage(`{"cursor":1}`))
	waitFor(t, func() bool {
		_, ok := mapB.Get("client-1")
		return ok
	})

	time.Sleep(100 * time.Millisecond)

	fields, ok := mapA.Get("client-1")
	require.True(t, ok)
	require.JSONEq(t, `{"cursor":1}`, string(fields))
}

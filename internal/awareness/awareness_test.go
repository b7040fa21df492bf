package awareness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAcceptsNewerClockAndRejectsStale(t *testing.T) {
	m := New()
	m.Set("client-1", 1, json.RawMessage(`{"cursor":1}`))
	fields, ok := m.Get("client-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"cursor":1}`, string(fields))

	m.Set("client-1", 1, json.RawMessage(`{"cursor":99}`)) // same clock, stale
	fields, _ = m.Get("client-1")
	assert.JSONEq(t, `{"cursor":1}`, string(fields), "equal clock must not overwrite")

	m.Set("client-1", 2, json.RawMessage(`{"cursor":2}`))
	fields, _ = m.Get("client-1")
	assert.JSONEq(t, `{"cursor":2}`, string(fields))
}

func TestRemoveDropsClientAndNotifiesSink(t *testing.T) {
	m := New()
	var lastRemoved string
	var sawRemoval bool
	m.Observe(func(clientID string, clock uint64, fields json.RawMessage, removed bool) {
		if removed {
			lastRemoved = clientID
			sawRemoval = true
		}
	})

	m.Set("client-1", 1, json.RawMessage(`{}`))
	m.Remove("client-1")

	_, ok := m.Get("client-1")
	assert.False(t, ok)
	assert.True(t, sawRemoval)
	assert.Equal(t, "client-1", lastRemoved)
}

func TestRemoveUnknownClientIsNoop(t *testing.T) {
	m := New()
	called := false
	m.Observe(func(string, uint64, json.RawMessage, bool) { called = true })
	m.Remove("never-existed")
	assert.False(t, called)
}

func TestSnapshotIncludesEveryKnownClient(t *testing.T) {
	m := New()
	m.Set("a", 1, json.RawMessage(`{"name":"alice"}`))
	m.Set("b", 1, json.RawMessage(`{"name":"bob"}`))

	var snap map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(m.Snapshot(), &snap))
	assert.Len(t, snap, 2)
	assert.JSONEq(t, `{"name":"alice"}`, string(snap["a"]))
	assert.JSONEq(t, `{"name":"bob"}`, string(snap["b"]))
}

func TestObserveUnsubscribeStopsNotifications(t *testing.T) {
	m := New()
	calls := 0
	unsub := m.Observe(func(string, uint64, json.RawMessage, bool) { calls++ })

	m.Set("a", 1, json.RawMessage(`{}`))
	assert.Equal(t, 1, calls)

	unsub()
	m.Set("a", 2, json.RawMessage(`{}`))
	assert.Equal(t, 1, calls, "no further notifications after unsubscribe")
}

func TestClockIsMonotonicPerCaller(t *testing.T) {
	c := &Clock{}
	assert.Equal(t, uint64(1), c.Next())
	assert.Equal(t, uint64(2), c.Next())
	assert.Equal(t, uint64(3), c.Next())
}

// Package awareness tracks transient per-client presence state — cursor
// positions, selections, display names — merged last-writer-wins per
// client and never persisted. Grounded on the same per-key LWW
// discipline as internal/crdtdoc's map CRDT, but kept as its own
// package since awareness state is explicitly out of the document's
// replication log: it is propagated best-effort and dropped on
// disconnect.
package awareness

import (
	"encoding/json"
	"sync"
)

// State is one client's presence payload at a point in time.
type State struct {
	ClientID string          `json:"client_id"`
	Clock    uint64          `json:"clock"`
	Fields   json.RawMessage `json:"fields"`
}

// Sink is notified on every change accepted into the map: a newly
// seen client, an updated field set, or a removal. clock is the value
// the change was accepted at, so a sink that re-publishes the change
// elsewhere (internal/awareness/fanout, internal/room) can preserve it
// instead of letting every hop reset it to zero.
type Sink func(clientID string, clock uint64, fields json.RawMessage, removed bool)

// Map holds the current presence state for every known client, with
// no history and no durability: it exists purely for broadcast.
type Map struct {
	mu      sync.Mutex
	entries map[string]State
	sinks   []Sink
}

// New creates an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]State)}
}

// Observe registers fn to be called on every accepted change. Returns
// an unsubscribe function.
func (m *Map) Observe(fn Sink) func() {
	m.mu.Lock()
	m.sinks = append(m.sinks, fn)
	idx := len(m.sinks) - 1
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.sinks[idx] = nil
		m.mu.Unlock()
	}
}

// Set applies a client's presence update if clock is newer than what
// is already known for that client. Stale updates (clock <=
// current) are silently ignored, matching ordinary LWW semantics.
func (m *Map) Set(clientID string, clock uint64, fields json.RawMessage) {
	m.mu.Lock()
	cur, ok := m.entries[clientID]
	if ok && clock <= cur.Clock {
		m.mu.Unlock()
		return
	}
	m.entries[clientID] = State{ClientID: clientID, Clock: clock, Fields: fields}
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	for _, s := range sinks {
		if s != nil {
			s(clientID, clock, fields, false)
		}
	}
}

// Remove drops a client's presence entirely, e.g. on disconnect.
func (m *Map) Remove(clientID string) {
	m.mu.Lock()
	cur, ok := m.entries[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, clientID)
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.Unlock()

	for _, s := range sinks {
		if s != nil {
			s(clientID, cur.Clock, nil, true)
		}
	}
}

// Get returns the current fields for a client and whether it is known.
func (m *Map) Get(clientID string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[clientID]
	if !ok {
		return nil, false
	}
	return st.Fields, true
}

// Snapshot returns every currently known client's state, encoded as a
// JSON object keyed by client id — the on-wire AWARENESS payload shape.
func (m *Map) Snapshot() []byte {
	m.mu.Lock()
	out := make(map[string]json.RawMessage, len(m.entries))
	for id, st := range m.entries {
		out[id] = st.Fields
	}
	m.mu.Unlock()
	b, err := json.Marshal(out)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Clock is a monotonically increasing per-client counter a caller
// advances before each local Set, so concurrent updates from the same
// client are still ordered even though clients never coordinate.
type Clock struct {
	mu sync.Mutex
	n  uint64
}

// Next returns the next clock value, starting at 1.
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	c.n++
	v := c.n
	c.mu.Unlock()
	return v
}

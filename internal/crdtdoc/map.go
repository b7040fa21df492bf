package crdtdoc

import "encoding/json"

// lwwEntry is one field of a Map: a value tagged with the (actor, seq)
// of the op that last wrote it, so concurrent writes resolve
// deterministically across replicas.
type lwwEntry struct {
	version elemID
	value   json.RawMessage
}

// lwwMap is a last-writer-wins register map: one independent LWW slot
// per key.
type lwwMap struct {
	entries map[string]lwwEntry
}

func newLWWMap() *lwwMap {
	return &lwwMap{entries: make(map[string]lwwEntry)}
}

// newer reports whether a should win over b: higher Seq wins, Actor
// breaks ties. Matches the sibling tie-break used by rgaText so "newest
// write" has one consistent meaning across the package.
func newer(a, b elemID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Actor > b.Actor
}

func (m *lwwMap) set(key string, version elemID, value json.RawMessage) {
	if cur, ok := m.entries[key]; ok && !newer(version, cur.version) {
		return
	}
	m.entries[key] = lwwEntry{version: version, value: value}
}

func (m *lwwMap) get(key string) (json.RawMessage, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (m *lwwMap) keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// MapHandle is a replica-local view onto one named Map structure.
type MapHandle struct {
	doc  *Doc
	name string
}

// Set writes value (marshalled to JSON) under key.
func (h MapHandle) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	h.doc.mutate(func(next func() uint64) []Op {
		return []Op{{Target: h.name, Kind: opMapSet, Key: key, Value: raw, Seq: next()}}
	})
	return nil
}

// Get unmarshals the value stored under key into out, reporting whether
// the key is present.
func (h MapHandle) Get(key string, out interface{}) (bool, error) {
	h.doc.mu.Lock()
	raw, ok := h.doc.mapOf(h.name).get(key)
	h.doc.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}
	return true, nil
}

// Keys returns the map's current key set in no particular order.
func (h MapHandle) Keys() []string {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	return h.doc.mapOf(h.name).keys()
}

// Package crdtdoc is the narrow CRDT adapter every Room and Provider
// couples to: state vectors, diffs, idempotent apply, and
// transaction-scoped observers. It generalises the teacher's
// GCounter/PNCounter/GSet/ORSet merge logic from whole-state replication
// into an operation log replicated as delta updates, which is what the
// wire protocol actually carries.
package crdtdoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Origin tags a committed transaction so observers — chiefly the
// Provider — can distinguish locally authored edits from updates it is
// merely re-integrating from the network.
type Origin string

// OriginRemoteApply is the origin attached to every transaction produced
// by Apply. A Provider filters these out of its own "forward to peers"
// observer, since they originated on the wire and forwarding them back
// would echo them to whoever just sent them.
const OriginRemoteApply Origin = "__remote_apply__"

// OriginImplicit is used for mutations made outside an explicit
// Transaction call; each such mutation is auto-wrapped in its own
// single-op transaction.
const OriginImplicit Origin = ""

// Sentinel is the two-byte "empty diff" payload. It must never be
// applied or forwarded.
var Sentinel = []byte{0x00, 0x00}

// IsSentinel reports whether update is the empty-diff sentinel.
func IsSentinel(update []byte) bool {
	return bytes.Equal(update, Sentinel)
}

type opKind string

const (
	opTextInsert opKind = "text.insert"
	opTextDelete opKind = "text.delete"
	opMapSet     opKind = "map.set"
	opCounterAdd opKind = "counter.add"
)

type elemID struct {
	Actor string `json:"a,omitempty"`
	Seq   uint64 `json:"s,omitempty"`
}

func (id elemID) isZero() bool { return id.Actor == "" && id.Seq == 0 }

// less defines the RGA sibling tie-break: among concurrent inserts at
// the same position, the element with the higher (Seq, Actor) sorts
// first. Every replica applies the same rule, so replicas converge on
// the same rendered order regardless of arrival order.
func (id elemID) less(other elemID) bool {
	if id.Seq != other.Seq {
		return id.Seq > other.Seq
	}
	return id.Actor > other.Actor
}

// Op is one mutation against a named structure within a Doc. Which
// fields are meaningful depends on Kind; see the per-type files.
type Op struct {
	Actor  string  `json:"actor"`
	Seq    uint64  `json:"seq"`
	Target string  `json:"target"`
	Kind   opKind  `json:"kind"`
	ID     elemID  `json:"id,omitempty"`
	After  elemID  `json:"after,omitempty"`
	Ch     rune    `json:"ch,omitempty"`
	Key    string  `json:"key,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Delta  int64   `json:"delta,omitempty"`
}

// ObserverFunc is invoked once per committed transaction with the
// encoded update (a JSON array of the ops that made it up) and the
// origin tag it was committed under.
type ObserverFunc func(update []byte, origin Origin)

// Doc is a replicated document: a named collection of Text, Map and
// Counter structures sharing one operation log, one state vector and
// one set of transaction observers.
type Doc struct {
	mu sync.Mutex

	actor      string
	seqCounter uint64
	seen       map[string]uint64
	log        []Op

	texts    map[string]*rgaText
	maps     map[string]*lwwMap
	counters map[string]*pnCounter

	observers map[int]ObserverFunc
	nextObsID int

	txActive bool
	txBatch  []Op
}

// New creates an empty Doc. actor must be unique per replica (a client
// or room identity); it tags every op this replica originates.
func New(actor string) *Doc {
	return &Doc{
		actor:     actor,
		seen:      make(map[string]uint64),
		texts:     make(map[string]*rgaText),
		maps:      make(map[string]*lwwMap),
		counters:  make(map[string]*pnCounter),
		observers: make(map[int]ObserverFunc),
	}
}

// Actor returns the replica identity this Doc tags its ops with.
func (d *Doc) Actor() string { return d.actor }

func (d *Doc) text(name string) *rgaText {
	t, ok := d.texts[name]
	if !ok {
		t = newRGAText()
		d.texts[name] = t
	}
	return t
}

func (d *Doc) mapOf(name string) *lwwMap {
	m, ok := d.maps[name]
	if !ok {
		m = newLWWMap()
		d.maps[name] = m
	}
	return m
}

func (d *Doc) counter(name string) *pnCounter {
	c, ok := d.counters[name]
	if !ok {
		c = newPNCounter()
		d.counters[name] = c
	}
	return c
}

// Text returns a handle bound to the named text structure, creating it
// on first use.
func (d *Doc) Text(name string) TextHandle { return TextHandle{doc: d, name: name} }

// Map returns a handle bound to the named map structure.
func (d *Doc) Map(name string) MapHandle { return MapHandle{doc: d, name: name} }

// Counter returns a handle bound to the named counter structure.
func (d *Doc) Counter(name string) CounterHandle { return CounterHandle{doc: d, name: name} }

// State returns the current state vector: a compact summary of the
// highest op sequence seen per actor.
func (d *Doc) State() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := json.Marshal(d.seen)
	if err != nil {
		return append([]byte(nil), Sentinel...)
	}
	return b
}

// Diff computes the update that brings a peer holding peerState up to
// this Doc's state. Returns Sentinel if there is nothing new.
func (d *Doc) Diff(peerState []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	peerSeen := map[string]uint64{}
	if len(peerState) > 0 && !IsSentinel(peerState) {
		// Malformed peer state is treated as "peer has nothing": we
		// send the full log rather than fail the handshake.
		_ = json.Unmarshal(peerState, &peerSeen)
	}

	var ops []Op
	for _, op := range d.log {
		if op.Seq > peerSeen[op.Actor] {
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return append([]byte(nil), Sentinel...)
	}
	b, err := json.Marshal(ops)
	if err != nil {
		return append([]byte(nil), Sentinel...)
	}
	return b
}

// Apply integrates a remote update. It is a no-op on the sentinel and
// idempotent: ops already reflected in the state vector are skipped.
// Newly applied ops are delivered to observers tagged OriginRemoteApply.
func (d *Doc) Apply(update []byte) error {
	if len(update) == 0 || IsSentinel(update) {
		return nil
	}
	var ops []Op
	if err := json.Unmarshal(update, &ops); err != nil {
		return fmt.Errorf("crdtdoc: malformed update: %w", err)
	}

	d.mu.Lock()
	applied := make([]Op, 0, len(ops))
	for _, op := range ops {
		if op.Seq <= d.seen[op.Actor] {
			continue
		}
		d.applyOpLocked(op)
		d.seen[op.Actor] = op.Seq
		d.log = append(d.log, op)
		applied = append(applied, op)
	}
	d.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}
	b, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("crdtdoc: encoding applied ops: %w", err)
	}
	d.notify(b, OriginRemoteApply)
	return nil
}

// Observe registers fn to run after each committed transaction. The
// returned func unsubscribes it.
func (d *Doc) Observe(fn ObserverFunc) func() {
	d.mu.Lock()
	id := d.nextObsID
	d.nextObsID++
	d.observers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Transaction runs fn with every mutation it makes against this Doc's
// handles batched into one committed transaction, observed once under
// origin. Nested calls while already inside a transaction simply join
// the outer batch.
func (d *Doc) Transaction(origin Origin, fn func()) {
	d.mu.Lock()
	alreadyActive := d.txActive
	if !alreadyActive {
		d.txActive = true
		d.txBatch = nil
	}
	d.mu.Unlock()

	fn()

	if alreadyActive {
		return
	}

	d.mu.Lock()
	batch := d.txBatch
	d.txActive = false
	d.txBatch = nil
	d.mu.Unlock()

	if len(batch) > 0 {
		b, err := json.Marshal(batch)
		if err == nil {
			d.notify(b, origin)
		}
	}
}

// nextSeqLocked allocates the next per-actor op sequence number. Callers must
// hold d.mu.
func (d *Doc) nextSeqLocked() uint64 {
	d.seqCounter++
	return d.seqCounter
}

// mutate assigns sequence numbers via the next() callback, applies the
// resulting ops locally, and either folds them into the active
// transaction's batch or commits them as an implicit single-op
// transaction.
func (d *Doc) mutate(build func(next func() uint64) []Op) {
	d.mu.Lock()
	ops := build(d.nextSeqLocked)
	for i := range ops {
		ops[i].Actor = d.actor
		d.applyOpLocked(ops[i])
		d.seen[d.actor] = ops[i].Seq
		d.log = append(d.log, ops[i])
	}
	inTxn := d.txActive
	if inTxn {
		d.txBatch = append(d.txBatch, ops...)
	}
	d.mu.Unlock()

	if !inTxn && len(ops) > 0 {
		b, err := json.Marshal(ops)
		if err == nil {
			d.notify(b, OriginImplicit)
		}
	}
}

func (d *Doc) applyOpLocked(op Op) {
	switch op.Kind {
	case opTextInsert:
		t := d.text(op.Target)
		t.elems[op.ID] = &textElem{id: op.ID, after: op.After, ch: op.Ch}
		t.insertChild(op.After, op.ID)
	case opTextDelete:
		t := d.text(op.Target)
		if e, ok := t.elems[op.ID]; ok {
			e.deleted = true
		}
	case opMapSet:
		m := d.mapOf(op.Target)
		m.set(op.Key, elemID{Actor: op.Actor, Seq: op.Seq}, op.Value)
	case opCounterAdd:
		c := d.counter(op.Target)
		c.add(op.Actor, op.Delta)
	}
}

func (d *Doc) notify(update []byte, origin Origin) {
	d.mu.Lock()
	fns := make([]ObserverFunc, 0, len(d.observers))
	for _, f := range d.observers {
		fns = append(fns, f)
	}
	d.mu.Unlock()
	for _, f := range fns {
		f(update, origin)
	}
}

package crdtdoc

// pnCounter is a PN-counter: per-actor positive and negative tallies,
// summed to a value that converges regardless of merge order. Grounded
// on the same increment/decrement-bucket idea as a conventional PN
// counter, adapted here to per-actor deltas replicated as ops rather
// than whole-state merges.
type pnCounter struct {
	pos map[string]int64
	neg map[string]int64
}

func newPNCounter() *pnCounter {
	return &pnCounter{pos: make(map[string]int64), neg: make(map[string]int64)}
}

func (c *pnCounter) add(actor string, delta int64) {
	if delta >= 0 {
		c.pos[actor] += delta
	} else {
		c.neg[actor] += -delta
	}
}

func (c *pnCounter) value() int64 {
	var total int64
	for _, v := range c.pos {
		total += v
	}
	for _, v := range c.neg {
		total -= v
	}
	return total
}

// CounterHandle is a replica-local view onto one named Counter
// structure.
type CounterHandle struct {
	doc  *Doc
	name string
}

// Add applies delta (positive or negative) to the counter.
func (h CounterHandle) Add(delta int64) {
	if delta == 0 {
		return
	}
	h.doc.mutate(func(next func() uint64) []Op {
		return []Op{{Target: h.name, Kind: opCounterAdd, Delta: delta, Seq: next()}}
	})
}

// Value returns the counter's current total.
func (h CounterHandle) Value() int64 {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	return h.doc.counter(h.name).value()
}

package crdtdoc

import (
	"sort"
	"strings"
)

// textElem is one character inserted into a Text structure. Deleted
// elements are tombstoned rather than removed, so concurrent deletes
// and inserts around them still converge.
type textElem struct {
	id      elemID
	after   elemID
	ch      rune
	deleted bool
}

// rgaText is a replicated growable array: every element names the
// element it was inserted after (zero elemID meaning "document start"),
// and siblings inserted after the same element are ordered by the RGA
// tie-break rule so every replica renders the same sequence regardless
// of delivery order.
type rgaText struct {
	elems    map[elemID]*textElem
	children map[elemID][]elemID
}

func newRGAText() *rgaText {
	return &rgaText{
		elems:    make(map[elemID]*textElem),
		children: make(map[elemID][]elemID),
	}
}

func (t *rgaText) insertChild(parent, id elemID) {
	siblings := append(t.children[parent], id)
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].less(siblings[j]) })
	t.children[parent] = siblings
}

// visibleIDs walks the tree in render order, skipping tombstones. An
// element whose parent has not yet arrived is simply unreachable from
// the root until the parent does — harmless for convergence, since the
// walk is recomputed on every call rather than cached.
func (t *rgaText) visibleIDs() []elemID {
	var ids []elemID
	var walk func(parent elemID)
	walk = func(parent elemID) {
		for _, id := range t.children[parent] {
			if e := t.elems[id]; e != nil && !e.deleted {
				ids = append(ids, id)
			}
			walk(id)
		}
	}
	walk(elemID{})
	return ids
}

func (t *rgaText) value() string {
	var sb strings.Builder
	for _, id := range t.visibleIDs() {
		sb.WriteRune(t.elems[id].ch)
	}
	return sb.String()
}

// TextHandle is a replica-local view onto one named Text structure of a
// Doc. Every mutation becomes an Op recorded into the Doc's log and, if
// not already inside an explicit Transaction, committed immediately as
// its own single-op transaction.
type TextHandle struct {
	doc  *Doc
	name string
}

// Value renders the current visible contents.
func (h TextHandle) Value() string {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	return h.doc.text(h.name).value()
}

// Len returns the number of visible runes.
func (h TextHandle) Len() int {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	return len(h.doc.text(h.name).visibleIDs())
}

// Insert splices s into the text at the given visible-rune index.
func (h TextHandle) Insert(index int, s string) {
	if s == "" {
		return
	}
	h.doc.mutate(func(next func() uint64) []Op {
		t := h.doc.text(h.name)
		ids := t.visibleIDs()
		after := elemID{}
		if index > 0 {
			pos := index - 1
			if pos >= len(ids) {
				pos = len(ids) - 1
			}
			if pos >= 0 {
				after = ids[pos]
			}
		}

		ops := make([]Op, 0, len([]rune(s)))
		for _, r := range s {
			id := elemID{Actor: h.doc.actor, Seq: next()}
			ops = append(ops, Op{Target: h.name, Kind: opTextInsert, ID: id, After: after, Ch: r, Seq: id.Seq})
			after = id
		}
		return ops
	})
}

// Delete removes length visible runes starting at index.
func (h TextHandle) Delete(index, length int) {
	if length <= 0 {
		return
	}
	h.doc.mutate(func(next func() uint64) []Op {
		t := h.doc.text(h.name)
		ids := t.visibleIDs()
		end := index + length
		if end > len(ids) {
			end = len(ids)
		}
		if index < 0 || index >= end {
			return nil
		}

		ops := make([]Op, 0, end-index)
		for i := index; i < end; i++ {
			ops = append(ops, Op{Target: h.name, Kind: opTextDelete, ID: ids[i], Seq: next()})
		}
		return ops
	})
}

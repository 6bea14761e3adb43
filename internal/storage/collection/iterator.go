package collection

import (
	"github.com/google/btree"

	"github.com/devrev/pairdb/adstore/internal/classad"
)

// State is the position of an iterator.
type State int

const (
	BeforeStart State = iota
	AtElement
	AfterEnd
	Invalid
)

func (s State) String() string {
	switch s {
	case BeforeStart:
		return "before_start"
	case AtElement:
		return "at_element"
	case AfterEnd:
		return "after_end"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Flags record what happened to a collection since an iterator last moved.
type Flags uint8

const (
	ItemAdded Flags = 1 << iota
	ItemRemoved
	// Moved means the element under the iterator was removed and the
	// iterator now points at its successor.
	Moved
)

// ContentIterator walks the members of a collection in rank order.
type ContentIterator struct {
	h     *Hierarchy
	coll  ID
	id    uint64
	state State
	flags Flags
	cur   rankedRecord
}

// OpenContentIterator opens an iterator over the members of a collection.
// The iterator stays registered with the collection until Close.
func (h *Hierarchy) OpenContentIterator(id ID) (*ContentIterator, bool) {
	c, ok := h.colls[id]
	if !ok {
		return nil, false
	}
	h.nextIter++
	it := &ContentIterator{h: h, coll: id, id: h.nextIter, state: BeforeStart}
	c.contentIters[it.id] = it
	return it, true
}

// Next moves to the next member and reports whether the iterator is at an
// element. After the current member was removed the iterator already sits
// on its successor; the following Next stays there so no member is
// skipped.
func (it *ContentIterator) Next() bool {
	switch it.state {
	case Invalid, AfterEnd:
		return false
	}

	moved := it.flags&Moved != 0
	it.flags = 0
	if moved && it.state == AtElement {
		return true
	}

	c := it.h.colls[it.coll]
	var next rankedRecord
	var found bool
	if it.state == BeforeStart {
		next, found = c.members.Min()
	} else {
		next, found = successor(c.members, lessRanked, it.cur)
	}
	it.moveTo(next, found)
	return found
}

func (it *ContentIterator) moveTo(next rankedRecord, found bool) {
	if found {
		it.cur = next
		it.state = AtElement
		return
	}
	it.cur = rankedRecord{}
	it.state = AfterEnd
}

// Current returns the key of the member under the iterator.
func (it *ContentIterator) Current() (string, bool) {
	if it.state != AtElement {
		return "", false
	}
	return it.cur.key, true
}

// CurrentRank returns the rank of the member under the iterator.
func (it *ContentIterator) CurrentRank() (float64, bool) {
	if it.state != AtElement {
		return 0, false
	}
	return it.cur.rank, true
}

// CurrentAd returns a copy of the record under the iterator.
func (it *ContentIterator) CurrentAd() (classad.Ad, bool) {
	if it.state != AtElement {
		return nil, false
	}
	ad, ok := it.h.source.Get(it.cur.key)
	if !ok {
		return nil, false
	}
	return ad.Copy(), true
}

// AtEnd reports whether the iterator has no further elements.
func (it *ContentIterator) AtEnd() bool {
	return it.state == AfterEnd || it.state == Invalid
}

// State returns the iterator position.
func (it *ContentIterator) State() State { return it.state }

// Flags returns the notifications received since the iterator last moved.
func (it *ContentIterator) Flags() Flags { return it.flags }

// Collection returns the collection the iterator was opened on.
func (it *ContentIterator) Collection() ID { return it.coll }

// Close unregisters the iterator. A closed iterator is invalid.
func (it *ContentIterator) Close() {
	if it.state == Invalid {
		return
	}
	if c, ok := it.h.colls[it.coll]; ok {
		delete(c.contentIters, it.id)
	}
	it.invalidate()
}

func (it *ContentIterator) updateForInsertion() {
	it.flags |= ItemAdded
}

func (it *ContentIterator) updateForDeletion(item rankedRecord) {
	it.flags |= ItemRemoved
	if it.state != AtElement || it.cur.key != item.key {
		return
	}
	it.flags |= Moved
	next, found := successor(it.h.colls[it.coll].members, lessRanked, it.cur)
	it.moveTo(next, found)
}

func (it *ContentIterator) invalidate() {
	it.state = Invalid
	it.cur = rankedRecord{}
}

// ChildIterator walks the child collection ids of a collection in
// ascending order.
type ChildIterator struct {
	h     *Hierarchy
	coll  ID
	id    uint64
	state State
	flags Flags
	cur   ID
}

// OpenChildIterator opens an iterator over the children of a collection.
func (h *Hierarchy) OpenChildIterator(id ID) (*ChildIterator, bool) {
	c, ok := h.colls[id]
	if !ok {
		return nil, false
	}
	h.nextIter++
	it := &ChildIterator{h: h, coll: id, id: h.nextIter, state: BeforeStart}
	c.childIters[it.id] = it
	return it, true
}

// Next moves to the next child, with the same removal semantics as
// ContentIterator.Next.
func (it *ChildIterator) Next() bool {
	switch it.state {
	case Invalid, AfterEnd:
		return false
	}

	moved := it.flags&Moved != 0
	it.flags = 0
	if moved && it.state == AtElement {
		return true
	}

	c := it.h.colls[it.coll]
	var next ID
	var found bool
	if it.state == BeforeStart {
		next, found = c.children.Min()
	} else {
		next, found = successor(c.children, lessID, it.cur)
	}
	it.moveTo(next, found)
	return found
}

func (it *ChildIterator) moveTo(next ID, found bool) {
	if found {
		it.cur = next
		it.state = AtElement
		return
	}
	it.state = AfterEnd
}

// Current returns the child id under the iterator.
func (it *ChildIterator) Current() (ID, bool) {
	if it.state != AtElement {
		return 0, false
	}
	return it.cur, true
}

// AtEnd reports whether the iterator has no further elements.
func (it *ChildIterator) AtEnd() bool {
	return it.state == AfterEnd || it.state == Invalid
}

// State returns the iterator position.
func (it *ChildIterator) State() State { return it.state }

// Flags returns the notifications received since the iterator last moved.
func (it *ChildIterator) Flags() Flags { return it.flags }

// Close unregisters the iterator. A closed iterator is invalid.
func (it *ChildIterator) Close() {
	if it.state == Invalid {
		return
	}
	if c, ok := it.h.colls[it.coll]; ok {
		delete(c.childIters, it.id)
	}
	it.invalidate()
}

func (it *ChildIterator) updateForInsertion() {
	it.flags |= ItemAdded
}

func (it *ChildIterator) updateForDeletion(child ID) {
	it.flags |= ItemRemoved
	if it.state != AtElement || it.cur != child {
		return
	}
	it.flags |= Moved
	next, found := successor(it.h.colls[it.coll].children, lessID, it.cur)
	it.moveTo(next, found)
}

func (it *ChildIterator) invalidate() {
	it.state = Invalid
}

// QueryIterator walks the members of a collection that satisfy an ad-hoc
// constraint, without creating a view.
type QueryIterator struct {
	*ContentIterator
	constraint string
}

// OpenQueryIterator opens a filtered iterator over a collection.
func (h *Hierarchy) OpenQueryIterator(id ID, constraint string) (*QueryIterator, bool) {
	it, ok := h.OpenContentIterator(id)
	if !ok {
		return nil, false
	}
	return &QueryIterator{ContentIterator: it, constraint: constraint}, true
}

// Next moves to the next member satisfying the constraint. An empty
// constraint matches every member.
func (q *QueryIterator) Next() bool {
	for q.ContentIterator.Next() {
		if q.constraint == "" {
			return true
		}
		ad, ok := q.h.source.Get(q.cur.key)
		if !ok {
			continue
		}
		if b, ok := q.h.eval.Evaluate(ad, q.constraint).CoerceToBool(); ok && b {
			return true
		}
	}
	return false
}

// successor returns the first item strictly after cur.
func successor[T any](t *btree.BTreeG[T], less btree.LessFunc[T], cur T) (T, bool) {
	var next T
	var found bool
	t.AscendGreaterOrEqual(cur, func(item T) bool {
		if !less(cur, item) {
			return true
		}
		next, found = item, true
		return false
	})
	return next, found
}

package docstore

import (
	"fmt"
	"sync"
)

// Tail turns a snapshot plus a stream of revisioned document changes into
// the Handlers contract of a subscription. Stores that learn about writes
// from an external feed (NATS, LISTEN/NOTIFY) register for the feed first,
// then read the snapshot and Start the tail. Changes pushed before Start are
// held back; changes at or below a known revision are dropped.
type Tail struct {
	q Query
	h Handlers

	mu      sync.Mutex
	ready   bool
	closed  bool
	pending []tailChange
	revs    map[string]int64
	visible map[string]bool
	seq     uint64
}

type tailChange struct {
	id   string
	rev  int64
	next Fields
}

// NewTail creates a Tail delivering matches of q to h.
func NewTail(q Query, h Handlers) *Tail {
	return &Tail{
		q:       q,
		h:       h,
		revs:    make(map[string]int64),
		visible: make(map[string]bool),
	}
}

// Start delivers snapshot as Added and replays held-back changes. revs maps
// each snapshot document to its revision.
func (t *Tail) Start(snapshot []Document, revs map[string]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, d := range snapshot {
		t.revs[d.ID] = revs[d.ID]
		t.visible[d.ID] = true
		t.deliver(Added, d)
	}
	for _, c := range t.pending {
		t.apply(c)
	}
	t.pending = nil
	t.ready = true
}

// Push feeds one change with the full new contents of document id.
func (t *Tail) Push(id string, rev int64, next Fields) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := tailChange{id: id, rev: rev, next: next}
	switch {
	case t.closed:
	case !t.ready:
		t.pending = append(t.pending, c)
	default:
		t.apply(c)
	}
}

// apply delivers c if it is newer than what the tail has seen. Caller holds
// mu.
func (t *Tail) apply(c tailChange) {
	if c.rev <= t.revs[c.id] {
		return
	}
	t.revs[c.id] = c.rev

	if !t.q.Matches(c.next) {
		delete(t.visible, c.id)
		return
	}
	kind := Modified
	if !t.visible[c.id] {
		kind = Added
		t.visible[c.id] = true
	}
	t.deliver(kind, Document{ID: c.id, Fields: c.next})
}

// deliver invokes the change handler. Caller holds mu.
func (t *Tail) deliver(kind ChangeKind, d Document) {
	t.seq++
	if t.h.OnChange != nil {
		t.h.OnChange(Change{Kind: kind, Doc: d, Seq: t.seq})
	}
}

// Lost closes the tail and reports ErrSubscriptionLost, wrapping cause. It
// returns false if the tail was already closed.
func (t *Tail) Lost(cause error) bool {
	if !t.Close() {
		return false
	}
	if t.h.OnError != nil {
		err := ErrSubscriptionLost
		if cause != nil {
			err = fmt.Errorf("%w: %v", ErrSubscriptionLost, cause)
		}
		t.h.OnError(err)
	}
	return true
}

// Close stops delivery. It returns false if the tail was already closed.
func (t *Tail) Close() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	t.pending = nil
	return true
}

package docstore

import (
	"sync"
	"sync/atomic"
)

// Hub fans document writes out to in-process subscriptions. Stores that
// observe their own writes (Memory, the sqlite backend) share it.
//
// Callers must serialize Notify with their writes and call Add while
// holding the same lock used to read the snapshot, so that no write falls
// between snapshot and registration.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[uint64]*hubSub
	next uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]*hubSub)}
}

type hubSub struct {
	hub        *Hub
	collection string
	id         uint64
	q          Query
	h          Handlers
	seq        uint64
	inflight   sync.WaitGroup
	closed     atomic.Bool
}

// Add registers a subscription and delivers snapshot as Added changes.
func (h *Hub) Add(collection string, q Query, hd Handlers, snapshot []Document) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	s := &hubSub{hub: h, collection: collection, id: h.next, q: q, h: hd}
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[uint64]*hubSub)
	}
	h.subs[collection][s.id] = s

	for _, d := range snapshot {
		s.deliver(Added, d)
	}
	return s
}

// Notify reports that document id changed from prev to next. prev is nil
// for a newly created document.
func (h *Hub) Notify(collection, id string, prev, next Fields) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.subs[collection] {
		if !s.q.Matches(next) {
			continue
		}
		kind := Modified
		if prev == nil || !s.q.Matches(prev) {
			kind = Added
		}
		s.deliver(kind, Document{ID: id, Fields: next.Clone()})
	}
}

// Disconnect drops every live subscription. Each one receives
// ErrSubscriptionLost after its in-flight changes were delivered.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	var dropped []*hubSub
	for coll, subs := range h.subs {
		for _, s := range subs {
			dropped = append(dropped, s)
		}
		delete(h.subs, coll)
	}
	h.mu.Unlock()

	for _, s := range dropped {
		go func(s *hubSub) {
			s.inflight.Wait()
			if s.closed.Swap(true) {
				return
			}
			if s.h.OnError != nil {
				s.h.OnError(ErrSubscriptionLost)
			}
		}(s)
	}
}

// Len returns the number of live subscriptions on a collection.
func (h *Hub) Len(collection string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[collection])
}

// deliver assigns the next sequence number and dispatches on a fresh
// goroutine. Caller holds h.mu.
func (s *hubSub) deliver(kind ChangeKind, d Document) {
	s.seq++
	c := Change{Kind: kind, Doc: d, Seq: s.seq}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if s.closed.Load() || s.h.OnChange == nil {
			return
		}
		s.h.OnChange(c)
	}()
}

func (s *hubSub) Unsubscribe() error {
	s.closed.Store(true)
	s.hub.mu.Lock()
	delete(s.hub.subs[s.collection], s.id)
	s.hub.mu.Unlock()
	return nil
}

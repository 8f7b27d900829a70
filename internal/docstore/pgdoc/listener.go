package pgdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tourchat/chat-core/internal/docstore"
)

// notification is the payload sent by the documents_notify trigger. It names
// the written row; the contents are read back with fetch.
type notification struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Rev        int64  `json:"rev"`
}

// fetchTimeout bounds the read that follows each notification.
const fetchTimeout = 5 * time.Second

type subscription struct {
	store      *Store
	collection string
	key        uint64
	tail       *docstore.Tail
}

func (sub *subscription) Unsubscribe() error {
	sub.tail.Close()
	sub.store.unregister(sub.collection, sub.key)
	return nil
}

// Subscribe registers the subscription before reading the snapshot, so a
// write between the two is replayed and deduplicated by revision.
func (s *Store) Subscribe(ctx context.Context, collection string, q docstore.Query, h docstore.Handlers) (docstore.Subscription, error) {
	if !s.online.Load() {
		return nil, docstore.Unavailable(errors.New("pgdoc: change listener disconnected"))
	}
	tail := docstore.NewTail(q, h)

	s.mu.Lock()
	s.next++
	key := s.next
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[uint64]*docstore.Tail)
	}
	s.subs[collection][key] = tail
	s.mu.Unlock()

	docs, revs, err := s.query(ctx, collection, q)
	if err != nil {
		tail.Close()
		s.unregister(collection, key)
		return nil, fail("subscribe", err)
	}
	tail.Start(docs, revs)
	return &subscription{store: s, collection: collection, key: key, tail: tail}, nil
}

func (s *Store) unregister(collection string, key uint64) {
	s.mu.Lock()
	delete(s.subs[collection], key)
	s.mu.Unlock()
}

// Subscribers returns the number of live subscriptions on a collection.
func (s *Store) Subscribers(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[collection])
}

func (s *Store) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// The listener reconnected; notifications may have been missed.
				s.dropAll(errors.New("listener reconnected"))
				continue
			}
			s.route(n)
		}
	}
}

func (s *Store) route(n *pq.Notification) {
	var ev notification
	if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
		s.log.Warn().Err(err).Msg("malformed notification")
		return
	}

	s.mu.Lock()
	tails := make([]*docstore.Tail, 0, len(s.subs[ev.Collection]))
	for _, t := range s.subs[ev.Collection] {
		tails = append(tails, t)
	}
	s.mu.Unlock()
	if len(tails) == 0 {
		return
	}

	r, err := s.fetch(ev.Collection, ev.ID)
	if err != nil {
		// The change cannot be delivered, so the collection's tails are behind.
		s.log.Warn().Err(err).Str("collection", ev.Collection).Str("id", ev.ID).Msg("read after notification failed")
		s.dropCollection(ev.Collection, err)
		return
	}
	d, err := r.document()
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable document")
		return
	}
	// The row may already be past ev.Rev; tails skip revisions they have seen.
	for _, t := range tails {
		t.Push(d.ID, r.Rev, d.Fields)
	}
}

// fetch reads the current contents and revision of one row.
func (s *Store) fetch(collection, id string) (row, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT id, fields, rev FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return row{}, fmt.Errorf("pgdoc: read %s/%s: %w", collection, id, err)
	}
	return r, nil
}

func (s *Store) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.online.Store(true)
	case pq.ListenerEventDisconnected:
		s.online.Store(false)
		s.log.Warn().Err(err).Msg("change listener disconnected")
		s.dropAll(err)
	case pq.ListenerEventReconnected:
		s.online.Store(true)
		s.log.Info().Msg("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		s.log.Warn().Err(err).Msg("change listener connection attempt failed")
	}
}

// dropCollection ends the live subscriptions of one collection.
func (s *Store) dropCollection(collection string, cause error) {
	s.mu.Lock()
	subs := s.subs[collection]
	delete(s.subs, collection)
	s.mu.Unlock()

	for _, t := range subs {
		t.Lost(cause)
	}
}

// dropAll ends every live subscription with ErrSubscriptionLost.
func (s *Store) dropAll(cause error) {
	s.mu.Lock()
	var tails []*docstore.Tail
	for coll, subs := range s.subs {
		for _, t := range subs {
			tails = append(tails, t)
		}
		delete(s.subs, coll)
	}
	s.mu.Unlock()

	for _, t := range tails {
		t.Lost(cause)
	}
}

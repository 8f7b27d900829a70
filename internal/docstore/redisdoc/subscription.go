package redisdoc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/messaging"
)

type subscription struct {
	tail *docstore.Tail
	log  zerolog.Logger

	mu   sync.Mutex
	nsub *messaging.Subscription
}

// Subscribe registers on NATS first, then reads the snapshot, so no write
// between the two is lost.
func (s *Store) Subscribe(ctx context.Context, collection string, q docstore.Query, h docstore.Handlers) (docstore.Subscription, error) {
	sub := &subscription{
		tail: docstore.NewTail(q, h),
		log:  s.log.With().Str("collection", collection).Logger(),
	}

	nsub, err := s.nats.SubscribeDocChanges(collection, sub.onMessage, sub.onDisconnect)
	if err != nil {
		return nil, fail("subscribe", err)
	}
	sub.mu.Lock()
	sub.nsub = nsub
	sub.mu.Unlock()

	snapshot, revs, err := s.query(ctx, collection, q)
	if err != nil {
		sub.tail.Close()
		_ = nsub.Unsubscribe()
		return nil, fail("subscribe", err)
	}
	sub.tail.Start(snapshot, revs)
	return sub, nil
}

func (sub *subscription) onMessage(data []byte) {
	var ev changeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		sub.log.Warn().Err(err).Msg("malformed change event")
		return
	}
	sub.tail.Push(ev.ID, ev.Rev, ev.Next)
}

func (sub *subscription) onDisconnect(err error) {
	if sub.tail.Lost(err) {
		_ = sub.release()
	}
}

func (sub *subscription) release() error {
	sub.mu.Lock()
	nsub := sub.nsub
	sub.mu.Unlock()
	if nsub == nil {
		return nil
	}
	return nsub.Unsubscribe()
}

func (sub *subscription) Unsubscribe() error {
	sub.tail.Close()
	return sub.release()
}

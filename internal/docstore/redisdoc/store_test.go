package redisdoc

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/docstore/docstoretest"
	"github.com/tourchat/chat-core/internal/messaging"
)

// newTestStore connects to Redis (DB 15) and NATS on localhost or skips.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	cfg := messaging.DefaultNATSConfig()
	cfg.MaxReconnects = 0
	nc, err := messaging.NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(nc.Close)

	return New(rdb, nc, zerolog.Nop(), opts...)
}

func TestStore_Contract(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store { return newTestStore(t) })
}

func TestStore_ContractWithoutIndexes(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store { return newTestStore(t, WithIndexes()) })
}

func TestStore_HidesRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	coll := "rev" + time.Now().Format("150405.000000")

	id, err := s.Create(ctx, coll, docstore.Fields{"status": "sent"})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, coll, id, docstore.Fields{"status": "read"}))

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, docstore.Fields{"status": "read"}, doc.Fields)

	raw, err := s.rdb.HGet(ctx, docKey(coll, id), revField).Result()
	require.NoError(t, err)
	assert.Equal(t, "2", raw)
}

func TestStore_IndexFollowsUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	coll := "idx" + time.Now().Format("150405.000000")

	id, err := s.Create(ctx, coll, docstore.Fields{"status": "sent"})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, coll, id, docstore.Fields{"status": "read"}))

	sent, err := s.rdb.SMembers(ctx, idxKey(coll, "status", "sent")).Result()
	require.NoError(t, err)
	assert.Empty(t, sent)
	read, err := s.rdb.SMembers(ctx, idxKey(coll, "status", "read")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, read)
}

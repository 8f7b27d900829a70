// Package docstoretest holds the behavioural tests every docstore.Store
// implementation must pass.
package docstoretest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourchat/chat-core/internal/docstore"
)

// Opener returns a ready store. It registers its own cleanup on t.
type Opener func(t *testing.T) docstore.Store

// Run executes the store contract against stores returned by open. Every
// subtest uses fresh collection names so backends may share a database.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s docstore.Store, coll string)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateWithIDIsIdempotent", testCreateWithID},
		{"PutReplaces", testPut},
		{"UpdateIsPartial", testUpdate},
		{"UpdateIf", testUpdateIf},
		{"ConcurrentUpdateIfAppliesOnce", testConcurrentUpdateIf},
		{"QueryOrdersByField", testQuery},
		{"EqualKeysKeepCreationOrder", testEqualKeys},
		{"UpdateWhere", testUpdateWhere},
		{"SubscribeSnapshotThenLive", testSubscribe},
		{"UnsubscribeStopsDelivery", testUnsubscribe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t), "t"+uuid.NewString()[:8])
		})
	}
}

// Collect reads n items from f or fails the test.
func Collect(t *testing.T, f *docstore.Feed, n int) []docstore.FeedItem {
	t.Helper()
	var items []docstore.FeedItem
	timeout := time.After(5 * time.Second)
	for len(items) < n {
		select {
		case it, ok := <-f.Items():
			require.True(t, ok, "feed closed early")
			items = append(items, it)
		case <-timeout:
			t.Fatalf("timed out after %d of %d items", len(items), n)
		}
	}
	return items
}

func testCreateAndGet(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()

	id, err := s.Create(ctx, coll, docstore.Fields{"text": "hola", "createdAt": "1718000000000"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, "hola", doc.Fields["text"])
	assert.Equal(t, int64(1718000000000), doc.Int("createdAt"))

	_, err = s.Get(ctx, coll, "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func testCreateWithID(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()

	created, err := s.CreateWithID(ctx, coll, "k1", docstore.Fields{"name": "first"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateWithID(ctx, coll, "k1", docstore.Fields{"name": "second"})
	require.NoError(t, err)
	assert.False(t, created)

	doc, err := s.Get(ctx, coll, "k1")
	require.NoError(t, err)
	assert.Equal(t, "first", doc.Fields["name"])
}

func testPut(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, coll, "ana", docstore.Fields{"online": "true", "lastSeen": "1"}))
	require.NoError(t, s.Put(ctx, coll, "ana", docstore.Fields{"online": "false"}))

	doc, err := s.Get(ctx, coll, "ana")
	require.NoError(t, err)
	assert.False(t, doc.Bool("online"))
	_, has := doc.Fields["lastSeen"]
	assert.False(t, has, "Put replaces the whole document")
}

func testUpdate(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()

	id, err := s.Create(ctx, coll, docstore.Fields{"text": "hola", "status": "sent"})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, coll, id, docstore.Fields{"status": "read"}))

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, "hola", doc.Fields["text"])
	assert.Equal(t, "read", doc.Fields["status"])

	assert.ErrorIs(t, s.Update(ctx, coll, "missing", docstore.Fields{"a": "b"}), docstore.ErrNotFound)
}

func testUpdateIf(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()
	cond := docstore.Condition{Field: "status", In: []string{"sent"}}

	id, err := s.Create(ctx, coll, docstore.Fields{"status": "sent"})
	require.NoError(t, err)

	ok, err := s.UpdateIf(ctx, coll, id, cond, docstore.Fields{"status": "delivered"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateIf(ctx, coll, id, cond, docstore.Fields{"status": "delivered"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpdateIf(ctx, coll, "missing", cond, docstore.Fields{"status": "read"})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func testConcurrentUpdateIf(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()
	id, err := s.Create(ctx, coll, docstore.Fields{"status": "sent"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.UpdateIf(ctx, coll, id, docstore.Condition{Field: "status", In: []string{"sent"}}, docstore.Fields{"status": "delivered"})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func testEqualKeys(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()

	var want []string
	for i := 0; i < 20; i++ {
		id, err := s.Create(ctx, coll, docstore.Fields{"conversationId": "c1", "createdAt": "1700000000000"})
		require.NoError(t, err)
		want = append(want, id)
	}

	docs, err := s.Query(ctx, coll, docstore.Query{Where: map[string]string{"conversationId": "c1"}, OrderBy: "createdAt"})
	require.NoError(t, err)
	got := make([]string, len(docs))
	for i, d := range docs {
		got[i] = d.ID
	}
	assert.Equal(t, want, got)
}

func testQuery(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()

	for _, ts := range []string{"30", "10", "20"} {
		_, err := s.Create(ctx, coll, docstore.Fields{"conversationId": "c1", "createdAt": ts})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, coll, docstore.Fields{"conversationId": "c2", "createdAt": "5"})
	require.NoError(t, err)

	docs, err := s.Query(ctx, coll, docstore.Query{Where: map[string]string{"conversationId": "c1"}, OrderBy: "createdAt"})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []int64{10, 20, 30}, []int64{docs[0].Int("createdAt"), docs[1].Int("createdAt"), docs[2].Int("createdAt")})

	one, err := s.QueryOne(ctx, coll, docstore.Query{Where: map[string]string{"conversationId": "c2"}})
	require.NoError(t, err)
	assert.Equal(t, "5", one.Fields["createdAt"])

	_, err = s.QueryOne(ctx, coll, docstore.Query{Where: map[string]string{"conversationId": "none"}})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func testUpdateWhere(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()

	for _, st := range []string{"sent", "delivered", "read"} {
		_, err := s.Create(ctx, coll, docstore.Fields{"conversationId": "c1", "status": st})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, coll, docstore.Fields{"conversationId": "c2", "status": "sent"})
	require.NoError(t, err)

	updated, err := s.UpdateWhere(ctx, coll,
		docstore.Query{Where: map[string]string{"conversationId": "c1"}},
		docstore.Condition{Field: "status", In: []string{"sent", "delivered"}},
		docstore.Fields{"status": "read"})
	require.NoError(t, err)
	assert.Len(t, updated, 2)
	for _, d := range updated {
		assert.Equal(t, "read", d.Fields["status"])
		assert.Equal(t, "c1", d.Fields["conversationId"])
	}

	docs, err := s.Query(ctx, coll, docstore.Query{Where: map[string]string{"status": "read"}})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func testSubscribe(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()
	q := docstore.Query{Where: map[string]string{"conversationId": "c1"}, OrderBy: "createdAt"}

	_, err := s.Create(ctx, coll, docstore.Fields{"conversationId": "c1", "createdAt": "2"})
	require.NoError(t, err)
	_, err = s.Create(ctx, coll, docstore.Fields{"conversationId": "c1", "createdAt": "1"})
	require.NoError(t, err)

	feed := docstore.NewFeed()
	defer feed.Close()
	sub, err := s.Subscribe(ctx, coll, q, feed.Handlers())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	id, err := s.Create(ctx, coll, docstore.Fields{"conversationId": "c1", "createdAt": "3"})
	require.NoError(t, err)
	_, err = s.Create(ctx, coll, docstore.Fields{"conversationId": "other", "createdAt": "4"})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, coll, id, docstore.Fields{"status": "read"}))

	items := Collect(t, feed, 4)
	for _, it := range items {
		require.NoError(t, it.Err)
	}
	assert.Equal(t, "1", items[0].Change.Doc.Fields["createdAt"])
	assert.Equal(t, "2", items[1].Change.Doc.Fields["createdAt"])
	assert.Equal(t, docstore.Added, items[2].Change.Kind)
	assert.Equal(t, id, items[2].Change.Doc.ID)
	assert.Equal(t, docstore.Modified, items[3].Change.Kind)
	assert.Equal(t, "read", items[3].Change.Doc.Fields["status"])
	for i, it := range items {
		assert.Equal(t, uint64(i+1), it.Change.Seq)
	}
}

func testUnsubscribe(t *testing.T, s docstore.Store, coll string) {
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got int
	)
	sub, err := s.Subscribe(ctx, coll, docstore.Query{}, docstore.Handlers{
		OnChange: func(docstore.Change) {
			mu.Lock()
			got++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	_, err = s.Create(ctx, coll, docstore.Fields{"a": "b"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, got)
}

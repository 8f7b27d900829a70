package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, f *Feed, n int) []FeedItem {
	t.Helper()
	var items []FeedItem
	timeout := time.After(2 * time.Second)
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

func TestMemory_CreateAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.Create(ctx, "messages", Fields{"text": "hola"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := m.Get(ctx, "messages", id)
	require.NoError(t, err)
	assert.Equal(t, "hola", doc.Fields["text"])

	_, err = m.Get(ctx, "messages", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_CreateWithIDIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	created, err := m.CreateWithID(ctx, "conversations", "k1", Fields{"name": "first"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.CreateWithID(ctx, "conversations", "k1", Fields{"name": "second"})
	require.NoError(t, err)
	assert.False(t, created)

	doc, err := m.Get(ctx, "conversations", "k1")
	require.NoError(t, err)
	assert.Equal(t, "first", doc.Fields["name"], "existing document must not be overwritten")
	assert.Equal(t, 1, m.Len("conversations"))
}

func TestMemory_UpdateIsPartial(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.Create(ctx, "messages", Fields{"text": "hola", "status": "sent"})
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, "messages", id, Fields{"status": "read"}))

	doc, err := m.Get(ctx, "messages", id)
	require.NoError(t, err)
	assert.Equal(t, "hola", doc.Fields["text"])
	assert.Equal(t, "read", doc.Fields["status"])

	assert.ErrorIs(t, m.Update(ctx, "messages", "missing", Fields{"a": "b"}), ErrNotFound)
}

func TestMemory_UpdateIf(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.Create(ctx, "messages", Fields{"status": "sent"})
	require.NoError(t, err)

	ok, err := m.UpdateIf(ctx, "messages", id, Condition{Field: "status", In: []string{"sent"}}, Fields{"status": "delivered"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.UpdateIf(ctx, "messages", id, Condition{Field: "status", In: []string{"sent"}}, Fields{"status": "delivered"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_ConcurrentUpdateIfAppliesOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.Create(ctx, "messages", Fields{"status": "sent"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.UpdateIf(ctx, "messages", id, Condition{Field: "status", In: []string{"sent"}}, Fields{"status": "delivered"})
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

func TestMemory_QueryOrdersByField(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, ts := range []string{"30", "10", "20"} {
		_, err := m.Create(ctx, "messages", Fields{"conversationId": "c1", "createdAt": ts})
		require.NoError(t, err)
	}
	_, err := m.Create(ctx, "messages", Fields{"conversationId": "c2", "createdAt": "5"})
	require.NoError(t, err)

	docs, err := m.Query(ctx, "messages", Query{Where: map[string]string{"conversationId": "c1"}, OrderBy: "createdAt"})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []int64{10, 20, 30}, []int64{docs[0].Int("createdAt"), docs[1].Int("createdAt"), docs[2].Int("createdAt")})

	_, err = m.QueryOne(ctx, "messages", Query{Where: map[string]string{"conversationId": "none"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_UpdateWhere(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, st := range []string{"sent", "delivered", "read"} {
		_, err := m.Create(ctx, "messages", Fields{"conversationId": "c1", "status": st})
		require.NoError(t, err)
	}

	updated, err := m.UpdateWhere(ctx, "messages",
		Query{Where: map[string]string{"conversationId": "c1"}},
		Condition{Field: "status", In: []string{"sent", "delivered"}},
		Fields{"status": "read"})
	require.NoError(t, err)
	assert.Len(t, updated, 2)

	docs, err := m.Query(ctx, "messages", Query{Where: map[string]string{"status": "read"}})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestMemory_Fail(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Fail(errors.New("backend down"))

	_, err := m.Create(ctx, "messages", Fields{})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = m.Subscribe(ctx, "messages", Query{}, Handlers{})
	assert.ErrorIs(t, err, ErrUnavailable)

	m.Fail(nil)
	_, err = m.Create(ctx, "messages", Fields{})
	assert.NoError(t, err)
}

func TestMemory_SubscribeSnapshotThenLive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Create(ctx, "messages", Fields{"conversationId": "c1", "createdAt": "2"})
	require.NoError(t, err)
	_, err = m.Create(ctx, "messages", Fields{"conversationId": "c1", "createdAt": "1"})
	require.NoError(t, err)

	feed := NewFeed()
	defer feed.Close()
	sub, err := m.Subscribe(ctx, "messages", Query{Where: map[string]string{"conversationId": "c1"}, OrderBy: "createdAt"}, feed.Handlers())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	id, err := m.Create(ctx, "messages", Fields{"conversationId": "c1", "createdAt": "3"})
	require.NoError(t, err)
	_, err = m.Create(ctx, "messages", Fields{"conversationId": "other", "createdAt": "4"})
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, "messages", id, Fields{"status": "read"}))

	items := collect(t, feed, 4)
	assert.Equal(t, "1", items[0].Change.Doc.Fields["createdAt"])
	assert.Equal(t, "2", items[1].Change.Doc.Fields["createdAt"])
	assert.Equal(t, Added, items[2].Change.Kind)
	assert.Equal(t, id, items[2].Change.Doc.ID)
	assert.Equal(t, Modified, items[3].Change.Kind)
	assert.Equal(t, "read", items[3].Change.Doc.Fields["status"])
	for i, it := range items {
		assert.Equal(t, uint64(i+1), it.Change.Seq)
	}
}

func TestMemory_UnsubscribeIsIdempotent(t *testing.T) {
	m := NewMemory()
	sub, err := m.Subscribe(context.Background(), "presence", Query{}, Handlers{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Subscribers("presence"))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, m.Subscribers("presence"))
}

func TestMemory_DisconnectReportsSubscriptionLost(t *testing.T) {
	m := NewMemory()
	feed := NewFeed()
	defer feed.Close()

	sub, err := m.Subscribe(context.Background(), "messages", Query{}, feed.Handlers())
	require.NoError(t, err)

	m.Disconnect()
	items := collect(t, feed, 1)
	assert.ErrorIs(t, items[0].Err, ErrSubscriptionLost)
	assert.NoError(t, sub.Unsubscribe())
}

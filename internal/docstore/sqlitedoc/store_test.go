package sqlitedoc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/docstore/docstoretest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Contract(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store { return openTemp(t) })
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.CreateWithID(ctx, "conversations", "k1", docstore.Fields{"partyAId": "ana"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	doc, err := s.Get(ctx, "conversations", "k1")
	require.NoError(t, err)
	assert.Equal(t, "ana", doc.Fields["partyAId"])
}

func TestStore_CloseDropsSubscriptions(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"), zerolog.Nop())
	require.NoError(t, err)

	feed := docstore.NewFeed()
	defer feed.Close()
	sub, err := s.Subscribe(context.Background(), "presence", docstore.Query{}, feed.Handlers())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	items := docstoretest.Collect(t, feed, 1)
	assert.ErrorIs(t, items[0].Err, docstore.ErrSubscriptionLost)
	assert.NoError(t, sub.Unsubscribe())

	_, err = s.Get(context.Background(), "presence", "ana")
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
}

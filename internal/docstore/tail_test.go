package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTail_MergesSnapshotAndStream(t *testing.T) {
	var got []Change
	tail := NewTail(Query{Where: map[string]string{"conversationId": "c1"}}, Handlers{
		OnChange: func(c Change) { got = append(got, c) },
	})

	tail.Push("m1", 2, Fields{"conversationId": "c1", "status": "delivered"})
	tail.Start([]Document{{ID: "m1", Fields: Fields{"conversationId": "c1", "status": "delivered"}}}, map[string]int64{"m1": 2})
	tail.Push("m1", 1, Fields{"conversationId": "c1", "status": "sent"})
	tail.Push("m1", 3, Fields{"conversationId": "c1", "status": "read"})
	tail.Push("m2", 1, Fields{"conversationId": "c1", "status": "sent"})
	tail.Push("m3", 1, Fields{"conversationId": "other"})

	require.Len(t, got, 3)
	assert.Equal(t, Added, got[0].Kind)
	assert.Equal(t, Modified, got[1].Kind)
	assert.Equal(t, "read", got[1].Doc.Fields["status"])
	assert.Equal(t, Added, got[2].Kind)
	assert.Equal(t, "m2", got[2].Doc.ID)
	for i, c := range got {
		assert.Equal(t, uint64(i+1), c.Seq)
	}
}

func TestTail_DocumentEnteringQueryIsAdded(t *testing.T) {
	var got []Change
	tail := NewTail(Query{Where: map[string]string{"status": "sent"}}, Handlers{
		OnChange: func(c Change) { got = append(got, c) },
	})
	tail.Start(nil, nil)

	tail.Push("m1", 1, Fields{"status": "draft"})
	tail.Push("m1", 2, Fields{"status": "sent"})

	require.Len(t, got, 1)
	assert.Equal(t, Added, got[0].Kind)
}

func TestTail_LostOnce(t *testing.T) {
	var (
		errs    []error
		changes int
	)
	tail := NewTail(Query{}, Handlers{
		OnChange: func(Change) { changes++ },
		OnError:  func(err error) { errs = append(errs, err) },
	})
	tail.Start(nil, nil)

	assert.True(t, tail.Lost(assert.AnError))
	assert.False(t, tail.Lost(assert.AnError))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrSubscriptionLost)

	tail.Push("m1", 1, Fields{})
	assert.Zero(t, changes)
	assert.False(t, tail.Close())
}

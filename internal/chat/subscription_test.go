package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourchat/chat-core/internal/docstore"
)

func TestSubscribe_FreshSubscriberSeesCreationOrder(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	store, convID, ana, _ := setup(t, WithClock(NewClock(func() time.Time { return frozen })))
	ctx := context.Background()

	m1, err := ana.Send(ctx, convID, toCompany("primero"))
	require.NoError(t, err)
	m2, err := ana.Send(ctx, convID, toCompany("segundo"))
	require.NoError(t, err)

	observer := NewChannel(store, clientID, zerolog.Nop())
	sub, err := observer.Subscribe(ctx, convID)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := nextEvent(t, sub)
	second := nextEvent(t, sub)
	assert.Equal(t, EventMessage, first.Kind)
	assert.Equal(t, m1, first.Message.ID)
	assert.Equal(t, EventMessage, second.Kind)
	assert.Equal(t, m2, second.Message.ID)
}

func TestSubscribe_AutoAcknowledgesDelivery(t *testing.T) {
	store, convID, ana, tours := setup(t)
	ctx := context.Background()

	sub, err := tours.Subscribe(ctx, convID)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	id, err := ana.Send(ctx, convID, toCompany("Hola"))
	require.NoError(t, err)

	ev := nextEvent(t, sub)
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, id, ev.Message.ID)
	assert.Equal(t, StatusSent, ev.Message.Status)
	assert.Equal(t, "Hola", ev.Message.Text)

	ev = nextEvent(t, sub)
	assert.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, StatusDelivered, ev.Message.Status)

	expectQuiet(t, sub, 100*time.Millisecond)
	assert.Equal(t, StatusDelivered, getMessage(t, store, id).Status)
}

func TestSubscribe_AutoAcknowledgesReadWhenForeground(t *testing.T) {
	_, convID, ana, tours := setup(t)
	ctx := context.Background()
	tours.SetForeground(convID)

	towardsTours, err := tours.Subscribe(ctx, convID)
	require.NoError(t, err)
	defer towardsTours.Unsubscribe()
	sender, err := ana.Subscribe(ctx, convID)
	require.NoError(t, err)
	defer sender.Unsubscribe()

	id, err := ana.Send(ctx, convID, toCompany("Hola"))
	require.NoError(t, err)

	for _, sub := range []*Subscription{towardsTours, sender} {
		ev := nextEvent(t, sub)
		assert.Equal(t, EventMessage, ev.Kind)
		assert.Equal(t, StatusSent, ev.Message.Status)
		ev = nextEvent(t, sub)
		assert.Equal(t, EventUpdate, ev.Kind)
		assert.Equal(t, StatusDelivered, ev.Message.Status)
		ev = nextEvent(t, sub)
		assert.Equal(t, EventUpdate, ev.Kind)
		assert.Equal(t, id, ev.Message.ID)
		assert.Equal(t, StatusRead, ev.Message.Status)
	}
}

func TestSubscribe_OwnMessagesAreNotAcknowledged(t *testing.T) {
	store, convID, ana, _ := setup(t)
	ctx := context.Background()
	ana.SetForeground(convID)

	sub, err := ana.Subscribe(ctx, convID)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	id, err := ana.Send(ctx, convID, toCompany("Hola"))
	require.NoError(t, err)
	assert.Equal(t, EventMessage, nextEvent(t, sub).Kind)
	expectQuiet(t, sub, 100*time.Millisecond)
	assert.Equal(t, StatusSent, getMessage(t, store, id).Status)
}

func TestSubscribe_AutoAckDisabled(t *testing.T) {
	store := docstore.NewMemory()
	ctx := context.Background()
	ana := NewChannel(store, clientID, zerolog.Nop())
	tours := NewChannel(store, companyID, zerolog.Nop(), WithAutoAck(false))
	tours.SetForeground("conv")

	sub, err := tours.Subscribe(ctx, "conv")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	id, err := ana.Send(ctx, "conv", toCompany("Hola"))
	require.NoError(t, err)
	assert.Equal(t, EventMessage, nextEvent(t, sub).Kind)
	expectQuiet(t, sub, 100*time.Millisecond)
	assert.Equal(t, StatusSent, getMessage(t, store, id).Status)
}

func TestSubscribe_BacklogIsAcknowledged(t *testing.T) {
	store, convID, ana, tours := setup(t)
	ctx := context.Background()

	id, err := ana.Send(ctx, convID, toCompany("¿Hay cupos el sábado?"))
	require.NoError(t, err)

	sub, err := tours.Subscribe(ctx, convID)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ev := nextEvent(t, sub)
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, StatusSent, ev.Message.Status)
	ev = nextEvent(t, sub)
	assert.Equal(t, EventUpdate, ev.Kind)
	assert.Equal(t, StatusDelivered, ev.Message.Status)
	assert.Equal(t, StatusDelivered, getMessage(t, store, id).Status)
}

func TestSubscribe_ResubscribeHasNoSideEffects(t *testing.T) {
	store, convID, ana, tours := setup(t)
	ctx := context.Background()

	id, err := ana.Send(ctx, convID, toCompany("Hola"))
	require.NoError(t, err)
	require.NoError(t, tours.MarkRead(ctx, id))

	// A publisher without expectations fails the test on any call.
	quiet := NewChannel(store, companyID, zerolog.Nop(), WithPublisher(&mockPublisher{}))
	for i := 0; i < 2; i++ {
		sub, err := quiet.Subscribe(ctx, convID)
		require.NoError(t, err)
		ev := nextEvent(t, sub)
		assert.Equal(t, EventMessage, ev.Kind)
		assert.Equal(t, StatusRead, ev.Message.Status)
		expectQuiet(t, sub, 50*time.Millisecond)
		require.NoError(t, sub.Unsubscribe())
	}
}

func TestSubscribe_SubscriptionLost(t *testing.T) {
	store, convID, _, tours := setup(t)

	sub, err := tours.Subscribe(context.Background(), convID)
	require.NoError(t, err)

	store.Disconnect()
	ev := nextEvent(t, sub)
	assert.Equal(t, EventError, ev.Kind)
	assert.ErrorIs(t, ev.Err, docstore.ErrSubscriptionLost)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestSubscribe_UnsubscribeReleasesStore(t *testing.T) {
	store, convID, _, tours := setup(t)

	sub, err := tours.Subscribe(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Subscribers(CollectionMessages))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, store.Subscribers(CollectionMessages))
}

func TestSubscribe_StoreUnavailable(t *testing.T) {
	store, convID, _, tours := setup(t)
	store.Fail(errors.New("no route to host"))

	_, err := tours.Subscribe(context.Background(), convID)
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
}

func TestSubscribeFunc(t *testing.T) {
	_, convID, ana, tours := setup(t)
	ctx := context.Background()

	messages := make(chan Message, 4)
	updates := make(chan Message, 4)
	sub, err := tours.SubscribeFunc(ctx, convID,
		func(m Message) { messages <- m },
		func(m Message) { updates <- m },
		nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	id, err := ana.Send(ctx, convID, toCompany("Hola"))
	require.NoError(t, err)

	select {
	case m := <-messages:
		assert.Equal(t, id, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message callback")
	}
	select {
	case m := <-updates:
		assert.Equal(t, StatusDelivered, m.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no update callback")
	}
}

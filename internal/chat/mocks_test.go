package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/events"
)

type mockLimiter struct{ mock.Mock }

func (m *mockLimiter) Allow(ctx context.Context, identifier string) (bool, error) {
	args := m.Called(ctx, identifier)
	return args.Bool(0), args.Error(1)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, ev events.Envelope) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *mockPublisher) Close() error { return nil }

// mockStore embeds a working store so that tests only stub the calls whose
// failure they exercise.
type mockStore struct {
	mock.Mock
	docstore.Store
}

func (m *mockStore) UpdateIf(ctx context.Context, collection, id string, cond docstore.Condition, partial docstore.Fields) (bool, error) {
	args := m.Called(ctx, collection, id, cond, partial)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	args := m.Called(ctx, collection, fields)
	return args.String(0), args.Error(1)
}

// nextEvent waits for the next subscription event.
func nextEvent(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// expectQuiet asserts that no event arrives within d.
func expectQuiet(t *testing.T, s *Subscription, d time.Duration) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %s for %s (status %s)", ev.Kind, ev.Message.ID, ev.Message.Status)
	case <-time.After(d):
	}
}

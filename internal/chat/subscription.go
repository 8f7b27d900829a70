package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/metrics"
)

// EventKind distinguishes the events of a message subscription.
type EventKind int

const (
	// EventMessage is the first observation of a message in a subscription.
	EventMessage EventKind = iota + 1
	// EventUpdate is a status change of an already observed message.
	EventUpdate
	// EventError reports a subscription or acknowledgement failure. A
	// docstore.ErrSubscriptionLost error means no further events will come.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventUpdate:
		return "update"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a message subscription.
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
}

// Subscription is a live, ordered view of a conversation's messages.
type Subscription struct {
	conversationID string
	channel        *Channel
	sub            docstore.Subscription
	feed           *docstore.Feed
	events         chan Event
	cancel         context.CancelFunc
	done           chan struct{}
	stopped        chan struct{}
	once           sync.Once
	err            error
}

// Subscribe opens a live subscription on a conversation's messages, ordered
// by creation time. Existing messages arrive first as EventMessage, then new
// messages and status updates in the order the store observed them. Incoming
// messages are passed to AutoAcknowledge before they are emitted.
func (c *Channel) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	feed := docstore.NewFeed()
	sub, err := c.store.Subscribe(ctx, CollectionMessages, messagesOf(conversationID), feed.Handlers())
	if err != nil {
		feed.Close()
		return nil, fmt.Errorf("chat: subscribe %s: %w", conversationID, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Subscription{
		conversationID: conversationID,
		channel:        c,
		sub:            sub,
		feed:           feed,
		events:         make(chan Event),
		cancel:         cancel,
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	metrics.ActiveSubscriptions.WithLabelValues("messages").Inc()
	go s.run(runCtx)
	return s, nil
}

// SubscribeFunc is Subscribe with callbacks. Callbacks are invoked one at a
// time in event order on a goroutine owned by the subscription; nil
// callbacks are skipped.
func (c *Channel) SubscribeFunc(ctx context.Context, conversationID string, onMessage, onUpdate func(Message), onError func(error)) (*Subscription, error) {
	s, err := c.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	go func() {
		for ev := range s.Events() {
			switch {
			case ev.Kind == EventMessage && onMessage != nil:
				onMessage(ev.Message)
			case ev.Kind == EventUpdate && onUpdate != nil:
				onUpdate(ev.Message)
			case ev.Kind == EventError && onError != nil:
				onError(ev.Err)
			}
		}
	}()
	return s, nil
}

// ConversationID returns the subscribed conversation.
func (s *Subscription) ConversationID() string { return s.conversationID }

// Events returns the ordered event stream. It is closed after Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.events }

// Unsubscribe releases the subscription. It is idempotent and safe after the
// underlying connection dropped.
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
		s.cancel()
		close(s.done)
		s.feed.Close()
		<-s.stopped
		metrics.ActiveSubscriptions.WithLabelValues("messages").Dec()
	})
	return s.err
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.stopped)
	defer close(s.events)

	seen := make(map[string]Status)
	for item := range s.feed.Items() {
		if item.Err != nil {
			if !s.emit(Event{Kind: EventError, Err: item.Err}) {
				return
			}
			continue
		}

		m := messageFromDoc(item.Change.Doc)
		last, ok := seen[m.ID]
		switch {
		case !ok:
			seen[m.ID] = m.Status
			ackErr := s.channel.AutoAcknowledge(ctx, m)
			if !s.emit(Event{Kind: EventMessage, Message: m}) {
				return
			}
			if ackErr != nil && ctx.Err() == nil {
				if !s.emit(Event{Kind: EventError, Err: fmt.Errorf("chat: auto-acknowledge %s: %w", m.ID, ackErr)}) {
					return
				}
			}
		case last.Before(m.Status):
			seen[m.ID] = m.Status
			if !s.emit(Event{Kind: EventUpdate, Message: m}) {
				return
			}
		}
		// Other modifications carry no status progress and are dropped.
	}
}

func (s *Subscription) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

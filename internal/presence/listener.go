package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/metrics"
)

// Change is one item of a presence listener: a new record or an error.
type Change struct {
	Record Record
	Err    error
}

// Listener delivers the presence changes of one user in store order.
type Listener struct {
	userID  string
	sub     docstore.Subscription
	feed    *docstore.Feed
	changes chan Change
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	err     error
}

// Listen subscribes to the presence record of userID. The current record,
// if any, is delivered first.
func (t *Tracker) Listen(ctx context.Context, userID string) (*Listener, error) {
	feed := docstore.NewFeed()
	q := docstore.Query{Where: map[string]string{fieldUserID: userID}}
	sub, err := t.store.Subscribe(ctx, Collection, q, feed.Handlers())
	if err != nil {
		feed.Close()
		return nil, fmt.Errorf("presence: listen %s: %w", userID, err)
	}

	l := &Listener{
		userID:  userID,
		sub:     sub,
		feed:    feed,
		changes: make(chan Change),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	metrics.ActiveSubscriptions.WithLabelValues("presence").Inc()
	go l.run()
	return l, nil
}

// ListenFunc is Listen with callbacks, invoked one at a time in order.
func (t *Tracker) ListenFunc(ctx context.Context, userID string, onChange func(online bool, lastSeen time.Time), onError func(error)) (*Listener, error) {
	l, err := t.Listen(ctx, userID)
	if err != nil {
		return nil, err
	}
	go func() {
		for c := range l.Changes() {
			switch {
			case c.Err != nil && onError != nil:
				onError(c.Err)
			case c.Err == nil && onChange != nil:
				onChange(c.Record.Online, c.Record.LastSeen)
			}
		}
	}()
	return l, nil
}

// UserID returns the observed user.
func (l *Listener) UserID() string { return l.userID }

// Changes returns the ordered change stream, closed after Unsubscribe.
func (l *Listener) Changes() <-chan Change { return l.changes }

// Unsubscribe releases the listener. It is idempotent.
func (l *Listener) Unsubscribe() error {
	l.once.Do(func() {
		l.err = l.sub.Unsubscribe()
		close(l.done)
		l.feed.Close()
		<-l.stopped
		metrics.ActiveSubscriptions.WithLabelValues("presence").Dec()
	})
	return l.err
}

func (l *Listener) run() {
	defer close(l.stopped)
	defer close(l.changes)

	for item := range l.feed.Items() {
		c := Change{Err: item.Err}
		if item.Err == nil {
			c.Record = recordFromDoc(item.Change.Doc)
		}
		select {
		case l.changes <- c:
		case <-l.done:
			return
		}
	}
}

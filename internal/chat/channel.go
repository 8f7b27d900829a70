package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/events"
	"github.com/tourchat/chat-core/internal/metrics"
	"github.com/tourchat/chat-core/internal/moderation"
)

// Limiter throttles sends per sender. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Moderator screens outgoing text. *moderation.Filter satisfies it.
type Moderator interface {
	Check(text string) moderation.FilterResult
}

// Channel sends, observes and acknowledges messages on behalf of one local
// user. All methods are safe for concurrent use.
type Channel struct {
	store     docstore.Store
	self      string
	log       zerolog.Logger
	limiter   Limiter
	moderator Moderator
	publisher events.Publisher
	autoAck   bool
	clock     *Clock

	mu         sync.Mutex
	foreground map[string]int
}

// Option configures a Channel.
type Option func(*Channel)

// WithLimiter throttles Send with l.
func WithLimiter(l Limiter) Option {
	return func(c *Channel) { c.limiter = l }
}

// WithModerator rejects sends whose text m blocks.
func WithModerator(m Moderator) Option {
	return func(c *Channel) { c.moderator = m }
}

// WithPublisher publishes lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(c *Channel) { c.publisher = p }
}

// WithAutoAck enables or disables automatic acknowledgement of incoming
// messages. It is enabled by default.
func WithAutoAck(enabled bool) Option {
	return func(c *Channel) { c.autoAck = enabled }
}

// WithClock stamps messages from clk instead of the process-wide clock.
// Channels writing to the same conversation should share one Clock.
func WithClock(clk *Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

// NewChannel creates a Channel for the local user self.
func NewChannel(store docstore.Store, self string, log zerolog.Logger, opts ...Option) *Channel {
	c := &Channel{
		store:      store,
		self:       self,
		log:        log.With().Str("user_id", self).Logger(),
		publisher:  events.NewNoop(log),
		autoAck:    true,
		clock:      processClock,
		foreground: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Self returns the local user id.
func (c *Channel) Self() string { return c.self }

// SetForeground marks a conversation as currently open on screen; incoming
// messages on it are acknowledged as read, not only delivered. Calls are
// counted, and each must be paired with one ClearForeground.
func (c *Channel) SetForeground(conversationID string) {
	c.mu.Lock()
	c.foreground[conversationID]++
	c.mu.Unlock()
}

// ClearForeground releases one SetForeground. The conversation stays in the
// foreground while other holders remain.
func (c *Channel) ClearForeground(conversationID string) {
	c.mu.Lock()
	if c.foreground[conversationID] <= 1 {
		delete(c.foreground, conversationID)
	} else {
		c.foreground[conversationID]--
	}
	c.mu.Unlock()
}

// IsForeground reports whether the conversation is open on screen.
func (c *Channel) IsForeground(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foreground[conversationID] > 0
}

// Send validates and persists a new message in status Sent and returns its
// id. It performs a single create and never retries; any failure is a
// *SendError and nothing has been written.
func (c *Channel) Send(ctx context.Context, conversationID string, d Draft) (id string, err error) {
	ctx, span := tracer.Start(ctx, "chat.Channel.Send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("sender.id", c.self)))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	text, verr := NormalizeText(d.Text)
	if verr != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		reason := ReasonInvalidText
		if errors.Is(verr, errEmptyText) {
			reason = ReasonEmptyText
		}
		return "", &SendError{Reason: reason, Err: verr}
	}
	if conversationID == "" || d.ReceiverID == "" || d.ReceiverID == c.self {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return "", &SendError{Reason: ReasonInvalidReceiver}
	}

	if c.moderator != nil {
		if res := c.moderator.Check(text); res.Blocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			c.log.Info().Str("reason", res.Reason).Str("term", res.Term).Msg("message blocked")
			return "", &SendError{Reason: ReasonBlocked, Err: fmt.Errorf("%s: %s", res.Reason, res.Term)}
		}
	}

	if c.limiter != nil {
		// Limiter errors fail open.
		if ok, _ := c.limiter.Allow(ctx, c.self); !ok {
			metrics.MessagesTotal.WithLabelValues("throttled").Inc()
			return "", &SendError{Reason: ReasonRateLimited}
		}
	}

	m := Message{
		ConversationID: conversationID,
		SenderID:       c.self,
		SenderName:     d.SenderName,
		ReceiverID:     d.ReceiverID,
		ReceiverName:   d.ReceiverName,
		Text:           text,
		CreatedAt:      c.clock.Next(),
		Status:         StatusSent,
	}
	id, err = c.store.Create(ctx, CollectionMessages, m.fields())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return "", &SendError{Reason: ReasonStore, Err: err}
	}
	m.ID = id

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	c.publish(ctx, events.TypeMessageSent, m)
	return id, nil
}

// MarkDelivered moves a message addressed to the local user from Sent to
// Delivered. It is a no-op if the message is already Delivered or Read.
func (c *Channel) MarkDelivered(ctx context.Context, messageID string) error {
	m, err := c.message(ctx, messageID)
	if err != nil {
		return err
	}
	return c.transition(ctx, m, StatusDelivered)
}

// MarkRead moves a message addressed to the local user to Read, from either
// Sent or Delivered. It is a no-op if the message is already Read.
func (c *Channel) MarkRead(ctx context.Context, messageID string) error {
	m, err := c.message(ctx, messageID)
	if err != nil {
		return err
	}
	return c.transition(ctx, m, StatusRead)
}

func (c *Channel) message(ctx context.Context, messageID string) (Message, error) {
	doc, err := c.store.Get(ctx, CollectionMessages, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("chat: get message %s: %w", messageID, err)
	}
	return messageFromDoc(doc), nil
}

// transition applies target to m with a conditional single-field update. The
// receiver and ids of m are immutable; its status may be stale, which the
// update condition accounts for.
func (c *Channel) transition(ctx context.Context, m Message, target Status) error {
	apply, err := checkTransition(m, c.self, target)
	if err != nil {
		metrics.StatusTransitions.WithLabelValues(string(target), "rejected").Inc()
		return err
	}
	if !apply {
		metrics.StatusTransitions.WithLabelValues(string(target), "noop").Inc()
		return nil
	}

	ok, err := c.store.UpdateIf(ctx, CollectionMessages, m.ID,
		docstore.Condition{Field: fieldStatus, In: sources(target)},
		docstore.Fields{fieldStatus: string(target)})
	if err != nil {
		return fmt.Errorf("chat: mark %s %s: %w", target, m.ID, err)
	}
	if !ok {
		// A concurrent writer already moved the message at or past target.
		metrics.StatusTransitions.WithLabelValues(string(target), "noop").Inc()
		return nil
	}

	metrics.StatusTransitions.WithLabelValues(string(target), "applied").Inc()
	m.Status = target
	if target == StatusRead {
		c.publish(ctx, events.TypeMessageRead, m)
	} else {
		c.publish(ctx, events.TypeMessageDelivered, m)
	}
	return nil
}

// AutoAcknowledge is the acknowledgement step run for every newly observed
// message: a message addressed to the local user is marked Delivered, and
// also Read when its conversation is in the foreground. Messages sent by the
// local user are ignored, as is everything when auto-ack is disabled.
func (c *Channel) AutoAcknowledge(ctx context.Context, m Message) error {
	if !c.autoAck || m.ReceiverID != c.self || m.Status == StatusRead {
		return nil
	}
	if err := c.transition(ctx, m, StatusDelivered); err != nil {
		return err
	}
	if !c.IsForeground(m.ConversationID) {
		return nil
	}
	m.Status = StatusDelivered
	return c.transition(ctx, m, StatusRead)
}

// MarkAllAsRead marks every message of the conversation addressed to viewer
// and not yet Read as Read, in one store operation. It returns the number of
// messages changed. viewer must be the local user.
func (c *Channel) MarkAllAsRead(ctx context.Context, conversationID, viewer string) (n int, err error) {
	ctx, span := tracer.Start(ctx, "chat.Channel.MarkAllAsRead",
		trace.WithAttributes(attribute.String("viewer.id", viewer)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	if viewer != c.self {
		metrics.StatusTransitions.WithLabelValues(string(StatusRead), "rejected").Inc()
		return 0, fmt.Errorf("%w: %s cannot mark messages read for %s", ErrInvalidTransition, c.self, viewer)
	}

	updated, err := c.store.UpdateWhere(ctx, CollectionMessages,
		docstore.Query{Where: map[string]string{
			fieldConversationID: conversationID,
			fieldReceiverID:     viewer,
		}},
		docstore.Condition{Field: fieldStatus, In: sources(StatusRead)},
		docstore.Fields{fieldStatus: string(StatusRead)})
	if err != nil {
		return 0, fmt.Errorf("chat: mark all read %s: %w", conversationID, err)
	}

	metrics.StatusTransitions.WithLabelValues(string(StatusRead), "applied").Add(float64(len(updated)))
	for _, d := range updated {
		c.publish(ctx, events.TypeMessageRead, messageFromDoc(d))
	}
	if len(updated) > 0 {
		c.log.Debug().Str("conversation_id", conversationID).Int("count", len(updated)).Msg("marked conversation read")
	}
	return len(updated), nil
}

// UnreadCount returns the number of messages of the conversation addressed
// to viewer that are not Read.
func (c *Channel) UnreadCount(ctx context.Context, conversationID, viewer string) (int, error) {
	docs, err := c.store.Query(ctx, CollectionMessages, docstore.Query{Where: map[string]string{
		fieldConversationID: conversationID,
		fieldReceiverID:     viewer,
	}})
	if err != nil {
		return 0, fmt.Errorf("chat: unread count %s: %w", conversationID, err)
	}
	n := 0
	for _, d := range docs {
		if Status(d.Fields[fieldStatus]) != StatusRead {
			n++
		}
	}
	return n, nil
}

// History returns the messages of a conversation oldest first.
func (c *Channel) History(ctx context.Context, conversationID string) ([]Message, error) {
	docs, err := c.store.Query(ctx, CollectionMessages, messagesOf(conversationID))
	if err != nil {
		return nil, fmt.Errorf("chat: history %s: %w", conversationID, err)
	}
	msgs := make([]Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, messageFromDoc(d))
	}
	return msgs, nil
}

func messagesOf(conversationID string) docstore.Query {
	return docstore.Query{
		Where:   map[string]string{fieldConversationID: conversationID},
		OrderBy: fieldCreatedAt,
	}
}

// publish emits a lifecycle event; failures are logged and counted only.
func (c *Channel) publish(ctx context.Context, eventType string, m Message) {
	ev := events.NewEnvelope(eventType, m.ConversationID, m.ID)
	ev.SenderID = m.SenderID
	ev.ReceiverID = m.ReceiverID
	ev.Status = string(m.Status)
	if err := c.publisher.Publish(ctx, ev); err != nil {
		metrics.EventPublishErrors.Inc()
		c.log.Warn().Err(err).Str("type", eventType).Str("message_id", m.ID).Msg("event publish failed")
	}
}

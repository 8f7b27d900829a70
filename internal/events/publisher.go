// Package events publishes message lifecycle events to a RabbitMQ topic
// exchange so that the external push service can notify devices. When AMQP is
// not configured or unreachable a noop publisher is used instead.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Event types.
const (
	TypeMessageSent      = "message.sent"
	TypeMessageDelivered = "message.delivered"
	TypeMessageRead      = "message.read"
)

// RoutingKey returns the topic routing key for an event type.
func RoutingKey(eventType string) string {
	return "chat." + eventType
}

// Envelope is the JSON body of a lifecycle event.
type Envelope struct {
	EventID        string    `json:"event_id"`
	Type           string    `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	Status         string    `json:"status,omitempty"`
}

// NewEnvelope fills in the event id and timestamp.
func NewEnvelope(eventType, conversationID, messageID string) Envelope {
	return Envelope{
		EventID:        uuid.NewString(),
		Type:           eventType,
		OccurredAt:     time.Now().UTC(),
		ConversationID: conversationID,
		MessageID:      messageID,
	}
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Envelope) error
	Close() error
}

// NewPublisher builds a RabbitMQ publisher, or a noop publisher when AMQP is
// disabled or cannot be reached.
func NewPublisher(amqpURL, exchange string, log zerolog.Logger) Publisher {
	if amqpURL == "" {
		log.Info().Msg("amqp disabled, using noop publisher: empty amqp url")
		return Noop{reason: "empty amqp url", log: log}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		log.Warn().Err(err).Msg("amqp disabled, using noop publisher")
		return Noop{reason: err.Error(), log: log}
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Warn().Err(err).Msg("amqp disabled, using noop publisher")
		_ = conn.Close()
		return Noop{reason: err.Error(), log: log}
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Warn().Err(err).Str("exchange", exchange).Msg("amqp disabled, using noop publisher")
		_ = ch.Close()
		_ = conn.Close()
		return Noop{reason: err.Error(), log: log}
	}

	log.Info().Str("exchange", exchange).Msg("amqp connected")
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange, log: log}
}

type amqpPublisher struct {
	mu       sync.Mutex // amqp.Channel must not publish concurrently
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      zerolog.Logger
}

func (p *amqpPublisher) Publish(ctx context.Context, ev Envelope) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
	p.mu.Unlock()
	if err != nil {
		p.log.Warn().Err(err).Str("type", ev.Type).Msg("amqp publish failed")
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Noop logs events at debug level and drops them.
type Noop struct {
	reason string
	log    zerolog.Logger
}

// NewNoop returns a publisher that drops every event.
func NewNoop(log zerolog.Logger) Noop {
	return Noop{reason: "disabled", log: log}
}

func (n Noop) Publish(_ context.Context, ev Envelope) error {
	n.log.Debug().
		Str("routing_key", RoutingKey(ev.Type)).
		Str("conversation_id", ev.ConversationID).
		Str("message_id", ev.MessageID).
		Msg("noop publish")
	return nil
}

func (Noop) Close() error { return nil }

// Mode reports the publisher mode for logging.
func Mode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case Noop:
		return "noop"
	default:
		return "unknown"
	}
}

// NoopReason returns why a noop publisher is in use, or "".
func NoopReason(p Publisher) string {
	if n, ok := p.(Noop); ok {
		return n.reason
	}
	return ""
}

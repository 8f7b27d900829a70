// Package messaging provides a NATS client wrapper used to fan document
// change events out to live subscriptions. It handles connection lifecycle,
// per-collection subjects and disconnect notification.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectDocs is the subject prefix for document change events.
const SubjectDocs = "docs" // + .<collection>

// DocSubject returns the change subject for a collection.
func DocSubject(collection string) string {
	return SubjectDocs + "." + collection
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu           sync.Mutex
	subs         map[string]*nats.Subscription
	onDisconnect map[string]func(error)
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-core",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	c := &NATSClient{
		log:          log,
		subs:         make(map[string]*nats.Subscription),
		onDisconnect: make(map[string]func(error)),
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
			c.notifyDisconnect(err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = nc

	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")
	return c, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishDocChange publishes a change event for a collection.
func (c *NATSClient) PublishDocChange(collection string, data []byte) error {
	return c.Publish(DocSubject(collection), data)
}

// Subscription is a handle on one NATS subscription. Unsubscribe is idempotent.
type Subscription struct {
	key    string
	client *NATSClient
	once   sync.Once
	err    error
}

// Unsubscribe removes the subscription and its disconnect hook.
func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.client.unsubscribe(s.key)
	})
	return s.err
}

// SubscribeDocChanges registers handler for change events of a collection.
// Messages of one subscription are delivered sequentially by the NATS client.
// onDisconnect, when non-nil, is invoked if the connection drops while the
// subscription is live.
func (c *NATSClient) SubscribeDocChanges(collection string, handler func(data []byte), onDisconnect func(error)) (*Subscription, error) {
	subject := DocSubject(collection)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	// Make sure the server registered interest before callers start writing.
	if err := c.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush %s: %w", subject, err)
	}

	key := uuid.NewString()
	c.mu.Lock()
	c.subs[key] = sub
	if onDisconnect != nil {
		c.onDisconnect[key] = onDisconnect
	}
	c.mu.Unlock()

	return &Subscription{key: key, client: c}, nil
}

func (c *NATSClient) notifyDisconnect(err error) {
	if err == nil {
		err = nats.ErrConnectionClosed
	}
	c.mu.Lock()
	hooks := make([]func(error), 0, len(c.onDisconnect))
	for _, fn := range c.onDisconnect {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(err)
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", sub.Subject).Msg("nats drain")
		}
		delete(c.subs, key)
	}
	c.onDisconnect = make(map[string]func(error))

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("nats connection drain")
	}

	c.log.Info().Msg("nats client closed")
}

// unsubscribe removes and unsubscribes a tracked subscription. Unknown keys
// are ignored so that teardown after Close stays safe.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	delete(c.onDisconnect, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		return fmt.Errorf("nats unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

// Package client provides a WebSocket load test client for the chat gateway.
// It connects with gobwas/ws (the same library the server uses), speaks the
// gateway protocol, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tourchat/chat-core/internal/protocol"
)

// ErrClosed is returned when the connection ends while waiting for a reply.
var ErrClosed = errors.New("client: connection closed")

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	OpenLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connected to the gateway. Incoming
// messages are dispatched to registered handlers from the read goroutine.
type Client struct {
	conn   net.Conn
	userID string

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	waiters  map[string]chan json.RawMessage
	lastErr  *protocol.ErrorMsg

	done      chan struct{}
	closeOnce sync.Once
}

// New dials the gateway at baseURL as userID. The identity travels in the
// query string.
func New(ctx context.Context, baseURL, userID, name string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("name", name)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		waiters:  make(map[string]chan json.RawMessage),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// UserID returns the identity the client connected with.
func (c *Client) UserID() string { return c.userID }

// On registers a handler for a server message type, replacing any previous
// one. Handlers run on the read goroutine and must not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Open opens the conversation with counterpartID and waits until the
// gateway confirms it. It returns the conversation id.
func (c *Client) Open(ctx context.Context, counterpartID, counterpartName string) (string, error) {
	start := time.Now()
	raw, err := c.request(ctx, protocol.TypeOpened, protocol.OpenMsg{
		Type:            protocol.TypeOpen,
		CounterpartID:   counterpartID,
		CounterpartName: counterpartName,
	})
	if err != nil {
		return "", err
	}
	var opened protocol.OpenedMsg
	if err := json.Unmarshal(raw, &opened); err != nil {
		return "", fmt.Errorf("decode opened: %w", err)
	}

	c.mu.Lock()
	c.metrics.OpenLatency = time.Since(start)
	c.mu.Unlock()
	return opened.ConversationID, nil
}

// SendText sends a chat message. The gateway echoes ref in its sent or
// error reply.
func (c *Client) SendText(ref, text string) error {
	return c.write(protocol.SendMsg{Type: protocol.TypeSend, Ref: ref, Text: text})
}

// CloseConversation closes the open conversation and waits for the gateway
// to confirm. The connection stays up.
func (c *Client) CloseConversation(ctx context.Context) error {
	_, err := c.request(ctx, protocol.TypeClosed, protocol.CloseMsg{Type: protocol.TypeClose})
	return err
}

// LastError returns the most recent error message received from the gateway.
func (c *Client) LastError() *protocol.ErrorMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// request writes msg and waits for the first reply of type want. An error
// reply from the gateway fails the request.
func (c *Client) request(ctx context.Context, want string, msg any) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.waiters[want] = ch
	c.waiters[protocol.TypeError] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, want)
		delete(c.waiters, protocol.TypeError)
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return nil, err
	}

	select {
	case raw := <-ch:
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, err
		}
		if env.Type == protocol.TypeError {
			var e protocol.ErrorMsg
			_ = json.Unmarshal(raw, &e)
			return nil, fmt.Errorf("gateway error %s: %s", e.Code, e.Message)
		}
		return raw, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.countError()
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

func (c *Client) countError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

// readLoop reads server frames and dispatches them until the connection is
// closed or fails.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed by us; not an error.
			default:
				c.countError()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if env.Type == protocol.TypeError {
			var e protocol.ErrorMsg
			if json.Unmarshal(data, &e) == nil {
				c.lastErr = &e
			}
		}
		waiter := c.waiters[env.Type]
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if waiter != nil {
			select {
			case waiter <- env.Raw:
			default:
			}
		}
		if handler != nil {
			handler(env.Raw)
		}
	}
}

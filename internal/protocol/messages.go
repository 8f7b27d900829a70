// Package protocol defines the WebSocket message types and structures used for
// communication between a mobile client and the chat gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed envelope
// whose type is not a client message type.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeOpen       = "open"
	TypeSend       = "send"
	TypeMarkRead   = "mark_read"
	TypeBackground = "background"
	TypeForeground = "foreground"
	TypeClose      = "close"
	TypePing       = "ping"
)

// Server -> Client message types.
const (
	TypeOpened   = "opened"
	TypeMessage  = "message"
	TypeUpdate   = "update"
	TypePresence = "presence"
	TypeSent     = "sent"
	TypeRead     = "read"
	TypeClosed   = "closed"
	TypeError    = "error"
	TypePong     = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeNotOpen         = "not_open"
	CodeAlreadyOpen     = "already_open"
	CodeInvalidRequest  = "invalid_request"
	CodeSendFailed      = "send_failed"
	CodeRateLimited     = "rate_limited"
	CodeBlocked         = "blocked"
	CodeUnavailable     = "unavailable"
	CodeSubscription    = "subscription_lost"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// OpenMsg opens the conversation screen with a counterpart.
type OpenMsg struct {
	Type            string `json:"type"`
	CounterpartID   string `json:"counterpart_id"`
	CounterpartName string `json:"counterpart_name"`
}

// SendMsg sends a text message in the open conversation. Ref is echoed back
// in the matching sent or error message.
type SendMsg struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Text string `json:"text"`
}

// MarkReadMsg marks every unread message of the open conversation as read.
type MarkReadMsg struct {
	Type string `json:"type"`
}

// BackgroundMsg reports that the conversation screen left the foreground.
type BackgroundMsg struct {
	Type string `json:"type"`
}

// ForegroundMsg reports that the conversation screen is visible again.
type ForegroundMsg struct {
	Type string `json:"type"`
}

// CloseMsg closes the conversation screen. The connection stays open.
type CloseMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// OpenedMsg confirms that the session is active.
type OpenedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	CounterpartID  string `json:"counterpart_id"`
}

// MessagePayload is one chat message as seen by the client.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	ReceiverID     string `json:"receiver_id"`
	ReceiverName   string `json:"receiver_name"`
	Text           string `json:"text"`
	CreatedAt      int64  `json:"created_at"` // unix milliseconds
	Status         string `json:"status"`
}

// ServerMessageMsg carries a message first seen by the session, or a
// change to one, depending on the type.
type ServerMessageMsg struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

// PresenceMsg carries the counterpart's inferred status and the record it was
// inferred from.
type PresenceMsg struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen,omitempty"` // unix milliseconds
}

// SentMsg acknowledges a persisted message.
type SentMsg struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	MessageID string `json:"message_id"`
}

// ReadMsg reports how many messages a mark_read changed.
type ReadMsg struct {
	Type    string `json:"type"`
	Updated int    `json:"updated"`
}

// ClosedMsg confirms that the session ended.
type ClosedMsg struct {
	Type string `json:"type"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)

	switch env.Type {
	case TypeOpen:
		var m OpenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBackground:
		var m BackgroundMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeForeground:
		var m ForegroundMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeClose:
		var m CloseMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

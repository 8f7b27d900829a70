package ws

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/tourchat/chat-core/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.OpenMsg, protocol.SendMsg).
type MessageHandler func(ctx context.Context, conn *Connection, msg any)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally and sends structured
// error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw bytes into a typed message, handles ping
// internally, and routes all other types to the registered handler.
func (d *MessageDispatcher) Dispatch(ctx context.Context, conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if errors.Is(err, protocol.ErrUnknownType) {
		d.log.Debug().Str("type", msgType).Str("conn_id", conn.ID).Msg("unsupported message type")
		SendError(conn, d.log, protocol.CodeUnsupportedType, "unsupported message type", "")
		return
	}
	if err != nil {
		d.log.Debug().Err(err).Str("conn_id", conn.ID).Msg("dispatch parse error")
		SendError(conn, d.log, protocol.CodeParseError, "invalid message format", "")
		return
	}

	if msgType == protocol.TypePing {
		Send(conn, d.log, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("conn_id", conn.ID).Msg("unsupported message type")
		SendError(conn, d.log, protocol.CodeUnsupportedType, "unsupported message type", "")
		return
	}

	handler(ctx, conn, msg)
}

// Send encodes and writes one server message. Failures are logged, since a
// broken connection is cleaned up by its read loop or the heartbeat.
func Send(conn *Connection, log zerolog.Logger, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Str("conn_id", conn.ID).Msg("build server message")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("type", msgType).Str("conn_id", conn.ID).Msg("write server message")
	}
}

// SendError writes a structured error message.
func SendError(conn *Connection, log zerolog.Logger, code, message, ref string) {
	Send(conn, log, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message, Ref: ref})
}

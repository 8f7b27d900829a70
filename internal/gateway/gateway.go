// Package gateway exposes chat sessions over WebSocket. Each connection
// belongs to one user and holds at most one open session; client messages
// drive the session and session callbacks are written back as server
// messages.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tourchat/chat-core/internal/chat"
	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/presence"
	"github.com/tourchat/chat-core/internal/protocol"
	"github.com/tourchat/chat-core/internal/session"
	"github.com/tourchat/chat-core/internal/ws"
)

// DefaultRequestTimeout bounds the store work of one client message.
const DefaultRequestTimeout = 10 * time.Second

// Deps are the collaborators shared by every connection.
type Deps struct {
	Store          docstore.Store
	Registry       *chat.Registry
	Presence       *presence.Tracker
	ChannelOptions []chat.Option
	RequestTimeout time.Duration
	Log            zerolog.Logger
}

// Gateway tracks the per-connection state of the WebSocket clients.
type Gateway struct {
	deps Deps
	log  zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	conn    *ws.Connection
	channel *chat.Channel

	mu   sync.Mutex
	sess *session.Session
}

// New creates a Gateway.
func New(deps Deps) *Gateway {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = DefaultRequestTimeout
	}
	return &Gateway{
		deps:    deps,
		log:     deps.Log.With().Str("component", "gateway").Logger(),
		clients: make(map[string]*client),
	}
}

// Register installs the client message handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeOpen, g.handleOpen)
	d.Register(protocol.TypeSend, g.handleSend)
	d.Register(protocol.TypeMarkRead, g.handleMarkRead)
	d.Register(protocol.TypeBackground, g.handleBackground)
	d.Register(protocol.TypeForeground, g.handleForeground)
	d.Register(protocol.TypeClose, g.handleClose)
}

// Connect creates the state of a new connection. It is meant for
// ws.Server.SetOnConnect.
func (g *Gateway) Connect(conn *ws.Connection) {
	cl := &client{
		conn:    conn,
		channel: chat.NewChannel(g.deps.Store, conn.UserID, g.deps.Log, g.deps.ChannelOptions...),
	}
	g.mu.Lock()
	g.clients[conn.ID] = cl
	g.mu.Unlock()
}

// Disconnect closes the connection's session, if any. It is meant for
// ws.Server.SetOnDisconnect.
func (g *Gateway) Disconnect(conn *ws.Connection) {
	g.mu.Lock()
	cl := g.clients[conn.ID]
	delete(g.clients, conn.ID)
	g.mu.Unlock()
	if cl == nil {
		return
	}
	if sess := cl.take(); sess != nil {
		if err := sess.Close(); err != nil {
			g.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("close session on disconnect")
		}
	}
}

// Sessions returns the number of connections holding a session.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, cl := range g.clients {
		if cl.current() != nil {
			n++
		}
	}
	return n
}

func (g *Gateway) client(conn *ws.Connection) *client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[conn.ID]
}

func (cl *client) current() *session.Session {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.sess
}

// take detaches the session from the client.
func (cl *client) take() *session.Session {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	sess := cl.sess
	cl.sess = nil
	return sess
}

func (g *Gateway) fail(conn *ws.Connection, err error, ref string) {
	ws.SendError(conn, g.log, errorCode(err), err.Error(), ref)
}

// errorCode maps an operation error to the code sent to the client.
func errorCode(err error) string {
	var sendErr *chat.SendError
	switch {
	case errors.As(err, &sendErr):
		switch sendErr.Reason {
		case chat.ReasonRateLimited:
			return protocol.CodeRateLimited
		case chat.ReasonBlocked:
			return protocol.CodeBlocked
		case chat.ReasonStore:
			return protocol.CodeUnavailable
		default:
			return protocol.CodeSendFailed
		}
	case errors.Is(err, session.ErrNotActive):
		return protocol.CodeNotOpen
	case errors.Is(err, session.ErrAlreadyOpened):
		return protocol.CodeAlreadyOpen
	case errors.Is(err, chat.ErrInvalidParty), errors.Is(err, chat.ErrInvalidTransition):
		return protocol.CodeInvalidRequest
	case errors.Is(err, docstore.ErrSubscriptionLost):
		return protocol.CodeSubscription
	case errors.Is(err, docstore.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeUnavailable
	default:
		return protocol.CodeInternal
	}
}

func (g *Gateway) handleOpen(ctx context.Context, conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.OpenMsg)
	cl := g.client(conn)
	if !ok || cl == nil {
		return
	}

	cl.mu.Lock()
	if cl.sess != nil {
		cl.mu.Unlock()
		g.fail(conn, session.ErrAlreadyOpened, "")
		return
	}
	// Callbacks hold back until the opened message is written.
	ready := make(chan struct{})
	sess := session.New(session.Deps{
		Registry: g.deps.Registry,
		Channel:  cl.channel,
		Presence: g.deps.Presence,
		Log:      g.deps.Log,
	}, session.Params{
		LocalUserID:     conn.UserID,
		CounterpartID:   m.CounterpartID,
		LocalName:       conn.Name,
		CounterpartName: m.CounterpartName,
	}, g.sessionHandlers(conn, ready))
	cl.sess = sess
	cl.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, g.deps.RequestTimeout)
	err := sess.Open(openCtx)
	cancel()
	if err != nil {
		cl.mu.Lock()
		if cl.sess == sess {
			cl.sess = nil
		}
		cl.mu.Unlock()
		close(ready)
		g.fail(conn, err, "")
		return
	}

	ws.Send(conn, g.log, protocol.TypeOpened, protocol.OpenedMsg{
		ConversationID: sess.ConversationID(),
		CounterpartID:  m.CounterpartID,
	})
	close(ready)
}

func (g *Gateway) sessionHandlers(conn *ws.Connection, ready <-chan struct{}) session.Handlers {
	return session.Handlers{
		OnMessage: func(m chat.Message) {
			<-ready
			ws.Send(conn, g.log, protocol.TypeMessage, protocol.ServerMessageMsg{Message: messagePayload(m)})
		},
		OnUpdate: func(m chat.Message) {
			<-ready
			ws.Send(conn, g.log, protocol.TypeUpdate, protocol.ServerMessageMsg{Message: messagePayload(m)})
		},
		OnPresenceChange: func(st presence.Status, rec presence.Record) {
			<-ready
			ws.Send(conn, g.log, protocol.TypePresence, presencePayload(st, rec))
		},
		OnError: func(err error) {
			<-ready
			g.fail(conn, err, "")
		},
	}
}

func messagePayload(m chat.Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		ReceiverID:     m.ReceiverID,
		ReceiverName:   m.ReceiverName,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		Status:         string(m.Status),
	}
}

func presencePayload(st presence.Status, rec presence.Record) protocol.PresenceMsg {
	p := protocol.PresenceMsg{Status: string(st), Online: rec.Online}
	if !rec.LastSeen.IsZero() {
		p.LastSeen = rec.LastSeen.UnixMilli()
	}
	return p
}

// active returns the connection's session, or reports not_open.
func (g *Gateway) active(conn *ws.Connection, ref string) *session.Session {
	cl := g.client(conn)
	if cl == nil {
		return nil
	}
	sess := cl.current()
	if sess == nil {
		g.fail(conn, session.ErrNotActive, ref)
	}
	return sess
}

func (g *Gateway) handleSend(ctx context.Context, conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}
	sess := g.active(conn, m.Ref)
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.deps.RequestTimeout)
	defer cancel()

	id, err := sess.Send(ctx, m.Text)
	if err != nil {
		g.fail(conn, err, m.Ref)
		return
	}
	ws.Send(conn, g.log, protocol.TypeSent, protocol.SentMsg{Ref: m.Ref, MessageID: id})
}

func (g *Gateway) handleMarkRead(ctx context.Context, conn *ws.Connection, _ any) {
	sess := g.active(conn, "")
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.deps.RequestTimeout)
	defer cancel()

	n, err := sess.MarkConversationRead(ctx)
	if err != nil {
		g.fail(conn, err, "")
		return
	}
	ws.Send(conn, g.log, protocol.TypeRead, protocol.ReadMsg{Updated: n})
}

func (g *Gateway) handleBackground(_ context.Context, conn *ws.Connection, _ any) {
	sess := g.active(conn, "")
	if sess == nil {
		return
	}
	if err := sess.Background(); err != nil {
		g.fail(conn, err, "")
	}
}

func (g *Gateway) handleForeground(ctx context.Context, conn *ws.Connection, _ any) {
	sess := g.active(conn, "")
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.deps.RequestTimeout)
	defer cancel()

	if err := sess.Foreground(ctx); err != nil {
		g.fail(conn, err, "")
	}
}

func (g *Gateway) handleClose(_ context.Context, conn *ws.Connection, _ any) {
	cl := g.client(conn)
	if cl == nil {
		return
	}
	sess := cl.take()
	if sess == nil {
		g.fail(conn, session.ErrNotActive, "")
		return
	}
	if err := sess.Close(); err != nil {
		g.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("close session")
	}
	ws.Send(conn, g.log, protocol.TypeClosed, protocol.ClosedMsg{})
}

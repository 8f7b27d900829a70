package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourchat/chat-core/internal/chat"
	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/moderation"
	"github.com/tourchat/chat-core/internal/presence"
	"github.com/tourchat/chat-core/internal/protocol"
	"github.com/tourchat/chat-core/internal/ws"
)

const (
	anaID   = "client-ana"
	toursID = "company-tours"
)

type testEnv struct {
	store    *docstore.Memory
	gw       *Gateway
	srv      *ws.Server
	http     *httptest.Server
	presence *presence.Tracker
}

func newEnv(t *testing.T, opts ...chat.Option) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := docstore.NewMemory()
	log := zerolog.Nop()
	tracker := presence.NewTracker(store, presence.Config{
		HeartbeatInterval: time.Second,
		StaleThreshold:    time.Minute,
	}, log)

	gw := New(Deps{
		Store:          store,
		Registry:       chat.NewRegistry(store, log),
		Presence:       tracker,
		ChannelOptions: opts,
		Log:            log,
	})
	dispatcher := ws.NewMessageDispatcher(log)
	gw.Register(dispatcher)

	srv := ws.NewServer(ws.DefaultServerConfig(), log, dispatcher.Dispatch)
	srv.SetOnConnect(gw.Connect)
	srv.SetOnDisconnect(gw.Disconnect)
	srv.Start()

	hs := httptest.NewServer(NewRouter(srv, log))
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testEnv{store: store, gw: gw, srv: srv, http: hs, presence: tracker}
}

func (e *testEnv) wsURL(userID, name string) string {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if name != "" {
		q.Set("name", name)
	}
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?" + q.Encode()
}

func (e *testEnv) dial(t *testing.T, userID, name string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(userID, name), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readUntil reads server messages until one of type typ satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", typ)

		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == typ && (match == nil || match(msg)) {
			return msg
		}
	}
}

func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	return readUntil(t, conn, typ, nil)
}

func open(t *testing.T, conn *websocket.Conn, counterpartID, counterpartName string) string {
	t.Helper()
	write(t, conn, protocol.OpenMsg{Type: protocol.TypeOpen, CounterpartID: counterpartID, CounterpartName: counterpartName})
	opened := readType(t, conn, protocol.TypeOpened)
	id, _ := opened["conversation_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func messageField(msg map[string]any, field string) any {
	m, _ := msg["message"].(map[string]any)
	return m[field]
}

func TestGateway_ConversationRoundTrip(t *testing.T) {
	env := newEnv(t)
	ana := env.dial(t, anaID, "Ana")
	tours := env.dial(t, toursID, "Andes Tours")

	convA := open(t, ana, toursID, "Andes Tours")
	convT := open(t, tours, anaID, "Ana")
	assert.Equal(t, convA, convT, "both parties resolve the same conversation")

	readUntil(t, ana, protocol.TypePresence, func(m map[string]any) bool {
		return m["status"] == string(presence.Online)
	})

	write(t, ana, protocol.SendMsg{Type: protocol.TypeSend, Ref: "r1", Text: "Hola, ¿sale el tour a Machu Picchu mañana?"})
	sent := readType(t, ana, protocol.TypeSent)
	assert.Equal(t, "r1", sent["ref"])
	msgID, _ := sent["message_id"].(string)
	require.NotEmpty(t, msgID)

	got := readUntil(t, tours, protocol.TypeMessage, func(m map[string]any) bool {
		return messageField(m, "id") == msgID
	})
	assert.Equal(t, "Hola, ¿sale el tour a Machu Picchu mañana?", messageField(got, "text"))
	assert.Equal(t, anaID, messageField(got, "sender_id"))
	assert.Equal(t, "Ana", messageField(got, "sender_name"))

	// The receiver has the conversation in the foreground, so the sender
	// eventually sees the message read.
	readUntil(t, ana, protocol.TypeUpdate, func(m map[string]any) bool {
		return messageField(m, "id") == msgID && messageField(m, "status") == string(chat.StatusRead)
	})
}

func TestGateway_BackgroundDeliversOnly(t *testing.T) {
	env := newEnv(t)
	ana := env.dial(t, anaID, "Ana")
	tours := env.dial(t, toursID, "Andes Tours")
	open(t, ana, toursID, "Andes Tours")
	open(t, tours, anaID, "Ana")

	write(t, tours, protocol.BackgroundMsg{Type: protocol.TypeBackground})
	write(t, tours, protocol.PingMsg{Type: protocol.TypePing})
	readType(t, tours, protocol.TypePong)

	write(t, ana, protocol.SendMsg{Type: protocol.TypeSend, Ref: "r1", Text: "¿Incluye el almuerzo?"})
	msgID, _ := readType(t, ana, protocol.TypeSent)["message_id"].(string)
	readUntil(t, ana, protocol.TypeUpdate, func(m map[string]any) bool {
		return messageField(m, "id") == msgID && messageField(m, "status") == string(chat.StatusDelivered)
	})

	write(t, tours, protocol.ForegroundMsg{Type: protocol.TypeForeground})
	readUntil(t, ana, protocol.TypeUpdate, func(m map[string]any) bool {
		return messageField(m, "id") == msgID && messageField(m, "status") == string(chat.StatusRead)
	})
}

func TestGateway_MarkRead(t *testing.T) {
	env := newEnv(t, chat.WithAutoAck(false))
	ana := env.dial(t, anaID, "Ana")
	tours := env.dial(t, toursID, "Andes Tours")
	open(t, ana, toursID, "Andes Tours")
	open(t, tours, anaID, "Ana")

	for _, text := range []string{"Buenos días", "Quisiera reservar para dos"} {
		write(t, ana, protocol.SendMsg{Type: protocol.TypeSend, Text: text})
		readType(t, ana, protocol.TypeSent)
	}

	write(t, tours, protocol.MarkReadMsg{Type: protocol.TypeMarkRead})
	read := readType(t, tours, protocol.TypeRead)
	assert.EqualValues(t, 2, read["updated"])

	write(t, tours, protocol.MarkReadMsg{Type: protocol.TypeMarkRead})
	read = readType(t, tours, protocol.TypeRead)
	assert.EqualValues(t, 0, read["updated"])
}

func TestGateway_RequiresOpenSession(t *testing.T) {
	env := newEnv(t)
	ana := env.dial(t, anaID, "Ana")

	write(t, ana, protocol.SendMsg{Type: protocol.TypeSend, Ref: "early", Text: "hola"})
	msg := readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeNotOpen, msg["code"])
	assert.Equal(t, "early", msg["ref"])

	write(t, ana, protocol.CloseMsg{Type: protocol.TypeClose})
	msg = readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeNotOpen, msg["code"])
}

func TestGateway_OpenTwice(t *testing.T) {
	env := newEnv(t)
	ana := env.dial(t, anaID, "Ana")
	open(t, ana, toursID, "Andes Tours")

	write(t, ana, protocol.OpenMsg{Type: protocol.TypeOpen, CounterpartID: "company-other"})
	msg := readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeAlreadyOpen, msg["code"])
}

func TestGateway_OpenWithSelfIsRejected(t *testing.T) {
	env := newEnv(t)
	ana := env.dial(t, anaID, "Ana")

	write(t, ana, protocol.OpenMsg{Type: protocol.TypeOpen, CounterpartID: anaID})
	msg := readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeInvalidRequest, msg["code"])

	// A failed open leaves the connection free to open another session.
	open(t, ana, toursID, "Andes Tours")
}

func TestGateway_CloseReportsCounterpartInactive(t *testing.T) {
	env := newEnv(t)
	ana := env.dial(t, anaID, "Ana")
	tours := env.dial(t, toursID, "Andes Tours")
	open(t, ana, toursID, "Andes Tours")
	open(t, tours, anaID, "Ana")
	readUntil(t, ana, protocol.TypePresence, func(m map[string]any) bool {
		return m["status"] == string(presence.Online)
	})

	write(t, tours, protocol.CloseMsg{Type: protocol.TypeClose})
	readType(t, tours, protocol.TypeClosed)

	msg := readUntil(t, ana, protocol.TypePresence, func(m map[string]any) bool {
		return m["status"] == string(presence.RecentlyActive)
	})
	assert.Equal(t, false, msg["online"])
	assert.NotZero(t, msg["last_seen"])

	// The connection stays usable after close.
	open(t, tours, anaID, "Ana")
}

func TestGateway_DisconnectClosesSession(t *testing.T) {
	env := newEnv(t)
	ana := env.dial(t, anaID, "Ana")
	open(t, ana, toursID, "Andes Tours")
	require.Equal(t, 1, env.gw.Sessions())

	rec, err := env.presence.Get(context.Background(), anaID)
	require.NoError(t, err)
	require.True(t, rec.Online)

	require.NoError(t, ana.Close())

	require.Eventually(t, func() bool {
		rec, err := env.presence.Get(context.Background(), anaID)
		return err == nil && !rec.Online && env.gw.Sessions() == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.srv.Connections().Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_BlockedText(t *testing.T) {
	env := newEnv(t, chat.WithModerator(moderation.NewFilter()))
	ana := env.dial(t, anaID, "Ana")
	open(t, ana, toursID, "Andes Tours")

	write(t, ana, protocol.SendMsg{Type: protocol.TypeSend, Ref: "r1", Text: "Escríbeme a wa.me/51987654321 y paga por fuera"})
	msg := readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeBlocked, msg["code"])
	assert.Equal(t, "r1", msg["ref"])
	assert.Zero(t, env.store.Len(chat.CollectionMessages))
}

func TestGateway_InvalidText(t *testing.T) {
	env := newEnv(t)
	ana := env.dial(t, anaID, "Ana")
	open(t, ana, toursID, "Andes Tours")

	write(t, ana, protocol.SendMsg{Type: protocol.TypeSend, Ref: "blank", Text: "   "})
	msg := readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeSendFailed, msg["code"])
	assert.Equal(t, "blank", msg["ref"])
}

func TestGateway_MalformedAndUnsupported(t *testing.T) {
	env := newEnv(t)
	ana := env.dial(t, anaID, "Ana")

	require.NoError(t, ana.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeParseError, msg["code"])

	write(t, ana, map[string]string{"type": "typing"})
	msg = readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeUnsupportedType, msg["code"])

	write(t, ana, map[string]string{"type": protocol.TypeOpened})
	msg = readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeUnsupportedType, msg["code"])

	write(t, ana, map[string]any{"type": protocol.TypeSend, "text": 42})
	msg = readType(t, ana, protocol.TypeError)
	assert.Equal(t, protocol.CodeParseError, msg["code"])
}

func TestGateway_RejectsMissingUserID(t *testing.T) {
	env := newEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("", "Ana"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_Health(t *testing.T) {
	env := newEnv(t)
	env.dial(t, anaID, "Ana")

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h ws.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Connections)
}

func TestGateway_Metrics(t *testing.T) {
	env := newEnv(t)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&chat.SendError{Reason: chat.ReasonRateLimited}, protocol.CodeRateLimited},
		{&chat.SendError{Reason: chat.ReasonBlocked}, protocol.CodeBlocked},
		{&chat.SendError{Reason: chat.ReasonStore, Err: docstore.ErrUnavailable}, protocol.CodeUnavailable},
		{&chat.SendError{Reason: chat.ReasonEmptyText}, protocol.CodeSendFailed},
		{chat.ErrInvalidParty, protocol.CodeInvalidRequest},
		{docstore.ErrSubscriptionLost, protocol.CodeSubscription},
		{docstore.Unavailable(context.Canceled), protocol.CodeUnavailable},
		{context.DeadlineExceeded, protocol.CodeUnavailable},
		{assert.AnError, protocol.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), "%v", tt.err)
	}
}

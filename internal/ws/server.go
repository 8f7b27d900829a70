// Package ws handles WebSocket connection management for the chat gateway:
// upgrading HTTP requests with gobwas/ws, reading frames on one goroutine per
// connection, keeping connections alive with ping frames, and dispatching
// incoming messages to handlers.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tourchat/chat-core/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted frame payload in bytes
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 100000,
		MaxMessageSize: 16 << 10,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Limiter admits connection attempts per remote address.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Server accepts WebSocket connections and runs one read loop per
// connection.
type Server struct {
	config ServerConfig
	conns  *ConnectionManager
	log    zerolog.Logger
	admit  Limiter

	onMessage    func(ctx context.Context, conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)

	closing   atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	startedAt time.Time
}

// NewServer creates a Server. onMessage is called from the connection's read
// goroutine for every complete text message, so messages of one connection
// are handled in order.
func NewServer(config ServerConfig, log zerolog.Logger, onMessage func(ctx context.Context, conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		log:       log.With().Str("component", "ws").Logger(),
		onMessage: onMessage,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

// SetAdmission installs a per-address limiter for connection attempts.
// Limiter errors admit the connection.
func (s *Server) SetAdmission(l Limiter) { s.admit = l }

// SetOnConnect registers a callback invoked after a connection is upgraded
// and before its first message is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout, close frame or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Start begins heartbeat monitoring. HTTP serving is left to the caller,
// which mounts HandleUpgrade on its router.
func (s *Server) Start() {
	s.startedAt = time.Now()
	s.wg.Add(1)
	go s.runHeartbeat()
	s.log.Info().
		Int("max_conns", s.config.MaxConnections).
		Dur("heartbeat", s.config.Heartbeat.Interval).
		Msg("ws server started")
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection. The
// caller identity comes from the user_id and name query parameters.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.admit != nil {
		ok, err := s.admit.Allow(r.Context(), remoteHost(r))
		if err != nil {
			s.log.Warn().Err(err).Msg("connection admission check failed")
		}
		if !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), userID, r.URL.Query().Get("name"), conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	s.wg.Add(1)
	go s.serve(c)

	s.log.Info().Str("conn_id", c.ID).Str("user_id", userID).Int("total", s.conns.Count()).Msg("new connection")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var errCloseFrame = errors.New("ws: close frame received")

// serve reads frames until the connection fails or closes, then removes it.
func (s *Server) serve(c *Connection) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.RemoveConnection(c)

	rd := &wsutil.Reader{
		Source:       c.Conn,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: s.config.MaxMessageSize,
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			return s.control(c, h, r)
		},
	}

	for {
		header, err := rd.NextFrame()
		if err != nil {
			s.logReadEnd(c, err)
			return
		}
		c.touch()

		if header.OpCode.IsControl() {
			if err := s.control(c, header, rd); err != nil {
				s.logReadEnd(c, err)
				return
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, s.config.MaxMessageSize+1))
		if err != nil {
			s.logReadEnd(c, err)
			return
		}
		if int64(len(data)) > s.config.MaxMessageSize {
			s.logReadEnd(c, wsutil.ErrFrameTooLarge)
			return
		}
		if header.OpCode != ws.OpText || len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(ctx, c, data)
		}
	}
}

// control handles ping, pong and close frames.
func (s *Server) control(c *Connection, h ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch h.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return errCloseFrame
	}
	return nil
}

func (s *Server) logReadEnd(c *Connection, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, errCloseFrame), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.As(err, &netErr) && netErr.Timeout():
	default:
		s.log.Debug().Err(err).Str("conn_id", c.ID).Msg("read failed")
	}
}

// RemoveConnection unregisters and closes c. Concurrent calls clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Info().Str("conn_id", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Health summarizes the server for the health endpoint.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
}

// Health reports the current connection count and uptime.
func (s *Server) Health() Health {
	status := "ok"
	if s.closing.Load() {
		status = "shutting_down"
	}
	return Health{
		Status:      status,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
}

// Shutdown refuses new connections, closes every live one and waits for the
// read loops to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info().Msg("shutting down")
	close(s.done)

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.log.Info().Msg("all connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package session orchestrates one open conversation screen: it resolves the
// conversation, follows its messages and the counterpart's presence, keeps
// the local user marked online while active, and tears everything down on
// close.
//
// A Session moves through Initializing, Active, Closing and Closed. Close is
// idempotent and may be called in any state, including while Open is still
// running.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tourchat/chat-core/internal/chat"
	"github.com/tourchat/chat-core/internal/metrics"
	"github.com/tourchat/chat-core/internal/presence"
)

var tracer = otel.Tracer("github.com/tourchat/chat-core/internal/session")

var (
	// ErrNotActive is returned by operations that need an Active session.
	ErrNotActive = errors.New("session: not active")

	// ErrAlreadyOpened is returned when Open is called a second time.
	ErrAlreadyOpened = errors.New("session: already opened")

	// ErrClosed is returned by Open when Close was requested before the
	// session became Active.
	ErrClosed = errors.New("session: closed")
)

// State is the lifecycle state of a Session.
type State int

const (
	Initializing State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// offlineTimeout bounds the offline write performed during teardown.
const offlineTimeout = 5 * time.Second

// Deps are the collaborators of a Session. Channel must be bound to the
// local user.
type Deps struct {
	Registry *chat.Registry
	Channel  *chat.Channel
	Presence *presence.Tracker
	Log      zerolog.Logger
}

// Params identify the two parties of the session.
type Params struct {
	LocalUserID     string
	CounterpartID   string
	LocalName       string
	CounterpartName string
}

// Handlers receive session callbacks. Message callbacks are invoked one at
// a time in conversation order; presence callbacks likewise, on a different
// goroutine. Nil handlers are skipped.
type Handlers struct {
	OnMessage        func(chat.Message)
	OnUpdate         func(chat.Message)
	OnPresenceChange func(presence.Status, presence.Record)
	OnError          func(error)
}

// Session is one open conversation between the local user and a counterpart.
type Session struct {
	deps     Deps
	params   Params
	handlers Handlers
	log      zerolog.Logger

	mu             sync.Mutex
	state          State
	opening        bool
	err            error
	conversationID string
	cancelOpen     context.CancelFunc
	cancelLife     context.CancelFunc
	messages       *chat.Subscription
	listener       *presence.Listener
	heartbeat      *presence.Heartbeat
	onlineWritten  bool
	foreground     bool
	counterpart    presence.Record
	status         presence.Status

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Session in state Initializing.
func New(deps Deps, params Params, handlers Handlers) *Session {
	return &Session{
		deps:     deps,
		params:   params,
		handlers: handlers,
		log: deps.Log.With().
			Str("component", "session").
			Str("user_id", params.LocalUserID).
			Str("counterpart_id", params.CounterpartID).
			Logger(),
		status: presence.Offline,
		closed: make(chan struct{}),
	}
}

// Open creates a Session and opens it.
func Open(ctx context.Context, deps Deps, params Params, handlers Handlers) (*Session, error) {
	s := New(deps, params, handlers)
	if err := s.Open(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Open resolves the conversation, subscribes to its messages and to the
// counterpart's presence, clears the unread backlog and marks the local user
// online. On any failure everything acquired so far is released and the
// session ends Closed with the error.
func (s *Session) Open(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "session.Open")
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s.mu.Lock()
	switch {
	case s.state == Closing || s.state == Closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state != Initializing || s.opening:
		s.mu.Unlock()
		return ErrAlreadyOpened
	}
	s.opening = true
	openCtx, cancel := context.WithCancel(ctx)
	s.cancelOpen = cancel
	lifeCtx, cancelLife := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelLife = cancelLife
	s.mu.Unlock()
	defer cancel()

	err = s.setup(openCtx, lifeCtx)

	s.mu.Lock()
	if s.state == Closing {
		err = ErrClosed
	}
	if err != nil {
		s.state = Closing
		s.err = err
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("session open failed")
		if terr := s.teardown(); terr != nil {
			s.log.Warn().Err(terr).Msg("teardown after failed open")
		}
		s.finish()
		return err
	}
	s.state = Active
	metrics.ActiveSessions.Inc()
	// A Close that observes Active must find the dispatchers counted.
	s.wg.Add(2)
	msgs, listener, convID := s.messages, s.listener, s.conversationID
	s.mu.Unlock()

	span.SetAttributes(attribute.String("conversation.id", convID))
	metrics.SessionOpenDuration.Observe(time.Since(start).Seconds())
	s.log.Info().Str("conversation_id", convID).Msg("session active")

	go s.dispatchMessages(msgs)
	go s.watchPresence(listener)
	return nil
}

// setup acquires the session resources in order. Each acquired resource is
// recorded before the next step so that teardown can release it.
func (s *Session) setup(ctx, lifeCtx context.Context) error {
	p := s.params
	if self := s.deps.Channel.Self(); self != p.LocalUserID {
		return fmt.Errorf("session: channel is bound to %q, not %q", self, p.LocalUserID)
	}

	convID, err := s.deps.Registry.FindOrCreate(ctx, p.LocalUserID, p.CounterpartID, p.LocalName, p.CounterpartName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conversationID = convID
	s.mu.Unlock()

	s.holdForeground(convID)
	if _, err := s.deps.Channel.MarkAllAsRead(ctx, convID, p.LocalUserID); err != nil {
		return err
	}

	msgs, err := s.deps.Channel.Subscribe(ctx, convID)
	if err != nil {
		return err
	}
	if !s.keep(func() { s.messages = msgs }) {
		return ErrClosed
	}

	listener, err := s.deps.Presence.Listen(ctx, p.CounterpartID)
	if err != nil {
		return err
	}
	if !s.keep(func() { s.listener = listener }) {
		return ErrClosed
	}

	if err := s.deps.Presence.SetOnline(ctx, p.LocalUserID); err != nil {
		return err
	}
	if !s.keep(func() { s.onlineWritten = true }) {
		return ErrClosed
	}

	hb := s.deps.Presence.StartHeartbeat(lifeCtx, p.LocalUserID)
	if !s.keep(func() { s.heartbeat = hb }) {
		return ErrClosed
	}
	return nil
}

// keep records an acquired resource for teardown and reports whether setup
// may continue, which it may not once Close was requested.
func (s *Session) keep(record func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	record()
	return s.state == Initializing
}

// Close ends the session: it stops the heartbeat, releases both
// subscriptions and, if the local user was marked online, marks them
// offline. It waits until the session is Closed and returns any teardown
// error. Calling Close again returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return nil
	case Closing:
		s.mu.Unlock()
		<-s.closed
		return nil
	case Initializing:
		s.state = Closing
		if s.opening {
			// Open notices, tears down what it acquired and finishes.
			s.cancelOpen()
			s.mu.Unlock()
			<-s.closed
			return nil
		}
		s.mu.Unlock()
		s.finish()
		return nil
	}

	s.state = Closing
	s.mu.Unlock()

	err := s.teardown()
	metrics.ActiveSessions.Dec()
	s.finish()
	s.log.Info().Msg("session closed")
	return err
}

func (s *Session) finish() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		close(s.closed)
	})
}

// teardown releases every recorded resource. It runs once, in state Closing.
func (s *Session) teardown() error {
	s.mu.Lock()
	hb, msgs, listener := s.heartbeat, s.messages, s.listener
	online, convID := s.onlineWritten, s.conversationID
	cancelLife := s.cancelLife
	s.heartbeat, s.messages, s.listener = nil, nil, nil
	s.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}

	var errs []error
	if msgs != nil {
		if err := msgs.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("session: unsubscribe messages: %w", err))
		}
	}
	if listener != nil {
		if err := listener.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("session: unsubscribe presence: %w", err))
		}
	}
	if convID != "" {
		s.releaseForeground(convID)
	}
	if online {
		ctx, cancel := context.WithTimeout(context.Background(), offlineTimeout)
		if err := s.deps.Presence.SetOffline(ctx, s.params.LocalUserID); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if cancelLife != nil {
		cancelLife()
	}
	return errors.Join(errs...)
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Wait blocks until the session is Closed and its callbacks have returned.
// It must not be called from a handler.
func (s *Session) Wait() {
	<-s.closed
	s.wg.Wait()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended a failed Open, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ConversationID returns the resolved conversation, empty before it is known.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Params returns the parties of the session.
func (s *Session) Params() Params { return s.params }

// Counterpart returns the last inferred presence of the counterpart.
func (s *Session) Counterpart() (presence.Status, presence.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.counterpart
}

func (s *Session) activeConversation() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return "", fmt.Errorf("%w: %s", ErrNotActive, s.state)
	}
	return s.conversationID, nil
}

// Send sends text to the counterpart and returns the new message id.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	convID, err := s.activeConversation()
	if err != nil {
		return "", err
	}
	return s.deps.Channel.Send(ctx, convID, chat.Draft{
		SenderName:   s.params.LocalName,
		ReceiverID:   s.params.CounterpartID,
		ReceiverName: s.params.CounterpartName,
		Text:         text,
	})
}

// MarkConversationRead marks every unread message addressed to the local
// user as Read and returns how many changed.
func (s *Session) MarkConversationRead(ctx context.Context) (int, error) {
	convID, err := s.activeConversation()
	if err != nil {
		return 0, err
	}
	return s.deps.Channel.MarkAllAsRead(ctx, convID, s.params.LocalUserID)
}

// Background records that the conversation left the screen. Incoming
// messages are then only acknowledged as delivered. The heartbeat keeps
// running, so the local user stays online while backgrounded.
func (s *Session) Background() error {
	convID, err := s.activeConversation()
	if err != nil {
		return err
	}
	s.releaseForeground(convID)
	return nil
}

// Foreground reverts Background and clears the backlog that arrived
// meanwhile.
func (s *Session) Foreground(ctx context.Context) error {
	convID, err := s.activeConversation()
	if err != nil {
		return err
	}
	s.holdForeground(convID)
	_, err = s.deps.Channel.MarkAllAsRead(ctx, convID, s.params.LocalUserID)
	return err
}

// holdForeground takes this session's single foreground reference on the
// channel. Sessions that are closing take none.
func (s *Session) holdForeground(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.foreground || s.state == Closing || s.state == Closed {
		return
	}
	s.foreground = true
	s.deps.Channel.SetForeground(convID)
}

// releaseForeground drops the reference taken by holdForeground, if any.
func (s *Session) releaseForeground(convID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.foreground {
		return
	}
	s.foreground = false
	s.deps.Channel.ClearForeground(convID)
}

func (s *Session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Active
}

func (s *Session) reportError(err error) {
	s.log.Warn().Err(err).Msg("session error")
	if s.handlers.OnError != nil && s.active() {
		s.handlers.OnError(err)
	}
}

func (s *Session) dispatchMessages(sub *chat.Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		if !s.active() {
			continue
		}
		switch ev.Kind {
		case chat.EventMessage:
			if s.handlers.OnMessage != nil {
				s.handlers.OnMessage(ev.Message)
			}
		case chat.EventUpdate:
			if s.handlers.OnUpdate != nil {
				s.handlers.OnUpdate(ev.Message)
			}
		case chat.EventError:
			s.reportError(ev.Err)
		}
	}
}

// watchPresence infers the counterpart's status from every record and, while
// they are recently active, re-infers when lastSeen crosses the staleness
// threshold so the downgrade to Offline is seen without a new record.
func (s *Session) watchPresence(l *presence.Listener) {
	defer s.wg.Done()

	var (
		rec    presence.Record
		timer  *time.Timer
		expiry <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, expiry = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case c, ok := <-l.Changes():
			if !ok {
				return
			}
			if c.Err != nil {
				s.reportError(c.Err)
				continue
			}
			rec = c.Record
		case <-expiry:
			timer, expiry = nil, nil
		}

		status := s.deps.Presence.Infer(rec)
		s.mu.Lock()
		s.counterpart, s.status = rec, status
		s.mu.Unlock()
		if s.handlers.OnPresenceChange != nil && s.active() {
			s.handlers.OnPresenceChange(status, rec)
		}

		stopTimer()
		if status == presence.RecentlyActive {
			wait := rec.StaleAt(s.deps.Presence.Config().StaleThreshold).Sub(s.deps.Presence.Now())
			timer = time.NewTimer(max(wait, 0))
			expiry = timer.C
		}
	}
}

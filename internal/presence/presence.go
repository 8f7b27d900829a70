// Package presence publishes the local user's online state and observes the
// state of counterparts. A presence record is shared by all devices of a user
// and overwritten by whichever writes last; the heartbeat keeps lastSeen
// fresh so that a silent process can be told apart from a recently active one.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/metrics"
)

// Collection holds one presence document per user, keyed by user id.
const Collection = "presence"

const (
	fieldUserID   = "userId"
	fieldOnline   = "online"
	fieldLastSeen = "lastSeen"
)

// Status is the inferred presence of a user.
type Status string

const (
	Online         Status = "online"
	RecentlyActive Status = "recently_active"
	Offline        Status = "offline"
)

// Record is the raw presence document.
type Record struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

func recordFromDoc(d docstore.Document) Record {
	rec := Record{UserID: d.ID, Online: d.Bool(fieldOnline)}
	if ms := d.Int(fieldLastSeen); ms > 0 {
		rec.LastSeen = time.UnixMilli(ms)
	}
	return rec
}

// Infer derives the three-level status of rec at now. An explicit online
// flag wins regardless of lastSeen age; otherwise a lastSeen younger than
// threshold counts as recently active.
func Infer(rec Record, now time.Time, threshold time.Duration) Status {
	switch {
	case rec.Online:
		return Online
	case !rec.LastSeen.IsZero() && now.Sub(rec.LastSeen) < threshold:
		return RecentlyActive
	default:
		return Offline
	}
}

// StaleAt returns when an offline rec stops counting as recently active, or
// the zero time if it never will through age alone.
func (r Record) StaleAt(threshold time.Duration) time.Time {
	if r.Online || r.LastSeen.IsZero() {
		return time.Time{}
	}
	return r.LastSeen.Add(threshold)
}

// Config holds presence timing.
type Config struct {
	HeartbeatInterval time.Duration // how often SetOnline is re-asserted (default: 30s)
	StaleThreshold    time.Duration // max lastSeen age still recently active (default: 300s)
}

// DefaultConfig returns the recommended presence timing.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		StaleThreshold:    300 * time.Second,
	}
}

// Tracker reads and writes presence records.
type Tracker struct {
	store docstore.Store
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the clock used for lastSeen and status inference.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker. Zero durations in cfg fall back to defaults.
func NewTracker(store docstore.Store, cfg Config, log zerolog.Logger, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	t := &Tracker{store: store, cfg: cfg, log: log, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the effective timing.
func (t *Tracker) Config() Config { return t.cfg }

// Now returns the tracker's clock reading.
func (t *Tracker) Now() time.Time { return t.now() }

// Infer applies Infer with the tracker's clock and threshold.
func (t *Tracker) Infer(rec Record) Status {
	return Infer(rec, t.now(), t.cfg.StaleThreshold)
}

// SetOnline writes {online: true, lastSeen: now} for userID.
func (t *Tracker) SetOnline(ctx context.Context, userID string) error {
	return t.write(ctx, userID, true)
}

// SetOffline writes {online: false, lastSeen: now} for userID.
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	return t.write(ctx, userID, false)
}

func (t *Tracker) write(ctx context.Context, userID string, online bool) error {
	if userID == "" {
		return errors.New("presence: empty user id")
	}
	err := t.store.Put(ctx, Collection, userID, docstore.Fields{
		fieldUserID:   userID,
		fieldOnline:   strconv.FormatBool(online),
		fieldLastSeen: strconv.FormatInt(t.now().UnixMilli(), 10),
	})
	if err != nil {
		return fmt.Errorf("presence: write %s online=%t: %w", userID, online, err)
	}
	state := "offline"
	if online {
		state = "online"
	}
	metrics.PresenceWrites.WithLabelValues(state).Inc()
	return nil
}

// Get returns the current record of userID. A user that never wrote
// presence yields an offline record with a zero LastSeen.
func (t *Tracker) Get(ctx context.Context, userID string) (Record, error) {
	doc, err := t.store.Get(ctx, Collection, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return Record{UserID: userID}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	return recordFromDoc(doc), nil
}

package presence

import (
	"context"
	"sync"
	"time"
)

// Heartbeat re-asserts a user's online state on a fixed interval.
type Heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartHeartbeat begins a background goroutine that calls SetOnline for
// userID every HeartbeatInterval. It does not write immediately; callers
// write the first SetOnline themselves so they can act on its error. The
// goroutine exits when ctx is done or Stop is called.
func (t *Tracker) StartHeartbeat(ctx context.Context, userID string) *Heartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(hb.done)
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.SetOnline(ctx, userID); err != nil && ctx.Err() == nil {
					// The next tick retries; staleness covers a longer outage.
					t.log.Warn().Err(err).Str("user_id", userID).Msg("heartbeat write failed")
				}
			}
		}
	}()
	return hb
}

// Stop ends the heartbeat and waits for an in-flight write to finish. It is
// safe to call more than once.
func (hb *Heartbeat) Stop() {
	hb.once.Do(func() {
		hb.cancel()
		<-hb.done
	})
}

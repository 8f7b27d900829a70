package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat periodically sends ping frames to all connections and removes
// those that stayed silent for longer than Interval + Timeout. It returns
// when the server's done channel is closed.
func (s *Server) runHeartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections()
		}
	}
}

// checkConnections evicts dead connections and pings the rest. Clients answer
// the ping with a pong, which counts as activity.
func (s *Server) checkConnections() {
	deadline := s.config.Heartbeat.Interval + s.config.Heartbeat.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActivity())
		if idle > deadline {
			s.log.Info().Str("conn_id", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.log.Debug().Err(err).Str("conn_id", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}

package ws

import (
	"context"
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

// startHeartbeat pings every connection each Interval, removes those with no
// inbound frame for Interval + Timeout, and keeps presence records of live
// connections from expiring. It exits when the server's done channel closes.
func (s *Server) startHeartbeat() {
	cfg := s.config.Heartbeat
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(cfg)
			}
		}
	}()
}

func (s *Server) checkConnections(cfg HeartbeatConfig) {
	deadline := cfg.Interval + cfg.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.logger.Info().Str("participant", c.ID).Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.logger.Info().Err(err).Str("participant", c.ID).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
			continue
		}

		if s.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.presence.RefreshTTL(ctx, c.ID); err != nil {
				s.logger.Debug().Err(err).Str("participant", c.ID).Msg("presence refresh failed")
			}
			cancel()
		}
	}
}

package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig controls the server-side liveness check.
type HeartbeatConfig struct {
	Interval time.Duration // how often to sweep connections
	Timeout  time.Duration // max silence before a connection is considered dead
}

// DefaultHeartbeatConfig returns sensible heartbeat defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  90 * time.Second,
	}
}

// StartHeartbeat launches a goroutine that periodically pings all
// connections and evicts those silent for longer than the timeout. Any
// inbound frame counts as activity; clients that cannot answer pings stay
// alive by sending application pings instead.
func StartHeartbeat(s *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				sweepConnections(s, config.Timeout)
			}
		}
	}()
}

func sweepConnections(s *Server, timeout time.Duration) {
	now := time.Now()
	for _, c := range s.conns.All() {
		if silent := now.Sub(c.LastActive()); silent > timeout {
			s.log.Info("heartbeat timeout, evicting connection",
				zap.String("conn_id", c.ID),
				zap.String("user_id", c.UserID),
				zap.Duration("silent_for", silent))
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.log.Debug("ping write failed, evicting connection",
				zap.String("conn_id", c.ID),
				zap.Error(err))
			s.RemoveConnection(c)
		}
	}
}

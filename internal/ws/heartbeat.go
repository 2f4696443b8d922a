package ws

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed ping before the connection is closed (default: 10s)
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat pings every connection each Interval and closes those that
// have sent nothing for Interval + Timeout. The pong a browser answers with
// counts as activity, so an idle but healthy client stays connected and
// keeps its presence fresh. It returns when the server shuts down.
func (s *Server) runHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkConnections(now, config)
		}
	}
}

func (s *Server) checkConnections(now time.Time, config HeartbeatConfig) int {
	deadline := config.Interval + config.Timeout
	closed := 0

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s user=%s idle=%s",
				c.ID, c.UserID(), idle.Round(time.Second))
			s.RemoveConnection(c)
			closed++
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s user=%s: %v", c.ID, c.UserID(), err)
			s.RemoveConnection(c)
			closed++
			continue
		}
		if s.hooks.OnHeartbeat != nil {
			s.hooks.OnHeartbeat(c)
		}
	}
	return closed
}

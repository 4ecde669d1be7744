package pool

import (
	"time"

	"maestro/internal/event"
)

// sweepLoop runs while the pool has connections. Each tick it checks
// liveness and pings survivors; stale or unpingable connections are
// collected during the sweep and removed after iteration so the
// connection map is never mutated mid-sweep.
func (p *Pool) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(p.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-stop:
			return
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()
	var expired []string

	for _, conn := range p.snapshot() {
		if now.Sub(conn.LastHeartbeat()) > p.options.HeartbeatTimeout {
			expired = append(expired, conn.ID())
			continue
		}
		if !conn.ping() {
			expired = append(expired, conn.ID())
		}
	}

	for _, connectionID := range expired {
		p.options.Registry.IncHeartbeatTimeout()
		p.options.Bus.Publish(event.NewConnectionEvent(event.TypeHeartbeatTimeout, connectionID, "", false))
		p.options.Logger.Warn("connection timed out", map[string]string{
			"connection_id": connectionID,
		})
		p.Remove(connectionID)
	}
}

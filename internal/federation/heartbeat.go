package federation

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pingEnvelope struct {
	Type string `json:"type"`
	Sent int64  `json:"sent_unix_ms"`
}

// heartbeatLoop pings every Ready peer every 60 seconds; a failed ping
// marks the connection Error rather than immediately re-queueing it —
// the next send attempt (or the operator) decides whether to reconnect.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pingAll(ctx)
		}
	}
}

func (m *Manager) pingAll(ctx context.Context) {
	for _, c := range m.Connections() {
		c.mu.RLock()
		ready := c.state == ConnReady
		conn := c.conn
		c.mu.RUnlock()
		if !ready || conn == nil {
			continue
		}

		start := time.Now()
		payload, _ := json.Marshal(pingEnvelope{Type: "cis.worker.heartbeat", Sent: start.UnixMilli()})
		if err := conn.Send(payload); err != nil {
			c.recordError(err)
			c.setState(ConnError)
			continue
		}
		c.touch()
		m.heartbeats.Add(ctx, 1, metric.WithAttributes(
			attribute.String("node_id", c.Peer.NodeID),
			attribute.Float64("rtt_ms", float64(time.Since(start).Milliseconds())),
		))
	}
}

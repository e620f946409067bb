package federation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// enqueueReconnect marks a peer for reconnection; duplicate enqueues of
// an already-queued peer are dropped.
func (m *Manager) enqueueReconnect(nodeID string) {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()
	if m.reconnectQ[nodeID] {
		return
	}
	m.reconnectQ[nodeID] = true
}

func (m *Manager) drainReconnectQueue() []string {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()
	out := make([]string, 0, len(m.reconnectQ))
	for id := range m.reconnectQ {
		out = append(out, id)
	}
	m.reconnectQ = make(map[string]bool)
	return out
}

// reconnectLoop drains the reconnect queue every 5 seconds. Each queued
// peer either gets marked Error and dropped (attempts exhausted) or is
// set Reconnecting with an exponential-backoff next_retry and redialed.
func (m *Manager) reconnectLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, nodeID := range m.drainReconnectQueue() {
				m.attemptReconnect(ctx, nodeID)
			}
		}
	}
}

func (m *Manager) attemptReconnect(ctx context.Context, nodeID string) {
	c, ok := m.get(nodeID)
	if !ok {
		return
	}

	c.mu.Lock()
	n := c.reconnectAttempt
	if n >= m.maxAttempts {
		c.state = ConnError
		c.mu.Unlock()
		slog.Warn("federation: reconnect attempts exhausted", "node_id", nodeID, "attempts", n)
		return
	}
	c.reconnectAttempt = n + 1
	delay := c.retry.NextBackOff()
	c.nextRetry = time.Now().Add(delay)
	c.state = ConnReconnecting
	c.stats.Reconnects++
	c.mu.Unlock()

	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", nodeID)))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-m.shutdown:
		return
	case <-timer.C:
	}

	m.connectToNode(ctx, nodeID)
}

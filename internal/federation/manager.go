package federation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis/internal/cerr"
	"github.com/swarmguard/cis/internal/identity"
	"github.com/swarmguard/cis/internal/resilience"
	"github.com/swarmguard/cis/internal/store"
	"github.com/swarmguard/cis/internal/transport"
)

// Manager owns the full set of known-peer connections, the reconnect
// queue, and the reconnect/heartbeat background tasks. Connection never holds
// a back-pointer to Manager; it publishes nothing, the manager instead
// drives it directly under the connections lock.
type Manager struct {
	self *identity.Identity
	db   *store.Store

	connMu sync.RWMutex
	conns  map[string]*Connection // node_id -> connection

	reconnectMu sync.Mutex
	reconnectQ  map[string]bool // dedup set of queued node ids

	didCache    *cache.Cache
	sendLimiter *resilience.RateLimiter

	shutdown chan struct{}
	wg       sync.WaitGroup

	tracer trace.Tracer

	reconnects   metric.Int64Counter
	heartbeats   metric.Int64Counter
	sendFailures metric.Int64Counter
	syncEvents   metric.Int64Counter

	baseBackoff time.Duration
	maxAttempts int
}

// New builds a Manager with no connections yet; call Start to load peers
// and begin background tasks.
func New(self *identity.Identity, db *store.Store, tracer trace.Tracer, meter metric.Meter) *Manager {
	reconnects, _ := meter.Int64Counter("cis_federation_reconnects_total")
	heartbeats, _ := meter.Int64Counter("cis_federation_heartbeats_total")
	sendFailures, _ := meter.Int64Counter("cis_federation_send_failures_total")
	syncEvents, _ := meter.Int64Counter("cis_federation_sync_events_total")

	return &Manager{
		self:         self,
		db:           db,
		conns:        make(map[string]*Connection),
		reconnectQ:   make(map[string]bool),
		didCache:     cache.New(cache.NoExpiration, cache.NoExpiration),
		sendLimiter:  resilience.NewRateLimiter(200, 50, time.Second, 200),
		shutdown:     make(chan struct{}),
		tracer:       tracer,
		reconnects:   reconnects,
		heartbeats:   heartbeats,
		sendFailures: sendFailures,
		syncEvents:   syncEvents,
		baseBackoff:  1 * time.Second,
		maxAttempts:  8,
	}
}

// Start registers the given peers, performs an initial eager connect to
// each, spawns the reconnection task and the heartbeat task, then runs
// one up-front SyncRooms pass. No periodic sync task is spawned: after
// that pass, a peer's rooms are synced again only when connectToNode
// (re)connects it.
func (m *Manager) Start(ctx context.Context, peers []Peer) {
	m.connMu.Lock()
	for _, p := range peers {
		if _, ok := m.conns[p.NodeID]; !ok {
			m.conns[p.NodeID] = newConnection(p, m.baseBackoff)
		}
	}
	m.connMu.Unlock()

	for _, p := range peers {
		go m.connectToNode(ctx, p.NodeID)
	}

	m.wg.Add(2)
	go m.reconnectLoop(ctx)
	go m.heartbeatLoop(ctx)

	m.SyncRooms(ctx)
}

// Shutdown signals both background tasks, closes every connection, and
// marks each Disconnected.
func (m *Manager) Shutdown() {
	close(m.shutdown)
	m.wg.Wait()

	m.connMu.Lock()
	defer m.connMu.Unlock()
	for _, c := range m.conns {
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.state = ConnDisconnected
		c.mu.Unlock()
	}
}

// Connections returns a snapshot of every known connection.
func (m *Manager) Connections() []*Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) get(nodeID string) (*Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	c, ok := m.conns[nodeID]
	return c, ok
}

// connectToNode dials and authenticates the peer, transitioning its
// connection through Connecting to Ready (or Error on failure).
func (m *Manager) connectToNode(ctx context.Context, nodeID string) {
	c, ok := m.get(nodeID)
	if !ok {
		return
	}
	if !c.breaker.Allow() {
		m.enqueueReconnect(nodeID)
		return
	}
	c.setState(ConnConnecting)
	c.mu.Lock()
	c.stats.Attempts++
	c.mu.Unlock()

	conn, err := transport.Dial(ctx, c.Peer.Address, m.self, nodeID)
	if err != nil {
		c.breaker.RecordResult(false)
		c.recordError(err)
		m.enqueueReconnect(nodeID)
		return
	}
	c.breaker.RecordResult(true)

	c.mu.Lock()
	c.conn = conn
	c.state = ConnReady
	c.stats.ConnectedAt = time.Now()
	c.reconnectAttempt = 0
	c.retry.Reset()
	c.mu.Unlock()
	c.touch()
	slog.Info("federation: connected", "node_id", nodeID)

	go m.receiveLoop(ctx, c, conn)
	m.SyncPeerRooms(ctx, nodeID)
	m.drainPendingSync(ctx, nodeID)
}

// SendEvent sends a room event to a specific peer. It prefers the live
// stream transport; on stream failure it falls back to a one-shot
// request-response delivery (a fresh handshake, single send, and close)
// before giving up. If the fallback fails too, the payload is queued in
// pending_sync (when a store is attached), the peer is re-queued for
// reconnection, and a P2P error is returned; a stream failure whose
// fallback succeeds returns nil and re-queues nothing.
func (m *Manager) SendEvent(ctx context.Context, nodeID string, payload []byte) error {
	c, ok := m.get(nodeID)
	if !ok {
		return cerr.New(cerr.NotFound, "federation.SendEvent", nil)
	}
	if !m.sendLimiter.Allow() {
		return cerr.New(cerr.P2P, "federation.SendEvent", nil)
	}
	c.mu.RLock()
	state := c.state
	conn := c.conn
	peer := c.Peer
	c.mu.RUnlock()
	if state != ConnReady || conn == nil {
		return cerr.New(cerr.P2P, "federation.SendEvent", nil)
	}
	if !c.breaker.Allow() {
		return cerr.New(cerr.P2P, "federation.SendEvent", nil)
	}

	if err := conn.Send(payload); err == nil {
		c.breaker.RecordResult(true)
		c.recordSent()
		c.touch()
		return nil
	} else if rrErr := m.sendRequestResponse(ctx, peer, payload); rrErr == nil {
		c.breaker.RecordResult(true)
		c.recordSent()
		c.touch()
		return nil
	} else {
		c.breaker.RecordResult(false)
		c.recordError(err)
		m.sendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", nodeID)))
		if m.db != nil {
			if qErr := m.db.EnqueuePendingSync(ctx, nodeID, payload); qErr != nil {
				slog.Warn("federation: enqueue pending sync failed", "node_id", nodeID, "err", qErr)
			}
		}
		m.enqueueReconnect(nodeID)
		return cerr.New(cerr.P2P, "federation.SendEvent", rrErr)
	}
}

// drainPendingSync resends every transaction queued for nodeID while it
// was unreachable. It runs after a successful (re)connect; each entry is
// dequeued only once its resend succeeds, so a send failure mid-drain
// leaves the remainder queued for the next reconnect.
func (m *Manager) drainPendingSync(ctx context.Context, nodeID string) {
	if m.db == nil {
		return
	}
	entries, err := m.db.ListPendingSync(ctx, nodeID)
	if err != nil {
		slog.Warn("federation: list pending sync failed", "node_id", nodeID, "err", err)
		return
	}
	for _, e := range entries {
		if err := m.SendEvent(ctx, nodeID, e.Payload); err != nil {
			slog.Warn("federation: pending sync resend failed", "node_id", nodeID, "err", err)
			return
		}
		if err := m.db.DequeuePendingSync(ctx, e.ID); err != nil {
			slog.Warn("federation: dequeue pending sync failed", "node_id", nodeID, "err", err)
		}
	}
}

// sendRequestResponse delivers payload over a short-lived connection:
// dial, handshake, send, close. It is the fallback delivery path used
// when the peer's persistent stream transport has failed — a second
// route to the same authenticated peer rather than a dependency on the
// long-lived stream staying healthy.
func (m *Manager) sendRequestResponse(ctx context.Context, peer Peer, payload []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, transport.ConnectTimeout)
	defer cancel()
	conn, err := transport.Dial(dialCtx, peer.Address, m.self, peer.NodeID)
	if err != nil {
		return cerr.New(cerr.P2P, "federation.sendRequestResponse", err)
	}
	defer conn.Close()
	if err := conn.Send(payload); err != nil {
		return cerr.New(cerr.P2P, "federation.sendRequestResponse", err)
	}
	return nil
}

// BroadcastEvent sends payload to every Ready connection except self,
// returning a per-peer result map. One peer's failure never aborts the
// broadcast of the rest.
func (m *Manager) BroadcastEvent(ctx context.Context, payload []byte) map[string]error {
	results := make(map[string]error)
	for _, c := range m.Connections() {
		if c.Peer.NodeID == m.self.NodeID() {
			continue
		}
		results[c.Peer.NodeID] = m.SendEvent(ctx, c.Peer.NodeID, payload)
	}
	return results
}

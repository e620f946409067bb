// Package federation implements the node's federation connection
// manager: one Connection per known peer, eager connect at start,
// heartbeat keepalive, exponential-backoff reconnection, room sync at
// start and on each (re)connect, and DID resolution.
package federation

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/swarmguard/cis/internal/resilience"
	"github.com/swarmguard/cis/internal/transport"
)

// ConnState is a federation connection's lifecycle state. State
// transitions happen only through the FederationManager that owns the
// connection; Connection itself holds no back-pointer to the manager.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnReady        ConnState = "ready"
	ConnReconnecting ConnState = "reconnecting"
	ConnError        ConnState = "error"
)

// Stats tracks per-connection counters, guarded by the connection's own
// write lock so hot send/receive paths don't contend on the manager's
// connection-map lock.
type Stats struct {
	Sent        int64
	Received    int64
	Attempts    int
	Reconnects  int
	LastError   string
	ConnectedAt time.Time
}

// Connection is one known peer's transport session and reconnection
// bookkeeping.
type Connection struct {
	mu sync.RWMutex

	Peer         Peer
	state        ConnState
	stats        Stats
	conn         *transport.Conn
	lastActivity time.Time

	reconnectAttempt int
	nextRetry        time.Time
	retry            *backoff.ExponentialBackOff
	breaker          *resilience.CircuitBreaker
}

// Peer is a known, discoverable federation endpoint.
type Peer struct {
	NodeID  string
	DID     string
	Address string
	PubKey  ed25519.PublicKey
}

func newConnection(p Peer, baseBackoff time.Duration) *Connection {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = baseBackoff * 64
	b.MaxElapsedTime = 0
	breaker := resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 5*time.Second, 1)
	return &Connection{Peer: p, state: ConnDisconnected, retry: b, breaker: breaker}
}

// State returns the connection's current state.
func (c *Connection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns a copy of the connection's counters.
func (c *Connection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) recordSent() {
	c.mu.Lock()
	c.stats.Sent++
	c.mu.Unlock()
}

func (c *Connection) recordReceived() {
	c.mu.Lock()
	c.stats.Received++
	c.mu.Unlock()
}

func (c *Connection) recordError(err error) {
	c.mu.Lock()
	c.stats.LastError = err.Error()
	c.mu.Unlock()
}

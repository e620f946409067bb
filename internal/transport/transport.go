// Package transport implements the node's secure peer-to-peer transport:
// a three-message Noise_XX handshake over a reliable stream, followed by
// a mutual Ed25519 challenge/response authentication layer, then chunked
// AEAD application framing.
package transport

import (
	"crypto/ed25519"
	"net"
	"sync"
	"time"
)

// State is a connection's handshake/session state.
type State int

const (
	StateInit State = iota
	StateTCPConnected
	StateHandshakingE
	StateHandshakingEES
	StateHandshakingSE
	StateAuthenticating
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTCPConnected:
		return "tcp_connected"
	case StateHandshakingE:
		return "handshaking_e"
	case StateHandshakingEES:
		return "handshaking_ees"
	case StateHandshakingSE:
		return "handshaking_se"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "error"
	}
}

// Wire framing constants.
const (
	MaxFrame          = 65535 // max ciphertext frame, including the AEAD tag
	aeadTagSize       = 16
	MaxHandshakeMsg   = 65535
	maxChunkPlaintext = MaxFrame - aeadTagSize

	msgTypeE         byte = 0x01 // initiator -> responder: e
	msgTypeEESSES    byte = 0x02 // responder -> initiator: e, ee, s, es
	msgTypeSSE       byte = 0x03 // initiator -> responder: s, se
	msgTypeAuthFrame byte = 0x04 // never sent: auth messages travel as untyped AEAD frames (see mutualAuthenticate)
	msgTypeReserved  byte = 0x05
	msgTypeComplete  byte = 0x06 // initiator -> responder: handshake complete
	msgTypeError     byte = 0xFF
)

// ConnectTimeout bounds the initial TCP dial.
var ConnectTimeout = 10 * time.Second

// HandshakeTimeout bounds the full Noise_XX + auth exchange.
var HandshakeTimeout = 30 * time.Second

// Conn is one authenticated peer-to-peer session.
type Conn struct {
	nc net.Conn

	mu            sync.Mutex
	state         State
	sendCS        cipherState
	recvCS        cipherState
	initiator     bool
	authenticated bool

	remoteNodeID string
	remoteDID    string
	remotePubKey ed25519.PublicKey

	closeOnce sync.Once
	closed    chan struct{}
}

// cipherState is the minimal surface transport needs from a Noise
// CipherState, so framing.go doesn't need to import flynn/noise directly.
type cipherState interface {
	Encrypt(out, ad, plaintext []byte) []byte
	Decrypt(out, ad, ciphertext []byte) ([]byte, error)
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemotePeer returns the authenticated peer's identity, if any.
func (c *Conn) RemotePeer() (nodeID, did string, pubKey ed25519.PublicKey, authenticated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNodeID, c.remoteDID, c.remotePubKey, c.authenticated
}

// Close closes the underlying connection, idempotently.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// Done returns a channel closed when the connection has been closed,
// allowing callers to select on it alongside a shutdown signal.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

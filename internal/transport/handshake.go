package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/flynn/noise"
	"github.com/swarmguard/cis/internal/cerr"
	"github.com/swarmguard/cis/internal/identity"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

func staticKeypair(id *identity.Identity) noise.DHKey {
	priv, pub := id.X25519Static()
	return noise.DHKey{Private: priv[:], Public: pub[:]}
}

// Dial opens an authenticated, encrypted connection to addr, acting as
// the Noise_XX initiator. expectedNodeID, if non-empty, is verified
// against the value the responder authenticates with; a mismatch is
// fatal.
func Dial(ctx context.Context, addr string, id *identity.Identity, expectedNodeID string) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	var d net.Dialer
	nc, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, cerr.New(cerr.P2P, "transport.Dial", err)
	}

	c := &Conn{nc: nc, state: StateTCPConnected, initiator: true, closed: make(chan struct{})}
	if err := runHandshake(ctx, c, id, true, expectedNodeID); err != nil {
		c.setState(StateError)
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// Accept completes the Noise_XX responder side of the handshake over an
// already-accepted net.Conn (e.g. from a listener's Accept loop).
func Accept(ctx context.Context, nc net.Conn, id *identity.Identity) (*Conn, error) {
	c := &Conn{nc: nc, state: StateTCPConnected, initiator: false, closed: make(chan struct{})}
	if err := runHandshake(ctx, c, id, false, ""); err != nil {
		c.setState(StateError)
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func runHandshake(ctx context.Context, c *Conn, id *identity.Identity, initiator bool, expectedNodeID string) error {
	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- doHandshake(c, id, initiator, expectedNodeID) }()
	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		_ = c.nc.Close()
		return cerr.New(cerr.Timeout, "transport.runHandshake", hctx.Err())
	}
}

func doHandshake(c *Conn, id *identity.Identity, initiator bool, expectedNodeID string) error {
	cfg := noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKeypair(id),
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return cerr.New(cerr.Crypto, "transport.doHandshake", err)
	}

	var sendCS, recvCS *noise.CipherState

	if initiator {
		c.setState(StateHandshakingE)
		msg1, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return cerr.New(cerr.Crypto, "transport.doHandshake", err)
		}
		if err := writeHandshakeFrame(c.nc, msgTypeE, msg1); err != nil {
			return err
		}

		c.setState(StateHandshakingEES)
		typ, payload, err := readHandshakeFrame(c.nc)
		if err != nil {
			return err
		}
		if typ != msgTypeEESSES {
			return cerr.New(cerr.P2P, "transport.doHandshake", fmt.Errorf("expected message 2, got type 0x%02x", typ))
		}
		if _, _, _, err := hs.ReadMessage(nil, payload); err != nil {
			return cerr.New(cerr.Crypto, "transport.doHandshake", err)
		}

		c.setState(StateHandshakingSE)
		msg3, cs1, cs2, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return cerr.New(cerr.Crypto, "transport.doHandshake", err)
		}
		if err := writeHandshakeFrame(c.nc, msgTypeSSE, msg3); err != nil {
			return err
		}
		sendCS, recvCS = cs1, cs2
	} else {
		c.setState(StateHandshakingE)
		typ, payload, err := readHandshakeFrame(c.nc)
		if err != nil {
			return err
		}
		if typ != msgTypeE {
			return cerr.New(cerr.P2P, "transport.doHandshake", fmt.Errorf("expected message 1, got type 0x%02x", typ))
		}
		if _, _, _, err := hs.ReadMessage(nil, payload); err != nil {
			return cerr.New(cerr.Crypto, "transport.doHandshake", err)
		}

		c.setState(StateHandshakingEES)
		msg2, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return cerr.New(cerr.Crypto, "transport.doHandshake", err)
		}
		if err := writeHandshakeFrame(c.nc, msgTypeEESSES, msg2); err != nil {
			return err
		}

		c.setState(StateHandshakingSE)
		typ, payload, err = readHandshakeFrame(c.nc)
		if err != nil {
			return err
		}
		if typ != msgTypeSSE {
			return cerr.New(cerr.P2P, "transport.doHandshake", fmt.Errorf("expected message 3, got type 0x%02x", typ))
		}
		_, cs1, cs2, err := hs.ReadMessage(nil, payload)
		if err != nil {
			return cerr.New(cerr.Crypto, "transport.doHandshake", err)
		}
		// Responder: cs1 decrypts initiator->responder, cs2 encrypts responder->initiator.
		sendCS, recvCS = cs2, cs1
	}

	c.setState(StateAuthenticating)
	remoteNodeID, remoteDID, remotePub, err := mutualAuthenticate(c.nc, sendCS, recvCS, id, initiator, expectedNodeID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sendCS = sendCS
	c.recvCS = recvCS
	c.remoteNodeID = remoteNodeID
	c.remoteDID = remoteDID
	c.remotePubKey = remotePub
	c.authenticated = true
	c.state = StateReady
	c.mu.Unlock()

	if initiator {
		if err := writeHandshakeFrame(c.nc, msgTypeComplete, nil); err != nil {
			return err
		}
	} else {
		typ, _, err := readHandshakeFrame(c.nc)
		if err != nil {
			return err
		}
		if typ != msgTypeComplete {
			return cerr.New(cerr.P2P, "transport.doHandshake", fmt.Errorf("expected completion signal, got type 0x%02x", typ))
		}
	}
	return nil
}

// mutualAuthenticate runs the four-message challenge/response exchange
// on top of the now-live transport cipher states. All four messages are
// carried as opaque encrypted frames, distinguished only by their
// position in the exchange rather than by separate wire message types.
func mutualAuthenticate(nc net.Conn, sendCS, recvCS cipherState, id *identity.Identity, initiator bool, expectedNodeID string) (string, string, ed25519.PublicKey, error) {
	if initiator {
		// Step 4: receive responder's challenge.
		challengeFromResponder, err := recvAuthFrame(nc, recvCS)
		if err != nil {
			return "", "", nil, err
		}
		// Step 5: send our signed response.
		resp := buildAuthResponse(id.Sign(challengeFromResponder), id.NodeID(), id.DID(), id.Ed25519Public())
		if err := sendAuthFrame(nc, sendCS, resp); err != nil {
			return "", "", nil, err
		}

		// Step 6: send our own challenge.
		ourChallenge := randomChallenge()
		if err := sendAuthFrame(nc, sendCS, ourChallenge); err != nil {
			return "", "", nil, err
		}
		// Step 7: receive responder's signed response.
		respFromResponder, err := recvAuthFrame(nc, recvCS)
		if err != nil {
			return "", "", nil, err
		}
		sig, nodeID, did, pub, err := parseAuthResponse(respFromResponder)
		if err != nil {
			return "", "", nil, err
		}
		if !identity.Verify(pub, ourChallenge, sig) {
			return "", "", nil, cerr.New(cerr.Crypto, "transport.mutualAuthenticate", fmt.Errorf("signature verification failed"))
		}
		if expectedNodeID != "" && expectedNodeID != nodeID {
			return "", "", nil, cerr.New(cerr.Crypto, "transport.mutualAuthenticate", fmt.Errorf("node id mismatch: expected %s got %s", expectedNodeID, nodeID))
		}
		return nodeID, did, pub, nil
	}

	// Responder.
	// Step 4: send our challenge.
	ourChallenge := randomChallenge()
	if err := sendAuthFrame(nc, sendCS, ourChallenge); err != nil {
		return "", "", nil, err
	}
	// Step 5: receive initiator's signed response.
	respFromInitiator, err := recvAuthFrame(nc, recvCS)
	if err != nil {
		return "", "", nil, err
	}
	sig, nodeID, did, pub, err := parseAuthResponse(respFromInitiator)
	if err != nil {
		return "", "", nil, err
	}
	if !identity.Verify(pub, ourChallenge, sig) {
		return "", "", nil, cerr.New(cerr.Crypto, "transport.mutualAuthenticate", fmt.Errorf("signature verification failed"))
	}

	// Step 6: receive initiator's challenge.
	challengeFromInitiator, err := recvAuthFrame(nc, recvCS)
	if err != nil {
		return "", "", nil, err
	}
	// Step 7: send our signed response.
	resp := buildAuthResponse(id.Sign(challengeFromInitiator), id.NodeID(), id.DID(), id.Ed25519Public())
	if err := sendAuthFrame(nc, sendCS, resp); err != nil {
		return "", "", nil, err
	}
	return nodeID, did, pub, nil
}

func randomChallenge() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

func sendAuthFrame(nc net.Conn, cs cipherState, payload []byte) error {
	return writeAEADFrame(nc, cs.Encrypt(nil, nil, payload))
}

func recvAuthFrame(nc net.Conn, cs cipherState) ([]byte, error) {
	ciphertext, err := readAEADFrame(nc)
	if err != nil {
		return nil, err
	}
	plain, err := cs.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, cerr.New(cerr.Crypto, "transport.recvAuthFrame", err)
	}
	return plain, nil
}

// buildAuthResponse encodes `u16 len ‖ sig ‖ u16 len ‖ node_id ‖ u16 len ‖ did ‖ pubkey[32]`.
func buildAuthResponse(sig identity.Signature, nodeID, did string, pubKey ed25519.PublicKey) []byte {
	out := make([]byte, 0, 2+len(sig)+2+len(nodeID)+2+len(did)+ed25519.PublicKeySize)
	sigLen := make([]byte, 2)
	binary.BigEndian.PutUint16(sigLen, uint16(len(sig)))
	out = append(out, sigLen...)
	out = append(out, sig...)

	nodeIDLen := make([]byte, 2)
	binary.BigEndian.PutUint16(nodeIDLen, uint16(len(nodeID)))
	out = append(out, nodeIDLen...)
	out = append(out, nodeID...)

	didLen := make([]byte, 2)
	binary.BigEndian.PutUint16(didLen, uint16(len(did)))
	out = append(out, didLen...)
	out = append(out, did...)

	out = append(out, pubKey...)
	return out
}

// parseAuthResponse is the inverse of buildAuthResponse. The raw Ed25519
// public key travels alongside the signature rather than being recovered
// from the DID fingerprint, since a fingerprint is one-way.
func parseAuthResponse(data []byte) (sig identity.Signature, nodeID, did string, pub ed25519.PublicKey, err error) {
	r := data
	read2 := func() (uint16, error) {
		if len(r) < 2 {
			return 0, fmt.Errorf("truncated length prefix")
		}
		v := binary.BigEndian.Uint16(r[:2])
		r = r[2:]
		return v, nil
	}
	sigLen, e := read2()
	if e != nil {
		return nil, "", "", nil, cerr.New(cerr.InvalidInput, "transport.parseAuthResponse", e)
	}
	if len(r) < int(sigLen) {
		return nil, "", "", nil, cerr.New(cerr.InvalidInput, "transport.parseAuthResponse", fmt.Errorf("truncated signature"))
	}
	sig = identity.Signature(r[:sigLen])
	r = r[sigLen:]

	nodeIDLen, e := read2()
	if e != nil {
		return nil, "", "", nil, cerr.New(cerr.InvalidInput, "transport.parseAuthResponse", e)
	}
	if len(r) < int(nodeIDLen) {
		return nil, "", "", nil, cerr.New(cerr.InvalidInput, "transport.parseAuthResponse", fmt.Errorf("truncated node_id"))
	}
	nodeID = string(r[:nodeIDLen])
	r = r[nodeIDLen:]

	didLen, e := read2()
	if e != nil {
		return nil, "", "", nil, cerr.New(cerr.InvalidInput, "transport.parseAuthResponse", e)
	}
	if len(r) < int(didLen) {
		return nil, "", "", nil, cerr.New(cerr.InvalidInput, "transport.parseAuthResponse", fmt.Errorf("truncated did"))
	}
	did = string(r[:didLen])
	r = r[didLen:]

	if len(r) < ed25519.PublicKeySize {
		return nil, "", "", nil, cerr.New(cerr.InvalidInput, "transport.parseAuthResponse", fmt.Errorf("truncated pubkey"))
	}
	pub = ed25519.PublicKey(append([]byte(nil), r[:ed25519.PublicKeySize]...))
	return sig, nodeID, did, pub, nil
}

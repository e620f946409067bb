package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/swarmguard/cis/internal/identity"
)

func TestHandshakeRoundTrip(t *testing.T) {
	initiatorID, err := identity.New()
	require.NoError(t, err)
	responderID, err := identity.New()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type acceptResult struct {
		conn *Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			acceptCh <- acceptResult{nil, err}
			return
		}
		c, err := Accept(context.Background(), nc, responderID)
		acceptCh <- acceptResult{c, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	initConn, err := Dial(ctx, ln.Addr().String(), initiatorID, responderID.NodeID())
	require.NoError(t, err)
	defer initConn.Close()

	res := <-acceptCh
	require.NoError(t, res.err)
	respConn := res.conn
	defer respConn.Close()

	require.Equal(t, StateReady, initConn.State())
	require.Equal(t, StateReady, respConn.State())

	nodeID, did, pub, authenticated := initConn.RemotePeer()
	require.True(t, authenticated)
	require.Equal(t, responderID.NodeID(), nodeID)
	require.Equal(t, responderID.DID(), did)
	require.Equal(t, responderID.Ed25519Public(), pub)

	nodeID2, did2, pub2, authenticated2 := respConn.RemotePeer()
	require.True(t, authenticated2)
	require.Equal(t, initiatorID.NodeID(), nodeID2)
	require.Equal(t, initiatorID.DID(), did2)
	require.Equal(t, initiatorID.Ed25519Public(), pub2)
}

func TestHandshakeRejectsNodeIDMismatch(t *testing.T) {
	initiatorID, err := identity.New()
	require.NoError(t, err)
	responderID, err := identity.New()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptErrCh := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			acceptErrCh <- err
			return
		}
		_, err = Accept(context.Background(), nc, responderID)
		acceptErrCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = Dial(ctx, ln.Addr().String(), initiatorID, "not-the-real-node-id")
	require.Error(t, err)
	<-acceptErrCh
}

func TestSendRecvAppMessages(t *testing.T) {
	initiatorID, err := identity.New()
	require.NoError(t, err)
	responderID, err := identity.New()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	respCh := make(chan *Conn, 1)
	go func() {
		nc, err := ln.Accept()
		require.NoError(t, err)
		c, err := Accept(context.Background(), nc, responderID)
		require.NoError(t, err)
		respCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	initConn, err := Dial(ctx, ln.Addr().String(), initiatorID, "")
	require.NoError(t, err)
	defer initConn.Close()

	respConn := <-respCh
	defer respConn.Close()

	msg := []byte("get_ready_tasks")
	require.NoError(t, initConn.Send(msg))
	got, err := respConn.Recv()
	require.NoError(t, err)
	require.Equal(t, msg, got)

	// Large payload spanning multiple chunks.
	big := make([]byte, maxChunkPlaintext*3+17)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, respConn.Send(big))
	gotBig, err := initConn.Recv()
	require.NoError(t, err)
	require.Equal(t, big, gotBig)

	// Zero-length payload round trips too.
	require.NoError(t, initConn.Send(nil))
	gotEmpty, err := respConn.Recv()
	require.NoError(t, err)
	require.Empty(t, gotEmpty)
}

func TestAuthResponseRoundTrip(t *testing.T) {
	id, err := identity.New()
	require.NoError(t, err)
	challenge := []byte("challenge-bytes")
	sig := id.Sign(challenge)

	encoded := buildAuthResponse(sig, id.NodeID(), id.DID(), id.Ed25519Public())
	gotSig, gotNodeID, gotDID, gotPub, err := parseAuthResponse(encoded)
	require.NoError(t, err)
	require.Equal(t, []byte(sig), []byte(gotSig))
	require.Equal(t, id.NodeID(), gotNodeID)
	require.Equal(t, id.DID(), gotDID)
	require.Equal(t, id.Ed25519Public(), gotPub)
	require.True(t, identity.Verify(gotPub, challenge, gotSig))
}

func TestParseAuthResponseTruncated(t *testing.T) {
	_, _, _, _, err := parseAuthResponse([]byte{0x00})
	require.Error(t, err)
}

package federation

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/cis/internal/identity"
	"github.com/swarmguard/cis/internal/store"
	"github.com/swarmguard/cis/internal/transport"
)

func testManagerWithStore(t *testing.T) *Manager {
	t.Helper()
	id, err := identity.New()
	require.NoError(t, err)
	db, err := store.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mp := noopmetric.MeterProvider{}
	tp := nooptrace.NewTracerProvider()
	return New(id, db, tp.Tracer("test"), mp.Meter("test"))
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	id, err := identity.New()
	require.NoError(t, err)

	mp := noopmetric.MeterProvider{}
	tp := nooptrace.NewTracerProvider()
	return New(id, nil, tp.Tracer("test"), mp.Meter("test"))
}

func TestEnqueueReconnectDedup(t *testing.T) {
	m := testManager(t)
	m.enqueueReconnect("node-a")
	m.enqueueReconnect("node-a")
	m.enqueueReconnect("node-b")

	drained := m.drainReconnectQueue()
	require.ElementsMatch(t, []string{"node-a", "node-b"}, drained)
	require.Empty(t, m.drainReconnectQueue())
}

func TestSendEventRequiresReady(t *testing.T) {
	m := testManager(t)
	m.connMu.Lock()
	m.conns["peer1"] = newConnection(Peer{NodeID: "peer1", Address: "127.0.0.1:1"}, m.baseBackoff)
	m.connMu.Unlock()

	err := m.SendEvent(context.Background(), "peer1", []byte("hello"))
	require.Error(t, err)
}

func TestBroadcastSkipsSelfAndToleratesFailures(t *testing.T) {
	m := testManager(t)
	m.connMu.Lock()
	m.conns[m.self.NodeID()] = newConnection(Peer{NodeID: m.self.NodeID()}, m.baseBackoff)
	m.conns["peer1"] = newConnection(Peer{NodeID: "peer1"}, m.baseBackoff)
	m.conns["peer2"] = newConnection(Peer{NodeID: "peer2"}, m.baseBackoff)
	m.connMu.Unlock()

	results := m.BroadcastEvent(context.Background(), []byte("hi"))
	require.Len(t, results, 2) // self is skipped
	require.NotContains(t, results, m.self.NodeID())
	for _, err := range results {
		require.Error(t, err) // neither connection is Ready
	}
}

func TestSendEventUsesLiveStream(t *testing.T) {
	m := testManager(t)
	responderID, err := identity.New()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	recvCh := make(chan []byte, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn, err := transport.Accept(context.Background(), nc, responderID)
		if err != nil {
			return
		}
		payload, err := conn.Recv()
		if err == nil {
			recvCh <- payload
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, ln.Addr().String(), m.self, responderID.NodeID())
	require.NoError(t, err)
	defer conn.Close()

	c := newConnection(Peer{NodeID: "peer1", Address: ln.Addr().String()}, m.baseBackoff)
	c.conn = conn
	c.state = ConnReady
	m.connMu.Lock()
	m.conns["peer1"] = c
	m.connMu.Unlock()

	require.NoError(t, m.SendEvent(context.Background(), "peer1", []byte("hello")))

	select {
	case got := <-recvCh:
		require.Equal(t, []byte("hello"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("responder never received payload")
	}
}

func TestSendEventFallsBackToRequestResponse(t *testing.T) {
	m := testManager(t)
	responderID, err := identity.New()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	recvCh := make(chan []byte, 1)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				conn, err := transport.Accept(context.Background(), nc, responderID)
				if err != nil {
					return
				}
				defer conn.Close()
				payload, err := conn.Recv()
				if err == nil {
					recvCh <- payload
				}
			}()
		}
	}()

	// A live but broken stream: handshake completes, then the underlying
	// socket is closed out from under it, so Conn.Send fails and SendEvent
	// must fall back to a fresh request-response dial to the same address.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	brokenConn, err := transport.Dial(ctx, ln.Addr().String(), m.self, responderID.NodeID())
	require.NoError(t, err)
	require.NoError(t, brokenConn.Close())

	c := newConnection(Peer{NodeID: "peer1", Address: ln.Addr().String()}, m.baseBackoff)
	c.conn = brokenConn
	c.state = ConnReady
	m.connMu.Lock()
	m.conns["peer1"] = c
	m.connMu.Unlock()

	require.NoError(t, m.SendEvent(context.Background(), "peer1", []byte("fallback")))

	select {
	case got := <-recvCh:
		require.Equal(t, []byte("fallback"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("responder never received fallback payload")
	}
}

func TestSendEventEnqueuesPendingSyncOnFailure(t *testing.T) {
	m := testManagerWithStore(t)
	// Nothing listens at this address once closed, so both the stream
	// send (zero-value Conn, not ready) and the request-response
	// fallback dial fail.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := newConnection(Peer{NodeID: "peer1", Address: addr}, m.baseBackoff)
	c.conn = &transport.Conn{}
	c.state = ConnReady
	m.connMu.Lock()
	m.conns["peer1"] = c
	m.connMu.Unlock()

	err = m.SendEvent(context.Background(), "peer1", []byte("queued"))
	require.Error(t, err)

	entries, err := m.db.ListPendingSync(context.Background(), "peer1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("queued"), []byte(entries[0].Payload))
}

func TestDrainPendingSyncResendsOnReconnect(t *testing.T) {
	m := testManagerWithStore(t)
	require.NoError(t, m.db.EnqueuePendingSync(context.Background(), "peer1", []byte(`{"n":1}`)))
	require.NoError(t, m.db.EnqueuePendingSync(context.Background(), "peer1", []byte(`{"n":2}`)))

	responderID, err := identity.New()
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	recvCh := make(chan []byte, 2)
	go func() {
		for i := 0; i < 2; i++ {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			conn, err := transport.Accept(context.Background(), nc, responderID)
			if err != nil {
				continue
			}
			payload, err := conn.Recv()
			if err == nil {
				recvCh <- payload
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, ln.Addr().String(), m.self, responderID.NodeID())
	require.NoError(t, err)
	defer conn.Close()

	c := newConnection(Peer{NodeID: "peer1", Address: ln.Addr().String()}, m.baseBackoff)
	c.conn = conn
	c.state = ConnReady
	m.connMu.Lock()
	m.conns["peer1"] = c
	m.connMu.Unlock()

	m.drainPendingSync(context.Background(), "peer1")

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-recvCh:
			got[string(p)] = true
		case <-time.After(5 * time.Second):
			t.Fatal("did not receive both drained payloads")
		}
	}
	require.True(t, got[`{"n":1}`])
	require.True(t, got[`{"n":2}`])

	entries, err := m.db.ListPendingSync(context.Background(), "peer1")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestResolveDIDUnknownPeer(t *testing.T) {
	m := testManager(t)
	id, err := identity.New()
	require.NoError(t, err)

	_, err = m.ResolveDID(context.Background(), id.DID())
	require.Error(t, err)
}

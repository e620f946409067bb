package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionStartInvalidSize(t *testing.T) {
	s := New("coder", "did:cis:x:y", "/tmp")
	err := s.Start([]string{"cat"}, 0, 24)
	require.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	s := New("coder", "did:cis:x:y", "/tmp")
	require.Equal(t, StateInitial, s.State())
	require.NoError(t, s.Start([]string{"cat"}, 80, 24))
	require.Equal(t, StateActive, s.State())

	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())
	// Close is idempotent.
	require.NoError(t, s.Close())
}

func TestSessionResizeRejectsOutOfRange(t *testing.T) {
	s := New("coder", "did:cis:x:y", "/tmp")
	require.NoError(t, s.Start([]string{"cat"}, 80, 24))
	defer s.Close()
	require.Error(t, s.Resize(0, 24))
	require.Error(t, s.Resize(80, 0))
	require.NoError(t, s.Resize(100, 40))
}

type fakeACL struct {
	level TrustLevel
}

func (f fakeACL) TrustLevel(did string) TrustLevel { return f.level }

func TestManagerDeniesUntrustedDID(t *testing.T) {
	m := NewManager(fakeACL{level: TrustDenied})
	_, err := m.Create("coder", "did:cis:bad:fp", "/tmp")
	require.Error(t, err)
}

func TestManagerEnforcesConcurrencyCap(t *testing.T) {
	m := NewManager(fakeACL{level: TrustAllowed})
	for i := 0; i < MaxConcurrentSessions; i++ {
		_, err := m.Create("coder", "did:cis:ok:fp", "/tmp")
		require.NoError(t, err)
	}
	_, err := m.Create("coder", "did:cis:ok:fp", "/tmp")
	require.Error(t, err)
	require.Equal(t, MaxConcurrentSessions, m.Count())
}

func TestManagerSweepsIdleSessions(t *testing.T) {
	m := NewManager(nil)
	s, err := m.Create("coder", "did:cis:ok:fp", "/tmp")
	require.NoError(t, err)
	require.NoError(t, s.Start([]string{"cat"}, 80, 24))

	MaxInactiveInterval = 10 * time.Millisecond
	defer func() { MaxInactiveInterval = 30 * time.Minute }()
	time.Sleep(20 * time.Millisecond)
	m.sweepIdle()

	_, ok := m.Get(s.ID)
	require.False(t, ok)
}

func TestControlMessageRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"resize","session_id":"abc","cols":100,"rows":40}`)
	msg, err := ParseControlMessage(raw)
	require.NoError(t, err)
	require.Equal(t, ControlResize, msg.Type)
	require.Equal(t, 100, msg.Cols)
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	var id [16]byte
	copy(id[:], []byte("0123456789abcdef"))
	frame := EncodeBinaryFrame(id, []byte("payload"))
	gotID, payload, err := DecodeBinaryFrame(frame)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, []byte("payload"), payload)
}

func TestDecodeBinaryFrameTooShort(t *testing.T) {
	_, _, err := DecodeBinaryFrame([]byte("short"))
	require.Error(t, err)
}

package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	msg := []byte("ready-tasks")
	sig := id.Sign(msg)
	require.True(t, Verify(id.Ed25519Public(), msg, sig))
	require.False(t, Verify(id.Ed25519Public(), []byte("tampered"), sig))
}

func TestDIDRoundTrip(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	scheme, nodeID, fp, err := ParseDID(id.DID())
	require.NoError(t, err)
	require.Equal(t, Scheme, scheme)
	require.Equal(t, id.NodeID(), nodeID)
	require.NotEmpty(t, fp)
}

func TestParseDIDMalformed(t *testing.T) {
	for _, bad := range []string{"", "not-a-did", "did:cis:only-two", "did::x:y", "nope:cis:a:b"} {
		_, _, _, err := ParseDID(bad)
		require.Error(t, err, bad)
	}
}

func TestDIDStableAcrossCalls(t *testing.T) {
	id, err := New()
	require.NoError(t, err)
	require.Equal(t, id.DID(), id.DID())
}

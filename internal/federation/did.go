package federation

import (
	"context"
	"crypto/ed25519"

	"github.com/swarmguard/cis/internal/cerr"
	"github.com/swarmguard/cis/internal/identity"
)

// ResolveDID consults the in-memory cache first; a cached key is
// authoritative and never re-fetched unless evicted. On a miss it
// resolves the key from the live connection to the owning node (if one
// exists) and caches the result.
func (m *Manager) ResolveDID(ctx context.Context, did string) (ed25519.PublicKey, error) {
	if cached, ok := m.didCache.Get(did); ok {
		return cached.(ed25519.PublicKey), nil
	}

	_, nodeID, _, err := identity.ParseDID(did)
	if err != nil {
		return nil, cerr.New(cerr.Identity, "federation.ResolveDID", err)
	}

	c, ok := m.get(nodeID)
	if !ok {
		return nil, cerr.New(cerr.NotFound, "federation.ResolveDID", nil)
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, cerr.New(cerr.NotFound, "federation.ResolveDID", nil)
	}

	_, _, pubKey, authenticated := conn.RemotePeer()
	if !authenticated {
		return nil, cerr.New(cerr.P2P, "federation.ResolveDID", nil)
	}

	m.didCache.Set(did, pubKey, 0)
	return pubKey, nil
}

// EvictDID forces a DID out of the resolution cache so the next call
// re-fetches it.
func (m *Manager) EvictDID(did string) {
	m.didCache.Delete(did)
}

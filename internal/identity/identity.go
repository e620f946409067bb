// Package identity owns a node's Ed25519 signing keypair and X25519
// static Diffie-Hellman keypair, and derives the node's DID. Once
// constructed an Identity is immutable for the process lifetime.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/swarmguard/cis/internal/cerr"
	"golang.org/x/crypto/curve25519"
)

// Scheme is the DID method name this node uses.
const Scheme = "cis"

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Identity is a node's complete keypair set.
type Identity struct {
	edPriv ed25519.PrivateKey
	edPub  ed25519.PublicKey

	xPriv [32]byte
	xPub  [32]byte

	nodeID string
	did    string
}

// Signature is a detached Ed25519 signature.
type Signature []byte

// New generates a fresh identity: an Ed25519 keypair plus an X25519
// static keypair derived independently (not from the Ed25519 seed, so a
// leak of one never compromises the other).
func New() (*Identity, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, cerr.New(cerr.Crypto, "identity.New", err)
	}
	var xPriv [32]byte
	if _, err := rand.Read(xPriv[:]); err != nil {
		return nil, cerr.New(cerr.Crypto, "identity.New", err)
	}
	// clamp per RFC 7748
	xPriv[0] &= 248
	xPriv[31] &= 127
	xPriv[31] |= 64

	var xPub [32]byte
	pub, err := curve25519.X25519(xPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, cerr.New(cerr.Crypto, "identity.New", err)
	}
	copy(xPub[:], pub)

	id := &Identity{edPriv: edPriv, edPub: edPub, xPriv: xPriv, xPub: xPub}
	id.nodeID = deriveNodeID(edPub)
	id.did = fmt.Sprintf("did:%s:%s:%s", Scheme, id.nodeID, fingerprint(edPub, xPub[:]))
	return id, nil
}

func deriveNodeID(edPub ed25519.PublicKey) string {
	sum := sha256.Sum256(edPub)
	return strings.ToLower(b32.EncodeToString(sum[:10]))
}

func fingerprint(edPub ed25519.PublicKey, xPub []byte) string {
	h := sha256.New()
	h.Write(edPub)
	h.Write(xPub)
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// NodeID returns the node's short identifier.
func (id *Identity) NodeID() string { return id.nodeID }

// DID returns the node's full decentralized identifier.
func (id *Identity) DID() string { return id.did }

// Ed25519Public returns the node's Ed25519 public key.
func (id *Identity) Ed25519Public() ed25519.PublicKey { return id.edPub }

// X25519Static returns the node's static X25519 keypair, as used by the
// Noise_XX handshake.
func (id *Identity) X25519Static() (priv, pub [32]byte) { return id.xPriv, id.xPub }

// Sign produces a detached Ed25519 signature over data.
func (id *Identity) Sign(data []byte) Signature {
	return ed25519.Sign(id.edPriv, data)
}

// Verify checks sig over data against pub.
func Verify(pub ed25519.PublicKey, data []byte, sig Signature) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// ParseDID splits a `did:<scheme>:<node_id>:<fingerprint>` string into its
// parts, failing on malformed input.
func ParseDID(s string) (scheme, nodeID, fp string, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != "did" {
		return "", "", "", cerr.New(cerr.Identity, "identity.ParseDID", fmt.Errorf("malformed did: %q", s))
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", cerr.New(cerr.Identity, "identity.ParseDID", fmt.Errorf("empty did component: %q", s))
	}
	return parts[1], parts[2], parts[3], nil
}

// BuildDID constructs a did string for a remote peer's declared public
// material, for comparison against what a handshake authenticated.
func BuildDID(nodeID string, edPub ed25519.PublicKey, xPub []byte) string {
	return fmt.Sprintf("did:%s:%s:%s", Scheme, nodeID, fingerprint(edPub, xPub))
}

// Seed is the minimal material New's caller must persist to reconstruct
// an Identity deterministically — used by the worker runtime's
// per-worker DID file (spec.md §4.7 step 2).
type Seed struct {
	Ed25519Seed []byte   `json:"ed25519_seed"` // 32-byte ed25519.SeedSize
	X25519Priv  [32]byte `json:"x25519_priv"`
}

// Export returns the seed material needed to reconstruct this Identity
// via FromSeed.
func (id *Identity) Export() Seed {
	return Seed{Ed25519Seed: append([]byte(nil), id.edPriv.Seed()...), X25519Priv: id.xPriv}
}

// FromSeed reconstructs the Identity s was exported from.
func FromSeed(s Seed) (*Identity, error) {
	if len(s.Ed25519Seed) != ed25519.SeedSize {
		return nil, cerr.New(cerr.Identity, "identity.FromSeed", fmt.Errorf("bad seed length %d", len(s.Ed25519Seed)))
	}
	edPriv := ed25519.NewKeyFromSeed(s.Ed25519Seed)
	edPub := edPriv.Public().(ed25519.PublicKey)

	pub, err := curve25519.X25519(s.X25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, cerr.New(cerr.Crypto, "identity.FromSeed", err)
	}
	var xPub [32]byte
	copy(xPub[:], pub)

	id := &Identity{edPriv: edPriv, edPub: edPub, xPriv: s.X25519Priv, xPub: xPub}
	id.nodeID = deriveNodeID(edPub)
	id.did = fmt.Sprintf("did:%s:%s:%s", Scheme, id.nodeID, fingerprint(edPub, xPub[:]))
	return id, nil
}

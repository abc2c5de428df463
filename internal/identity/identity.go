// Package identity owns the node's long-term keypair, its derived NodeId,
// and the XOR distance metric the DHT overlay sorts peers by.
//
// Keys live on secp256k1 (github.com/decred/dcrd/dcrec/secp256k1/v4): a
// real, audited scalar/point implementation instead of hand-rolled curve
// math, with compact recoverable signatures and ECDH in the same package.
package identity

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// NodeIDLen is the fixed width of a NodeID, a hash-derived prefix of the
// public key.
const NodeIDLen = 13

// NodeID is the fixed-width address the DHT's XOR metric operates on.
type NodeID [NodeIDLen]byte

func (id NodeID) String() string { return base58.Encode(id[:]) }

// IsZero reports whether id is the zero value (used to detect "no target").
func (id NodeID) IsZero() bool {
	var zero NodeID
	return id == zero
}

// Distance returns the XOR distance between two NodeIDs as a big-endian
// comparable byte array; smaller is closer.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether NodeID a is numerically less than b, used for the
// simultaneous-dial tie-break.
func Less(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// LessDistance reports whether distance d1 is smaller than d2, for sorting
// candidate peers by XOR proximity to a target.
func LessDistance(d1, d2 NodeID) bool {
	for i := range d1 {
		if d1[i] != d2[i] {
			return d1[i] < d2[i]
		}
	}
	return false
}

// PublicKey wraps the raw compressed secp256k1 public key bytes a peer
// advertises and authenticates with during the Noise handshake.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// Bytes returns the 33-byte compressed SEC1 encoding.
func (pk PublicKey) Bytes() []byte { return pk.key.SerializeCompressed() }

// Raw exposes the underlying secp256k1 public key for ECDH (internal/pipeline
// body encryption) and signature verification.
func (pk PublicKey) Raw() *secp256k1.PublicKey { return pk.key }

func (pk PublicKey) String() string { return hex.EncodeToString(pk.Bytes()) }

// Multihash returns a self-describing SHA2-256 multihash of the public key,
// for logging and CLI output that needs to interoperate with other
// multihash-consuming tooling in the pack rather than our own bare NodeID
// encoding.
func (pk PublicKey) Multihash() (mh.Multihash, error) {
	sum, err := mh.Sum(pk.Bytes(), mh.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("identity: multihash public key: %w", err)
	}
	return sum, nil
}

// ParsePublicKey decodes a compressed SEC1 public key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	k, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return PublicKey{}, fmt.Errorf("identity: parse public key: %w", err)
	}
	return PublicKey{key: k}, nil
}

// DeriveNodeID hashes a public key with BLAKE3 and truncates to NodeIDLen,
// the address the DHT distance metric operates on.
func DeriveNodeID(pk PublicKey) NodeID {
	sum := blake3.Sum256(pk.Bytes())
	var id NodeID
	copy(id[:], sum[:NodeIDLen])
	return id
}

// Keypair is the long-term identity of a node: the caller supplies it at
// construction — this package never
// persists or generates keys implicitly except via GenerateKeypair, which
// callers opt into explicitly (e.g. first-run bootstrap).
type Keypair struct {
	Private *secp256k1.PrivateKey
	Public  PublicKey
	NodeID  NodeID
}

// GenerateKeypair creates a fresh random identity. Intended for first-run
// bootstrap or tests; production callers typically load a persisted key.
func GenerateKeypair() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return fromPrivate(priv), nil
}

// LoadKeypair reconstructs a Keypair from a 32-byte raw private scalar.
func LoadKeypair(raw []byte) (*Keypair, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("identity: private key must be 32 bytes, got %d", len(raw))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return fromPrivate(priv), nil
}

func fromPrivate(priv *secp256k1.PrivateKey) *Keypair {
	pub := PublicKey{key: priv.PubKey()}
	return &Keypair{
		Private: priv,
		Public:  pub,
		NodeID:  DeriveNodeID(pub),
	}
}

// Bytes returns the raw 32-byte private scalar, for durable storage by the
// caller (never written to disk by this package itself).
func (k *Keypair) Bytes() []byte { return k.Private.Serialize() }

// Sign produces a compact ECDSA signature over hash, used both to bind a
// Noise session's channel-binding material to this identity (see
// internal/noiseconn) and to sign envelope origins.
func (k *Keypair) Sign(hash []byte) []byte {
	sig := ecdsa.SignCompact(k.Private, hash, true)
	return sig
}

// Verify checks a compact signature produced by Sign against hash and the
// claimed public key.
func Verify(pub PublicKey, hash []byte, sig []byte) bool {
	recoveredPub, _, err := ecdsa.RecoverCompact(sig, hash)
	if err != nil {
		return false
	}
	return recoveredPub.IsEqual(pub.key)
}

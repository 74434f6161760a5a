package p2p

import (
	"crypto/sha256"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/warpnet/p2p/kademlia"
)

// PrivateKey wraps a secp256k1 private key. NodeId width (§3, 512 bits) is
// exactly the size of an uncompressed secp256k1 public key without its
// leading format byte, so NodeId derivation needs no hashing step — the id
// *is* the public key, as in the devp2p enode scheme (SPEC_FULL.md §6).
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GeneratePrivateKey creates a new random private key via crypto/rand, used
// when node.privkey is absent from configuration (§6).
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "p2p: generating private key")
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes parses 32 raw bytes as a secp256k1 private key (the
// node.privkey configuration option, §6).
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, errors.Errorf("p2p: private key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Bytes returns the 32-byte raw private key.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Serialize()
}

// Public derives the corresponding public key.
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: k.key.PubKey()}
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// PublicKeyFromBytes parses a raw 64-byte uncompressed public key (X||Y,
// no format-byte prefix), the form NodeId and the enode bootstrap URI (§6)
// both carry.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != kademlia.IDBytes {
		return nil, errors.Errorf("p2p: public key must be %d bytes, got %d", kademlia.IDBytes, len(b))
	}
	uncompressed := make([]byte, 0, 65)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, b...)
	key, err := secp256k1.ParsePubKey(uncompressed)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: parsing public key")
	}
	return &PublicKey{key: key}, nil
}

// Bytes returns the raw 64-byte uncompressed public key (no prefix).
func (k *PublicKey) Bytes() []byte {
	return k.key.SerializeUncompressed()[1:]
}

// NodeId derives this public key's NodeId (§3: "derived deterministically
// from a public key"). For secp256k1 the 64-byte uncompressed encoding is
// already exactly kademlia.IDBytes wide, so derivation is the identity
// function on those bytes.
func (k *PublicKey) NodeId() kademlia.NodeId {
	var id kademlia.NodeId
	copy(id[:], k.Bytes())
	return id
}

// DeriveFrameKey stretches the shared secret produced by the external
// ECIES handshake collaborator (§6 "External collaborators: Crypto")
// into the 32-byte key NewAESGCMFrameCipher needs, via HKDF-SHA256. salt
// should be a value both peers agree on out of band (e.g. the sorted
// concatenation of both Hello node ids).
func DeriveFrameKey(sharedSecret, salt []byte) ([32]byte, error) {
	var key [32]byte
	reader := hkdf.New(sha256.New, sharedSecret, salt, []byte("p2p frame key"))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, errors.Wrap(err, "p2p: deriving frame key")
	}
	return key, nil
}

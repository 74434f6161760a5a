// Package kademlia implements the routing table and iterative lookup
// protocol used to discover peers by NodeId distance.
package kademlia

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"

	"github.com/pkg/errors"
)

// IDBits is the width of a NodeId in bits (§3 of the spec).
const IDBits = 512

// IDBytes is the width of a NodeId in bytes.
const IDBytes = IDBits / 8

// NodeId is a 512-bit identifier, interpreted as a big-endian unsigned
// integer for distance computations. It is derived deterministically from
// a node's public key (see PublicKey.NodeId).
type NodeId [IDBytes]byte

// String renders the id as lowercase hex.
func (id NodeId) String() string {
	return hex.EncodeToString(id[:])
}

// Int returns the id as a big-endian unsigned big.Int.
func (id NodeId) Int() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// IsZero reports whether the id is the all-zero value.
func (id NodeId) IsZero() bool {
	return id == NodeId{}
}

// Distance is the XOR metric between two NodeIds, treated as an unsigned
// integer in [0, 2^512).
func Distance(a, b NodeId) *big.Int {
	var x NodeId
	for i := range a {
		x[i] = a[i] ^ b[i]
	}
	return x.Int()
}

// LogDistance returns idx(a,b): the position of the highest set bit of
// a XOR b, or 0 if a == b.
func LogDistance(a, b NodeId) int {
	var x NodeId
	for i := range a {
		x[i] = a[i] ^ b[i]
	}
	return x.Int().BitLen()
}

// RandomNodeId returns a cryptographically random NodeId, used to seed
// lookups for random buckets and self-refresh.
func RandomNodeId() (NodeId, error) {
	var id NodeId
	if _, err := rand.Read(id[:]); err != nil {
		return NodeId{}, errors.Wrap(err, "kademlia: generating random node id")
	}
	return id, nil
}

// RandomNodeIdInRange returns a random NodeId in [start, end), used by the
// bucket-refresh sweep (SPEC_FULL.md §4.G "idle refresh").
func RandomNodeIdInRange(start, end *big.Int) (NodeId, error) {
	span := new(big.Int).Sub(end, start)
	if span.Sign() <= 0 {
		return NodeId{}, errors.New("kademlia: empty range")
	}
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return NodeId{}, errors.Wrap(err, "kademlia: sampling range")
	}
	n.Add(n, start)
	return bigIntToNodeId(n), nil
}

func bigIntToNodeId(n *big.Int) NodeId {
	var id NodeId
	b := n.Bytes()
	if len(b) > IDBytes {
		b = b[len(b)-IDBytes:]
	}
	copy(id[IDBytes-len(b):], b)
	return id
}

// PingId is a 128-bit random token unique per outstanding ping (§3).
type PingId [16]byte

// RandomPingId returns a cryptographically random PingId.
func RandomPingId() (PingId, error) {
	var id PingId
	if _, err := rand.Read(id[:]); err != nil {
		return PingId{}, errors.Wrap(err, "kademlia: generating ping id")
	}
	return id, nil
}

func (id PingId) String() string {
	return hex.EncodeToString(id[:])
}

// Node is a participant in the overlay: its id, network address and public
// key. Equality is by Id alone.
type Node struct {
	Id      NodeId
	IP      net.IP
	TCPPort uint16
	UDPPort uint16
	PubKey  []byte // raw 64-byte uncompressed secp256k1 public key
}

// Equal compares two nodes by NodeId, per §3's equality rule.
func (n Node) Equal(other Node) bool {
	return n.Id == other.Id
}

// Addr renders the node's dialable TCP address.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.IP.String(), n.TCPPort)
}

func (n Node) String() string {
	return fmt.Sprintf("Node{%s@%s}", n.Id.String()[:16], n.Addr())
}

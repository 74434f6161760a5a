package kademlia

import (
	"math/big"
	"time"
)

// K is the k-bucket capacity (§4.G constants).
const K = 16

// SplitDepthModulus is the constant `b` from §4.F's should-split rule.
const SplitDepthModulus = 8

// bucket owns at most K nodes in insertion order plus a replacement cache
// of at most K nodes, covering the half-open id range [start, end).
type bucket struct {
	start, end *big.Int

	nodes            []Node
	replacementCache []Node

	lastUpdated time.Time
}

func newBucket(start, end *big.Int) *bucket {
	return &bucket{
		start:       new(big.Int).Set(start),
		end:         new(big.Int).Set(end),
		lastUpdated: time.Now(),
	}
}

// contains reports whether id lies in [start, end).
func (b *bucket) contains(id NodeId) bool {
	n := id.Int()
	return n.Cmp(b.start) >= 0 && n.Cmp(b.end) < 0
}

// indexOf returns the slice index of id in b.nodes, or -1.
func (b *bucket) indexOf(id NodeId) int {
	for i, n := range b.nodes {
		if n.Id == id {
			return i
		}
	}
	return -1
}

func (b *bucket) replacementIndexOf(id NodeId) int {
	for i, n := range b.replacementCache {
		if n.Id == id {
			return i
		}
	}
	return -1
}

// moveToTail moves the node at index i in b.nodes to the tail (most
// recently seen position).
func (b *bucket) moveToTail(i int) {
	n := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.nodes = append(b.nodes, n)
}

// head returns the least-recently-seen node, or the zero Node if empty.
func (b *bucket) head() (Node, bool) {
	if len(b.nodes) == 0 {
		return Node{}, false
	}
	return b.nodes[0], true
}

func (b *bucket) full() bool {
	return len(b.nodes) >= K
}

// sizeBits returns log2(end-start); bucket ranges always have power-of-two
// width so this is exact.
func (b *bucket) sizeBits() int {
	span := new(big.Int).Sub(b.end, b.start)
	return span.BitLen() - 1
}

// shouldSplit implements §4.F's split predicate.
func (b *bucket) shouldSplit(local NodeId) bool {
	if b.contains(local) {
		return true
	}
	return b.sizeBits()%SplitDepthModulus != 0
}

// split divides the bucket into two equal halves and re-buckets its nodes
// and replacement-cache entries. It does not mutate b; callers replace b in
// the routing table's bucket list with the two returned halves.
func (b *bucket) split() (lo, hi *bucket) {
	mid := new(big.Int).Add(b.start, new(big.Int).Rsh(new(big.Int).Sub(b.end, b.start), 1))
	lo = newBucket(b.start, mid)
	hi = newBucket(mid, b.end)

	for _, n := range b.nodes {
		if lo.contains(n.Id) {
			lo.nodes = append(lo.nodes, n)
		} else {
			hi.nodes = append(hi.nodes, n)
		}
	}
	for _, n := range b.replacementCache {
		if lo.contains(n.Id) {
			lo.replacementCache = append(lo.replacementCache, n)
		} else {
			hi.replacementCache = append(hi.replacementCache, n)
		}
	}
	lo.lastUpdated, hi.lastUpdated = b.lastUpdated, b.lastUpdated
	return lo, hi
}

// pushReplacement appends a candidate to the replacement cache, dropping
// the oldest entry if the cache is at capacity (§4.F).
func (b *bucket) pushReplacement(n Node) {
	if i := b.replacementIndexOf(n.Id); i >= 0 {
		b.replacementCache = append(b.replacementCache[:i], b.replacementCache[i+1:]...)
	}
	b.replacementCache = append(b.replacementCache, n)
	if len(b.replacementCache) > K {
		b.replacementCache = b.replacementCache[len(b.replacementCache)-K:]
	}
}

// popReplacement removes and returns the tail (most recently seen) entry of
// the replacement cache, if any.
func (b *bucket) popReplacement() (Node, bool) {
	if len(b.replacementCache) == 0 {
		return Node{}, false
	}
	n := b.replacementCache[len(b.replacementCache)-1]
	b.replacementCache = b.replacementCache[:len(b.replacementCache)-1]
	return n, true
}

func (b *bucket) removeReplacement(id NodeId) {
	if i := b.replacementIndexOf(id); i >= 0 {
		b.replacementCache = append(b.replacementCache[:i], b.replacementCache[i+1:]...)
	}
}

package kademlia

import (
	"math/big"
	"sort"
	"time"
)

// AddOutcome is the result of RoutingTable.AddNode (§4.F step 2-5).
type AddOutcome int

const (
	// Added means the node now occupies a slot in some bucket's node list.
	Added AddOutcome = iota
	// BucketFull means the owning bucket is full and should not split; the
	// caller must probe EvictionCandidate before the node can be admitted.
	BucketFull
)

// AddResult is returned by RoutingTable.AddNode.
type AddResult struct {
	Outcome           AddOutcome
	EvictionCandidate Node // valid only when Outcome == BucketFull
}

// RoutingTable owns the local node and an ordered, range-partitioning list
// of buckets covering [0, 2^512). Buckets split on insertion; they are
// never merged (§3, §4.F).
type RoutingTable struct {
	local Node

	// buckets is kept sorted ascending by start so lookups can binary
	// search; the ranges partition [0, 2^512) without gaps or overlaps.
	buckets []*bucket

	metrics Metrics
}

// NewRoutingTable creates a table with a single bucket spanning the full
// id range, as required by §3's initial-state invariant. A nil metrics
// falls back to NopMetrics.
func NewRoutingTable(local Node, m Metrics) *RoutingTable {
	if m == nil {
		m = NopMetrics{}
	}
	zero := big.NewInt(0)
	full := new(big.Int).Lsh(big.NewInt(1), IDBits)
	return &RoutingTable{
		local:   local,
		buckets: []*bucket{newBucket(zero, full)},
		metrics: m,
	}
}

// Local returns the local node owned by this table.
func (rt *RoutingTable) Local() Node {
	return rt.local
}

// bucketFor returns the unique bucket whose range contains id, and its
// index in rt.buckets.
func (rt *RoutingTable) bucketFor(id NodeId) (int, *bucket) {
	n := id.Int()
	// Buckets are sorted by start and partition the whole space, so a
	// linear scan terminates at the first bucket whose end exceeds n; a
	// binary search would also work but the bucket count is bounded by a
	// few hundred in practice (<= IDBits splits), so this stays simple.
	for i, b := range rt.buckets {
		if n.Cmp(b.end) < 0 {
			return i, b
		}
	}
	// n == 2^512-ish edge case: fall back to the last bucket.
	return len(rt.buckets) - 1, rt.buckets[len(rt.buckets)-1]
}

// AddNode implements §4.F's insertion algorithm.
func (rt *RoutingTable) AddNode(n Node) AddResult {
	if n.Id == rt.local.Id {
		return AddResult{Outcome: Added}
	}

	idx, b := rt.bucketFor(n.Id)

	if i := b.indexOf(n.Id); i >= 0 {
		b.moveToTail(i)
		b.lastUpdated = time.Now()
		return AddResult{Outcome: Added}
	}

	if !b.full() {
		b.nodes = append(b.nodes, n)
		b.lastUpdated = time.Now()
		return AddResult{Outcome: Added}
	}

	if b.shouldSplit(rt.local.Id) {
		lo, hi := b.split()
		rt.buckets[idx] = lo
		rt.buckets = append(rt.buckets, nil)
		copy(rt.buckets[idx+2:], rt.buckets[idx+1:])
		rt.buckets[idx+1] = hi
		rt.metrics.IncBucketsSplit()
		return rt.AddNode(n)
	}

	head, _ := b.head()
	return AddResult{Outcome: BucketFull, EvictionCandidate: head}
}

// ConfirmEviction evicts bucket.head (matched by id, to guard against a
// concurrent update) and admits replacement at the tail of the node list,
// per §4.F/§4.G's eviction-timeout path.
func (rt *RoutingTable) ConfirmEviction(headId NodeId, replacement Node) bool {
	_, b := rt.bucketFor(headId)
	i := b.indexOf(headId)
	if i < 0 {
		return false
	}
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.nodes = append(b.nodes, replacement)
	b.removeReplacement(replacement.Id)
	b.lastUpdated = time.Now()
	return true
}

// ConfirmLiveness moves bucket.head to the tail and files the blocked
// candidate into the replacement cache, per §4.G's successful-pong path.
func (rt *RoutingTable) ConfirmLiveness(headId NodeId, candidate Node) {
	_, b := rt.bucketFor(headId)
	if i := b.indexOf(headId); i >= 0 {
		b.moveToTail(i)
	}
	b.pushReplacement(candidate)
	b.lastUpdated = time.Now()
}

// Contains reports whether id already occupies a node slot in some bucket.
func (rt *RoutingTable) Contains(id NodeId) bool {
	_, b := rt.bucketFor(id)
	return b.indexOf(id) >= 0
}

// Remove deletes a node from its bucket's node list, if present, for a node
// that proves unresponsive outside of the eviction-probe path. Nothing in
// this module calls it.
func (rt *RoutingTable) Remove(id NodeId) {
	_, b := rt.bucketFor(id)
	if i := b.indexOf(id); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	}
}

// Neighbours returns up to count known nodes sorted ascending by XOR
// distance to target, excluding the local node (§4.F).
func (rt *RoutingTable) Neighbours(target NodeId, count int) []Node {
	if count <= 0 {
		count = K
	}

	type scored struct {
		n    Node
		dist *big.Int
	}

	candidates := make([]scored, 0, count*2)
	for _, b := range rt.buckets {
		for _, n := range b.nodes {
			if n.Id == rt.local.Id {
				continue
			}
			candidates = append(candidates, scored{n, Distance(n.Id, target)})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].dist.Cmp(candidates[j].dist) < 0
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}

	out := make([]Node, len(candidates))
	for i, c := range candidates {
		out[i] = c.n
	}
	return out
}

// Buckets returns a snapshot of bucket boundaries, used by Stats and tests
// to assert the partition invariant (§8 invariant 1).
func (rt *RoutingTable) Buckets() []struct{ Start, End *big.Int } {
	out := make([]struct{ Start, End *big.Int }, len(rt.buckets))
	for i, b := range rt.buckets {
		out[i] = struct{ Start, End *big.Int }{new(big.Int).Set(b.start), new(big.Int).Set(b.end)}
	}
	return out
}

// Stats reports a read-only snapshot for Observability (SPEC_FULL.md §3).
type Stats struct {
	BucketCount int
	NodeCount   int
	Replacement int
}

// Stats computes a snapshot of the current table occupancy.
func (rt *RoutingTable) Stats() Stats {
	s := Stats{BucketCount: len(rt.buckets)}
	for _, b := range rt.buckets {
		s.NodeCount += len(b.nodes)
		s.Replacement += len(b.replacementCache)
	}
	return s
}

// StaleBuckets returns buckets whose last_updated exceeds maxAge, used by
// the idle-refresh sweep (SPEC_FULL.md §4.G).
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration) []struct{ Start, End *big.Int } {
	now := time.Now()
	var out []struct{ Start, End *big.Int }
	for _, b := range rt.buckets {
		if now.Sub(b.lastUpdated) > maxAge {
			out = append(out, struct{ Start, End *big.Int }{b.start, b.end})
		}
	}
	return out
}

package kademlia

import "time"

// pendingPong is the (Node, PingId) -> deadline mapping of §3's PendingPong,
// plus the optional replacement candidate whose insertion is blocked on
// this probe succeeding or timing out.
type pendingPong struct {
	node        Node
	pingID      PingId
	deadline    time.Time
	replacement *Node // non-nil when this ping is an eviction probe
}

func (p *pendingPong) isEvictionProbe() bool {
	return p.replacement != nil
}

// pendingKey identifies an outstanding ping by the (node, pingID) pair, as
// required by §3 (a node may have more than one concurrent probe in flight
// only in the eviction path, where the key disambiguates them).
type pendingKey struct {
	node   NodeId
	pingID PingId
}

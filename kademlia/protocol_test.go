package kademlia

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWire is a recording kademlia.Wire double. Every send is pushed onto a
// buffered channel so a test goroutine can synchronize with the protocol's
// single actor goroutine without touching its private state directly.
type fakeWire struct {
	pings      chan sentPing
	findNodes  chan sentFindNode
	neighbours chan sentNeighbours
}

type sentPing struct {
	node Node
	id   PingId
}

type sentFindNode struct {
	node   Node
	target NodeId
}

type sentNeighbours struct {
	node  Node
	nodes []Node
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		pings:      make(chan sentPing, 256),
		findNodes:  make(chan sentFindNode, 256),
		neighbours: make(chan sentNeighbours, 256),
	}
}

func (w *fakeWire) SendPing(node Node, pingID PingId) error {
	w.pings <- sentPing{node, pingID}
	return nil
}

func (w *fakeWire) SendPong(Node, PingId) error { return nil }

func (w *fakeWire) SendFindNode(node Node, target NodeId) error {
	w.findNodes <- sentFindNode{node, target}
	return nil
}

func (w *fakeWire) SendNeighbours(node Node, nodes []Node) error {
	w.neighbours <- sentNeighbours{node, nodes}
	return nil
}

// newTestProtocol starts a Protocol against a zero-valued local id, a fresh
// table, and a fakeWire, and arranges for it to be stopped at test end.
func newTestProtocol(t *testing.T, local Node) (*Protocol, *fakeWire) {
	table := NewRoutingTable(local, nil)
	wire := newFakeWire()
	p := NewProtocol(table, wire, nil, nil)
	go p.Run()
	t.Cleanup(p.Stop)
	return p, wire
}

func mustRandomId(t *testing.T) NodeId {
	id, err := RandomNodeId()
	require.NoError(t, err)
	return id
}

func recvFindNode(t *testing.T, ch chan sentFindNode) sentFindNode {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for find_node")
		return sentFindNode{}
	}
}

func recvPing(t *testing.T, ch chan sentPing) sentPing {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping")
		return sentPing{}
	}
}

func assertNoFindNode(t *testing.T, ch chan sentFindNode) {
	t.Helper()
	select {
	case fn := <-ch:
		t.Fatalf("unexpected find_node sent to %s", fn.node.Id)
	case <-time.After(200 * time.Millisecond):
	}
}

// waitSynchronized forces a round trip through the command channel,
// guaranteeing every command submitted by this test goroutine before the
// call has already been processed (commands are FIFO on a single sender).
func waitSynchronized(t *testing.T, p *Protocol) {
	t.Helper()
	_, err := p.Stats(context.Background())
	require.NoError(t, err)
}

// TestBootstrapFindsNodeThenPingsAndContinuesLookup covers §8 scenario S1:
// A bootstraps with B, expects a find_node(A.id) sent to B, and once B's
// neighbours reply arrives A pings each returned neighbour and continues
// the lookup toward the closest previously-unqueried one.
func TestBootstrapFindsNodeThenPingsAndContinuesLookup(t *testing.T) {
	// local id zero makes XOR-distance-to-local equal to a node's own
	// integer value, so picking a small-valued id guarantees it is closer
	// to local than a large-valued one, without relying on randomness.
	var local Node
	p, wire := newTestProtocol(t, local)

	var seedId NodeId
	seedId[0] = 0xFF
	seed := Node{Id: seedId}

	p.Bootstrap([]Node{seed})

	fn := recvFindNode(t, wire.findNodes)
	assert.Equal(t, seed.Id, fn.node.Id)
	assert.Equal(t, local.Id, fn.target)

	var neighbourId NodeId
	neighbourId[len(neighbourId)-1] = 0x01
	neighbour := Node{Id: neighbourId}

	p.RecvNeighbours(seed, []Node{neighbour})

	ping := recvPing(t, wire.pings)
	assert.Equal(t, neighbour.Id, ping.node.Id)

	// neighbour's distance to local (its own small value) is strictly
	// less than seed's (0xFF...), so the lookup continues toward it.
	next := recvFindNode(t, wire.findNodes)
	assert.Equal(t, neighbour.Id, next.node.Id)
	assert.Equal(t, local.Id, next.target)
}

// TestLateNeighboursAfterLookupTimeoutStillPingButDontContinue covers S2:
// after S1's find_node, wait past k_request_timeout with no reply; once
// neighbours finally arrive, A still pings each returned neighbour but
// issues no further find_node because the lookup state was cleaned up by
// the periodic sweep.
func TestLateNeighboursAfterLookupTimeoutStillPingButDontContinue(t *testing.T) {
	var local Node
	p, wire := newTestProtocol(t, local)

	var seedId NodeId
	seedId[0] = 0xFF
	seed := Node{Id: seedId}

	p.Bootstrap([]Node{seed})
	recvFindNode(t, wire.findNodes)

	// let RequestTimeout elapse so the sweep prunes the abandoned lookup.
	time.Sleep(RequestTimeout + 2*EvictionCheckInterval)

	var neighbourId NodeId
	neighbourId[len(neighbourId)-1] = 0x01
	neighbour := Node{Id: neighbourId}

	p.RecvNeighbours(seed, []Node{neighbour})

	ping := recvPing(t, wire.pings)
	assert.Equal(t, neighbour.Id, ping.node.Id)

	assertNoFindNode(t, wire.findNodes)
}

// TestEvictionAcceptMovesNodeToTailWithoutEviction covers S3: a plain
// successful pong re-admits an already-known node, moving it to its
// bucket's tail without evicting anything.
func TestEvictionAcceptMovesNodeToTailWithoutEviction(t *testing.T) {
	var local Node
	p, wire := newTestProtocol(t, local)

	node := Node{Id: mustRandomId(t)}
	p.Update(node)
	waitSynchronized(t, p)

	p.Ping(node)
	sent := recvPing(t, wire.pings)
	assert.Equal(t, node.Id, sent.node.Id)

	p.RecvPong(node, sent.id)

	neighbours, err := p.Neighbours(context.Background(), node.Id, 2)
	require.NoError(t, err)
	require.Len(t, neighbours, 1)
	assert.Equal(t, node.Id, neighbours[0].Id)
}

// TestEvictionTimeoutEvictsHeadAndAdmitsCandidate covers S4: a bucket-full
// eviction probe against head goes unanswered past k_request_timeout; the
// periodic sweep (run every k_eviction_check_interval) evicts head and
// admits the blocked candidate.
func TestEvictionTimeoutEvictsHeadAndAdmitsCandidate(t *testing.T) {
	var local Node
	p, wire := newTestProtocol(t, local)

	head := Node{Id: mustRandomId(t)}
	candidate := Node{Id: mustRandomId(t)}

	p.Update(head)
	waitSynchronized(t, p)

	p.pingForEviction(head, candidate)
	sent := recvPing(t, wire.pings)
	assert.Equal(t, head.Id, sent.node.Id)

	// never reply; wait past k_request_timeout for the sweep to evict
	// head and admit the blocked candidate.
	require.Eventually(t, func() bool {
		neighbours, err := p.Neighbours(context.Background(), candidate.Id, 2)
		return err == nil && len(neighbours) == 1 && neighbours[0].Id == candidate.Id
	}, RequestTimeout+2*time.Second, 50*time.Millisecond)

	stats, err := p.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NodeCount)
}

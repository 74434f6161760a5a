package kademlia

import (
	"context"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Protocol-level constants (§4.G).
const (
	Alpha                  = 3
	RequestTimeout         = 3 * time.Second
	EvictionCheckInterval  = 75 * time.Millisecond
	MaxNodeAgeIdle         = time.Hour
	maxLookupRounds        = 32
	lookupCandidateHeadway = 8 // not referenced: a lookup keeps every candidate it receives
)

// Wire is the abstract, non-blocking message-send surface the protocol
// drives (§4.G). Implementations hand frames off to the owning Peer's
// egress queue and must not block waiting for a reply.
type Wire interface {
	SendPing(node Node, pingID PingId) error
	SendPong(node Node, pingID PingId) error
	SendFindNode(node Node, target NodeId) error
	SendNeighbours(node Node, nodes []Node) error
}

// lookup tracks one iterative find_node(target) in progress (§4.G).
type lookup struct {
	target      NodeId
	queried     map[NodeId]bool
	candidates  map[NodeId]Node
	bestQueried *big.Int // distance of the closest node queried so far
	inFlight    int
	rounds      int
	done        bool

	// lastActivity is refreshed whenever a find_node is sent on this
	// lookup's behalf. sweep abandons a lookup that has gone silent for
	// longer than RequestTimeout (§8 S2): findNodeSentTo is left intact so
	// a late neighbours reply still yields pings, it just no longer
	// continues the lookup.
	lastActivity time.Time
}

// Protocol is the Kademlia ping/pong and find-node/neighbours state
// machine. It owns the RoutingTable exclusively and runs on a single
// goroutine; every public method is safe to call concurrently because it
// only ever hands a command to that goroutine (§5).
type Protocol struct {
	table   *RoutingTable
	wire    Wire
	log     *zap.Logger
	metrics Metrics

	cmds    chan protoCmd
	closing chan struct{}
	done    chan struct{}

	// mutable state, touched only by run()
	pending map[pendingKey]*pendingPong
	lookups map[NodeId]*lookup
	// outstanding find_node sends, keyed by the node queried, so an
	// incoming recv_neighbours can be matched back to its lookup.
	findNodeSentTo map[NodeId]NodeId
}

// NewProtocol constructs a Kademlia protocol instance bound to table and
// wire. Call Run to start its event loop before issuing any operation.
func NewProtocol(table *RoutingTable, wire Wire, log *zap.Logger, m Metrics) *Protocol {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = NopMetrics{}
	}
	return &Protocol{
		table:          table,
		wire:           wire,
		log:            log,
		metrics:        m,
		cmds:           make(chan protoCmd, 64),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
		pending:        make(map[pendingKey]*pendingPong),
		lookups:        make(map[NodeId]*lookup),
		findNodeSentTo: make(map[NodeId]NodeId),
	}
}

// Run drives the protocol's event loop until Stop is called. Callers
// should start it with `go p.Run()`.
func (p *Protocol) Run() {
	defer close(p.done)

	ticker := time.NewTicker(EvictionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closing:
			return
		case c := <-p.cmds:
			c.run(p)
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

// Stop terminates the event loop. Idempotent.
func (p *Protocol) Stop() {
	select {
	case <-p.closing:
	default:
		close(p.closing)
	}
	<-p.done
}

func (p *Protocol) submit(c protoCmd) {
	select {
	case p.cmds <- c:
	case <-p.closing:
	}
}

// protoCmd is a unit of work executed serially by Run.
type protoCmd interface {
	run(p *Protocol)
}

// ---- Ping ----------------------------------------------------------------

type pingCmd struct {
	node        Node
	replacement *Node
}

func (c *pingCmd) run(p *Protocol) {
	p.doPing(c.node, c.replacement)
}

// Ping issues a plain liveness probe against node (§4.G).
func (p *Protocol) Ping(node Node) {
	p.submit(&pingCmd{node: node})
}

func (p *Protocol) pingForEviction(head, candidate Node) {
	c := candidate
	p.submit(&pingCmd{node: head, replacement: &c})
}

func (p *Protocol) doPing(node Node, replacement *Node) {
	pingID, err := RandomPingId()
	if err != nil {
		p.log.Error("kademlia: generating ping id", zap.Error(err))
		return
	}
	pp := &pendingPong{
		node:        node,
		pingID:      pingID,
		deadline:    time.Now().Add(RequestTimeout),
		replacement: replacement,
	}
	p.pending[pendingKey{node: node.Id, pingID: pingID}] = pp
	p.metrics.IncPingsSent()
	if err := p.wire.SendPing(node, pingID); err != nil {
		p.log.Debug("kademlia: send ping failed", zap.Stringer("node", node), zap.Error(err))
	}
}

// ---- recv_pong ------------------------------------------------------------

type recvPongCmd struct {
	node   Node
	pingID PingId
}

func (c *recvPongCmd) run(p *Protocol) {
	p.doRecvPong(c.node, c.pingID)
}

// RecvPong delivers an asynchronous pong reply (§4.G).
func (p *Protocol) RecvPong(node Node, pingID PingId) {
	p.submit(&recvPongCmd{node: node, pingID: pingID})
}

func (p *Protocol) doRecvPong(node Node, pingID PingId) {
	key := pendingKey{node: node.Id, pingID: pingID}
	pp, ok := p.pending[key]
	if !ok {
		return // never sent, already expired, or mismatched id
	}
	if time.Now().After(pp.deadline) {
		return // eviction path (if any) has already fired via sweep
	}
	delete(p.pending, key)

	if pp.isEvictionProbe() {
		p.table.ConfirmLiveness(node.Id, *pp.replacement)
		return
	}

	// A plain, successful ping: let the node enter the table normally.
	p.doUpdate(node)
}

// ---- update ----------------------------------------------------------------

type updateCmd struct{ node Node }

func (c *updateCmd) run(p *Protocol) { p.doUpdate(c.node) }

// Update invokes routing.add_node(n); a full, non-splitting bucket causes a
// ping against its head with n recorded as the blocked candidate (§4.G).
func (p *Protocol) Update(node Node) {
	p.submit(&updateCmd{node: node})
}

func (p *Protocol) doUpdate(node Node) {
	res := p.table.AddNode(node)
	if res.Outcome == BucketFull {
		p.doPing(res.EvictionCandidate, &node)
	}
}

// ---- sweep (periodic eviction-timeout check) -------------------------------

func (p *Protocol) sweep(now time.Time) {
	for key, pp := range p.pending {
		if now.Before(pp.deadline) {
			continue
		}
		delete(p.pending, key)
		p.metrics.IncPingsTimedOut()
		if pp.isEvictionProbe() {
			p.table.ConfirmEviction(pp.node.Id, *pp.replacement)
		}
	}

	for target, l := range p.lookups {
		if l.done || now.Sub(l.lastActivity) <= RequestTimeout {
			continue
		}
		delete(p.lookups, target)
		p.metrics.SetLookupsActive(len(p.lookups))
	}
}

// ---- find_node / recv_neighbours -------------------------------------------

type findNodeCmd struct{ target NodeId }

func (c *findNodeCmd) run(p *Protocol) { p.doFindNode(c.target) }

// FindNode initiates (or continues) an iterative lookup for target (§4.G).
func (p *Protocol) FindNode(target NodeId) {
	p.submit(&findNodeCmd{target: target})
}

func (p *Protocol) lookupFor(target NodeId) *lookup {
	l, ok := p.lookups[target]
	if !ok {
		l = &lookup{
			target:       target,
			queried:      make(map[NodeId]bool),
			candidates:   make(map[NodeId]Node),
			lastActivity: time.Now(),
		}
		p.lookups[target] = l
		p.metrics.IncLookupsStarted()
		p.metrics.SetLookupsActive(len(p.lookups))
	}
	return l
}

func (p *Protocol) doFindNode(target NodeId) {
	l := p.lookupFor(target)

	for _, n := range p.table.Neighbours(target, Alpha) {
		p.queryNode(l, n)
	}
}

func (p *Protocol) queryNode(l *lookup, n Node) {
	if l.queried[n.Id] {
		return
	}
	l.queried[n.Id] = true
	l.inFlight++
	l.lastActivity = time.Now()
	dist := Distance(n.Id, l.target)
	if l.bestQueried == nil || dist.Cmp(l.bestQueried) < 0 {
		l.bestQueried = dist
	}
	p.findNodeSentTo[n.Id] = l.target
	if err := p.wire.SendFindNode(n, l.target); err != nil {
		p.log.Debug("kademlia: send find_node failed", zap.Stringer("node", n), zap.Error(err))
	}
}

type recvNeighboursCmd struct {
	sender Node
	nodes  []Node
}

func (c *recvNeighboursCmd) run(p *Protocol) { p.doRecvNeighbours(c.sender, c.nodes) }

// RecvNeighbours delivers an asynchronous neighbours reply (§4.G).
func (p *Protocol) RecvNeighbours(sender Node, nodes []Node) {
	p.submit(&recvNeighboursCmd{sender: sender, nodes: nodes})
}

func (p *Protocol) doRecvNeighbours(sender Node, nodes []Node) {
	target, ok := p.findNodeSentTo[sender.Id]
	if !ok {
		return // no outstanding find_node to this sender; stale or spoofed reply
	}
	delete(p.findNodeSentTo, sender.Id)

	// Returned nodes are pinged whether or not the lookup is still live.
	for _, n := range nodes {
		if n.Id == p.table.Local().Id {
			continue
		}
		if !p.table.Contains(n.Id) {
			p.doPing(n, nil)
		}
	}

	l, ok := p.lookups[target]
	if !ok {
		return // lookup already cleaned up (e.g. S2: timed-out-then-late reply)
	}
	l.inFlight--

	for _, n := range nodes {
		if n.Id == p.table.Local().Id {
			continue
		}
		if _, known := l.candidates[n.Id]; !known {
			l.candidates[n.Id] = n
		}
	}

	p.advanceLookup(l)
}

// advanceLookup chooses the closest previously-unqueried candidate and
// queries it if it is strictly closer than the best node queried so far;
// otherwise the lookup has converged (§4.G, §8 invariant 5).
func (p *Protocol) advanceLookup(l *lookup) {
	l.rounds++

	var closest *Node
	var closestDist *big.Int
	for id, n := range l.candidates {
		if l.queried[id] {
			continue
		}
		d := Distance(id, l.target)
		if closestDist == nil || d.Cmp(closestDist) < 0 {
			c := n
			closest = &c
			closestDist = d
		}
	}

	converged := closest == nil ||
		l.rounds > maxLookupRounds ||
		(l.bestQueried != nil && closestDist.Cmp(l.bestQueried) >= 0)

	if !converged {
		p.queryNode(l, *closest)
		return
	}

	l.done = true
	if l.inFlight == 0 {
		delete(p.lookups, l.target)
		p.metrics.SetLookupsActive(len(p.lookups))
	}
}

// ---- inbound requests -------------------------------------------------------

type recvPingCmd struct {
	sender Node
	pingID PingId
}

func (c *recvPingCmd) run(p *Protocol) { p.doRecvPing(c.sender, c.pingID) }

// RecvPing handles an inbound ping (§4.G).
func (p *Protocol) RecvPing(sender Node, pingID PingId) {
	p.submit(&recvPingCmd{sender: sender, pingID: pingID})
}

func (p *Protocol) doRecvPing(sender Node, pingID PingId) {
	if err := p.wire.SendPong(sender, pingID); err != nil {
		p.log.Debug("kademlia: send pong failed", zap.Stringer("node", sender), zap.Error(err))
	}
	p.doUpdate(sender)
}

type recvFindNodeCmd struct {
	sender Node
	target NodeId
}

func (c *recvFindNodeCmd) run(p *Protocol) { p.doRecvFindNode(c.sender, c.target) }

// RecvFindNode handles an inbound find_node request (§4.G).
func (p *Protocol) RecvFindNode(sender Node, target NodeId) {
	p.submit(&recvFindNodeCmd{sender: sender, target: target})
}

func (p *Protocol) doRecvFindNode(sender Node, target NodeId) {
	neighbours := p.table.Neighbours(target, K)
	if err := p.wire.SendNeighbours(sender, neighbours); err != nil {
		p.log.Debug("kademlia: send neighbours failed", zap.Stringer("node", sender), zap.Error(err))
	}
	p.doUpdate(sender)
}

// ---- bootstrap & synchronous table reads -----------------------------------

type bootstrapCmd struct{ nodes []Node }

func (c *bootstrapCmd) run(p *Protocol) {
	for _, n := range c.nodes {
		p.doUpdate(n)
	}
	p.doFindNode(p.table.Local().Id)
}

// Bootstrap seeds the routing table with nodes and kicks off a self-lookup
// (§4.G).
func (p *Protocol) Bootstrap(nodes []Node) {
	p.submit(&bootstrapCmd{nodes: nodes})
}

type neighboursQueryCmd struct {
	target NodeId
	count  int
	reply  chan []Node
}

func (c *neighboursQueryCmd) run(p *Protocol) {
	c.reply <- p.table.Neighbours(c.target, c.count)
}

// Neighbours synchronously reads count nearest known nodes to target from
// the routing table. The routing table is private to this protocol's
// goroutine (§5), so every read — including this one issued from, e.g.,
// the Peer manager's control loop — is routed through the command channel.
func (p *Protocol) Neighbours(ctx context.Context, target NodeId, count int) ([]Node, error) {
	reply := make(chan []Node, 1)
	p.submit(&neighboursQueryCmd{target: target, count: count, reply: reply})
	select {
	case nodes := <-reply:
		return nodes, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "kademlia: neighbours query")
	case <-p.closing:
		return nil, errors.New("kademlia: protocol stopped")
	}
}

type statsQueryCmd struct{ reply chan Stats }

func (c *statsQueryCmd) run(p *Protocol) { c.reply <- p.table.Stats() }

// Stats synchronously reads a routing-table occupancy snapshot.
func (p *Protocol) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	p.submit(&statsQueryCmd{reply: reply})
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, errors.Wrap(ctx.Err(), "kademlia: stats query")
	case <-p.closing:
		return Stats{}, errors.New("kademlia: protocol stopped")
	}
}

// ---- idle refresh (SPEC_FULL.md §4.G) --------------------------------------

type refreshStaleCmd struct{}

func (c *refreshStaleCmd) run(p *Protocol) {
	for _, rng := range p.table.StaleBuckets(MaxNodeAgeIdle) {
		id, err := RandomNodeIdInRange(rng.Start, rng.End)
		if err != nil {
			continue
		}
		p.doFindNode(id)
	}
}

// RefreshStaleBuckets triggers a find_node for a random id inside every
// bucket whose last_updated exceeds k_max_node_age_idle. Callers typically
// invoke this from their own low-frequency ticker (it is not driven by the
// eviction-check ticker, which runs far more often).
func (p *Protocol) RefreshStaleBuckets() {
	p.submit(&refreshStaleCmd{})
}

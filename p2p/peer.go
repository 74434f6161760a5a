package p2p

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/warpnet/p2p/kademlia"
)

// pollInterval is the small timeout used when nothing is ready to send,
// so the loop keeps alternating ingress and egress without busy-spinning
// (§4.D step 2).
const pollInterval = 10 * time.Millisecond

// readBufSize bounds a single transport read (§4.D step 3).
const readBufSize = 4096

// handshakeGrace bounds how long a peer may go without completing Hello
// in both directions before it is terminated (§4.D, HandshakeTimeout).
const handshakeGrace = 5 * time.Second

// keepaliveInterval is ping_interval (SPEC_FULL.md §4.D supplement,
// default per pydevp2p's behaviour): the control protocol sends a
// keepalive ping at this cadence and disconnects a peer that misses two
// consecutive replies. Independent of Kademlia's own ping/pong, which is a
// liveness check for a routing-table entry rather than for the session.
const keepaliveInterval = 15 * time.Second

// missedKeepaliveLimit is how many consecutive unanswered keepalive pings
// a peer tolerates before it is disconnected.
const missedKeepaliveLimit = 2

// ProtocolFactory is one entry in the service registry (§6 "External
// collaborators: Service registry"): a locally installed sub-protocol the
// Peer manager can advertise and instantiate per peer once negotiated.
type ProtocolFactory struct {
	Name    string
	Version uint
	Length  uint64 // count of distinct local command ids (max_cmd_id + 1)
	// New builds the per-peer SubProtocol instance; the returned value's
	// Name/Version/Length must equal this factory's.
	New func(peer *Peer) SubProtocol
}

func (f ProtocolFactory) cap() Cap { return Cap{Name: f.Name, Version: f.Version} }

// factoryFor looks up the installed ProtocolFactory advertising c.
func (p *Peer) factoryFor(c Cap) (ProtocolFactory, bool) {
	for _, f := range p.factories {
		if f.cap() == c {
			return f, true
		}
	}
	return ProtocolFactory{}, false
}

// removeFn lets a Peer remove itself from its owning manager's PeerSet on
// termination without holding a full back-reference (§3 "weak reference").
type removeFn func(p *Peer)

// Peer is the long-lived per-connection task described in §4.D. It
// exclusively owns its transport, Codec-backed Session, and registry; no
// other goroutine touches any of them directly. Cross-goroutine requests
// (manager broadcasts, discovery sends) arrive only through inbox; Stop
// closes done.
type Peer struct {
	conn   net.Conn
	local  kademlia.Node
	remote kademlia.Node // filled in once Hello is received

	session  *Session
	registry *Registry

	factories []ProtocolFactory
	localCaps []Cap

	// handshakeDone gates visibility of negotiatedCaps to other
	// goroutines (the Manager's Broadcast): negotiatedCaps is written
	// once, on the peer's own loop, strictly before the Store below, so
	// a Load-then-read gives a safe publication (cf. the "alive" flag
	// pattern gating handshake state in reference router/peer code).
	helloSent      atomic.Bool
	handshakeDone  atomic.Bool
	negotiatedCaps []Cap
	connectedAt    time.Time

	// keepalive state, touched only by this peer's own loop goroutine
	// (§4.D supplement).
	lastKeepaliveAt  time.Time
	awaitingPong     bool
	missedKeepalives int

	inbox   chan func(*Peer)
	done    chan struct{}
	remove  removeFn
	metrics SessionMetrics
	log     *zap.Logger
}

// NewPeer wires a freshly accepted or dialed connection into a Peer. The
// remote identity is unknown until Hello arrives (§4.E "remote_pubkey =
// unknown"). m may be nil, in which case packet counts are discarded.
func NewPeer(conn net.Conn, local kademlia.Node, cipher FrameCipher, factories []ProtocolFactory, m SessionMetrics, remove removeFn, log *zap.Logger) *Peer {
	control := SubProtocol{Name: ControlName, Version: ControlVersion, Length: ControlLength}
	reg := NewRegistry(control)

	caps := make([]Cap, 0, len(factories))
	for _, f := range factories {
		caps = append(caps, f.cap())
	}

	if m == nil {
		m = nopSessionMetrics{}
	}

	p := &Peer{
		conn:        conn,
		local:       local,
		session:     NewSession(NewCodec(cipher)),
		registry:    reg,
		factories:   factories,
		localCaps:   caps,
		connectedAt: time.Now(),
		inbox:       make(chan func(*Peer), 64),
		done:        make(chan struct{}),
		remove:      remove,
		metrics:     m,
		log:         log,
	}
	p.session.AddProtocol(0)
	return p
}

// Remote returns the negotiated remote node, valid only after Hello.
func (p *Peer) Remote() kademlia.Node { return p.remote }

// HasCap reports whether this peer negotiated a sub-protocol with the
// given (name, version), safe to call from the Manager's goroutine
// (§5 "Per-peer sub-protocol maps are private to that peer's loop" —
// this reads the published snapshot, never the live registry).
func (p *Peer) HasCap(c Cap) bool {
	if !p.handshakeDone.Load() {
		return false
	}
	for _, got := range p.negotiatedCaps {
		if got == c {
			return true
		}
	}
	return false
}

// Enqueue schedules fn to run on this peer's own loop goroutine. Used by
// the Peer manager's broadcast, which otherwise would touch the Session
// from a foreign goroutine (§5 "private to that peer's loop").
func (p *Peer) Enqueue(fn func(peer *Peer)) {
	select {
	case p.inbox <- fn:
	case <-p.done:
	}
}

// Send encodes payload under (protocolName, version, localCmdId) and
// queues it for egress. Must run on the peer's own goroutine: call it
// directly from a handler, or via Enqueue from elsewhere.
func (p *Peer) Send(protocolName string, version uint, localCmdId uint64, payload []byte) error {
	idx, ok := p.registry.IndexOf(protocolName, version)
	if !ok {
		return errors.Errorf("p2p: protocol %s/%d not registered on this peer", protocolName, version)
	}
	wireCmd, err := p.registry.ToWire(idx, localCmdId)
	if err != nil {
		return err
	}
	if err := p.session.AddPacket(idx, wirePacket{CmdId: wireCmd, Payload: payload}); err != nil {
		return err
	}
	p.metrics.IncPacketsSent(protocolName)
	return nil
}

// Disconnect queues a disconnect packet carrying reason. It does not stop
// this peer: the loop keeps running until Stop is called or the remote
// closes the connection.
func (p *Peer) Disconnect(reason DiscReason) {
	_ = p.Send(ControlName, ControlVersion, cmdDisconnect, []byte{byte(reason)})
}

// Stop requests cooperative, idempotent termination (§5 "Cancellation").
func (p *Peer) Stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// Run executes the peer loop until termination (§4.D). It must be called
// from its own goroutine/thread.
func (p *Peer) Run() {
	defer p.teardown()

	if err := p.sendHello(); err != nil {
		p.log.Warn("failed to send hello", zap.Error(err))
		return
	}

	deadline := time.Now().Add(pollInterval)
	handshakeBy := time.Now().Add(handshakeGrace)
	buf := make([]byte, readBufSize)

	for {
		select {
		case <-p.done:
			return
		default:
		}

		p.drainInbox()

		if !p.handshakeDone.Load() && time.Now().After(handshakeBy) {
			p.log.Warn("handshake timeout", zap.String("remote", p.conn.RemoteAddr().String()))
			return
		}

		if p.handshakeDone.Load() {
			if err := p.maybeSendKeepalive(); err != nil {
				p.log.Warn("peer terminating on missed keepalive", zap.Error(err))
				return
			}
		}

		if err := p.drainIngress(); err != nil {
			p.log.Warn("peer terminating on protocol error", zap.Error(err))
			return
		}

		wrote, err := p.drainEgress()
		if err != nil {
			p.log.Warn("peer terminating on framing error", zap.Error(err))
			return
		}
		if wrote {
			deadline = time.Now()
		} else {
			deadline = time.Now().Add(pollInterval)
		}

		if err := p.conn.SetReadDeadline(deadline); err != nil {
			return
		}
		n, err := p.conn.Read(buf)
		if n > 0 {
			if err := p.session.AddMessage(buf[:n]); err != nil {
				p.log.Warn("peer terminating on decode error", zap.Error(err))
				return
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return // EOF or transport error: terminate (TransportError policy, §7)
		}
	}
}

func (p *Peer) drainInbox() {
	for {
		select {
		case fn := <-p.inbox:
			fn(p)
		default:
			return
		}
	}
}

func (p *Peer) drainIngress() error {
	for p.session.HasPacket() {
		wp, err := p.session.GetPacket()
		if err != nil {
			return err
		}
		idx, localCmd, err := p.registry.FromWire(wp.CmdId)
		if err != nil {
			return err
		}
		proto, ok := p.registry.ByIndex(idx)
		if !ok {
			return errors.Wrap(ErrUnknownCommand, "p2p: no handler registered for protocol index")
		}
		p.metrics.IncPacketsRecv(proto.Name)
		pkt := Packet{ProtocolId: idx, CmdId: localCmd, Payload: wp.Payload}
		if idx == 0 {
			if err := p.handleControl(pkt); err != nil {
				return err
			}
			continue
		}
		if !p.handshakeDone.Load() {
			return errors.Wrap(ErrUnknownCommand, "p2p: non-control command before hello")
		}
		if err := proto.run(p, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) drainEgress() (wrote bool, err error) {
	frame, ok, err := p.session.GetMessage()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := p.conn.Write(frame); err != nil {
		return false, errors.Wrap(err, "p2p: writing egress frame")
	}
	return true, nil
}

func (p *Peer) sendHello() error {
	payload := encodeHello(Hello{
		NodeId:     p.local.Id,
		ListenPort: p.local.TCPPort,
		Caps:       p.localCaps,
	})
	if err := p.Send(ControlName, ControlVersion, cmdHello, payload); err != nil {
		return err
	}
	p.helloSent.Store(true)
	return nil
}

func (p *Peer) handleControl(pkt Packet) error {
	// Hello must complete in both directions before any other control
	// command is accepted (§4.D); a peer that sends one early is in
	// violation of the handshake protocol and is terminated.
	if !p.handshakeDone.Load() && pkt.CmdId != cmdHello {
		return errors.Wrap(ErrUnknownCommand, "p2p: control command received before hello completed")
	}

	switch pkt.CmdId {
	case cmdHello:
		return p.onHello(pkt.Payload)
	case cmdDisconnect:
		reason := DiscReason(0)
		if len(pkt.Payload) > 0 {
			reason = DiscReason(pkt.Payload[0])
		}
		p.log.Info("peer requested disconnect", zap.Stringer("reason", reason))
		return errors.Errorf("p2p: remote disconnected: %s", reason)
	case cmdPing:
		return p.Send(ControlName, ControlVersion, cmdPong, nil)
	case cmdPong:
		p.awaitingPong = false
		p.missedKeepalives = 0
		return nil
	default:
		return errors.Wrap(ErrUnknownCommand, "p2p: unrecognized control command")
	}
}

// maybeSendKeepalive sends a control-protocol ping every keepaliveInterval
// once the handshake has completed, and reports an error once a peer has
// missed missedKeepaliveLimit consecutive replies (§4.D supplement).
func (p *Peer) maybeSendKeepalive() error {
	if time.Since(p.lastKeepaliveAt) < keepaliveInterval {
		return nil
	}
	if p.awaitingPong {
		p.missedKeepalives++
		if p.missedKeepalives >= missedKeepaliveLimit {
			return errors.Errorf("p2p: missed %d consecutive keepalive pings", p.missedKeepalives)
		}
	}
	if err := p.Send(ControlName, ControlVersion, cmdPing, nil); err != nil {
		return err
	}
	p.awaitingPong = true
	p.lastKeepaliveAt = time.Now()
	return nil
}

func (p *Peer) onHello(payload []byte) error {
	hello, err := decodeHello(payload)
	if err != nil {
		return err
	}
	p.remote = kademlia.Node{Id: hello.NodeId, IP: remoteIP(p.conn), TCPPort: hello.ListenPort}

	agreed := negotiate(p.localCaps, hello.Caps)

	var negotiated []Cap
	for _, c := range agreed {
		f, ok := p.factoryFor(c)
		if !ok {
			continue
		}
		if _, already := p.registry.IndexOf(f.Name, f.Version); already {
			continue
		}
		idx, err := p.registry.Add(f.New(p))
		if err != nil {
			return err
		}
		p.session.AddProtocol(idx)
		negotiated = append(negotiated, f.cap())
	}

	// Publish the negotiated set, then flip the flag that guards reading
	// it — establishes the happens-before other goroutines (Broadcast)
	// rely on in HasCap.
	p.negotiatedCaps = negotiated
	p.lastKeepaliveAt = time.Now()
	p.handshakeDone.Store(true)
	return nil
}

func (p *Peer) teardown() {
	for _, h := range p.registry.NonControl() {
		h.stop(p)
	}
	if p.remove != nil {
		p.remove(p)
	}
	_ = p.conn.Close()
}

func remoteIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}

// encodeHello and decodeHello implement a small fixed binary layout for
// the Hello payload: 64-byte node id, 2-byte listen port, then a count
// and repeated (name-length, name bytes, version) for each capability.
func encodeHello(h Hello) []byte {
	buf := make([]byte, 0, 64+2+2+len(h.Caps)*16)
	buf = append(buf, h.NodeId[:]...)
	buf = binary.BigEndian.AppendUint16(buf, h.ListenPort)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.Caps)))
	for _, c := range h.Caps {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Name)))
		buf = append(buf, c.Name...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(c.Version))
	}
	return buf
}

func decodeHello(b []byte) (Hello, error) {
	if len(b) < 64+2+2 {
		return Hello{}, errors.Wrap(ErrFraming, "p2p: hello payload too short")
	}
	var h Hello
	copy(h.NodeId[:], b[:64])
	b = b[64:]
	h.ListenPort = binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	count := binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	for i := uint16(0); i < count; i++ {
		if len(b) < 2 {
			return Hello{}, errors.Wrap(ErrFraming, "p2p: truncated hello capability")
		}
		nameLen := binary.BigEndian.Uint16(b[:2])
		b = b[2:]
		if len(b) < int(nameLen)+4 {
			return Hello{}, errors.Wrap(ErrFraming, "p2p: truncated hello capability")
		}
		name := string(b[:nameLen])
		b = b[nameLen:]
		version := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		h.Caps = append(h.Caps, Cap{Name: name, Version: uint(version)})
	}
	return h, nil
}

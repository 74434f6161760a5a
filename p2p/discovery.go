package p2p

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"

	"github.com/warpnet/p2p/kademlia"
)

// Discovery sub-protocol: carries Kademlia's ping/pong/find_node/neighbours
// exchange over a live Peer session, registered and negotiated exactly like
// any other SubProtocol (§4.C), analogous to the control protocol's
// ControlName/cmdHello in hello.go. Kademlia's own actor (kademlia.Protocol)
// never touches a net.Conn directly; this is the bridge (SPEC_FULL.md §2.B/G).
const (
	DiscoveryName         = "kad"
	DiscoveryVersion uint  = 1
	DiscoveryLength  uint64 = 4

	cmdDiscPing       uint64 = 0
	cmdDiscPong       uint64 = 1
	cmdDiscFindNode   uint64 = 2
	cmdDiscNeighbours uint64 = 3
)

// PeerLookup resolves a Kademlia node id to the live Peer session currently
// connected to it, if any. Manager.PeerByNodeId implements this.
type PeerLookup func(id kademlia.NodeId) (*Peer, bool)

// discoveryWire implements kademlia.Wire over live Peer sessions resolved
// through lookup. Every send hands the encoded packet to the target peer's
// own loop via Enqueue and never waits for a reply, matching the Wire
// contract; Enqueue itself waits while that peer's inbox is full.
type discoveryWire struct {
	lookup PeerLookup
}

// NewDiscoveryWire builds a kademlia.Wire backed by live Peer sessions,
// resolved by lookup (typically Manager.PeerByNodeId).
func NewDiscoveryWire(lookup PeerLookup) kademlia.Wire {
	return &discoveryWire{lookup: lookup}
}

func (w *discoveryWire) send(node kademlia.Node, cmdId uint64, payload []byte) error {
	peer, ok := w.lookup(node.Id)
	if !ok {
		return errors.Wrapf(ErrPeerNotConnected, "p2p: node %s", node.Id)
	}
	peer.Enqueue(func(p *Peer) {
		_ = p.Send(DiscoveryName, DiscoveryVersion, cmdId, payload)
	})
	return nil
}

func (w *discoveryWire) SendPing(node kademlia.Node, pingID kademlia.PingId) error {
	return w.send(node, cmdDiscPing, pingID[:])
}

func (w *discoveryWire) SendPong(node kademlia.Node, pingID kademlia.PingId) error {
	return w.send(node, cmdDiscPong, pingID[:])
}

func (w *discoveryWire) SendFindNode(node kademlia.Node, target kademlia.NodeId) error {
	return w.send(node, cmdDiscFindNode, target[:])
}

func (w *discoveryWire) SendNeighbours(node kademlia.Node, nodes []kademlia.Node) error {
	return w.send(node, cmdDiscNeighbours, encodeNeighbours(nodes))
}

// NewDiscoveryFactory builds the ProtocolFactory that bridges inbound
// discovery packets to kad's asynchronous Recv* entry points, using the
// sending peer's negotiated remote identity as the sender. Remote() is only
// ever read here once Hello has completed, since this sub-protocol cannot
// be negotiated (and therefore cannot receive packets) until then (§4.D).
func NewDiscoveryFactory(kad *kademlia.Protocol) ProtocolFactory {
	return ProtocolFactory{
		Name:    DiscoveryName,
		Version: DiscoveryVersion,
		Length:  DiscoveryLength,
		New: func(peer *Peer) SubProtocol {
			return SubProtocol{
				Name:    DiscoveryName,
				Version: DiscoveryVersion,
				Length:  DiscoveryLength,
				Run: func(peer *Peer, pkt Packet) error {
					sender := peer.Remote()
					switch pkt.CmdId {
					case cmdDiscPing:
						id, err := decodePingId(pkt.Payload)
						if err != nil {
							return err
						}
						kad.RecvPing(sender, id)
					case cmdDiscPong:
						id, err := decodePingId(pkt.Payload)
						if err != nil {
							return err
						}
						kad.RecvPong(sender, id)
					case cmdDiscFindNode:
						target, err := decodeNodeId(pkt.Payload)
						if err != nil {
							return err
						}
						kad.RecvFindNode(sender, target)
					case cmdDiscNeighbours:
						nodes, err := decodeNeighbours(pkt.Payload)
						if err != nil {
							return err
						}
						kad.RecvNeighbours(sender, nodes)
					default:
						return errors.Wrap(ErrUnknownCommand, "p2p: unrecognized discovery command")
					}
					return nil
				},
			}
		},
	}
}

func decodePingId(b []byte) (kademlia.PingId, error) {
	var id kademlia.PingId
	if len(b) != len(id) {
		return id, errors.Wrap(ErrFraming, "p2p: malformed discovery ping id")
	}
	copy(id[:], b)
	return id, nil
}

func decodeNodeId(b []byte) (kademlia.NodeId, error) {
	var id kademlia.NodeId
	if len(b) != len(id) {
		return id, errors.Wrap(ErrFraming, "p2p: malformed discovery node id")
	}
	copy(id[:], b)
	return id, nil
}

// encodeNeighbours and decodeNeighbours implement a small fixed binary
// layout, the same style as hello.go's encodeHello/decodeHello: a 2-byte
// count, then per node a 64-byte id, a 1-byte IP length, the IP bytes, and
// 2-byte TCP/UDP ports. PubKey is never written: it is always identical to
// Id's raw bytes (see crypto.go's PublicKey.NodeId) and is reconstructed on
// decode instead.
func encodeNeighbours(nodes []kademlia.Node) []byte {
	buf := make([]byte, 0, 2+len(nodes)*(kademlia.IDBytes+1+4+2+2))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(nodes)))
	for _, n := range nodes {
		buf = append(buf, n.Id[:]...)
		buf = append(buf, byte(len(n.IP)))
		buf = append(buf, n.IP...)
		buf = binary.BigEndian.AppendUint16(buf, n.TCPPort)
		buf = binary.BigEndian.AppendUint16(buf, n.UDPPort)
	}
	return buf
}

func decodeNeighbours(b []byte) ([]kademlia.Node, error) {
	if len(b) < 2 {
		return nil, errors.Wrap(ErrFraming, "p2p: truncated neighbours payload")
	}
	count := binary.BigEndian.Uint16(b[:2])
	b = b[2:]

	nodes := make([]kademlia.Node, 0, count)
	for i := uint16(0); i < count; i++ {
		if len(b) < kademlia.IDBytes+1 {
			return nil, errors.Wrap(ErrFraming, "p2p: truncated neighbours entry")
		}
		var id kademlia.NodeId
		copy(id[:], b[:kademlia.IDBytes])
		b = b[kademlia.IDBytes:]

		ipLen := int(b[0])
		b = b[1:]
		if len(b) < ipLen+4 {
			return nil, errors.Wrap(ErrFraming, "p2p: truncated neighbours entry")
		}
		ip := append(net.IP(nil), b[:ipLen]...)
		b = b[ipLen:]

		tcpPort := binary.BigEndian.Uint16(b[:2])
		b = b[2:]
		udpPort := binary.BigEndian.Uint16(b[:2])
		b = b[2:]

		nodes = append(nodes, kademlia.Node{
			Id:      id,
			IP:      ip,
			TCPPort: tcpPort,
			UDPPort: udpPort,
			PubKey:  append([]byte(nil), id[:]...),
		})
	}
	return nodes, nil
}

package p2p

import "fmt"

// Packet is a protocol-id, a command-id local to that protocol, and an
// opaque payload (§3). Once queued into a Session, ownership transfers to
// the Session until delivery or disconnect.
type Packet struct {
	ProtocolId int // index into the peer's registered-protocol list
	CmdId      uint64
	Payload    []byte
}

// wirePacket is what actually crosses the Codec boundary: the flat,
// protocol-id-erased command space of §4.C/§6. ProtocolId is always zero
// on the wire; it is recovered on ingress from the CmdId window.
type wirePacket struct {
	CmdId   uint64
	Payload []byte
}

func (p wirePacket) String() string {
	return fmt.Sprintf("wirePacket{cmd=%d, %dB}", p.CmdId, len(p.Payload))
}

// Cap is a wire-visible `(name, version)` capability pair exchanged in
// Hello (SPEC_FULL.md §3). It names what a peer supports; a SubProtocol is
// the local, instantiated side once both peers agree to run it.
type Cap struct {
	Name    string
	Version uint
}

func (c Cap) String() string {
	return fmt.Sprintf("%s/%d", c.Name, c.Version)
}

// DiscReason is an enumerated disconnect reason sent over the control
// protocol so the remote side can log why a session ended (SPEC_FULL.md
// §3, grounded on original_source/devp2p/peer.py's disconnect handling).
type DiscReason uint8

const (
	DiscRequested DiscReason = iota
	DiscProtocolError
	DiscIncompatibleVersion
	DiscTooManyPeers
	DiscAlreadyConnected
	DiscHandshakeTimeout
	DiscNetworkError
	DiscQuitting
)

func (r DiscReason) String() string {
	switch r {
	case DiscRequested:
		return "requested by peer"
	case DiscProtocolError:
		return "protocol error"
	case DiscIncompatibleVersion:
		return "incompatible p2p version"
	case DiscTooManyPeers:
		return "too many peers"
	case DiscAlreadyConnected:
		return "already connected"
	case DiscHandshakeTimeout:
		return "handshake timeout"
	case DiscNetworkError:
		return "network error"
	case DiscQuitting:
		return "client quitting"
	default:
		return "unknown"
	}
}

package p2p

import "sort"

// Control protocol local command ids (§4.C: "the control protocol is
// always registered at index 0"). Every peer runs this protocol
// regardless of which application sub-protocols are negotiated.
const (
	ControlName          = "p2p"
	ControlVersion  uint = 1
	ControlLength   uint64 = 4

	cmdHello      uint64 = 0
	cmdDisconnect uint64 = 1
	cmdPing       uint64 = 2
	cmdPong       uint64 = 3
)

// Hello is the first packet every Peer loop must send, advertising the
// node's identity and the capabilities it can run (§4.D "Hello packet
// first-send requirement").
type Hello struct {
	NodeId     [64]byte
	ListenPort uint16
	Caps       []Cap
}

// sortedCaps returns a copy of caps in a fixed, comparison-stable order so
// two peers negotiating the same capability set always agree on protocol
// registration order (go-ethereum's p2p/server.go sorts Caps identically
// before registering sub-protocols).
func sortedCaps(caps []Cap) []Cap {
	out := append([]Cap(nil), caps...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// negotiate computes the intersection of local and remote capabilities,
// in sorted order, which is the set of sub-protocols both sides register
// after the handshake (§4.D).
func negotiate(local, remote []Cap) []Cap {
	remoteSet := make(map[Cap]bool, len(remote))
	for _, c := range remote {
		remoteSet[c] = true
	}
	var out []Cap
	for _, c := range sortedCaps(local) {
		if remoteSet[c] {
			out = append(out, c)
		}
	}
	return out
}

package p2p

import "github.com/pkg/errors"

// SubProtocol is one registered, instantiated sub-protocol: a name,
// version, the count of distinct local command ids it uses, and the
// handler that executes its packets (§3, §4.C).
type SubProtocol struct {
	Name    string
	Version uint
	Length  uint64 // number of distinct command ids this protocol occupies
	Run     func(peer *Peer, pkt Packet) error
	Stop    func(peer *Peer)
}

// run and stop tolerate a nil hook, which the built-in control protocol
// entry relies on since it is dispatched specially by the Peer loop.
func (s SubProtocol) run(peer *Peer, pkt Packet) error {
	if s.Run == nil {
		return nil
	}
	return s.Run(peer, pkt)
}

func (s SubProtocol) stop(peer *Peer) {
	if s.Stop != nil {
		s.Stop(peer)
	}
}

// Cap returns the wire capability this sub-protocol advertises in Hello.
func (s SubProtocol) Cap() Cap {
	return Cap{Name: s.Name, Version: s.Version}
}

// registryEntry pairs a SubProtocol with its assigned command-id window.
type registryEntry struct {
	proto  SubProtocol
	offset uint64 // first flat wire command id belonging to this protocol
}

// Registry assigns each registered sub-protocol a disjoint window on the
// flat wire command-id space and translates packets between a protocol's
// local numbering and that window (§4.C). The control protocol, which
// every peer runs, is always index 0 and owns offset 0.
//
// A Registry is built once per Peer at handshake time and is thereafter
// read-only, so it needs no locking (§5).
type Registry struct {
	entries []registryEntry
}

// NewRegistry builds a Registry whose first entry is always the control
// protocol occupying command ids [0, controlLength).
func NewRegistry(control SubProtocol) *Registry {
	return &Registry{entries: []registryEntry{{proto: control, offset: 0}}}
}

// Add appends proto, assigning it the next free window. Per §4.C:
// offset_i = offset_{i-1} + length_{i-1}. Protocols already registered
// under the same (name, version) are rejected as DuplicateProtocol.
func (r *Registry) Add(proto SubProtocol) (index int, err error) {
	for _, e := range r.entries {
		if e.proto.Name == proto.Name && e.proto.Version == proto.Version {
			return 0, errors.Wrapf(ErrDuplicateProtocol, "p2p: %s/%d already registered", proto.Name, proto.Version)
		}
	}
	last := r.entries[len(r.entries)-1]
	offset := last.offset + last.proto.Length
	r.entries = append(r.entries, registryEntry{proto: proto, offset: offset})
	return len(r.entries) - 1, nil
}

// ByIndex returns the SubProtocol registered at index.
func (r *Registry) ByIndex(index int) (SubProtocol, bool) {
	if index < 0 || index >= len(r.entries) {
		return SubProtocol{}, false
	}
	return r.entries[index].proto, true
}

// IndexOf returns the registered index of (name, version), if any.
func (r *Registry) IndexOf(name string, version uint) (int, bool) {
	for i, e := range r.entries {
		if e.proto.Name == name && e.proto.Version == version {
			return i, true
		}
	}
	return 0, false
}

// NonControl returns every registered sub-protocol after the control
// protocol at index 0, used when stopping them on peer teardown.
func (r *Registry) NonControl() []SubProtocol {
	if len(r.entries) <= 1 {
		return nil
	}
	out := make([]SubProtocol, 0, len(r.entries)-1)
	for _, e := range r.entries[1:] {
		out = append(out, e.proto)
	}
	return out
}

// Len returns the number of registered sub-protocols.
func (r *Registry) Len() int {
	return len(r.entries)
}

// ToWire rewrites an outgoing local (protocolIndex, localCmdId) pair into
// the flat wire command id (§4.C "Egress rewrite").
func (r *Registry) ToWire(protocolIndex int, localCmdId uint64) (uint64, error) {
	if protocolIndex < 0 || protocolIndex >= len(r.entries) {
		return 0, errors.Errorf("p2p: no protocol registered at index %d", protocolIndex)
	}
	e := r.entries[protocolIndex]
	if localCmdId >= e.proto.Length {
		return 0, errors.Wrapf(ErrUnknownCommand, "p2p: local cmd %d exceeds %s/%d length %d",
			localCmdId, e.proto.Name, e.proto.Version, e.proto.Length)
	}
	return e.offset + localCmdId, nil
}

// FromWire resolves an inbound flat wire command id to the sub-protocol
// whose window contains it, plus the protocol-local command id (§4.C
// "Ingress window search"). Fails with UnknownCommand if no window
// contains wireCmdId.
func (r *Registry) FromWire(wireCmdId uint64) (protocolIndex int, localCmdId uint64, err error) {
	for i, e := range r.entries {
		if wireCmdId >= e.offset && wireCmdId < e.offset+e.proto.Length {
			return i, wireCmdId - e.offset, nil
		}
	}
	return 0, 0, errors.Wrapf(ErrUnknownCommand, "p2p: no protocol window contains wire cmd %d", wireCmdId)
}

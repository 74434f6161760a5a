package p2p

import "github.com/pkg/errors"

// Error taxonomy (§7). Each kind is a sentinel wrapped with context via
// github.com/pkg/errors so a %+v log statement carries a stack trace.
var (
	// ErrFraming signals a Codec MAC or length failure; fatal to the
	// session.
	ErrFraming = errors.New("p2p: framing error")

	// ErrUnknownCommand signals an ingress cmd id outside every
	// registered protocol's window; a protocol violation.
	ErrUnknownCommand = errors.New("p2p: unknown command")

	// ErrDuplicateProtocol signals an attempt to register a sub-protocol
	// twice on one peer; a programmer error that aborts construction.
	ErrDuplicateProtocol = errors.New("p2p: duplicate sub-protocol")

	// ErrSessionBroken signals the session has entered its terminal
	// Broken state after a framing failure.
	ErrSessionBroken = errors.New("p2p: session broken")

	// ErrNoPacket signals GetPacket was called with an empty inbound
	// queue.
	ErrNoPacket = errors.New("p2p: no packet available")

	// ErrConnectTimeout signals an outbound connect exceeded its budget;
	// logged and abandoned, never fatal to the manager.
	ErrConnectTimeout = errors.New("p2p: connect timeout")

	// ErrHandshakeTimeout signals no Hello arrived within the grace
	// period; fatal to the affected peer only.
	ErrHandshakeTimeout = errors.New("p2p: handshake timeout")

	// ErrTooManyPeers signals the peer set is already at max_peers.
	ErrTooManyPeers = errors.New("p2p: too many peers")

	// ErrBadBootstrapURI signals a bootstrap URI failed §6's format
	// constraints.
	ErrBadBootstrapURI = errors.New("p2p: malformed bootstrap uri")

	// ErrPeerNotConnected signals the discovery Wire was asked to send to
	// a node id with no live Peer session.
	ErrPeerNotConnected = errors.New("p2p: no live peer session for node id")
)

package p2p

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warpnet/p2p/kademlia"
)

func sharedCipherPair(t *testing.T) (FrameCipher, FrameCipher) {
	var key [32]byte
	key[0] = 0x9
	a, err := NewAESGCMFrameCipher(key)
	require.NoError(t, err)
	b, err := NewAESGCMFrameCipher(key)
	require.NoError(t, err)
	return a, b
}

func nodeWithRandomId(t *testing.T, port uint16) kademlia.Node {
	id, err := kademlia.RandomNodeId()
	require.NoError(t, err)
	return kademlia.Node{Id: id, TCPPort: port}
}

// loopbackConnPair returns both ends of a loopback TCP connection. Unlike
// net.Pipe, TCP buffers writes, so two Peers can each write their Hello
// before either one reads.
func loopbackConnPair(t *testing.T) (net.Conn, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	other := <-accepted
	require.NotNil(t, other)
	return dialed, other
}

// TestPeerHandshakeNegotiatesSharedCapability drives two Peers over a
// loopback TCP connection and asserts that after Hello exchange both sides
// agree on the single capability they both advertise (§4.D).
func TestPeerHandshakeNegotiatesSharedCapability(t *testing.T) {
	connA, connB := loopbackConnPair(t)
	cipherA, cipherB := sharedCipherPair(t)

	echoCap := ProtocolFactory{Name: "echo", Version: 1, Length: 1, New: func(peer *Peer) SubProtocol {
		return SubProtocol{Name: "echo", Version: 1, Length: 1}
	}}

	peerA := NewPeer(connA, nodeWithRandomId(t, 1001), cipherA, []ProtocolFactory{echoCap}, nil, func(*Peer) {}, zap.NewNop())
	peerB := NewPeer(connB, nodeWithRandomId(t, 1002), cipherB, []ProtocolFactory{echoCap}, nil, func(*Peer) {}, zap.NewNop())

	go peerA.Run()
	go peerB.Run()
	defer peerA.Stop()
	defer peerB.Stop()

	assert.Eventually(t, func() bool {
		return peerA.HasCap(Cap{Name: "echo", Version: 1}) && peerB.HasCap(Cap{Name: "echo", Version: 1})
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, peerA.local.Id, peerB.Remote().Id)
	assert.Equal(t, peerB.local.Id, peerA.Remote().Id)
}

// TestPeerDeliversApplicationPacketAfterHandshake confirms an application
// sub-protocol packet sent after the handshake reaches the remote peer's
// registered handler with the correct payload (§4.C window round-trip over
// a live Peer pair, not just the Registry unit tests).
func TestPeerDeliversApplicationPacketAfterHandshake(t *testing.T) {
	connA, connB := loopbackConnPair(t)
	cipherA, cipherB := sharedCipherPair(t)

	received := make(chan []byte, 1)
	echoFactoryA := ProtocolFactory{Name: "echo", Version: 1, Length: 1, New: func(peer *Peer) SubProtocol {
		return SubProtocol{Name: "echo", Version: 1, Length: 1}
	}}
	echoFactoryB := ProtocolFactory{Name: "echo", Version: 1, Length: 1, New: func(peer *Peer) SubProtocol {
		return SubProtocol{Name: "echo", Version: 1, Length: 1, Run: func(peer *Peer, pkt Packet) error {
			received <- pkt.Payload
			return nil
		}}
	}}

	peerA := NewPeer(connA, nodeWithRandomId(t, 2001), cipherA, []ProtocolFactory{echoFactoryA}, nil, func(*Peer) {}, zap.NewNop())
	peerB := NewPeer(connB, nodeWithRandomId(t, 2002), cipherB, []ProtocolFactory{echoFactoryB}, nil, func(*Peer) {}, zap.NewNop())

	go peerA.Run()
	go peerB.Run()
	defer peerA.Stop()
	defer peerB.Stop()

	require.Eventually(t, func() bool {
		return peerA.HasCap(Cap{Name: "echo", Version: 1})
	}, 2*time.Second, 10*time.Millisecond)

	peerA.Enqueue(func(p *Peer) {
		_ = p.Send("echo", 1, 0, []byte("ping"))
	})

	select {
	case payload := <-received:
		assert.Equal(t, []byte("ping"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for application packet")
	}
}

func TestPeerHandshakeTimeoutTerminatesSilentPeer(t *testing.T) {
	connA, connB := net.Pipe()
	cipherA, _ := sharedCipherPair(t)

	// Drain connB's reads so peerA's Hello write does not block forever,
	// but never reply, so peerA never completes its handshake.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := connB.Read(buf); err != nil {
				return
			}
		}
	}()

	peerA := NewPeer(connA, nodeWithRandomId(t, 3001), cipherA, nil, nil, func(*Peer) {}, zap.NewNop())
	defer connB.Close()

	done := make(chan struct{})
	go func() {
		peerA.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(handshakeGrace + 2*time.Second):
		t.Fatal("peer loop did not terminate after handshake timeout")
	}
}

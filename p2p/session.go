package p2p

import (
	"github.com/gammazero/deque"
	"github.com/pkg/errors"
)

// Session owns one encrypt-then-MAC frame codec, an outbound fair-queue
// keyed by protocol-id, and an inbound packet queue of decoded packets
// (§4.B). It is single-owner: the spec's concurrency model (§5) has only
// the owning Peer loop goroutine ever touch it, so it carries no internal
// locking.
type Session struct {
	codec *Codec

	egressOrder []int               // insertion order of registered protocol ids
	egress      map[int]*deque.Deque[wirePacket]
	nextTurn    int // round-robin cursor into egressOrder (§4.B, §8 invariant 4)

	inbound deque.Deque[wirePacket]

	inboundBuf []byte
	broken     bool
}

// NewSession constructs a Session around codec.
func NewSession(codec *Codec) *Session {
	return &Session{
		codec:  codec,
		egress: make(map[int]*deque.Deque[wirePacket]),
	}
}

// AddProtocol registers an egress queue for protocolId (§4.B).
func (s *Session) AddProtocol(protocolId int) {
	if _, ok := s.egress[protocolId]; ok {
		return
	}
	s.egress[protocolId] = new(deque.Deque[wirePacket])
	s.egressOrder = append(s.egressOrder, protocolId)
}

// AddPacket enqueues an outbound, already wire-rewritten packet onto the
// queue named by protocolId. Does not block (§4.B).
func (s *Session) AddPacket(protocolId int, pkt wirePacket) error {
	if s.broken {
		return ErrSessionBroken
	}
	q, ok := s.egress[protocolId]
	if !ok {
		return errors.Errorf("p2p: protocol %d has no egress queue", protocolId)
	}
	q.PushBack(pkt)
	return nil
}

// GetMessage returns the next ready ciphertext chunk to write to the
// transport, or (nil, false) if every queue is empty. Successive calls
// round-robin across non-empty queues so no single protocol can starve the
// others (§4.B, §8 invariant 4).
func (s *Session) GetMessage() ([]byte, bool, error) {
	if s.broken {
		return nil, false, ErrSessionBroken
	}
	n := len(s.egressOrder)
	if n == 0 {
		return nil, false, nil
	}

	for i := 0; i < n; i++ {
		idx := (s.nextTurn + i) % n
		q := s.egress[s.egressOrder[idx]]
		if q.Len() == 0 {
			continue
		}
		pkt := q.PopFront()
		s.nextTurn = (idx + 1) % n
		frame, err := s.codec.Encode(pkt)
		if err != nil {
			s.broken = true
			return nil, false, errors.Wrap(err, "p2p: encoding outbound frame")
		}
		return frame, true, nil
	}
	return nil, false, nil
}

// AddMessage feeds inbound ciphertext; it may cause zero or more decoded
// packets to appear on the inbound queue (§4.B).
func (s *Session) AddMessage(data []byte) error {
	if s.broken {
		return ErrSessionBroken
	}
	s.inboundBuf = append(s.inboundBuf, data...)

	packets, remaining, err := s.codec.DecodeAvailable(s.inboundBuf)
	s.inboundBuf = remaining
	for _, p := range packets {
		s.inbound.PushBack(p)
	}
	if err != nil {
		s.broken = true
		return err
	}
	return nil
}

// GetPacket pops one inbound packet; fails with ErrNoPacket if none is
// available (§4.B).
func (s *Session) GetPacket() (wirePacket, error) {
	if s.broken {
		return wirePacket{}, ErrSessionBroken
	}
	if s.inbound.Len() == 0 {
		return wirePacket{}, ErrNoPacket
	}
	return s.inbound.PopFront(), nil
}

// HasPacket reports whether GetPacket would currently succeed.
func (s *Session) HasPacket() bool {
	return s.inbound.Len() > 0
}

// Broken reports whether the session has entered its terminal state.
func (s *Session) Broken() bool {
	return s.broken
}

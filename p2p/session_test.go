package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Session {
	return NewSession(NewCodec(testCipher(t)))
}

func TestSessionFairQueueAlternatesProtocols(t *testing.T) {
	s := newTestSession(t)
	s.AddProtocol(0)
	s.AddProtocol(1)

	require.NoError(t, s.AddPacket(0, wirePacket{CmdId: 10}))
	require.NoError(t, s.AddPacket(0, wirePacket{CmdId: 11}))
	require.NoError(t, s.AddPacket(1, wirePacket{CmdId: 20}))

	var order []uint64
	for i := 0; i < 3; i++ {
		frame, ok, err := s.GetMessage()
		require.NoError(t, err)
		require.True(t, ok)

		packets, _, err := s.codec.DecodeAvailable(frame)
		require.NoError(t, err)
		require.Len(t, packets, 1)
		order = append(order, packets[0].CmdId)
	}

	// protocol 0 had two queued, protocol 1 had one: round-robin visits
	// 0 then 1 then falls back to 0's remaining packet, never starving it.
	assert.Equal(t, []uint64{10, 20, 11}, order)
}

func TestSessionGetMessageEmptyReturnsFalse(t *testing.T) {
	s := newTestSession(t)
	s.AddProtocol(0)

	frame, ok, err := s.GetMessage()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, frame)
}

func TestSessionAddMessageRoundTripsThroughGetPacket(t *testing.T) {
	s := newTestSession(t)
	s.AddProtocol(0)
	require.NoError(t, s.AddPacket(0, wirePacket{CmdId: 5, Payload: []byte("ping")}))

	frame, ok, err := s.GetMessage()
	require.NoError(t, err)
	require.True(t, ok)

	require.False(t, s.HasPacket())
	require.NoError(t, s.AddMessage(frame))
	require.True(t, s.HasPacket())

	pkt, err := s.GetPacket()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), pkt.CmdId)
	assert.Equal(t, []byte("ping"), pkt.Payload)
}

func TestSessionGetPacketEmptyIsErrNoPacket(t *testing.T) {
	s := newTestSession(t)
	_, err := s.GetPacket()
	assert.ErrorIs(t, err, ErrNoPacket)
}

func TestSessionBreaksOnDecodeError(t *testing.T) {
	s := newTestSession(t)
	s.AddProtocol(0)
	require.NoError(t, s.AddPacket(0, wirePacket{CmdId: 1}))
	frame, ok, err := s.GetMessage()
	require.NoError(t, err)
	require.True(t, ok)

	frame[len(frame)-1] ^= 0xFF

	err = s.AddMessage(frame)
	require.Error(t, err)
	assert.True(t, s.Broken())

	_, err = s.GetMessage()
	assert.ErrorIs(t, err, ErrSessionBroken)

	err = s.AddPacket(0, wirePacket{CmdId: 2})
	assert.ErrorIs(t, err, ErrSessionBroken)
}

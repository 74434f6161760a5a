package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) FrameCipher {
	var key [32]byte
	key[0] = 0x42
	c, err := NewAESGCMFrameCipher(key)
	require.NoError(t, err)
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(testCipher(t))
	pkt := wirePacket{CmdId: 7, Payload: []byte("hello world")}

	frame, err := codec.Encode(pkt)
	require.NoError(t, err)

	packets, remaining, err := codec.DecodeAvailable(frame)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	require.Len(t, packets, 1)
	assert.Equal(t, pkt.CmdId, packets[0].CmdId)
	assert.Equal(t, pkt.Payload, packets[0].Payload)
}

func TestCodecPartialFrameYieldsNothing(t *testing.T) {
	codec := NewCodec(testCipher(t))
	frame, err := codec.Encode(wirePacket{CmdId: 1, Payload: []byte("x")})
	require.NoError(t, err)

	partial := frame[:len(frame)-1]
	packets, remaining, err := codec.DecodeAvailable(partial)
	require.NoError(t, err)
	assert.Empty(t, packets)
	assert.Equal(t, partial, remaining)
}

func TestCodecDecodesMultipleQueuedFrames(t *testing.T) {
	codec := NewCodec(testCipher(t))
	first, err := codec.Encode(wirePacket{CmdId: 1, Payload: []byte("a")})
	require.NoError(t, err)
	second, err := codec.Encode(wirePacket{CmdId: 2, Payload: []byte("b")})
	require.NoError(t, err)

	packets, remaining, err := codec.DecodeAvailable(append(first, second...))
	require.NoError(t, err)
	assert.Empty(t, remaining)
	require.Len(t, packets, 2)
	assert.Equal(t, uint64(1), packets[0].CmdId)
	assert.Equal(t, uint64(2), packets[1].CmdId)
}

func TestCodecCorruptedCiphertextIsFraming(t *testing.T) {
	codec := NewCodec(testCipher(t))
	frame, err := codec.Encode(wirePacket{CmdId: 1, Payload: []byte("x")})
	require.NoError(t, err)

	frame[len(frame)-1] ^= 0xFF // flip a byte inside the GCM tag/ciphertext

	_, _, err = codec.DecodeAvailable(frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFraming)
}

package p2p

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// lengthPrefixSize is the width of the big-endian frame length header
// (§6 "Wire format (per frame)").
const lengthPrefixSize = 4

// maxFrameSize bounds a single frame's ciphertext, guarding decodeAvailable
// against an unbounded allocation from a hostile length prefix.
const maxFrameSize = 16 * 1024 * 1024

// Codec frames a Packet into the multiplexed encrypted stream format
// produced by the external handshake component (§4.A). It performs no
// encryption itself; FrameCipher does that.
type Codec struct {
	cipher FrameCipher
}

// NewCodec builds a Codec around the given FrameCipher collaborator.
func NewCodec(cipher FrameCipher) *Codec {
	return &Codec{cipher: cipher}
}

// Encode serializes a wirePacket into one length-prefixed, encrypted frame.
func (c *Codec) Encode(p wirePacket) ([]byte, error) {
	plaintext := make([]byte, 8+len(p.Payload))
	binary.BigEndian.PutUint64(plaintext[:8], p.CmdId)
	copy(plaintext[8:], p.Payload)

	ciphertext, err := c.cipher.Seal(plaintext)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: sealing frame")
	}

	frame := make([]byte, lengthPrefixSize+len(ciphertext))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(ciphertext)))
	copy(frame[lengthPrefixSize:], ciphertext)
	return frame, nil
}

// DecodeAvailable decodes as many complete frames as buf contains. If buf
// holds fewer bytes than one full frame, it returns zero packets and buf
// unmodified (§4.A's incremental-decoding contract). On a MAC or length
// violation it returns ErrFraming, which is fatal to the session.
func (c *Codec) DecodeAvailable(buf []byte) ([]wirePacket, []byte, error) {
	var packets []wirePacket

	for {
		if len(buf) < lengthPrefixSize {
			return packets, buf, nil
		}
		frameLen := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
		if frameLen > maxFrameSize {
			return packets, buf, errors.Wrap(ErrFraming, "p2p: frame exceeds maximum size")
		}
		total := lengthPrefixSize + int(frameLen)
		if len(buf) < total {
			return packets, buf, nil
		}

		ciphertext := buf[lengthPrefixSize:total]
		plaintext, err := c.cipher.Open(ciphertext)
		if err != nil {
			return packets, buf, err
		}
		if len(plaintext) < 8 {
			return packets, buf, errors.Wrap(ErrFraming, "p2p: frame shorter than command header")
		}

		cmdID := binary.BigEndian.Uint64(plaintext[:8])
		payload := append([]byte(nil), plaintext[8:]...)
		packets = append(packets, wirePacket{CmdId: cmdID, Payload: payload})

		buf = buf[total:]
	}
}

package p2p

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
)

// FrameCipher is the external collaborator the Codec wraps each frame
// with (§6 "External collaborators: Crypto"). The real ECIES/RLPx
// handshake that derives a FrameCipher's key is explicitly out of scope
// (§1); this package only needs something satisfying the interface to
// drive the Codec end to end.
type FrameCipher interface {
	// Seal encrypts and authenticates plaintext, returning ciphertext
	// (which may be longer than plaintext, e.g. to carry a nonce/tag).
	Seal(plaintext []byte) ([]byte, error)
	// Open authenticates and decrypts ciphertext produced by Seal.
	// Returns ErrFraming (wrapped) on any MAC or length failure.
	Open(ciphertext []byte) ([]byte, error)
}

// aesGCMCipher is the default FrameCipher: AES-256-GCM keyed from a shared
// secret established out of band (e.g. ECDH between the two peers' static
// keys). It stands in for the real ECIES/RLPx handshake the spec treats as
// an external collaborator (§1, §6); production deployments are expected
// to inject their own FrameCipher backed by that handshake.
type aesGCMCipher struct {
	aead cipher.AEAD
}

// NewAESGCMFrameCipher builds a FrameCipher from a 32-byte shared key.
func NewAESGCMFrameCipher(key [32]byte) (FrameCipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "p2p: building aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "p2p: building gcm aead")
	}
	return &aesGCMCipher{aead: aead}, nil
}

func (c *aesGCMCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "p2p: generating frame nonce")
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aesGCMCipher) Open(ciphertext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.Wrap(ErrFraming, "p2p: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:ns], ciphertext[ns:]
	plaintext, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, errors.Wrap(ErrFraming, "p2p: frame mac mismatch")
	}
	return plaintext, nil
}

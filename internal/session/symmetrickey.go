package session

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
)

// nonceWireSize is the width of the nonce as it travels on the wire
// (spec §4.E). chacha20.NewUnauthenticatedCipher requires a 12-byte
// nonce; the extra 4 bytes are zero-filled only at the point the
// cipher is invoked, never stored or transmitted (see DESIGN.md).
const nonceWireSize = 8

// SymmetricKey is the session key derived from the ECDH exchange: a
// 32-byte ChaCha20 key paired with a strictly monotonic 64-bit nonce
// counter (spec §4.E invariant 4). It must only be driven from the
// single goroutine that owns the Session, mirroring the original's
// single-thread requirement.
type SymmetricKey struct {
	key          [32]byte
	nonceCounter uint64
	disposed     bool
}

// NewSymmetricKey wraps a freshly derived shared secret. Ownership of
// the byte array passes to the SymmetricKey; the caller should not
// reuse it.
func NewSymmetricKey(key [32]byte) *SymmetricKey {
	return &SymmetricKey{key: key}
}

// nextNonce returns the next nonce and advances the counter. The
// counter wraps at 2^64, a boundary spec §4.E calls "out of practical
// reach" rather than something that needs guarding against.
func (k *SymmetricKey) nextNonce() uint64 {
	n := k.nonceCounter
	k.nonceCounter++
	return n
}

// Encrypt returns nonce(8 bytes, little-endian) ‖ ciphertext(len(plaintext)
// bytes), per spec §4.E's encrypt-framing rule.
func (k *SymmetricKey) Encrypt(plaintext []byte) ([]byte, error) {
	if k.disposed {
		return nil, errors.New("symmetric key already disposed")
	}

	nonce := k.nextNonce()
	wireNonce := make([]byte, nonceWireSize)
	binary.LittleEndian.PutUint64(wireNonce, nonce)

	cipherNonce := make([]byte, chacha20.NonceSize)
	copy(cipherNonce, wireNonce)

	c, err := chacha20.NewUnauthenticatedCipher(k.key[:], cipherNonce)
	if err != nil {
		return nil, errors.Wrap(err, "init chacha20")
	}

	ciphertext := make([]byte, len(plaintext))
	c.XORKeyStream(ciphertext, plaintext)

	return append(wireNonce, ciphertext...), nil
}

// Decrypt splits payload into its 8-byte nonce and ciphertext, and
// returns the recovered plaintext.
func (k *SymmetricKey) Decrypt(payload []byte) ([]byte, error) {
	if k.disposed {
		return nil, errors.New("symmetric key already disposed")
	}
	if len(payload) < nonceWireSize {
		return nil, errors.Errorf("encrypted payload too short: %d bytes", len(payload))
	}

	wireNonce := payload[:nonceWireSize]
	ciphertext := payload[nonceWireSize:]

	cipherNonce := make([]byte, chacha20.NonceSize)
	copy(cipherNonce, wireNonce)

	c, err := chacha20.NewUnauthenticatedCipher(k.key[:], cipherNonce)
	if err != nil {
		return nil, errors.Wrap(err, "init chacha20")
	}

	plaintext := make([]byte, len(ciphertext))
	c.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// Dispose wipes the key material. Encrypt/Decrypt called after Dispose
// return an error rather than operating on zeroed key bytes.
func (k *SymmetricKey) Dispose() {
	if k.disposed {
		return
	}
	for i := range k.key {
		k.key[i] = 0
	}
	k.disposed = true
}

// Package session implements component E: an ephemeral Diffie-Hellman
// key exchange over Curve25519 followed by a ChaCha20-framed encrypted
// channel layered on top of a transceiver.Transceiver.
package session

import (
	"crypto/rand"
	"encoding/ascii85"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is an ephemeral X25519 keypair generated fresh per session —
// there is no long-term identity key, per spec §1's non-goal of remote
// identity authentication.
type KeyPair struct {
	Secret [32]byte
	Public [32]byte
}

// GenerateKeyPair produces a new ephemeral keypair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Secret[:]); err != nil {
		return KeyPair{}, errors.Wrap(err, "generate secret key")
	}

	pub, err := curve25519.X25519(kp.Secret[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "derive public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the 32-byte ECDH shared secret from this
// keypair's private half and the peer's public key.
func (kp KeyPair) SharedSecret(peerPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(kp.Secret[:], peerPublic[:])
	if err != nil {
		return out, errors.Wrap(err, "compute shared secret")
	}
	copy(out[:], shared)
	return out, nil
}

// Fingerprint renders a public key as a base85 string for out-of-band,
// user-driven verification (spec §1: no automated identity check is
// performed on the peer's public key).
func Fingerprint(public [32]byte) string {
	buf := make([]byte, ascii85.MaxEncodedLen(len(public)))
	n := ascii85.Encode(buf, public[:])
	return string(buf[:n])
}

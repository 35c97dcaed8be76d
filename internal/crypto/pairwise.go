// Package crypto implements the AES-128 pairwise-key derivation, the CCM*
// authenticated-encryption binding, and the per-peer anti-replay window that
// the handshake and keepalive engines build on.
package crypto

import (
	"crypto/aes"
)

// ChallengeLen is the byte length of a single handshake challenge (half of
// a pairwise key).
const ChallengeLen = 8

// KeyLen is the byte length of a pairwise or broadcast key.
const KeyLen = 16

// Key is a 128-bit symmetric key shared with one peer.
type Key [KeyLen]byte

// Challenge is an 8-byte random value exchanged during the handshake.
type Challenge [ChallengeLen]byte

// DerivePairwiseKey combines the HELLO initiator's challenge cA, the
// HELLOACK responder's challenge cB, and a 16-byte pre-secret into the
// pairwise key both sides will hold: AES-128-ENC(key=secret, cA‖cB).
func DerivePairwiseKey(secret Key, cA, cB Challenge) Key {
	var block [KeyLen]byte
	copy(block[:ChallengeLen], cA[:])
	copy(block[ChallengeLen:], cB[:])
	return encryptBlock(secret, block)
}

// RebootRekey derives the refreshed pairwise key applied to every restored
// PERMANENT neighbor on reboot: AES-128-ENC(key=oldKey, zero(16)).
func RebootRekey(oldKey Key) Key {
	var zero [KeyLen]byte
	return encryptBlock(oldKey, zero)
}

func encryptBlock(key Key, plaintext [KeyLen]byte) Key {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// key is always exactly 16 bytes here; aes.NewCipher only fails on
		// bad key length.
		panic("crypto: invalid AES-128 key length")
	}
	var out Key
	block.Encrypt(out[:], plaintext[:])
	return out
}

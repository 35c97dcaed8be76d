package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"github.com/krentzlab/apkes/internal/apkesid"
)

// MICLen is the length, in bytes, of the unicast Message Integrity Code
// produced by the AE binding (§4.1's CCM* framing contract).
const MICLen = 8

// NonceLen is the 802.15.4-style CCM* nonce length: 8-byte sender extended
// address, 4-byte frame counter, 1-byte security-level byte.
const NonceLen = 13

// ErrAuthFailed is returned when CCM* verification rejects a frame: a bad
// MIC or a failed decrypt. Per §7 this is a silent drop, never a fatal
// error, but the handshake/keepalive callers need to distinguish it from a
// frame that is simply malformed in structure.
var ErrAuthFailed = errors.New("crypto: CCM* authentication failed")

// Nonce builds the 13-byte CCM* nonce from the sender's extended address,
// its outgoing frame counter, and the security-level byte.
func Nonce(sender apkesid.Extended, counter uint32, securityLevel byte) [NonceLen]byte {
	var n [NonceLen]byte
	copy(n[:apkesid.ExtendedSize], sender[:])
	binary.BigEndian.PutUint32(n[apkesid.ExtendedSize:apkesid.ExtendedSize+4], counter)
	n[NonceLen-1] = securityLevel
	return n
}

func aead(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewCCM(block, MICLen, NonceLen)
}

// SealUnicast authenticates cleartext and, when secret is non-empty,
// encrypts it too, returning cleartext‖ciphertext‖MIC exactly as the wire
// format in §4.1 requires: the encoder records len(cleartext) as the
// side-band "unencrypted payload bytes" attribute so the decoder can
// recompute the same split.
func SealUnicast(key Key, nonce [NonceLen]byte, cleartext, secret []byte) ([]byte, error) {
	a, err := aead(key)
	if err != nil {
		return nil, err
	}
	sealed := a.Seal(nil, nonce[:], secret, cleartext)
	out := make([]byte, 0, len(cleartext)+len(sealed))
	out = append(out, cleartext...)
	out = append(out, sealed...)
	return out, nil
}

// OpenUnicast verifies and decrypts a frame built by SealUnicast. prefixLen
// is the number of leading cleartext bytes (the side-band attribute a real
// MAC driver would have carried out of band). Returns the encrypted
// portion's plaintext (secret) on success.
func OpenUnicast(key Key, nonce [NonceLen]byte, frame []byte, prefixLen int) (secret []byte, err error) {
	if prefixLen > len(frame) {
		return nil, ErrAuthFailed
	}
	cleartext := frame[:prefixLen]
	sealed := frame[prefixLen:]
	a, err := aead(key)
	if err != nil {
		return nil, err
	}
	plain, err := a.Open(nil, nonce[:], sealed, cleartext)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

// SealBroadcastMIC authenticates cleartext with no encrypted portion,
// appending only the MIC — the form used for REFRESH and plain broadcasts
// authenticated under a shared broadcast key.
func SealBroadcastMIC(key Key, nonce [NonceLen]byte, cleartext []byte) ([]byte, error) {
	return SealUnicast(key, nonce, cleartext, nil)
}

// VerifyBroadcastMIC checks a MIC-only broadcast frame produced by
// SealBroadcastMIC.
func VerifyBroadcastMIC(key Key, nonce [NonceLen]byte, frame []byte) error {
	_, err := OpenUnicast(key, nonce, frame, len(frame)-MICLen)
	return err
}

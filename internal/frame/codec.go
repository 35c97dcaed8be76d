// Package frame implements the command-frame codec and authenticated-
// encryption binding (component A): building and parsing the byte layouts
// fixed by §4.1, including the cleartext-prefix side-band attribute used
// when a broadcast key is piggybacked.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
)

// ID is a command-frame identifier, the fixed first payload byte.
type ID byte

const (
	Hello     ID = 0x0A
	HelloAck  ID = 0x0B
	Ack       ID = 0x0C
	Update    ID = 0x0E
	UpdateAck ID = 0x0F
	Refresh   ID = 0x10
)

func (i ID) String() string {
	switch i {
	case Hello:
		return "HELLO"
	case HelloAck:
		return "HELLOACK"
	case Ack:
		return "ACK"
	case Update:
		return "UPDATE"
	case UpdateAck:
		return "UPDATEACK"
	case Refresh:
		return "REFRESH"
	default:
		return fmt.Sprintf("ID(0x%02x)", byte(i))
	}
}

// HelloPayload is HELLO's unauthenticated broadcast body: id | challenge(8)
// | our_short_addr(2).
type HelloPayload struct {
	Challenge crypto.Challenge
	ShortAddr apkesid.Short
}

// EncodeHello builds the full HELLO payload, identifier included.
func EncodeHello(p HelloPayload) []byte {
	out := make([]byte, 1+crypto.ChallengeLen+apkesid.ShortSize)
	out[0] = byte(Hello)
	copy(out[1:1+crypto.ChallengeLen], p.Challenge[:])
	short := p.ShortAddr.Bytes()
	copy(out[1+crypto.ChallengeLen:], short[:])
	return out
}

// DecodeHello parses a HELLO payload. buf must start at the challenge (the
// identifier byte has already been dispatched on by the caller).
func DecodeHello(buf []byte) (HelloPayload, error) {
	want := crypto.ChallengeLen + apkesid.ShortSize
	if len(buf) < want {
		return HelloPayload{}, fmt.Errorf("frame: HELLO payload too short: got %d want %d", len(buf), want)
	}
	var p HelloPayload
	copy(p.Challenge[:], buf[:crypto.ChallengeLen])
	p.ShortAddr = apkesid.ShortFromBytes(buf[crypto.ChallengeLen : crypto.ChallengeLen+apkesid.ShortSize])
	return p, nil
}

// UpdateForm is the shared body of HELLOACK / ACK / UPDATE / UPDATEACK:
// id | extra(0 or 8) | our_short_addr(2) | receiver_local_index(1) |
// broadcast_key(0 or 16). Extra carries the responder's challenge on
// HELLOACK and is empty on the other three.
type UpdateForm struct {
	Extra              []byte // len 0 or crypto.ChallengeLen
	ShortAddr          apkesid.Short
	ReceiverLocalIndex uint8
	BroadcastKey       *crypto.Key // nil when the scheme carries none
}

// EncodeUpdateForm lays out an update-form frame and reports how many
// leading bytes (identifier through receiver_local_index) are meant to
// travel as cleartext — the side-band attribute a real MAC driver would
// carry via PACKETBUF_ATTR_UNENCRYPTED_PAYLOAD_BYTES (§4.1). The caller
// (internal/handshake) passes the returned split to the crypto package's
// SealUnicast.
func EncodeUpdateForm(id ID, f UpdateForm) (payload []byte, cleartextPrefixLen int) {
	size := 1 + len(f.Extra) + apkesid.ShortSize + 1
	if f.BroadcastKey != nil {
		size += crypto.KeyLen
	}
	out := make([]byte, size)
	out[0] = byte(id)
	off := 1
	copy(out[off:off+len(f.Extra)], f.Extra)
	off += len(f.Extra)
	short := f.ShortAddr.Bytes()
	copy(out[off:off+apkesid.ShortSize], short[:])
	off += apkesid.ShortSize
	out[off] = f.ReceiverLocalIndex
	off++
	prefixLen := off
	if f.BroadcastKey != nil {
		copy(out[off:off+crypto.KeyLen], f.BroadcastKey[:])
	}
	return out, prefixLen
}

// DecodeUpdateForm parses an update-form body (buf excludes the identifier
// byte, which the caller already dispatched on). extraLen is 0 for
// ACK/UPDATE/UPDATEACK and crypto.ChallengeLen for HELLOACK. hasBroadcastKey
// tells the decoder whether a trailing key field is present.
func DecodeUpdateForm(buf []byte, extraLen int, hasBroadcastKey bool) (UpdateForm, error) {
	want := extraLen + apkesid.ShortSize + 1
	if hasBroadcastKey {
		want += crypto.KeyLen
	}
	if len(buf) < want {
		return UpdateForm{}, fmt.Errorf("frame: update-form payload too short: got %d want %d", len(buf), want)
	}
	var f UpdateForm
	off := 0
	if extraLen > 0 {
		f.Extra = append([]byte(nil), buf[:extraLen]...)
		off += extraLen
	}
	f.ShortAddr = apkesid.ShortFromBytes(buf[off : off+apkesid.ShortSize])
	off += apkesid.ShortSize
	f.ReceiverLocalIndex = buf[off]
	off++
	if hasBroadcastKey {
		var key crypto.Key
		copy(key[:], buf[off:off+crypto.KeyLen])
		f.BroadcastKey = &key
	}
	return f, nil
}

// CleartextPrefixLen reports how many leading bytes of a sealed
// update-form frame (identifier, frame counter, and everything up to but
// excluding the broadcast key) are cleartext. The broadcast key, if
// present, never counts toward the prefix: it is the only field that gets
// encrypted.
func CleartextPrefixLen(extraLen int) int {
	return 1 + FrameCounterLen + extraLen + apkesid.ShortSize + 1
}

// FrameCounterLen is the width of the cleartext frame-counter field a real
// 802.15.4 radio attaches via its auxiliary security header automatically;
// §4.1 hands the codec the job of carrying it explicitly since this port's
// CCM* binding has no hardware auxiliary header to rely on. Both peers need
// it in the clear to reconstruct the same nonce independently.
const FrameCounterLen = 4

// SealUpdateForm encodes f, prepends the frame counter sender will use in
// its CCM* nonce, and authenticates the result (encrypting f.BroadcastKey
// too, when present) under key, returning wire-ready bytes: cleartext
// (id ‖ counter ‖ ...) ‖ [encrypted broadcast key] ‖ MIC.
func SealUpdateForm(id ID, f UpdateForm, key crypto.Key, sender apkesid.Extended, counter uint32, securityLevel byte) ([]byte, error) {
	plain, prefixLen := EncodeUpdateForm(id, f)
	withCounter := make([]byte, 0, len(plain)+FrameCounterLen)
	withCounter = append(withCounter, plain[0])
	withCounter = append(withCounter, frameCounterBytes(counter)[:]...)
	withCounter = append(withCounter, plain[1:]...)
	nonce := crypto.Nonce(sender, counter, securityLevel)
	return crypto.SealUnicast(key, nonce, withCounter[:prefixLen+FrameCounterLen], withCounter[prefixLen+FrameCounterLen:])
}

// OpenUpdateForm verifies and decrypts a frame built by SealUpdateForm. raw
// is the full received frame, identifier byte included; sender is the
// address the MAC resolved the frame's source to. extraLen and
// hasBroadcastKey must match what the sender encoded (the caller knows
// this from which command identifier it received). The decoded frame
// counter is returned alongside the body so the caller can feed it to the
// sender's anti-replay window (§7's Replay category) — it is the same
// counter the nonce was built from, not a value the caller may substitute.
func OpenUpdateForm(raw []byte, extraLen int, hasBroadcastKey bool, key crypto.Key, sender apkesid.Extended, securityLevel byte) (UpdateForm, uint32, error) {
	prefixLen := CleartextPrefixLen(extraLen)
	if len(raw) < prefixLen {
		return UpdateForm{}, 0, fmt.Errorf("frame: sealed update-form too short: got %d want >= %d", len(raw), prefixLen)
	}
	counter := binary.BigEndian.Uint32(raw[1 : 1+FrameCounterLen])
	nonce := crypto.Nonce(sender, counter, securityLevel)
	secret, err := crypto.OpenUnicast(key, nonce, raw, prefixLen)
	if err != nil {
		return UpdateForm{}, 0, err
	}
	body := append(append([]byte(nil), raw[1+FrameCounterLen:prefixLen]...), secret...)
	f, err := DecodeUpdateForm(body, extraLen, hasBroadcastKey)
	return f, counter, err
}

// EncodeRefresh builds REFRESH's one-byte payload (id only).
func EncodeRefresh() []byte {
	return []byte{byte(Refresh)}
}

// SealRefresh authenticates a REFRESH broadcast under the node's current
// broadcast key, prepending the frame counter the receiver needs to
// reconstruct the same nonce (§4.1: "sent as an authenticated broadcast
// under the node's current broadcast key").
func SealRefresh(key crypto.Key, sender apkesid.Extended, counter uint32, securityLevel byte) ([]byte, error) {
	cleartext := append([]byte{byte(Refresh)}, frameCounterBytes(counter)[:]...)
	nonce := crypto.Nonce(sender, counter, securityLevel)
	return crypto.SealBroadcastMIC(key, nonce, cleartext)
}

// OpenRefresh verifies a REFRESH broadcast built by SealRefresh.
func OpenRefresh(raw []byte, key crypto.Key, sender apkesid.Extended, securityLevel byte) error {
	if len(raw) < 1+FrameCounterLen {
		return fmt.Errorf("frame: REFRESH frame too short: got %d", len(raw))
	}
	counter := binary.BigEndian.Uint32(raw[1 : 1+FrameCounterLen])
	nonce := crypto.Nonce(sender, counter, securityLevel)
	return crypto.VerifyBroadcastMIC(key, nonce, raw)
}

// PeekID reads the leading identifier byte of a raw payload without
// consuming it, for the MAC-level dispatch callback described in §6.
func PeekID(payload []byte) (ID, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("frame: empty payload")
	}
	return ID(payload[0]), payload[1:], nil
}

// frameCounterBytes encodes a 32-bit frame counter big-endian for the
// frame's cleartext prefix (the nonce itself is built by crypto.Nonce);
// kept here since the codec is the natural owner of "how big is this wire
// field".
func frameCounterBytes(counter uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], counter)
	return b
}

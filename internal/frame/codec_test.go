package frame

import (
	"bytes"
	"testing"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
)

func TestHelloRoundTrip(t *testing.T) {
	var c crypto.Challenge
	for i := range c {
		c[i] = byte(i)
	}
	p := HelloPayload{Challenge: c, ShortAddr: apkesid.Short(0x1234)}
	encoded := EncodeHello(p)
	if encoded[0] != byte(Hello) {
		t.Fatalf("wrong identifier byte: %x", encoded[0])
	}
	decoded, err := DecodeHello(encoded[1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, p)
	}
}

func TestSealOpenUpdateFormRoundTrip(t *testing.T) {
	var key crypto.Key
	for i := range key {
		key[i] = byte(i + 5)
	}
	sender := apkesid.ExtendedFromUint64(99)
	f := UpdateForm{ShortAddr: apkesid.Short(7), ReceiverLocalIndex: 3}

	sealed, err := SealUpdateForm(Ack, f, key, sender, 0, 0x02)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, counter, err := OpenUpdateForm(sealed, 0, false, key, sender, 0x02)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if counter != 0 {
		t.Fatalf("expected decoded counter 0, got %d", counter)
	}
	if got.ShortAddr != f.ShortAddr || got.ReceiverLocalIndex != f.ReceiverLocalIndex {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
	}
}

func TestSealOpenUpdateFormWithBroadcastKeyAndExtra(t *testing.T) {
	var key, bkey crypto.Key
	for i := range key {
		key[i] = byte(i)
		bkey[i] = byte(255 - i)
	}
	sender := apkesid.ExtendedFromUint64(5)
	extra := make([]byte, crypto.ChallengeLen)
	for i := range extra {
		extra[i] = byte(i + 1)
	}
	f := UpdateForm{Extra: extra, ShortAddr: apkesid.Short(42), ReceiverLocalIndex: 1, BroadcastKey: &bkey}

	sealed, err := SealUpdateForm(HelloAck, f, key, sender, 11, 0x06)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, counter, err := OpenUpdateForm(sealed, crypto.ChallengeLen, true, key, sender, 0x06)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if counter != 11 {
		t.Fatalf("expected decoded counter 11, got %d", counter)
	}
	if !bytes.Equal(got.Extra, extra) {
		t.Fatalf("extra mismatch: got %x want %x", got.Extra, extra)
	}
	if got.BroadcastKey == nil || *got.BroadcastKey != bkey {
		t.Fatalf("broadcast key mismatch")
	}
}

// TestSealUpdateFormCounterMustMatchOnReceive pins down the bug this codec
// was redesigned to fix: the frame counter travels in the cleartext, so a
// receiver that reconstructs the nonce from a counter other than the one
// the sender actually used must fail to verify.
func TestSealUpdateFormCounterMustMatchOnReceive(t *testing.T) {
	var key crypto.Key
	sender := apkesid.ExtendedFromUint64(1)
	f := UpdateForm{ShortAddr: 1, ReceiverLocalIndex: 0}

	sealedA, err := SealUpdateForm(Update, f, key, sender, 3, 0x02)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealedB, err := SealUpdateForm(Update, f, key, sender, 4, 0x02)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealedA, sealedB) {
		t.Fatalf("two different counters produced identical wire bytes")
	}
	if _, counter, err := OpenUpdateForm(sealedA, 0, false, key, sender, 0x02); err != nil {
		t.Fatalf("open of its own counter must succeed: %v", err)
	} else if counter != 3 {
		t.Fatalf("expected decoded counter 3, got %d", counter)
	}
	tampered := append([]byte(nil), sealedA...)
	copy(tampered[1:5], sealedB[1:5])
	if _, _, err := OpenUpdateForm(tampered, 0, false, key, sender, 0x02); err == nil {
		t.Fatalf("open with a counter other than the sender's must fail to verify")
	}
}

func TestSealOpenRefreshRoundTrip(t *testing.T) {
	var key crypto.Key
	for i := range key {
		key[i] = byte(i * 2)
	}
	sender := apkesid.ExtendedFromUint64(77)
	sealed, err := SealRefresh(key, sender, 2, 0x02)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := OpenRefresh(sealed, key, sender, 0x02); err != nil {
		t.Fatalf("open: %v", err)
	}

	wrongKey := key
	wrongKey[0] ^= 1
	if err := OpenRefresh(sealed, wrongKey, sender, 0x02); err == nil {
		t.Fatalf("expected verification failure under wrong key")
	}
}

func TestPeekID(t *testing.T) {
	id, rest, err := PeekID([]byte{byte(Ack), 1, 2, 3})
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if id != Ack {
		t.Fatalf("wrong id: %v", id)
	}
	if !bytes.Equal(rest, []byte{1, 2, 3}) {
		t.Fatalf("wrong rest: %v", rest)
	}
	if _, _, err := PeekID(nil); err == nil {
		t.Fatalf("expected error on empty payload")
	}
}

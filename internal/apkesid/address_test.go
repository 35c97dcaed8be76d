package apkesid

import "testing"

func TestExtendedFromHexRoundTrip(t *testing.T) {
	const hex = "0102030405060708"
	addr, err := ExtendedFromHex(hex)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if addr.String() != hex {
		t.Fatalf("got %q want %q", addr.String(), hex)
	}
}

func TestExtendedFromHexRejectsWrongLength(t *testing.T) {
	if _, err := ExtendedFromHex("0102"); err == nil {
		t.Fatalf("expected an error for a short address")
	}
}

func TestExtendedFromUint64AndIsZero(t *testing.T) {
	addr := ExtendedFromUint64(1)
	if addr.IsZero() {
		t.Fatalf("non-zero address reported as zero")
	}
	if !ZeroExtended.IsZero() {
		t.Fatalf("ZeroExtended must report IsZero")
	}
}

func TestShortBytesRoundTrip(t *testing.T) {
	s := Short(0xBEEF)
	b := s.Bytes()
	got := ShortFromBytes(b[:])
	if got != s {
		t.Fatalf("got %v want %v", got, s)
	}
}

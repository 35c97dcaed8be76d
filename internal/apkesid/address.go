// Package apkesid defines the compact address types neighbors are keyed by:
// an 8-byte EUI-64-style extended address and the 2-byte short address
// assigned during the handshake.
package apkesid

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ExtendedSize is the byte length of an extended address.
const ExtendedSize = 8

// ShortSize is the byte length of a short address.
const ShortSize = 2

// Extended is an EUI-64-style 64-bit peer identifier, stable for the
// lifetime of a node and used as the neighbor table's lookup key.
type Extended [ExtendedSize]byte

// Short is the compact 16-bit handle assigned to a peer once it is known,
// carried on the wire after the handshake completes.
type Short uint16

// ZeroExtended is the reserved "no address" value.
var ZeroExtended Extended

// ExtendedFromHex parses a hex-encoded extended address.
func ExtendedFromHex(s string) (Extended, error) {
	var addr Extended
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("invalid hex extended address: %w", err)
	}
	if len(b) != ExtendedSize {
		return addr, fmt.Errorf("extended address must be %d bytes, got %d", ExtendedSize, len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// ExtendedFromUint64 builds an extended address from a big-endian uint64,
// convenient for synthetic node identities in tests and the simulator.
func ExtendedFromUint64(v uint64) Extended {
	var addr Extended
	binary.BigEndian.PutUint64(addr[:], v)
	return addr
}

func (a Extended) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether a is the reserved all-zero address.
func (a Extended) IsZero() bool {
	return a == ZeroExtended
}

func (s Short) String() string {
	return fmt.Sprintf("0x%04x", uint16(s))
}

// Bytes encodes the short address as big-endian wire bytes.
func (s Short) Bytes() [ShortSize]byte {
	var b [ShortSize]byte
	binary.BigEndian.PutUint16(b[:], uint16(s))
	return b
}

// ShortFromBytes decodes a big-endian wire short address.
func ShortFromBytes(b []byte) Short {
	return Short(binary.BigEndian.Uint16(b))
}

// Package mac defines the MAC contract external collaborator (§6) the core
// consumes — frame transmit/receive, independent of any concrete radio or
// socket — plus a UDP reference implementation (internal/mac/udp.go)
// grounded on the teacher's net.UDPConn transport wrapper.
package mac

import (
	"context"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/frame"
)

// SecurityLevel mirrors the LLSEC802154_SECURITY_LEVEL attribute the
// original sets on outgoing command frames: whether the frame carries a
// MIC, and whether the payload beyond the cleartext prefix is encrypted.
type SecurityLevel struct {
	MICOnly   bool // true: authenticate only, no encryption (plain command)
	Encrypted bool // true: the tail of the payload (e.g. broadcast_key) is encrypted too
}

// Frame is what the core hands to the MAC for transmission: a built
// payload plus its destination and required security treatment.
type Frame struct {
	ID                frame.ID
	Payload           []byte // fully framed bytes, ready for the wire
	Broadcast         bool
	Dest              apkesid.Extended // meaningful only if !Broadcast
	UnencryptedPrefix int              // §4.1's side-band attribute
	Security          SecurityLevel
}

// Receiver is invoked by a MAC implementation for every inbound command
// frame. sender is the extended address the MAC resolved the frame's
// source to — the core's on_command_frame callback (§6) receives a
// "neighbor or null" because the MAC looks the sender up by address before
// dispatch; here the lookup against the neighbor table happens one layer up
// in internal/handshake, so the callback only needs the raw sender address.
// payload is the full frame body INCLUDING the leading identifier byte
// (f is the same byte, already parsed, for convenient switching) since MIC
// verification for the update-form and REFRESH frames covers that byte.
type Receiver func(sender apkesid.Extended, broadcast bool, f frame.ID, payload []byte)

// MAC is the external collaborator the handshake engine, Trickle scheduler,
// and keepalive loop send frames through. Implementations are fire-and-
// forget on Send, matching §5's "one outstanding send at a time, handled
// synchronously with respect to its own callback" assumption.
type MAC interface {
	// Send transmits fr. It is fire-and-forget: errors are returned for the
	// caller to log, never treated as a protocol-level failure (§7
	// draws no error taxonomy entry for MAC send failure — the higher
	// layers simply rely on retries/timeouts to recover).
	Send(ctx context.Context, fr Frame) error
	// SetReceiver installs the callback invoked for every inbound frame.
	// Must be called before Start.
	SetReceiver(r Receiver)
	// LocalAddr returns this MAC's own extended address.
	LocalAddr() apkesid.Extended
	// Start begins listening for inbound frames; it returns once the
	// listener is ready or ctx is done.
	Start(ctx context.Context) error
	// Close releases any underlying resources (sockets, goroutines).
	Close() error
}

// Package neighbor implements the bounded neighbor table (component C):
// dense local_index allocation, stable handles across deletions, expiry,
// and the hooks the handshake, keepalive, and persistence layers drive it
// through.
package neighbor

import (
	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
)

// Status is the neighbor life-cycle stage. Permanent is the zero value,
// mirroring the original C layout where status 0 meant PERMANENT — §9's
// restore-path open question ("delete any entry not in status PERMANENT")
// reads the same way here: a zero-valued Neighbor is never mistaken for a
// tentative one.
type Status uint8

const (
	StatusPermanent Status = iota
	StatusTentative
	StatusTentativeAwaitingAck
)

func (s Status) String() string {
	switch s {
	case StatusPermanent:
		return "permanent"
	case StatusTentative:
		return "tentative"
	case StatusTentativeAwaitingAck:
		return "tentative_awaiting_ack"
	default:
		return "unknown"
	}
}

// Record is the pure, serializable on-disk representation of a neighbor
// (§9's "owned record type" so persistence is a value conversion, never a
// pointer walk). Field order matches the wire/backup layout described in
// §3.
type Record struct {
	Extended        apkesid.Extended
	Short           apkesid.Short
	LocalIndex      uint8
	ForeignIndex    uint8
	PairwiseKey     crypto.Key
	BroadcastKey    crypto.Key
	HasBroadcastKey bool
	Status          Status
	ExpirationUnix  int64
}

// Metadata holds the two challenges exchanged during the handshake:
// Metadata[0:8] is the HELLO sender's challenge, Metadata[8:16] is ours.
// It is scratch state, meaningful only while the neighbor is TENTATIVE or
// TENTATIVE_AWAITING_ACK.
type Metadata [2 * crypto.ChallengeLen]byte

func (m Metadata) HelloChallenge() crypto.Challenge {
	var c crypto.Challenge
	copy(c[:], m[:crypto.ChallengeLen])
	return c
}

func (m Metadata) OurChallenge() crypto.Challenge {
	var c crypto.Challenge
	copy(c[:], m[crypto.ChallengeLen:])
	return c
}

// Neighbor is the live, in-memory entry: the persisted Record plus handshake
// scratch state and the per-peer anti-replay window.
type Neighbor struct {
	Record
	Metadata   Metadata
	AntiReplay crypto.ReplayWindow
	// OutCounter is this node's own outgoing frame counter toward the
	// peer, used to build CCM* nonces. It is not part of Record: it never
	// needs to survive a reboot, since reboot always triggers a rekey
	// (§4.3) that implicitly resets replay state on both ends.
	OutCounter uint32

	slot       int
	generation uint64
}

// Handle returns the neighbor's current stable handle.
func (n *Neighbor) Handle() Handle {
	return Handle{Slot: n.slot, Generation: n.generation}
}

// Handle is a stable reference to a table slot: (slot id, generation). A
// handle obtained before a neighbor is deleted and reused by a later
// insertion becomes invalid — lookups by a stale handle fail rather than
// silently resolving to the new occupant (§9's dangling-timer-reference
// fix).
type Handle struct {
	Slot       int
	Generation uint64
}

// Package keying implements the keying-scheme adapter capability (component
// B): turning a peer's identity into the pre-secret the pairwise-key
// derivation consumes, plus a concrete LEAP-style scheme grounded in
// examples/llsec/leap/preload.c.
package keying

import (
	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
)

// Scheme is the capability set §4.2 requires. GetSecretWithHelloSender and
// GetSecretWithHelloAckSender may differ — a scheme is free to restrict who
// may initiate versus who may accept. A nil *crypto.Key return means "no
// secret available for this peer"; the handshake engine aborts that step
// silently (§7 SchemeNoSecret).
type Scheme interface {
	Init() error
	GetSecretWithHelloSender(extended apkesid.Extended) *crypto.Key
	GetSecretWithHelloAckSender(extended apkesid.Extended) *crypto.Key
}

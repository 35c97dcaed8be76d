package keying

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
	"github.com/krentzlab/apkes/internal/store"
)

// MasterKeyLen matches LEAP_MASTER_KEY_LEN from the original scheme.
const MasterKeyLen = 16

// SeedLen matches PRNG_SEED_LEN.
const SeedLen = 16

// LEAP is a single-master-key keying scheme: every peer's pre-secret is
// derived deterministically from one preloaded master key and the peer's
// extended address, grounded directly on examples/llsec/leap/preload.c
// (whose seed+master-key preload/restore pair this package reproduces
// without the Contiki-specific watchdog/LED/process-thread scaffolding).
// LEAP does not distinguish initiator from acceptor, so both Scheme
// accessors derive the same way.
type LEAP struct {
	masterKey [MasterKeyLen]byte
	seed      [SeedLen]byte
}

// NewLEAP constructs a scheme from an already-provisioned master key and
// seed (typically loaded via Restore).
func NewLEAP(masterKey [MasterKeyLen]byte, seed [SeedLen]byte) *LEAP {
	return &LEAP{masterKey: masterKey, seed: seed}
}

// Preload generates a fresh master key and PRNG seed and writes them to the
// keying-material region, mirroring preload()'s
// apkes_flash_erase_keying_material + apkes_flash_append_keying_material
// sequence (plus prng_flash_preload_seed for the seed).
func Preload(s store.Store) (*LEAP, error) {
	var masterKey [MasterKeyLen]byte
	var seed [SeedLen]byte
	if _, err := rand.Read(masterKey[:]); err != nil {
		return nil, fmt.Errorf("keying: generate master key: %w", err)
	}
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("keying: generate seed: %w", err)
	}

	if err := s.Erase(store.RegionKeyingMaterial); err != nil {
		return nil, err
	}
	if err := s.Append(store.RegionKeyingMaterial, seed[:]); err != nil {
		return nil, err
	}
	if err := s.Append(store.RegionKeyingMaterial, masterKey[:]); err != nil {
		return nil, err
	}
	return NewLEAP(masterKey, seed), nil
}

// Restore reads back whatever Preload wrote, mirroring
// apkes_flash_restore_keying_material's fixed-offset reads.
func Restore(s store.Store) (*LEAP, error) {
	var seed [SeedLen]byte
	if _, err := s.ReadAt(store.RegionKeyingMaterial, 0, seed[:]); err != nil {
		return nil, fmt.Errorf("keying: restore seed: %w", err)
	}
	var masterKey [MasterKeyLen]byte
	if _, err := s.ReadAt(store.RegionKeyingMaterial, SeedLen, masterKey[:]); err != nil {
		return nil, fmt.Errorf("keying: restore master key: %w", err)
	}
	return NewLEAP(masterKey, seed), nil
}

func (l *LEAP) Init() error { return nil }

func (l *LEAP) secretFor(extended apkesid.Extended) *crypto.Key {
	mac := hmac.New(sha256.New, l.masterKey[:])
	mac.Write(extended[:])
	mac.Write(l.seed[:])
	sum := mac.Sum(nil)
	var key crypto.Key
	copy(key[:], sum[:crypto.KeyLen])
	return &key
}

func (l *LEAP) GetSecretWithHelloSender(extended apkesid.Extended) *crypto.Key {
	return l.secretFor(extended)
}

func (l *LEAP) GetSecretWithHelloAckSender(extended apkesid.Extended) *crypto.Key {
	return l.secretFor(extended)
}

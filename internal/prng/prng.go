// Package prng provides the cryptographically-seeded pseudo-random source
// §5 requires ("the process-wide PRNG ... must be cryptographically seeded
// before first use"), shared by the handshake engine's challenge/wait-jitter
// generation and the Trickle scheduler's interval jitter.
package prng

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

// Source wraps a math/rand/v2 generator seeded from the OS CSPRNG. It is
// safe to share across components that need jitter but do not need a
// cryptographic guarantee on every individual draw — only on the seed.
type Source struct {
	r *rand.Rand
}

// New seeds a fresh Source from crypto/rand.
func New() *Source {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("prng: failed to read OS entropy: " + err.Error())
	}
	s1 := binary.LittleEndian.Uint64(seed[0:8])
	s2 := binary.LittleEndian.Uint64(seed[8:16])
	return &Source{r: rand.New(rand.NewPCG(s1, s2))}
}

// NewDeterministic builds a Source from a fixed seed, for reproducible
// scenario tests in internal/sim — never for a real node's runtime PRNG.
func NewDeterministic(seed1, seed2 uint64) *Source {
	return &Source{r: rand.New(rand.NewPCG(seed1, seed2))}
}

// Bytes fills b with random bytes, standing in for prng_rand().
func (s *Source) Bytes(b []byte) {
	for i := range b {
		b[i] = byte(s.r.Uint32())
	}
}

// Int64N returns a uniform random duration-like value in [0, n), standing
// in for (APKES_MAX_WAITING_PERIOD * random_rand()) / RANDOM_RAND_MAX.
func (s *Source) Int64N(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return s.r.Int64N(n)
}

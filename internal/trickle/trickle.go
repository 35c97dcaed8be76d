// Package trickle implements the Trickle-style HELLO broadcast scheduler
// (component F): a doubling-interval, density-reactive timer pair, grounded
// on apkes-trickle.c's on_timeout/on_interval_expired/on_hello_done chain.
package trickle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krentzlab/apkes/internal/prng"
)

// Config bounds the scheduler per §6: IMin is I_MIN, IMaxDoublings is
// I_MAX_DOUBLINGS, ResetThreshold is R_THRESH (= K_TENT), HelloDuration is
// W_MAX + T_ACK.
type Config struct {
	IMin           time.Duration
	IMaxDoublings  int
	ResetThreshold int
	HelloDuration  time.Duration
}

// Scheduler runs the Trickle cycle described in §4.6. It calls
// BroadcastHello from its own timer goroutines, so callers that need the
// rest of the node serialized onto one event loop (§5) must make
// BroadcastHello itself do that handoff.
type Scheduler struct {
	cfg Config
	rng *prng.Source
	log *slog.Logger

	broadcastHello func(ctx context.Context) error

	mu                    sync.Mutex
	doublings             int
	newNeighborsCount     int
	lastScheduledDuration time.Duration
	trickleTimer          *time.Timer
	helloTimer            *time.Timer
	helloExpired          bool
	onBootstrapped        func()
}

// New constructs a Scheduler. broadcastHello is invoked on every Trickle
// timeout; it should hand off to the node's serialized event loop before
// touching any shared state.
func New(cfg Config, broadcastHello func(ctx context.Context) error, rng *prng.Source, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:            cfg,
		rng:            rng,
		log:            log.With("component", "trickle"),
		broadcastHello: broadcastHello,
		doublings:      -1, // starts at -1 per §3's Trickle state
		helloExpired:   true, // ctimer_expired() of a never-armed timer is true
	}
}

// Bootstrap implements apkes_trickle_bootstrap(): install the completion
// callback and run the first on_timeout immediately. Keying-scheme
// initialization (apkes_init() in the original) is internal/node's job,
// run before Bootstrap is called.
func (s *Scheduler) Bootstrap(onBootstrapped func()) {
	s.mu.Lock()
	s.onBootstrapped = onBootstrapped
	s.mu.Unlock()
	s.onTimeout()
}

// IsBootstrapped implements apkes_trickle_is_bootstrapped().
func (s *Scheduler) IsBootstrapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onBootstrapped == nil
}

// intervalSize implements I = I_MIN · 2^max(0,doublings): doublings is
// signed and starts at -1 (§3), so the shift amount is clamped at zero to
// avoid shifting by a negative count before the first interval expiry.
func (s *Scheduler) intervalSize() time.Duration {
	d := s.doublings
	if d < 0 {
		d = 0
	}
	return s.cfg.IMin << uint(d)
}

func (s *Scheduler) roundUp(iMinusT time.Duration) time.Duration {
	if iMinusT > s.cfg.HelloDuration {
		return iMinusT
	}
	return s.cfg.HelloDuration
}

// onTimeout implements on_timeout() (Trickle Rule 4): broadcast HELLO, then
// re-arm the trickle timer for the remainder of the interval and the hello
// timer for HELLO_DURATION.
func (s *Scheduler) onTimeout() {
	if err := s.broadcastHello(context.Background()); err != nil {
		s.log.Debug("broadcast HELLO failed", "err", err)
	}

	s.mu.Lock()
	remaining := s.roundUp(s.intervalSize() - s.lastScheduledDuration)
	s.lastScheduledDuration = remaining
	s.trickleTimer = time.AfterFunc(remaining, s.onIntervalExpired)
	s.helloExpired = false
	s.helloTimer = time.AfterFunc(s.cfg.HelloDuration, s.onHelloDone)
	s.mu.Unlock()
}

// onHelloDone implements on_hello_done(): attempt bootstrap completion,
// then reset the cycle if enough new neighbors arrived during this window.
func (s *Scheduler) onHelloDone() {
	s.mu.Lock()
	s.helloExpired = true
	reset := s.newNeighborsCount >= s.cfg.ResetThreshold
	s.mu.Unlock()

	s.bootstrapIfDue()
	if reset {
		s.Reset()
	}
}

// onIntervalExpired implements on_interval_expired() (Trickle Rule 6):
// double the interval (capped), clear the new-neighbor counter, and
// schedule the next randomized HELLO within the second half of the new
// interval (I/2 plus a uniform draw from [0, I/2)).
func (s *Scheduler) onIntervalExpired() {
	s.mu.Lock()
	if s.doublings < s.cfg.IMaxDoublings {
		s.doublings++
	}
	half := s.intervalSize() / 2
	s.newNeighborsCount = 0
	jitter := time.Duration(s.rng.Int64N(int64(half)))
	duration := half + jitter
	s.lastScheduledDuration = duration
	s.trickleTimer = time.AfterFunc(duration, s.onTimeout)
	s.mu.Unlock()
}

// OnNewNeighbor implements apkes_trickle_on_new_neighbor(): bumps the
// density counter and either resets the cycle (density threshold reached
// while the hello-duration window is closed) or attempts bootstrap
// completion.
func (s *Scheduler) OnNewNeighbor() {
	s.mu.Lock()
	s.newNeighborsCount++
	reset := s.newNeighborsCount == s.cfg.ResetThreshold && s.helloExpired
	s.mu.Unlock()

	if reset {
		s.Reset()
	} else {
		s.bootstrapIfDue()
	}
}

// Stop implements apkes_trickle_stop(): halt both timers and attempt
// bootstrap completion (a stopped hello timer also reads as "expired").
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.trickleTimer != nil {
		s.trickleTimer.Stop()
	}
	if s.helloTimer != nil {
		s.helloTimer.Stop()
	}
	s.helloExpired = true
	s.mu.Unlock()
	s.bootstrapIfDue()
}

// Reset implements apkes_trickle_reset(): stop, rewind the doubling
// counter to its pre-first-interval value, and run on_interval_expired
// immediately to start a fresh cycle.
func (s *Scheduler) Reset() {
	s.Stop()
	s.mu.Lock()
	s.doublings = -1
	s.mu.Unlock()
	s.onIntervalExpired()
}

// bootstrapIfDue implements bootstrap(): fires the completion callback,
// once, if one is registered, the hello-duration window is closed, and at
// least one new neighbor has been acquired this interval.
func (s *Scheduler) bootstrapIfDue() {
	s.mu.Lock()
	cb := s.onBootstrapped
	ready := cb != nil && s.helloExpired && s.newNeighborsCount > 0
	if ready {
		s.onBootstrapped = nil
	}
	s.mu.Unlock()

	if ready {
		cb()
	}
}

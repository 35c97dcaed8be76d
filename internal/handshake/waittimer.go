package handshake

import (
	"sync"
	"time"

	"github.com/krentzlab/apkes/internal/neighbor"
)

// waitTimerPool bounds the number of outstanding "send HELLOACK after a
// random delay" timers to K_TENT, mirroring MEMB(wait_timers_memb,
// struct wait_timer, APKES_MAX_TENTATIVE_NEIGHBORS) in apkes.c. A HELLO
// flood that would exceed the pool is silently ignored (§7's
// CapacityExhausted), exactly like the original's "apkes: HELLO flood?"
// early return.
type waitTimerPool struct {
	mu        sync.Mutex
	capacity  int
	timers    map[neighbor.Handle]*time.Timer
	onExpired func(h neighbor.Handle)
}

func newWaitTimerPool(capacity int, onExpired func(h neighbor.Handle)) *waitTimerPool {
	return &waitTimerPool{
		capacity:  capacity,
		timers:    make(map[neighbor.Handle]*time.Timer),
		onExpired: onExpired,
	}
}

// Schedule allocates a wait timer for h firing after d, if the pool has
// room. Returns false when the pool is exhausted (the caller's neighbor
// allocation must be rolled back, mirroring memb_alloc failing before
// neighbor_new() is even attempted).
func (p *waitTimerPool) Schedule(h neighbor.Handle, d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.timers) >= p.capacity {
		return false
	}
	p.timers[h] = time.AfterFunc(d, func() {
		p.release(h)
		p.onExpired(h)
	})
	return true
}

func (p *waitTimerPool) release(h neighbor.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.timers, h)
}

// Len reports the number of outstanding wait timers, for tests and
// monitoring.
func (p *waitTimerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

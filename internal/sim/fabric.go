// Package sim provides an in-process multi-node simulation fabric for
// exercising the protocol's emergent properties end-to-end without real
// sockets; nodes still run on the real clock. There is no direct teacher
// analog for this package: it stands in for §6's external MAC
// collaborator, wired in-process so a scenario can run dozens of nodes
// inside one test binary. Only the fabric's loss draws use a deterministic
// seed; each node's own PRNG is seeded from crypto/rand.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/frame"
	"github.com/krentzlab/apkes/internal/mac"
	"github.com/krentzlab/apkes/internal/prng"
)

// Fabric is the shared broadcast medium every Link sends through, the
// in-process substitute for internal/mac.UDP's socket.
type Fabric struct {
	mu      sync.RWMutex
	links   map[apkesid.Extended]*Link
	latency time.Duration
	lossPct float64
	rng     *prng.Source
}

// NewFabric constructs a Fabric. latency delays every delivery (simulating
// radio propagation); lossPct in [0,1) drops that fraction of frames,
// exercising §8's loss-tolerance properties.
func NewFabric(latency time.Duration, lossPct float64, rng *prng.Source) *Fabric {
	return &Fabric{
		links:   make(map[apkesid.Extended]*Link),
		latency: latency,
		lossPct: lossPct,
		rng:     rng,
	}
}

// Link is one node's handle onto the fabric; it implements mac.MAC.
type Link struct {
	fabric *Fabric
	local  apkesid.Extended

	mu       sync.RWMutex
	receiver mac.Receiver
	closed   bool
}

// NewLink registers local onto the fabric and returns its MAC handle.
func (f *Fabric) NewLink(local apkesid.Extended) *Link {
	l := &Link{fabric: f, local: local}
	f.mu.Lock()
	f.links[local] = l
	f.mu.Unlock()
	return l
}

func (l *Link) LocalAddr() apkesid.Extended { return l.local }

func (l *Link) SetReceiver(r mac.Receiver) {
	l.mu.Lock()
	l.receiver = r
	l.mu.Unlock()
}

func (l *Link) Start(ctx context.Context) error { return nil }

func (l *Link) Close() error {
	l.fabric.mu.Lock()
	delete(l.fabric.links, l.local)
	l.fabric.mu.Unlock()
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *Link) Send(ctx context.Context, fr mac.Frame) error {
	l.fabric.mu.RLock()
	defer l.fabric.mu.RUnlock()

	if fr.Broadcast {
		for ext, peer := range l.fabric.links {
			if ext == l.local {
				continue
			}
			l.fabric.deliver(peer, l.local, true, fr.ID, fr.Payload)
		}
		return nil
	}

	peer, ok := l.fabric.links[fr.Dest]
	if !ok {
		return fmt.Errorf("sim: unknown destination %s", fr.Dest)
	}
	l.fabric.deliver(peer, l.local, false, fr.ID, fr.Payload)
	return nil
}

// deliver hands payload to peer's receiver, off the sender's goroutine, so
// no single node's send ever blocks on another node's processing — the
// fabric's analog of each node owning its own receive buffer.
func (f *Fabric) deliver(peer *Link, sender apkesid.Extended, broadcast bool, id frame.ID, payload []byte) {
	if f.lossPct > 0 && f.rng.Int64N(1_000_000) < int64(f.lossPct*1_000_000) {
		return
	}
	cp := append([]byte(nil), payload...)
	go func() {
		if f.latency > 0 {
			time.Sleep(f.latency)
		}
		peer.mu.RLock()
		r := peer.receiver
		closed := peer.closed
		peer.mu.RUnlock()
		if r != nil && !closed {
			r(sender, broadcast, id, cp)
		}
	}()
}

// Package node wires the eight components (A-H) into one running instance,
// the APKES analog of the teacher's Agent: construct collaborators, resolve
// static peers, restore persisted state, and run the handshake/Trickle/
// keepalive loops until Stop is called.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/frame"
	"github.com/krentzlab/apkes/internal/handshake"
	"github.com/krentzlab/apkes/internal/keepalive"
	"github.com/krentzlab/apkes/internal/keying"
	"github.com/krentzlab/apkes/internal/mac"
	"github.com/krentzlab/apkes/internal/monitor"
	"github.com/krentzlab/apkes/internal/neighbor"
	"github.com/krentzlab/apkes/internal/prng"
	"github.com/krentzlab/apkes/internal/refresh"
	"github.com/krentzlab/apkes/internal/store"
	"github.com/krentzlab/apkes/internal/trickle"
)

// Node is the running instance: every component wired together plus the
// lifecycle bookkeeping the teacher's Agent keeps (ctx/cancel/wg).
type Node struct {
	config Config
	local  apkesid.Extended

	store     store.Store
	keys      *keying.LEAP
	table     *neighbor.Table
	transport mac.MAC
	engine    *handshake.Engine
	scheduler *trickle.Scheduler
	keepalive *keepalive.Loop
	refresher *refresh.Manager
	reporter  *monitorReporter

	log *slog.Logger

	// events is the single serialized event loop §5 requires: frame
	// receipt, trickle/wait-timer firings, and keepalive probes are all
	// posted here as closures rather than mutating neighbor/engine state
	// from whatever goroutine observed the event, so no locking is needed
	// beyond what neighbor.Table already keeps for its own bookkeeping.
	events chan func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes New's wiring beyond the YAML Config, the seam
// internal/sim uses to substitute an in-memory store and an in-process MAC
// for the file/UDP defaults cmd/apkes-node relies on.
type Option func(*options)

type options struct {
	store     store.Store
	transport mac.MAC
}

// WithStore overrides the default file-backed Store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTransport overrides the default UDP MAC. Static peers in Config are
// ignored when a transport is supplied this way, since the caller owns
// wiring the fabric's addressing instead.
func WithTransport(m mac.MAC) Option {
	return func(o *options) { o.transport = m }
}

// New constructs a Node: opens the store, restores or preloads the keying
// scheme, and wires every collaborator, mirroring agent.New's
// load-identity-then-build-collaborators order.
func New(cfg Config, log *slog.Logger, opts ...Option) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	local, err := apkesid.ExtendedFromHex(cfg.Extended)
	if err != nil {
		return nil, fmt.Errorf("node: parse extended address: %w", err)
	}
	localShort := apkesid.Short(cfg.ShortAddr)

	s := o.store
	if s == nil {
		s, err = store.OpenFile(cfg.StorePath, store.DefaultFileLayout(cfg.NMax))
		if err != nil {
			return nil, fmt.Errorf("node: open store: %w", err)
		}
	}

	keys, err := keying.Restore(s)
	if err != nil {
		log.Info("no preloaded keying material found, preloading a fresh master key", "err", err)
		keys, err = keying.Preload(s)
		if err != nil {
			return nil, fmt.Errorf("node: preload keying material: %w", err)
		}
	}

	table := neighbor.New(neighbor.Config{
		NMax:  cfg.NMax,
		KTent: cfg.KTent,
		Life:  cfg.tLife(),
	}, log)

	transport := o.transport
	if transport == nil {
		udp, err := mac.NewUDP(local, cfg.ListenPort, log)
		if err != nil {
			return nil, fmt.Errorf("node: open transport: %w", err)
		}
		for _, p := range cfg.StaticPeers {
			ext, err := apkesid.ExtendedFromHex(p.Extended)
			if err != nil {
				log.Error("skip static peer, bad extended address", "peer", p.Extended, "err", err)
				continue
			}
			addr, err := net.ResolveUDPAddr("udp", p.Address)
			if err != nil {
				log.Error("skip static peer, bad address", "peer", p.Address, "err", err)
				continue
			}
			udp.AddPeer(ext, addr)
		}
		transport = udp
	}

	engine := handshake.New(handshake.Config{
		WMax:  cfg.wMax(),
		TAck:  cfg.tAck(),
		KTent: cfg.KTent,
	}, local, localShort, table, keys, transport, prng.New(), log)

	// n is forward-declared so the closures below — all of which post work
	// onto its event loop rather than running on whatever goroutine
	// triggered them (the trickle timer, the UDP read loop, keepalive's
	// ticker) — can close over it. They only ever run after n.events is
	// being drained by Start, since nothing fires before Start is called.
	var n *Node

	dispatchedBroadcastHello := func(ctx context.Context) error {
		n.dispatch(func() {
			if err := engine.BroadcastHello(ctx); err != nil {
				log.Debug("broadcast hello failed", "err", err)
			}
		})
		return nil
	}

	scheduler := trickle.New(trickle.Config{
		IMin:           cfg.iMin(),
		IMaxDoublings:  cfg.IMaxDoublings,
		ResetThreshold: cfg.KTent,
		HelloDuration:  cfg.wMax() + cfg.tAck(),
	}, dispatchedBroadcastHello, prng.New(), log)

	loop := keepalive.New(keepalive.Config{
		CheckInterval: cfg.tUpCheck(),
		UMax:          cfg.UMax,
		UpAckWait:     cfg.tUpAck(),
	}, table, engine, log)
	loop.Dispatch = func(fn func()) { n.dispatchSync(fn) }

	refresher := refresh.New(refresh.Config{
		MRefresh:         cfg.MRefresh,
		TRefresh:         cfg.tRefresh(),
		NeighborCapacity: store.DefaultFileLayout(cfg.NMax).NeighborsSize,
	}, s, table, transport, engine, log)

	var reporter *monitorReporter
	if cfg.MonitorURL != "" {
		reporter = newMonitorReporter(cfg.MonitorURL, cfg, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n = &Node{
		config:    cfg,
		local:     local,
		store:     s,
		keys:      keys,
		table:     table,
		transport: transport,
		engine:    engine,
		scheduler: scheduler,
		keepalive: loop,
		refresher: refresher,
		reporter:  reporter,
		log:       log.With("component", "node"),
		events:    make(chan func(), 256),
		ctx:       ctx,
		cancel:    cancel,
	}

	engine.Dispatch = n.dispatch

	table.OnNewNeighbor = scheduler.OnNewNeighbor
	table.OnPersist = func(t *neighbor.Table) {
		if err := store.BackupNeighbors(n.store, t.Snapshot()); err != nil {
			n.log.Warn("persist neighbors failed", "err", err)
		}
	}
	transport.SetReceiver(func(sender apkesid.Extended, broadcast bool, id frame.ID, payload []byte) {
		n.dispatch(func() { engine.HandleFrame(n.ctx, sender, broadcast, id, payload) })
	})

	return n, nil
}

// dispatch posts fn onto the single event-loop goroutine and returns
// immediately, for sources that don't need fn's effects to have landed
// before they continue (frame receipt, timer firings). It never runs fn on
// the caller's own goroutine: before the loop is running, fn waits in the
// buffered channel; once the node has been stopped, fn is dropped,
// matching a frame arriving for a node that isn't listening.
func (n *Node) dispatch(fn func()) {
	select {
	case n.events <- fn:
	case <-n.ctx.Done():
	}
}

// dispatchSync posts fn onto the event loop and blocks until it has run,
// for callers (keepalive's retry loop) that need to observe fn's effect —
// e.g. whether a neighbor's expiry advanced — before deciding what to do
// next.
func (n *Node) dispatchSync(fn func()) {
	done := make(chan struct{})
	n.dispatch(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-n.ctx.Done():
	}
}

// runEventLoop is the single goroutine §5 requires: every frame-in,
// timer-fire, and keepalive-probe closure posted via dispatch/dispatchSync
// runs here, one at a time, so neighbor and engine state never needs a lock
// beyond neighbor.Table's own bookkeeping mutex.
func (n *Node) runEventLoop(ctx context.Context) {
	for {
		select {
		case fn := <-n.events:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// Start implements §4.8's bootstrap sequence: begin listening, restore and
// reboot-rekey persisted neighbors while broadcasting REFRESH, and run the
// Trickle HELLO cycle in parallel — bootstrap is considered complete as
// soon as either the restore/REFRESH pass or Trickle's own hello-duration-
// plus-new-neighbor condition fires, whichever comes first. With nothing
// to restore, the restore pass signals completion at once.
func (n *Node) Start() error {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runEventLoop(n.ctx)
	}()

	var once sync.Once
	bootstrapped := make(chan struct{})
	signalDone := func() {
		once.Do(func() { close(bootstrapped) })
	}

	// Restore runs synchronously on this goroutine, before the transport is
	// listening and before the event loop has anything else to interleave
	// with, so it needs no dispatch of its own: there is nothing yet for it
	// to race against.
	if _, err := n.refresher.Bootstrap(n.ctx, signalDone); err != nil {
		n.log.Warn("restore neighbors failed", "err", err)
	}
	n.scheduler.Bootstrap(signalDone)

	if err := n.transport.Start(n.ctx); err != nil {
		return fmt.Errorf("node: start transport: %w", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.keepalive.Run(n.ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-bootstrapped:
			n.log.Info("bootstrap complete", "neighbors", n.table.Count())
		case <-n.ctx.Done():
		}
	}()

	if n.reporter != nil {
		period := time.Duration(n.config.MonitorInterval) * time.Second
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.reporter.Run(n.ctx, n.neighborSnapshot, period)
		}()
	}

	n.log.Info("node started", "extended", n.local, "port", n.config.ListenPort)
	return nil
}

// neighborSnapshot projects the live neighbor table into the wire shape
// the monitor's status protocol expects. Taken via dispatchSync since
// Table.Snapshot copies each Neighbor's Record field-by-field, and several
// of those fields are written directly by event-loop closures without
// going through Table's own lock (§5's serialization, not a mutex, is what
// makes that safe).
func (n *Node) neighborSnapshot() []monitor.NeighborSnapshot {
	var records []neighbor.Record
	n.dispatchSync(func() { records = n.table.Snapshot() })
	out := make([]monitor.NeighborSnapshot, 0, len(records))
	for _, r := range records {
		out = append(out, monitor.NeighborSnapshot{
			Extended:       r.Extended.String(),
			Short:          uint16(r.Short),
			LocalIndex:     r.LocalIndex,
			Status:         r.Status.String(),
			ExpirationUnix: r.ExpirationUnix,
		})
	}
	return out
}

// Stop tears the node down, mirroring Agent's cancel-then-wait-then-close
// shutdown order.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()
	if err := store.BackupNeighbors(n.store, n.table.Snapshot()); err != nil {
		n.log.Warn("final neighbor backup failed", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.log.Warn("close transport failed", "err", err)
	}
	if closer, ok := n.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Table exposes the neighbor table for monitoring/simulation harnesses.
func (n *Node) Table() *neighbor.Table { return n.table }

// LocalAddr returns this node's own extended address.
func (n *Node) LocalAddr() apkesid.Extended { return n.local }

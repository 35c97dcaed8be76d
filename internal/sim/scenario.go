package sim

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/node"
	"github.com/krentzlab/apkes/internal/prng"
	"github.com/krentzlab/apkes/internal/store"
)

// Network is a group of Nodes sharing one Fabric, the scenario unit
// internal/sim's tests and cmd/apkes-sim build scenarios out of.
type Network struct {
	Fabric *Fabric
	Nodes  []*node.Node
}

// Options controls how a Network is built.
type Options struct {
	Count        int
	Latency      int // milliseconds
	LossPct      float64
	Seed1, Seed2 uint64 // deterministic PRNG seed for the fabric's loss draws

	// Timing in whole seconds, mirroring node.Config's plain-int fields.
	IMinSeconds     int
	WMaxSeconds     int
	TAckSeconds     int
	TLifeSeconds    int
	TUpCheckSeconds int
	TUpAckSeconds   int
	TRefreshSeconds int
	NMax            int
	KTent           int
}

// DefaultOptions returns fast, deterministic defaults suitable for a
// scenario test: short timers, no loss, no latency.
func DefaultOptions(count int) Options {
	return Options{
		Count:           count,
		IMinSeconds:     1,
		WMaxSeconds:     1,
		TAckSeconds:     1,
		TLifeSeconds:    60,
		TUpCheckSeconds: 2,
		TUpAckSeconds:   1,
		TRefreshSeconds: 1,
		NMax:            count + 4,
		KTent:           4,
	}
}

// NewNetwork builds Count nodes, each with its own in-memory store and
// fabric Link, fully meshed (every node statically knows every other node's
// address the way a single-hop radio channel would), and logs through a
// shared logger scoped per node.
func NewNetwork(opts Options, log *slog.Logger) (*Network, error) {
	if log == nil {
		log = slog.Default()
	}
	rng := prng.NewDeterministic(opts.Seed1, opts.Seed2)
	fabric := NewFabric(time.Duration(opts.Latency)*time.Millisecond, opts.LossPct, rng)

	net := &Network{Fabric: fabric}
	for i := 0; i < opts.Count; i++ {
		ext := apkesid.ExtendedFromUint64(uint64(i + 1))
		cfg := *node.DefaultConfig()
		cfg.Extended = ext.String()
		cfg.ShortAddr = uint16(i + 1)
		cfg.NMax = opts.NMax
		cfg.KTent = opts.KTent
		cfg.IMinSeconds = opts.IMinSeconds
		cfg.WMaxSeconds = opts.WMaxSeconds
		cfg.TAckSeconds = opts.TAckSeconds
		cfg.TLifeSeconds = opts.TLifeSeconds
		cfg.TUpCheckSeconds = opts.TUpCheckSeconds
		cfg.TUpAckSeconds = opts.TUpAckSeconds
		cfg.TRefreshSeconds = opts.TRefreshSeconds

		link := fabric.NewLink(ext)
		n, err := node.New(cfg, log.With("node", i+1),
			node.WithStore(store.NewMemory()),
			node.WithTransport(link),
		)
		if err != nil {
			return nil, fmt.Errorf("sim: build node %d: %w", i, err)
		}
		net.Nodes = append(net.Nodes, n)
	}
	return net, nil
}

// Start starts every node in the network.
func (net *Network) Start() error {
	for i, n := range net.Nodes {
		if err := n.Start(); err != nil {
			return fmt.Errorf("sim: start node %d: %w", i, err)
		}
	}
	return nil
}

// Stop stops every node in the network.
func (net *Network) Stop() {
	for _, n := range net.Nodes {
		n.Stop()
	}
}

// NeighborCounts returns each node's current neighbor-table occupancy
// (tentative entries included), in
// the same order as Nodes, for scenario assertions like "every node sees
// every other node" or "no node's table ever exceeds N_MAX".
func (net *Network) NeighborCounts() []int {
	out := make([]int, len(net.Nodes))
	for i, n := range net.Nodes {
		out[i] = n.Table().Count()
	}
	return out
}

package sim

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNetworkConverges(t *testing.T) {
	opts := DefaultOptions(4)
	opts.Seed1, opts.Seed2 = 1, 2
	net, err := NewNetwork(opts, quietLogger())
	if err != nil {
		t.Fatalf("build network: %v", err)
	}
	if err := net.Start(); err != nil {
		t.Fatalf("start network: %v", err)
	}
	defer net.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		counts := net.NeighborCounts()
		allFull := true
		for _, c := range counts {
			if c != len(net.Nodes)-1 {
				allFull = false
				break
			}
		}
		if allFull {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("network did not converge within deadline, counts=%v", net.NeighborCounts())
}

func TestNetworkToleratesLoss(t *testing.T) {
	opts := DefaultOptions(3)
	opts.LossPct = 0.3
	opts.Seed1, opts.Seed2 = 7, 9
	net, err := NewNetwork(opts, quietLogger())
	if err != nil {
		t.Fatalf("build network: %v", err)
	}
	if err := net.Start(); err != nil {
		t.Fatalf("start network: %v", err)
	}
	defer net.Stop()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		counts := net.NeighborCounts()
		allFull := true
		for _, c := range counts {
			if c != len(net.Nodes)-1 {
				allFull = false
				break
			}
		}
		if allFull {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("network did not converge despite retries, counts=%v", net.NeighborCounts())
}

func TestNeighborTableNeverExceedsCapacity(t *testing.T) {
	opts := DefaultOptions(5)
	opts.NMax = 3 // force contention: more peers than capacity
	opts.Seed1, opts.Seed2 = 3, 4
	net, err := NewNetwork(opts, quietLogger())
	if err != nil {
		t.Fatalf("build network: %v", err)
	}
	if err := net.Start(); err != nil {
		t.Fatalf("start network: %v", err)
	}
	defer net.Stop()

	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		for i, n := range net.Nodes {
			if n.Table().Count() > n.Table().Capacity() {
				t.Fatalf("node %d exceeded capacity: %d > %d", i, n.Table().Count(), n.Table().Capacity())
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}

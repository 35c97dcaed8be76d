package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krentzlab/apkes/internal/sim"
)

var version = "dev"

func main() {
	var (
		count       = flag.Int("nodes", 8, "number of simulated nodes")
		latencyMs   = flag.Int("latency-ms", 5, "simulated per-hop latency in milliseconds")
		lossPct     = flag.Float64("loss", 0.0, "simulated broadcast/unicast drop probability, 0..1")
		seed1       = flag.Uint64("seed1", 1, "first half of the deterministic PRNG seed")
		seed2       = flag.Uint64("seed2", 2, "second half of the deterministic PRNG seed")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("apkes-sim %s\n", version)
		os.Exit(0)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	opts := sim.DefaultOptions(*count)
	opts.Latency = *latencyMs
	opts.LossPct = *lossPct
	opts.Seed1 = *seed1
	opts.Seed2 = *seed2

	net, err := sim.NewNetwork(opts, log)
	if err != nil {
		log.Error("build network", "err", err)
		os.Exit(1)
	}
	if err := net.Start(); err != nil {
		log.Error("start network", "err", err)
		os.Exit(1)
	}
	defer net.Stop()

	log.Info("simulation running", "nodes", *count, "latency_ms", *latencyMs, "loss", *lossPct)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-ticker.C:
			log.Info("neighbor counts", "counts", net.NeighborCounts())
		case sig := <-sigCh:
			log.Info("received signal, shutting down", "signal", sig)
			return
		}
	}
}

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/krentzlab/apkes/internal/node"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to node config file")
		extended    = flag.String("extended", "", "override extended address (hex)")
		listenPort  = flag.Int("port", 0, "override UDP listen port")
		storePath   = flag.String("store", "", "override persistent store path")
		logLevel    = flag.String("log-level", "", "log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("apkes-node %s\n", version)
		os.Exit(0)
	}

	var cfg *node.Config
	if *configPath != "" {
		var err error
		cfg, err = node.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
	} else {
		cfg = node.DefaultConfig()
	}

	if *extended != "" {
		cfg.Extended = *extended
	}
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))

	n, err := node.New(*cfg, log)
	if err != nil {
		log.Error("create node failed", "err", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		log.Error("start node failed", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	if err := n.Stop(); err != nil {
		log.Error("stop node failed", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/krentzlab/apkes/internal/monitor"
)

var version = "dev"

func main() {
	var (
		listen      = flag.String("listen", "", "override listen address (e.g., 0.0.0.0:9394)")
		database    = flag.String("database", "", "override database DSN")
		jwtSecret   = flag.String("jwt-secret", "", "override JWT secret")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("apkes-monitor %s\n", version)
		os.Exit(0)
	}

	var level slog.Level
	switch strings.ToLower(*logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := monitor.DefaultConfig()
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *database != "" {
		cfg.Database = *database
	}
	if *jwtSecret != "" {
		cfg.JWTSecret = *jwtSecret
	}
	cfg.LogLevel = *logLevel

	m, err := monitor.New(cfg, log)
	if err != nil {
		log.Error("create monitor", "err", err)
		os.Exit(1)
	}

	if err := m.Run(); err != nil {
		log.Error("monitor stopped", "err", err)
		os.Exit(1)
	}
}

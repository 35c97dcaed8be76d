package node

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigTimingMatchesApkesconstDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.IMinSeconds != 30 {
		t.Fatalf("expected I_MIN=30s, got %d", cfg.IMinSeconds)
	}
	if cfg.WMaxSeconds != 2 {
		t.Fatalf("expected W_MAX=2s, got %d", cfg.WMaxSeconds)
	}
	if cfg.NMax != 32 || cfg.KTent != 4 {
		t.Fatalf("expected N_MAX=32 K_TENT=4, got %d/%d", cfg.NMax, cfg.KTent)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	yaml := []byte("extended: \"0102030405060708\"\nshort_addr: 7\nlisten_port: 9999\nn_max: 16\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Extended != "0102030405060708" {
		t.Fatalf("expected extended address to be overridden, got %q", cfg.Extended)
	}
	if cfg.ListenPort != 9999 {
		t.Fatalf("expected listen_port override, got %d", cfg.ListenPort)
	}
	if cfg.NMax != 16 {
		t.Fatalf("expected n_max override, got %d", cfg.NMax)
	}
	// Unset fields keep DefaultConfig's values.
	if cfg.TLifeSeconds != 3600 {
		t.Fatalf("expected default t_life_seconds to survive partial override, got %d", cfg.TLifeSeconds)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEnvOnlyDefaults(t *testing.T) {
	cfg, err := Load("", true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8080" {
		t.Fatalf("http_addr=%q", cfg.Server.HTTPAddr)
	}
	if cfg.Contest.MinSampleSize != 10 || cfg.Contest.MaxCandidates != 15 {
		t.Fatalf("contest defaults=%+v", cfg.Contest)
	}
	if len(cfg.Contest.PlaceShares) != 3 || cfg.Contest.PlaceShares[0] != 0.35 {
		t.Fatalf("place_shares=%v", cfg.Contest.PlaceShares)
	}
	if cfg.Ledger.ConfirmTimeout != 180*time.Second {
		t.Fatalf("confirm_timeout=%s", cfg.Ledger.ConfirmTimeout)
	}
	if cfg.Staking.FeeRate != 0.01 || cfg.Staking.LockPeriod != 720*time.Hour {
		t.Fatalf("staking=%+v", cfg.Staking)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  http_addr: ":9090"
poll:
  duration: 15m
  guess_pool_fraction: 0.1
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("RH_LEDGER_MAX_FEE_BUMPS", "4")

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.HTTPAddr != ":9090" {
		t.Fatalf("http_addr=%q", cfg.Server.HTTPAddr)
	}
	if cfg.Poll.Duration != 15*time.Minute || cfg.Poll.GuessPoolFraction != 0.1 {
		t.Fatalf("poll=%+v", cfg.Poll)
	}
	if cfg.Ledger.MaxFeeBumps != 4 {
		t.Fatalf("max_fee_bumps=%d want=4", cfg.Ledger.MaxFeeBumps)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), false); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

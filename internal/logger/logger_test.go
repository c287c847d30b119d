package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rewardhub/internal/config"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewardhub.log")
	log, err := New(config.LogConfig{
		Level:    "debug",
		Encoding: "json",
		File:     config.LogFileConfig{Path: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("payout settled")
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "payout settled") {
		t.Fatalf("log file missing entry: %q", string(raw))
	}
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	log, err := New(config.LogConfig{Level: "loud", Encoding: "console"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if log.Core().Enabled(-1) {
		t.Fatalf("debug should be disabled")
	}
}

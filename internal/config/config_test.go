package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RootDir != DefaultRootDir {
		t.Errorf("RootDir = %q, want %q", cfg.RootDir, DefaultRootDir)
	}
	if cfg.SweepIntervalDuration() != DefaultSweepInterval {
		t.Errorf("SweepIntervalDuration() = %v, want %v", cfg.SweepIntervalDuration(), DefaultSweepInterval)
	}
	if cfg.IdleTTLDuration() != DefaultIdleTTL {
		t.Errorf("IdleTTLDuration() = %v, want %v", cfg.IdleTTLDuration(), DefaultIdleTTL)
	}
	if cfg.SpawnRPS != DefaultSpawnRPS {
		t.Errorf("SpawnRPS = %v, want %v", cfg.SpawnRPS, DefaultSpawnRPS)
	}
	if cfg.SpawnBurst != DefaultSpawnBurst {
		t.Errorf("SpawnBurst = %d, want %d", cfg.SpawnBurst, DefaultSpawnBurst)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	cfg := &Config{
		RootDir:       "/srv/sandboxd",
		ListenAddr:    "127.0.0.1:9090",
		SweepInterval: "30s",
		IdleTTL:       "10m",
		DefaultLimits: Limits{CPUMs: 9000},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RootDir != cfg.RootDir {
		t.Errorf("RootDir = %q, want %q", got.RootDir, cfg.RootDir)
	}
	if got.SweepIntervalDuration() != 30*time.Second {
		t.Errorf("SweepIntervalDuration() = %v, want 30s", got.SweepIntervalDuration())
	}
	if got.IdleTTLDuration() != 10*time.Minute {
		t.Errorf("IdleTTLDuration() = %v, want 10m", got.IdleTTLDuration())
	}
	if got.DefaultLimits.CPUMs != 9000 {
		t.Errorf("DefaultLimits.CPUMs = %d, want 9000", got.DefaultLimits.CPUMs)
	}
}

func TestEnvOverridesFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	if err := Save(path, &Config{RootDir: "/from/file", IdleTTL: "5m"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	t.Setenv("SANDBOXD_ROOT_DIR", "/from/env")
	t.Setenv("SANDBOXD_IDLE_TTL", "42s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RootDir != "/from/env" {
		t.Errorf("RootDir = %q, want env override %q", cfg.RootDir, "/from/env")
	}
	if cfg.IdleTTLDuration() != 42*time.Second {
		t.Errorf("IdleTTLDuration() = %v, want 42s", cfg.IdleTTLDuration())
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want default %q", cfg.ListenAddr, DefaultListenAddr)
	}
}

func TestLimitsToLimitsFillsDefaults(t *testing.T) {
	l := Limits{CPUMs: 1000}.ToLimits()
	if l.CPUMs != 1000 {
		t.Errorf("CPUMs = %d, want 1000", l.CPUMs)
	}
	if l.MemKB == 0 {
		t.Error("MemKB = 0, want a nonzero default fallback")
	}
	if err := l.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestUnparsableDurationFallsBackToDefault(t *testing.T) {
	cfg := &Config{SweepInterval: "not-a-duration"}
	if got := cfg.SweepIntervalDuration(); got != DefaultSweepInterval {
		t.Errorf("SweepIntervalDuration() = %v, want default %v", got, DefaultSweepInterval)
	}
}

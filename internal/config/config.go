// Package config loads sandboxd's server configuration: jail root,
// listen address, reaper timing, and default resource limits.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/diggerhq/opensandbox/internal/limits"
)

// Limits mirrors limits.Limits with YAML tags for the default_limits block.
// A zero field falls back to limits.Default() via limits.Limits.WithDefaults
// (a zero wall_ms follows cpu_ms): the file overrides what it names, missing
// keys keep the binding defaults.
type Limits struct {
	CPUMs   int64 `yaml:"cpu_ms,omitempty"`
	MemKB   int64 `yaml:"mem_kb,omitempty"`
	FsizeKB int64 `yaml:"fsize_kb,omitempty"`
	NoFile  int64 `yaml:"nofile,omitempty"`
	WallMs  int64 `yaml:"wall_ms,omitempty"`
}

// ToLimits converts the YAML-facing Limits into the engine's limits.Limits,
// resolving zero fields against the binding defaults.
func (l Limits) ToLimits() limits.Limits {
	return limits.Limits{
		CPUMs:   l.CPUMs,
		MemKB:   l.MemKB,
		FsizeKB: l.FsizeKB,
		NoFile:  l.NoFile,
		WallMs:  l.WallMs,
	}.WithDefaults()
}

// Config is sandboxd's server configuration, loaded from sandboxd.yaml.
type Config struct {
	RootDir       string  `yaml:"root_dir,omitempty"`
	ListenAddr    string  `yaml:"listen_addr,omitempty"`
	SweepInterval string  `yaml:"sweep_interval,omitempty"`
	IdleTTL       string  `yaml:"idle_ttl,omitempty"`
	LogLevel      string  `yaml:"log_level,omitempty"`
	LogFile       string  `yaml:"log_file,omitempty"`
	DefaultLimits Limits  `yaml:"default_limits,omitempty"`
	SpawnRPS      float64 `yaml:"spawn_rps,omitempty"`
	SpawnBurst    int     `yaml:"spawn_burst,omitempty"`

	// CopyJail populates jail skeletons by recursive copy instead of
	// recording bind mounts for the runner. For hosts that hold
	// CAP_SYS_ADMIN (so namespaces still work) but block the mount
	// syscall itself, e.g. under an LSM or seccomp policy.
	CopyJail bool `yaml:"copy_jail,omitempty"`
}

const (
	DefaultRootDir       = "/tmp"
	DefaultListenAddr    = ":8080"
	DefaultSweepInterval = 60 * time.Second
	DefaultIdleTTL       = 300 * time.Second

	// DefaultSpawnRPS/DefaultSpawnBurst bound how many jail-spawning
	// requests a single client address may issue per second. A fresh
	// namespace+chroot+cgroup setup is the one genuinely expensive
	// operation this service performs, so it's the one worth metering
	// independently of an operator's own reverse-proxy throttling.
	DefaultSpawnRPS   = 10.0
	DefaultSpawnBurst = 20
)

// SweepIntervalDuration parses SweepInterval, falling back to
// DefaultSweepInterval when unset or unparsable.
func (c *Config) SweepIntervalDuration() time.Duration {
	return parseDurationOrDefault(c.SweepInterval, DefaultSweepInterval)
}

// IdleTTLDuration parses IdleTTL, falling back to DefaultIdleTTL when unset
// or unparsable.
func (c *Config) IdleTTLDuration() time.Duration {
	return parseDurationOrDefault(c.IdleTTL, DefaultIdleTTL)
}

func parseDurationOrDefault(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return d
	}
	return parsed
}

// applyDefaults fills empty fields with sandboxd's binding defaults.
func (c *Config) applyDefaults() {
	if c.RootDir == "" {
		c.RootDir = DefaultRootDir
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SpawnRPS == 0 {
		c.SpawnRPS = DefaultSpawnRPS
	}
	if c.SpawnBurst == 0 {
		c.SpawnBurst = DefaultSpawnBurst
	}
}

// applyEnv overrides file-provided fields from SANDBOXD_* environment
// variables, so a container deployment can retune sandboxd without editing
// the config file baked into its image.
func (c *Config) applyEnv() {
	for envName, field := range map[string]*string{
		"SANDBOXD_ROOT_DIR":       &c.RootDir,
		"SANDBOXD_LISTEN_ADDR":    &c.ListenAddr,
		"SANDBOXD_SWEEP_INTERVAL": &c.SweepInterval,
		"SANDBOXD_IDLE_TTL":       &c.IdleTTL,
		"SANDBOXD_LOG_LEVEL":      &c.LogLevel,
		"SANDBOXD_LOG_FILE":       &c.LogFile,
	} {
		if v := os.Getenv(envName); v != "" {
			*field = v
		}
	}
}

// Load reads sandboxd.yaml from path, layers SANDBOXD_* environment
// overrides on top, and fills the rest with binding defaults. A missing
// file returns a zero-value Config with overrides and defaults applied
// rather than an error; an absent config file is a fresh install, not a
// failure.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

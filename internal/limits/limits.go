// Package limits describes and applies per-process resource ceilings for
// sandboxed commands: CPU time, address space, file size, and open file
// descriptors.
package limits

import (
	"fmt"
	"time"
)

// Default ceilings applied when a caller sends no explicit limits. These are
// a semver-stable contract: a client that sends no limits observes exactly
// these values.
const (
	DefaultCPUMs    = 5000
	DefaultMemKB    = 2 * 1024 * 1024
	DefaultFsizeKB  = 10 * 1024
	DefaultNoFile   = 64
)

// Limits is a fixed record of ceilings applied to one spawn.
type Limits struct {
	CPUMs   int64 // CPU-time budget in milliseconds
	MemKB   int64 // RLIMIT_AS ceiling in KB
	FsizeKB int64 // max single-file write size in KB
	NoFile  int64 // max open file descriptors
	WallMs  int64 // wall-clock deadline in milliseconds; must be >= CPUMs
}

// Default returns the binding default Limits applied when a caller omits a
// field.
func Default() Limits {
	return Limits{
		CPUMs:   DefaultCPUMs,
		MemKB:   DefaultMemKB,
		FsizeKB: DefaultFsizeKB,
		NoFile:  DefaultNoFile,
		WallMs:  DefaultCPUMs,
	}
}

// Validate rejects non-positive fields and a wall clock shorter than the CPU
// budget before any spawn is attempted.
func (l Limits) Validate() error {
	if l.CPUMs <= 0 {
		return fmt.Errorf("limits: cpu_ms must be positive, got %d", l.CPUMs)
	}
	if l.MemKB <= 0 {
		return fmt.Errorf("limits: mem_kb must be positive, got %d", l.MemKB)
	}
	if l.FsizeKB <= 0 {
		return fmt.Errorf("limits: fsize_kb must be positive, got %d", l.FsizeKB)
	}
	if l.NoFile <= 0 {
		return fmt.Errorf("limits: nofile must be positive, got %d", l.NoFile)
	}
	if l.WallMs <= 0 {
		return fmt.Errorf("limits: wall_ms must be positive, got %d", l.WallMs)
	}
	if l.WallMs < l.CPUMs {
		return fmt.Errorf("limits: wall_ms (%d) must be >= cpu_ms (%d)", l.WallMs, l.CPUMs)
	}
	return nil
}

// WithDefaults fills any zero field from Default(), matching the contract
// that omitted fields fall back to the binding defaults rather than zero.
// The one exception is WallMs: a zero WallMs takes the (possibly
// caller-set) CPUMs, not Default().WallMs.
func (l Limits) WithDefaults() Limits {
	d := Default()
	if l.CPUMs == 0 {
		l.CPUMs = d.CPUMs
	}
	if l.MemKB == 0 {
		l.MemKB = d.MemKB
	}
	if l.FsizeKB == 0 {
		l.FsizeKB = d.FsizeKB
	}
	if l.NoFile == 0 {
		l.NoFile = d.NoFile
	}
	if l.WallMs == 0 {
		l.WallMs = l.CPUMs
	}
	return l
}

// CPUSeconds rounds the CPU budget up to whole seconds, since RLIMIT_CPU is
// specified in seconds.
func (l Limits) CPUSeconds() uint64 {
	ms := l.CPUMs
	secs := ms / 1000
	if ms%1000 != 0 {
		secs++
	}
	return uint64(secs)
}

// MemBytes returns the address-space ceiling in bytes.
func (l Limits) MemBytes() uint64 {
	return uint64(l.MemKB) * 1024
}

// FsizeBytes returns the single-file write size ceiling in bytes.
func (l Limits) FsizeBytes() uint64 {
	return uint64(l.FsizeKB) * 1024
}

// WallDuration returns the wall-clock deadline as a time.Duration.
func (l Limits) WallDuration() time.Duration {
	return time.Duration(l.WallMs) * time.Millisecond
}

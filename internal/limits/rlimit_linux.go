//go:build linux

package limits

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// rlimitPair pairs an RLIMIT_* resource with the value to install.
type rlimitPair struct {
	resource int
	value    uint64
}

// Apply installs per-process resource ceilings in the current process. It is
// intended to run in the child between fork and exec, where a failed
// installation should abort the child before exec rather than run
// unconstrained.
func (l Limits) Apply() error {
	return ApplyRaw(l.CPUSeconds(), l.MemBytes(), l.FsizeBytes(), uint64(l.NoFile))
}

// ApplyRaw installs the four rlimit ceilings directly in already-converted
// units (CPU seconds, bytes, bytes, descriptor count). The re-exec'd sandbox
// wrapper uses this form since it receives its limits as flag values already
// converted by the parent, not as a Limits record.
func ApplyRaw(cpuSec, memBytes, fsizeBytes, nofile uint64) error {
	pairs := []rlimitPair{
		{unix.RLIMIT_CPU, cpuSec},
		{unix.RLIMIT_AS, memBytes},
		{unix.RLIMIT_FSIZE, fsizeBytes},
		{unix.RLIMIT_NOFILE, nofile},
	}
	for _, p := range pairs {
		lim := unix.Rlimit{Cur: p.value, Max: p.value}
		if err := unix.Setrlimit(p.resource, &lim); err != nil {
			return fmt.Errorf("limits: setrlimit(%d, %d): %w", p.resource, p.value, err)
		}
	}
	return nil
}

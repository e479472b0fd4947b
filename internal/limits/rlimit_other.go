//go:build !linux

package limits

import "fmt"

// Apply is a stub on non-Linux platforms — sandboxd's isolation engine is
// Linux-only (namespaces, chroot, setrlimit); see internal/runner for the
// platform gate.
func (l Limits) Apply() error {
	return fmt.Errorf("limits: resource limit enforcement requires linux")
}

// ApplyRaw is a stub on non-Linux platforms.
func ApplyRaw(cpuSec, memBytes, fsizeBytes, nofile uint64) error {
	return fmt.Errorf("limits: resource limit enforcement requires linux")
}

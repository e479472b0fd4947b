//go:build linux

package limits

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const cgroupRoot = "/sys/fs/cgroup"

// maxJailProcs is the process-count ceiling every jail gets. runner_linux.go
// never asks for a different value — a fork bomb inside one jail is the
// same failure mode regardless of which command triggered it — so it's a
// constant here instead of a parameter threaded through NewCgroupManager.
const maxJailProcs = 128

// CgroupManager owns one cgroups v2 leaf for a single jail invocation. It
// exists for the one ceiling rlimits can't express: RLIMIT_AS bounds a
// single process's address space but nothing in POSIX stops a jailed
// command from forking until the host's process table is exhausted.
type CgroupManager struct {
	path string
}

// NewCgroupManager creates a cgroups v2 leaf under the daemon's own cgroup,
// named for jailID, with a memory.max of memBytes and a pids.max of
// maxJailProcs. It returns (nil, nil) — not an error — whenever cgroups v2
// isn't usable on this host: the runner always has rlimits to fall back on,
// so a missing delegation controller should degrade capability, not fail
// the request.
func NewCgroupManager(jailID string, memBytes uint64) (*CgroupManager, error) {
	if memBytes == 0 {
		return nil, nil
	}
	if _, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers")); err != nil {
		log.Printf("limits: cgroups v2 not available, falling back to rlimit-only")
		return nil, nil
	}

	parent, err := ownCgroupDir()
	if err != nil {
		log.Printf("limits: cannot locate own cgroup: %v, falling back to rlimit-only", err)
		return nil, nil
	}

	leaf := filepath.Join(parent, "sandboxd-"+jailID)
	mgr, err := buildLeaf(parent, leaf, memBytes)
	if err != nil {
		log.Printf("limits: cannot set up cgroup for jail %s: %v, falling back to rlimit-only", jailID, err)
		os.Remove(leaf)
		return nil, nil
	}
	return mgr, nil
}

// buildLeaf does the actual mkdir/enable/configure sequence, split out of
// NewCgroupManager so the logging-and-fallback decision stays in one place
// and this function can just return an error.
func buildLeaf(parent, leaf string, memBytes uint64) (*CgroupManager, error) {
	if err := os.MkdirAll(leaf, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", leaf, err)
	}
	if err := enableSubtree(parent, "+memory +pids"); err != nil {
		return nil, fmt.Errorf("enable controllers on %s: %w", parent, err)
	}
	for name, val := range map[string]uint64{
		"memory.max": memBytes,
		"pids.max":   maxJailProcs,
	} {
		if err := os.WriteFile(filepath.Join(leaf, name), []byte(strconv.FormatUint(val, 10)), 0644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	return &CgroupManager{path: leaf}, nil
}

// enableSubtree writes payload to parent's cgroup.subtree_control. cgroups
// v2's "no internal processes" rule means this is refused with EBUSY if
// the daemon's own PID still lives directly in parent; when that happens
// the daemon is moved into a reserved leaf of its own and the write is
// retried once.
func enableSubtree(parent, payload string) error {
	controlPath := filepath.Join(parent, "cgroup.subtree_control")
	err := os.WriteFile(controlPath, []byte(payload), 0644)
	if err == nil || !strings.Contains(err.Error(), "device or resource busy") {
		return err
	}

	hostLeaf := filepath.Join(parent, "sandboxd-host")
	if err := os.MkdirAll(hostLeaf, 0755); err != nil {
		return fmt.Errorf("create %s: %w", hostLeaf, err)
	}
	pidBytes := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile(filepath.Join(hostLeaf, "cgroup.procs"), pidBytes, 0644); err != nil {
		return fmt.Errorf("move daemon into %s: %w", hostLeaf, err)
	}
	return os.WriteFile(controlPath, []byte(payload), 0644)
}

// ownCgroupDir resolves the absolute path of the cgroup this process
// currently lives in, by reading its v2 entry ("0::<path>") from
// /proc/self/cgroup.
func ownCgroupDir() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", fmt.Errorf("read /proc/self/cgroup: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		rel, ok := strings.CutPrefix(strings.TrimSpace(line), "0::")
		if ok {
			return filepath.Join(cgroupRoot, rel), nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry in /proc/self/cgroup")
}

// AddPID moves a process into this cgroup. A nil receiver is a no-op so
// callers don't need to branch on whether cgroup support was available.
func (c *CgroupManager) AddPID(pid int) error {
	if c == nil {
		return nil
	}
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// Destroy removes the cgroup. All processes must have exited first.
func (c *CgroupManager) Destroy() error {
	if c == nil {
		return nil
	}
	return os.Remove(c.path)
}

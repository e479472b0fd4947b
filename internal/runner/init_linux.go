//go:build linux

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/diggerhq/opensandbox/internal/limits"
)

// setupExitCode is the exit status the wrapper uses when it dies before
// exec. The parent does not classify on it — the status pipe carries the
// failure out of band, since exec keeps the PID and a sandboxed command is
// free to exit with any code it likes — it just keeps setup deaths visibly
// distinct from 127 ("target binary not found") in logs and ps output.
const setupExitCode = 125

// statusFD is the pipe the parent passes as the wrapper's fd 3. The
// wrapper marks it close-on-exec and writes to it only when setup fails
// before exec: the parent reading EOF with no data means the target
// command actually ran.
const statusFD = 3

// bindSpec is one "--bind src=dst" pair parsed from wrapper argv.
type bindSpec struct {
	src, dst string
}

type initArgs struct {
	jailRoot   string
	cwd        string
	cpuSec     uint64
	memBytes   uint64
	fsizeBytes uint64
	nofile     uint64
	binds      []bindSpec
	argv       []string
}

func parseInitArgs(args []string) (*initArgs, error) {
	ia := &initArgs{}
	i := 0
	for i < len(args) {
		if args[i] == "--" {
			ia.argv = args[i+1:]
			break
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("dangling flag %q", args[i])
		}
		val := args[i+1]
		switch args[i] {
		case "--jail":
			ia.jailRoot = val
		case "--cwd":
			ia.cwd = val
		case "--cpu-sec":
			ia.cpuSec, _ = strconv.ParseUint(val, 10, 64)
		case "--mem-bytes":
			ia.memBytes, _ = strconv.ParseUint(val, 10, 64)
		case "--fsize-bytes":
			ia.fsizeBytes, _ = strconv.ParseUint(val, 10, 64)
		case "--nofile":
			ia.nofile, _ = strconv.ParseUint(val, 10, 64)
		case "--bind":
			parts := strings.SplitN(val, "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("malformed --bind %q", val)
			}
			ia.binds = append(ia.binds, bindSpec{src: parts[0], dst: parts[1]})
		default:
			return nil, fmt.Errorf("unknown flag %q", args[i])
		}
		i += 2
	}
	if ia.jailRoot == "" {
		return nil, fmt.Errorf("missing --jail")
	}
	if len(ia.argv) == 0 {
		return nil, fmt.Errorf("missing command after --")
	}
	return ia, nil
}

// Init is the re-exec'd sandbox wrapper entrypoint: it runs as the new
// PID-namespace init, builds the jail's mount view, applies resource
// ceilings, installs the seccomp denylist, and replaces itself with the
// target command. It never returns — every path ends in os.Exit or a
// successful exec.
func Init(args []string) {
	status := os.NewFile(statusFD, "setup-status")
	unix.CloseOnExec(statusFD)

	fail := func(stage string, err error) {
		fmt.Fprintf(os.Stderr, "sandboxd_init: %v\n", err)
		fmt.Fprintf(status, "%s: %v", stage, err)
		status.Close()
		os.Exit(setupExitCode)
	}

	ia, err := parseInitArgs(args)
	if err != nil {
		fail("args", err)
	}

	if err := setupMounts(ia); err != nil {
		fail("mount", err)
	}

	if err := applyRlimits(ia); err != nil {
		fail("rlimit", err)
	}

	if err := installSeccomp(); err != nil {
		// Non-fatal: the seccomp denylist is defense in depth, not the
		// primary isolation boundary (that's the namespaces + chroot).
		fmt.Fprintf(os.Stderr, "sandboxd_init: seccomp: %v (continuing without)\n", err)
	}

	path, err := exec.LookPath(ia.argv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: not found\n", ia.argv[0])
		os.Exit(127)
	}

	if err := syscall.Exec(path, ia.argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ia.argv[0], err)
		os.Exit(127)
	}
}

// setupMounts marks the root mount private, bind-mounts the jail's
// read-only system directories, mounts a fresh procfs, and chroots/chdirs
// into the jail. Must run before installSeccomp, which denies the mount
// syscall used here.
func setupMounts(ia *initArgs) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make root private: %w", err)
	}

	for _, b := range ia.binds {
		if err := unix.Mount(b.src, b.dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s -> %s: %w", b.src, b.dst, err)
		}
		if err := unix.Mount("", b.dst, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("remount %s readonly: %w", b.dst, err)
		}
	}

	// A fresh procfs makes PID-namespace process listing work inside the
	// jail, but plenty of commands never read /proc — a denied mount (some
	// nested-container hosts refuse it even with the bind mounts allowed)
	// degrades to an empty /proc rather than failing the run.
	procDst := ia.jailRoot + "/proc"
	if err := unix.Mount("proc", procDst, "proc", 0, ""); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxd_init: mount proc: %v (continuing without)\n", err)
	}

	if err := unix.Chroot(ia.jailRoot); err != nil {
		return fmt.Errorf("chroot %s: %w", ia.jailRoot, err)
	}
	cwd := ia.cwd
	if cwd == "" {
		cwd = "/tmp"
	}
	if err := unix.Chdir(cwd); err != nil {
		return fmt.Errorf("chdir %s: %w", cwd, err)
	}
	return nil
}

// applyRlimits installs the resource ceilings in this process, which
// carries them across exec into the target command.
func applyRlimits(ia *initArgs) error {
	return limits.ApplyRaw(ia.cpuSec, ia.memBytes, ia.fsizeBytes, ia.nofile)
}

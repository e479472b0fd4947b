// Package runner spawns commands inside a jail: fresh PID and mount
// namespaces, a chroot into the jail skeleton, resource ceilings applied
// before exec, and concurrent output capture bounded by a size cap.
package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/diggerhq/opensandbox/internal/jail"
	"github.com/diggerhq/opensandbox/internal/limits"
)

// InitArg is the sentinel argv[1] that tells the re-exec'd process to run
// as the sandbox wrapper instead of the normal CLI. The underscore prefix
// keeps it from colliding with any real subcommand name.
const InitArg = "_sandboxd_init"

// Request describes one command to run inside a jail.
type Request struct {
	Argv   []string
	Env    []string // KEY=VALUE pairs; PATH/HOME/TMPDIR are always overridden
	Cwd    string   // jail-relative absolute path, e.g. "/tmp"
	Limits limits.Limits
	Jail   *jail.Jail
}

// Result is the outcome of one Run call.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode *int // nil when killed by signal
	Signal   *int // nil on normal termination
	Timeout  bool // true when killed due to wall-clock expiry

	StdoutTruncated bool
	StderrTruncated bool
}

// SpawnError reports a failure to create the sandbox itself: namespace
// creation denied, jail mount setup failed, or chroot was refused. No
// child process remains by the time this is returned.
type SpawnError struct {
	Op  string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("runner: spawn: %s: %v", e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExecutionError reports an I/O failure while draining output or waiting
// on the child, distinct from the child's own exit status.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("runner: execution: %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// outputCapBytes bounds captured stdout/stderr. The cap reuses the
// single-file write ceiling so one knob governs both how much a command
// may write and how much of its output the server will hold in memory.
func outputCapBytes(l limits.Limits) int64 {
	return int64(l.FsizeBytes())
}

// timeoutStderrSuffix is appended to captured stderr when the wall-clock
// timer fires, per the contract that a timeout is reported as a successful
// ExecutionResult rather than an error.
const timeoutStderrSuffix = "\nKilled by timeout"

// jailEnv builds the environment the sandboxed command actually runs with.
// PATH, HOME, and TMPDIR are always forced to jail-relative values
// regardless of what the caller's env map contains, so a session's custom
// env can never point the command at a host path outside the jail.
func jailEnv(callerEnv []string) []string {
	env := make([]string, 0, len(callerEnv)+3)
	for _, kv := range callerEnv {
		if strings.HasPrefix(kv, "PATH=") || strings.HasPrefix(kv, "HOME=") || strings.HasPrefix(kv, "TMPDIR=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"PATH=/usr/bin:/bin",
		"HOME=/tmp",
		"TMPDIR=/tmp",
	)
	return env
}

// wallTimer returns a timer armed for the request's wall-clock budget.
func wallTimer(l limits.Limits) *time.Timer {
	return time.NewTimer(l.WallDuration())
}

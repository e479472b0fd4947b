//go:build !linux

package runner

import "fmt"

// Run is unavailable outside Linux — PID/mount namespaces, chroot, and
// rlimit enforcement are all Linux-specific.
func Run(req Request) (*Result, error) {
	return nil, &SpawnError{Op: "platform", Err: fmt.Errorf("runner: sandboxing requires linux")}
}

// Init is unreachable outside Linux; present so cmd/sandboxd's dispatch
// compiles unconditionally.
func Init(args []string) {
	panic("runner.Init is only supported on linux")
}

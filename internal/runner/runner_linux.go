//go:build linux

package runner

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/diggerhq/opensandbox/internal/limits"
)

// Run spawns req.Argv inside req.Jail, enforcing req.Limits, and blocks
// until the command exits or the wall-clock timer fires. The calling
// goroutine is expected to run on a blocking-work pool — this call does
// real fork/exec/waitpid work and does not yield to Go's scheduler in a
// cooperative way while the child is starting up.
func Run(req Request) (*Result, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, &SpawnError{Op: "resolve self executable", Err: err}
	}

	rel := req.Cwd
	if rel == "" {
		rel = "/tmp"
	}

	wrapArgs := []string{
		InitArg,
		"--jail", req.Jail.Root,
		"--cwd", rel,
		"--cpu-sec", strconv.FormatUint(req.Limits.CPUSeconds(), 10),
		"--mem-bytes", strconv.FormatUint(req.Limits.MemBytes(), 10),
		"--fsize-bytes", strconv.FormatUint(req.Limits.FsizeBytes(), 10),
		"--nofile", strconv.FormatUint(uint64(req.Limits.NoFile), 10),
	}
	for _, b := range req.Jail.Binds {
		wrapArgs = append(wrapArgs, "--bind", b.HostSrc+"="+b.JailDst)
	}
	wrapArgs = append(wrapArgs, "--")
	wrapArgs = append(wrapArgs, req.Argv...)

	cmd := exec.Command(exe, wrapArgs...)
	cmd.Env = jailEnv(req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNS | unix.CLONE_NEWPID,
	}

	// os/exec drains both pipes concurrently into these writers and Wait
	// does not return until both hit EOF, so neither stream can deadlock
	// the other on a full pipe buffer.
	stdoutCap := newBoundedBuffer(outputCapBytes(req.Limits))
	stderrCap := newBoundedBuffer(outputCapBytes(req.Limits))
	cmd.Stdout = stdoutCap
	cmd.Stderr = stderrCap

	// The wrapper reports pre-exec setup failures over this pipe (its fd 3,
	// marked close-on-exec). Exit codes can't carry that signal: exec keeps
	// the PID, so once the target command is running any status it exits
	// with is the command's own.
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Op: "create status pipe", Err: err}
	}
	defer statusR.Close()
	cmd.ExtraFiles = []*os.File{statusW}

	if err := cmd.Start(); err != nil {
		statusW.Close()
		return nil, &SpawnError{Op: "start wrapper process", Err: err}
	}
	statusW.Close()

	cg, _ := limits.NewCgroupManager(req.Jail.ID, req.Limits.MemBytes())
	if cg != nil {
		_ = cg.AddPID(cmd.Process.Pid)
	}
	defer cg.Destroy()

	timer := wallTimer(req.Limits)
	defer timer.Stop()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitDone:
	case <-timer.C:
		timedOut = true
		// The wrapper is the init of its PID namespace; killing it tears
		// down every process inside that namespace with it, so both
		// streams reach EOF and the pending Wait returns.
		_ = cmd.Process.Kill()
		waitErr = <-waitDone
	}

	// The wrapper has exited and the parent's write end is closed, so this
	// read returns immediately: data means setup died before exec.
	setupMsg, _ := io.ReadAll(statusR)
	if len(setupMsg) > 0 {
		stage, reason, _ := strings.Cut(string(setupMsg), ": ")
		if stage == "rlimit" {
			return nil, &ExecutionError{Op: "apply resource limits", Err: errors.New(reason)}
		}
		return nil, &SpawnError{Op: "jail setup", Err: errors.New(string(setupMsg))}
	}

	res := &Result{
		Stdout:          stdoutCap.Bytes(),
		Stderr:          stderrCap.Bytes(),
		StdoutTruncated: stdoutCap.Truncated(),
		StderrTruncated: stderrCap.Truncated(),
		Timeout:         timedOut,
	}

	if timedOut {
		sig := int(unix.SIGKILL)
		res.Signal = &sig
		res.Stderr = append(res.Stderr, []byte(timeoutStderrSuffix)...)
		return res, nil
	}

	if waitErr == nil {
		code := 0
		res.ExitCode = &code
		return res, nil
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return nil, &ExecutionError{Op: "wait", Err: waitErr}
	}

	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		code := exitErr.ExitCode()
		res.ExitCode = &code
		return res, nil
	}

	if ws.Signaled() {
		sig := int(ws.Signal())
		res.Signal = &sig
		return res, nil
	}

	code := ws.ExitStatus()
	res.ExitCode = &code
	return res, nil
}

//go:build linux

package runner

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// deniedSyscalls blocks the operations a sandboxed command could use to
// undo its own isolation after the jail's mounts are in place: remounting,
// unmounting, pivoting root, or tracing another process in the namespace.
var deniedSyscalls = []uint32{
	unix.SYS_MOUNT,
	unix.SYS_UMOUNT2,
	unix.SYS_REBOOT,
	unix.SYS_SWAPON,
	unix.SYS_SWAPOFF,
	unix.SYS_KEXEC_LOAD,
	unix.SYS_INIT_MODULE,
	unix.SYS_FINIT_MODULE,
	unix.SYS_DELETE_MODULE,
	unix.SYS_PIVOT_ROOT,
	unix.SYS_PTRACE,
}

const (
	seccompRetAllow = 0x7fff0000
	seccompRetErrno = 0x00050000
)

// buildSeccompFilter constructs a BPF program that denies deniedSyscalls
// with EPERM and allows everything else.
func buildSeccompFilter() []unix.SockFilter {
	n := len(deniedSyscalls)
	if n == 0 {
		return nil
	}

	prog := make([]unix.SockFilter, 0, n+3)
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS,
		K:    0, // offsetof(struct seccomp_data, nr)
	})
	for i, nr := range deniedSyscalls {
		prog = append(prog, unix.SockFilter{
			Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K,
			Jt:   uint8(n - i),
			Jf:   0,
			K:    nr,
		})
	}
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_RET | unix.BPF_K,
		K:    seccompRetAllow,
	})
	prog = append(prog, unix.SockFilter{
		Code: unix.BPF_RET | unix.BPF_K,
		K:    seccompRetErrno | uint32(unix.EPERM),
	})
	return prog
}

// installSeccomp installs the filter in the current process. It must run
// after all mounts for this jail are complete and before exec, since the
// filter is inherited across exec and would otherwise block the mount
// calls the jail setup still needs to make.
func installSeccomp() error {
	prog := buildSeccompFilter()
	if prog == nil {
		return nil
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(NO_NEW_PRIVS): %w", err)
	}

	bpfProg := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	if _, _, errno := unix.RawSyscall(unix.SYS_SECCOMP, 1 /* SECCOMP_SET_MODE_FILTER */, 0, uintptr(unsafe.Pointer(&bpfProg))); errno != 0 {
		return fmt.Errorf("seccomp(SET_MODE_FILTER): %v", errno)
	}
	return nil
}

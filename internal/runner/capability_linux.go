//go:build linux

package runner

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CheckCapability reports whether this process can create the namespaces
// the runner needs (CLONE_NEWNS, CLONE_NEWPID). Call this once at startup
// so a missing CAP_SYS_ADMIN surfaces as a clean error message rather than
// a confusing mid-spawn failure on the first request.
func CheckCapability() error {
	if os.Geteuid() == 0 {
		return nil
	}

	// VERSION_1 covers capabilities 0-31, which includes CAP_SYS_ADMIN
	// (21). VERSION_3 requires a [2]CapUserData array; passing a single
	// struct there would let the kernel write past the end of it.
	var hdr unix.CapUserHeader
	var data unix.CapUserData
	hdr.Version = unix.LINUX_CAPABILITY_VERSION_1
	hdr.Pid = 0
	if err := unix.Capget(&hdr, &data); err == nil {
		if data.Effective&(1<<unix.CAP_SYS_ADMIN) != 0 {
			return nil
		}
	}

	return fmt.Errorf("runner: process has neither root nor CAP_SYS_ADMIN; namespace creation will fail")
}

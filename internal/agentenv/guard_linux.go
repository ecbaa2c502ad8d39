//go:build linux

package agentenv

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// InstallProcessGuards sets PR_SET_PDEATHSIG so the agent dies with its
// parent shell, matching spec.md §4.7's child-process harness requirement.
func InstallProcessGuards() error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(syscall.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("agentenv: prctl(PR_SET_PDEATHSIG): %w", err)
	}
	return nil
}

//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminateGroup sends SIGTERM to the child's process group.
func terminateGroup(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// killGroup sends SIGKILL to the child's process group.
func killGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; fall back to the leader in case setpgid did not apply
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}

// processExists checks if a process exists (for test compatibility)
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

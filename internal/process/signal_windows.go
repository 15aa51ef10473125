//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE         = 0x0001
	PROCESS_QUERY_INFORMATION = 0x0400
)

// Windows has no SIGTERM for windowless children; both paths terminate.
func terminateGroup(pid int) error { return terminateProcess(pid) }

func killGroup(pid int) error { return terminateProcess(pid) }

func terminateProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	handle, err := openProcess(PROCESS_TERMINATE, uint32(pid))
	if err != nil {
		// the process is most likely gone already
		return nil
	}
	defer closeHandle(handle)

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func openProcess(access uint32, processID uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(processID))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) {
	_, _, _ = procCloseHandle.Call(uintptr(handle))
}

// processExists checks if a process exists (for test compatibility)
func processExists(pid int) bool {
	h, err := openProcess(PROCESS_QUERY_INFORMATION, uint32(pid))
	if err != nil {
		return false
	}
	closeHandle(h)
	return true
}

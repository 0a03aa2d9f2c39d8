//go:build windows

package procctl

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/windows"
)

const stillActiveExitCode = 259

func processExists(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == stillActiveExitCode
}

// sendSignal has no SIGHUP equivalent on Windows; reload there goes through
// the config file watcher instead.
func sendSignal(pid int, sig syscall.Signal) error {
	if !processExists(pid) {
		return syscall.ESRCH
	}
	return fmt.Errorf("signal %s is not supported on Windows", sig)
}

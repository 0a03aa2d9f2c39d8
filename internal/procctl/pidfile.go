// Package procctl manages the serve process pid file and signals the process
// it names.
package procctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Claim writes the current pid to path and returns a release func that
// removes the file if it still holds our pid. A pid file naming a live
// process is an error. An empty path claims nothing.
func Claim(path string) (func(), error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if pid, running := ReadRunning(path); running {
		return nil, fmt.Errorf("pid file %q points to running process %d", path, pid)
	}

	pid := os.Getpid()
	if err := write(path, pid); err != nil {
		return nil, err
	}
	return func() {
		if cur, err := Read(path); err == nil && cur == pid {
			_ = os.Remove(path)
		}
	}, nil
}

func write(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keepTemp := false
	defer func() {
		_ = tmp.Close()
		if !keepTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	keepTemp = true
	return nil
}

func Read(path string) (int, error) {
	data, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, fmt.Errorf("pid file %q is empty", path)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", path, raw)
	}
	return pid, nil
}

// ReadRunning returns the pid in path and whether that process is alive.
func ReadRunning(path string) (int, bool) {
	pid, err := Read(path)
	if err != nil {
		return 0, false
	}
	return pid, Running(pid)
}

func Running(pid int) bool {
	if pid <= 0 || isZombie(pid) {
		return false
	}
	return processExists(pid)
}

// isZombie only has an answer where /proc exists.
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	return len(fields) >= 3 && fields[2] == "Z"
}

var ErrNotRunning = errors.New("process is not running")

// Reload asks the process named by path to reload its configuration.
func Reload(path string) (int, error) {
	pid, err := Read(path)
	if err != nil {
		return 0, err
	}
	if !Running(pid) {
		return pid, fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
	}
	if err := sendSignal(pid, syscall.SIGHUP); err != nil {
		return pid, fmt.Errorf("signal %s pid %d: %w", syscall.SIGHUP, pid, err)
	}
	return pid, nil
}

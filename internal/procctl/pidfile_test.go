package procctl

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestClaimWritesAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "busdeck.pid")

	release, err := Claim(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	pid, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid=%d want %d", pid, os.Getpid())
	}
	if _, running := ReadRunning(path); !running {
		t.Fatalf("expected own process to be running")
	}

	if _, err := Claim(path); err == nil || !strings.Contains(err.Error(), "running process") {
		t.Fatalf("expected second claim to fail, got %v", err)
	}

	release()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
}

func TestClaimEmptyPathIsNoop(t *testing.T) {
	release, err := Claim("  ")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	release()
}

func TestReleaseKeepsForeignPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busdeck.pid")
	release, err := Claim(path)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid()+1)+"\n"), 0o600); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	release()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected foreign pid file to stay: %v", err)
	}
}

func TestReadRejectsBadContent(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty":    "",
		"text":     "abc",
		"negative": "-4",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".pid")
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Read(path); err == nil {
				t.Fatalf("expected error for %q", content)
			}
		})
	}
}

func TestRunningRejectsInvalidPID(t *testing.T) {
	if Running(0) || Running(-1) {
		t.Fatalf("non-positive pids are never running")
	}
}

func TestReloadMissingFile(t *testing.T) {
	if _, err := Reload(filepath.Join(t.TempDir(), "none.pid")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

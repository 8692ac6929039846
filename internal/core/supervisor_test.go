package core

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// writeStubWrapper produces an executable that stands in for the wrapper
// binary and stays alive long enough to count as a successful launch.
func writeStubWrapper(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub wrapper is a POSIX shell script")
	}
	path := filepath.Join(t.TempDir(), "wrapper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatalf("write stub wrapper: %v", err)
	}
	return path
}

func TestPollUnknownTask(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor("/nonexistent/wrapper", discardLogger())
	if _, _, err := sup.Poll(42); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Poll error = %v, want ErrNotRunning", err)
	}
}

func TestTerminateUnknownTask(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor("/nonexistent/wrapper", discardLogger())
	if err := sup.Terminate(42); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Terminate error = %v, want ErrNotRunning", err)
	}
}

func TestLaunchMissingWrapper(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor("/nonexistent/wrapper", discardLogger())
	_, err := sup.Launch(LaunchSpec{TaskID: 1, TaskName: "x", Command: "true", LogDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for missing wrapper binary")
	}
	if sup.Has(1) {
		t.Fatal("failed launch left a bookkeeping entry")
	}
}

func TestSupervisorBookkeeping(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor("/nonexistent/wrapper", discardLogger())
	if sup.Has(7) {
		t.Fatal("Has = true for untracked task")
	}
	if ids := sup.TaskIDs(); len(ids) != 0 {
		t.Fatalf("TaskIDs = %v, want empty", ids)
	}
	// Release of an untracked id is harmless.
	sup.Release(7)
}

func TestLaunchRejectsConcurrentDuplicate(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(writeStubWrapper(t), discardLogger())
	logDir := t.TempDir()

	type result struct {
		pid int
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			pid, err := sup.Launch(LaunchSpec{TaskID: 9, TaskName: "dup", Command: "true", LogDir: logDir})
			results <- result{pid, err}
		}()
	}

	var launched, rejected int
	for i := 0; i < 2; i++ {
		r := <-results
		switch {
		case r.err == nil:
			launched++
			if r.pid <= 0 {
				t.Fatalf("pid = %d for successful launch", r.pid)
			}
		case errors.Is(r.err, ErrAlreadyRunning):
			rejected++
		default:
			t.Fatalf("unexpected Launch error: %v", r.err)
		}
	}
	if launched != 1 || rejected != 1 {
		t.Fatalf("launched=%d rejected=%d, want exactly one of each", launched, rejected)
	}

	if err := sup.Terminate(9); err != nil {
		t.Fatalf("Terminate error: %v", err)
	}
	if sup.Has(9) {
		t.Fatal("entry survived Terminate")
	}
}

func TestExitCodeOf(t *testing.T) {
	t.Parallel()
	if got := exitCodeOf(nil); got != 0 {
		t.Fatalf("exitCodeOf(nil) = %d, want 0", got)
	}
	if got := exitCodeOf(errors.New("not an exit error")); got != -1 {
		t.Fatalf("exitCodeOf(non-exit) = %d, want -1", got)
	}
}

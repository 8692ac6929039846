package main

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"taskpanel/internal/logrotate"
)

func readSoleLog(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "task_*.txt"))
	if err != nil {
		t.Fatalf("glob log dir: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("log files = %v, want exactly one", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(data)
}

func TestRelaySplitsOverlongLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rotator, err := logrotate.New(dir, 1, "chunky")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	long := strings.Repeat("x", 2*1024*1024)
	relay(strings.NewReader(long+"\nAFTER_LINE\n"), rotator)
	if err := rotator.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	data := readSoleLog(t, dir)
	if !strings.Contains(data, "AFTER_LINE") {
		t.Fatal("output after the long line was lost")
	}
	if got := strings.Count(data, "x"); got != len(long) {
		t.Fatalf("captured %d bytes of the long line, want %d", got, len(long))
	}
}

func TestRunRelaysOutputAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test commands use the POSIX shell")
	}
	t.Parallel()
	dir := t.TempDir()
	if code := run("echo first; echo second 1>&2", dir, 2, "relay"); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	data := readSoleLog(t, dir)
	if !strings.Contains(data, "first") || !strings.Contains(data, "second") {
		t.Fatalf("merged output missing lines: %q", data)
	}
}

func TestRunSurvivesOverlongLine(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test commands use the POSIX shell")
	}
	t.Parallel()
	dir := t.TempDir()
	// One 2 MiB line without a newline, then a marker line.
	cmd := "head -c 2097152 /dev/zero | tr '\\000' x; echo; echo AFTER_LINE"
	if code := run(cmd, dir, 3, "long"); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	data := readSoleLog(t, dir)
	if !strings.Contains(data, "AFTER_LINE") {
		t.Fatal("output after the long line was lost")
	}
	if len(data) < 2*1024*1024 {
		t.Fatalf("log holds %d bytes, long line not fully captured", len(data))
	}
}

package logrotate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitizeName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "train-model_v2", want: "train-model_v2"},
		{name: "spaces become underscores", in: "my task", want: "my_task"},
		{name: "specials dropped", in: "job: #1 (retry)", want: "job_1_retry"},
		{name: "trailing spaces trimmed", in: "task!! ", want: "task"},
		{name: "unicode dropped", in: "tâche", want: "tche"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeName(tt.in); got != tt.want {
				t.Fatalf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	if got, want := FileName(12, "my task", at, 1), "task_12_my_task_20260825_143005.txt"; got != want {
		t.Fatalf("FileName part 1 = %q, want %q", got, want)
	}
	if got, want := FileName(12, "my task", at, 3), "task_12_my_task_20260825_143005_part3.txt"; got != want {
		t.Fatalf("FileName part 3 = %q, want %q", got, want)
	}
}

func TestRotateOnLineLimit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clock := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	r, err := New(dir, 1, "limit", WithMaxLines(3), WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer r.Close()

	firstPath := r.CurrentPath()
	for i := 0; i < 4; i++ {
		if err := r.WriteLine(fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("WriteLine error: %v", err)
		}
	}

	if r.CurrentPath() == firstPath {
		t.Fatal("expected rotation past the line limit")
	}
	if !strings.Contains(r.CurrentPath(), "_part2") {
		t.Fatalf("new file not marked part 2: %s", r.CurrentPath())
	}

	old, err := os.ReadFile(firstPath)
	if err != nil {
		t.Fatalf("read old file: %v", err)
	}
	if !strings.Contains(string(old), "continuing in a new file") {
		t.Fatalf("old file missing rotation marker: %q", old)
	}
	next, err := os.ReadFile(r.CurrentPath())
	if err != nil {
		t.Fatalf("read new file: %v", err)
	}
	if !strings.Contains(string(next), "opened part 2") {
		t.Fatalf("new file missing continuation marker: %q", next)
	}
}

func TestRotateOnDateChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clock := time.Date(2026, 8, 25, 23, 59, 0, 0, time.UTC)
	r, err := New(dir, 2, "nightly", WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer r.Close()

	if err := r.WriteLine("before midnight"); err != nil {
		t.Fatalf("WriteLine error: %v", err)
	}
	firstPath := r.CurrentPath()

	clock = clock.Add(2 * time.Minute) // now 2026-08-26
	if err := r.WriteLine("after midnight"); err != nil {
		t.Fatalf("WriteLine error: %v", err)
	}

	if r.CurrentPath() == firstPath {
		t.Fatal("expected rotation across the date boundary")
	}
	name := filepath.Base(r.CurrentPath())
	if !strings.Contains(name, "20260826") {
		t.Fatalf("new file not dated for the new day: %s", name)
	}
	// Part counter starts over on a new date: no _part suffix.
	if strings.Contains(name, "_part") {
		t.Fatalf("part counter did not reset on date change: %s", name)
	}
}

func TestNextPartContinuesFromExistingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	date := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	if got := nextPart(dir, 5, date); got != 1 {
		t.Fatalf("nextPart empty dir = %d, want 1", got)
	}

	touch := func(name string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("touch %s: %v", name, err)
		}
	}
	touch("task_5_job_20260825_080000.txt")
	if got := nextPart(dir, 5, date); got != 2 {
		t.Fatalf("nextPart after part 1 = %d, want 2", got)
	}
	touch("task_5_job_20260825_090000_part4.txt")
	if got := nextPart(dir, 5, date); got != 5 {
		t.Fatalf("nextPart after part 4 = %d, want 5", got)
	}

	// Files from other tasks or other dates are ignored.
	touch("task_6_job_20260825_080000_part9.txt")
	touch("task_5_job_20260824_080000_part9.txt")
	if got := nextPart(dir, 5, date); got != 5 {
		t.Fatalf("nextPart with unrelated files = %d, want 5", got)
	}
}

func TestWriteLineCountsAcrossRotation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	clock := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	r, err := New(dir, 3, "counter", WithMaxLines(2), WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer r.Close()

	for i := 0; i < 7; i++ {
		if err := r.WriteLine("x"); err != nil {
			t.Fatalf("WriteLine error: %v", err)
		}
	}
	matches, err := filepath.Glob(filepath.Join(dir, "task_3_*.txt"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("file count = %d, want 3", len(matches))
	}
}

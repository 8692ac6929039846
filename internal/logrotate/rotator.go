// Package logrotate implements the log file naming, growth and rotation rules
// used by the wrapper process that captures task output.
package logrotate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxLines is the line count past which the current file rolls over.
const DefaultMaxLines = 50000

// SanitizeName strips everything but alphanumerics, space, hyphen and
// underscore from a task name, then replaces spaces with underscores.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimRight(b.String(), " ")
	return strings.ReplaceAll(cleaned, " ", "_")
}

// FileName builds the canonical log file name
// task_<id>_<sanitized>_<YYYYMMDD>_<HHMMSS>[_part<N>].txt.
func FileName(taskID int64, taskName string, at time.Time, part int) string {
	base := fmt.Sprintf("task_%d_%s_%s_%s", taskID, SanitizeName(taskName), at.Format("20060102"), at.Format("150405"))
	if part > 1 {
		base += fmt.Sprintf("_part%d", part)
	}
	return base + ".txt"
}

// Rotator owns the currently-open log file for one task run. Writes are
// line-oriented and flushed immediately; the file rolls over when the line
// count exceeds the ceiling or the calendar date advances.
type Rotator struct {
	dir      string
	taskID   int64
	taskName string
	maxLines int
	now      func() time.Time

	file      *os.File
	path      string
	lineCount int
	fileDate  time.Time
	part      int
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithMaxLines overrides the per-file line ceiling.
func WithMaxLines(n int) Option {
	return func(r *Rotator) { r.maxLines = n }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// New creates the log directory if needed and opens the initial file.
func New(dir string, taskID int64, taskName string, opts ...Option) (*Rotator, error) {
	r := &Rotator{
		dir:      dir,
		taskID:   taskID,
		taskName: taskName,
		maxLines: DefaultMaxLines,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := r.openNewFile(); err != nil {
		return nil, err
	}
	return r, nil
}

// CurrentPath returns the path of the file currently being written.
func (r *Rotator) CurrentPath() string {
	return r.path
}

// WriteLine appends one line (newline added) and rolls over if the file is
// past its limits. A failed write is reported but leaves the rotator usable;
// the caller retries with the next line.
func (r *Rotator) WriteLine(line string) error {
	if r.file == nil {
		if err := r.openNewFile(); err != nil {
			return err
		}
	}
	if _, err := r.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write log line: %w", err)
	}
	r.lineCount++

	today := dateOf(r.now())
	if r.lineCount > r.maxLines || today.After(r.fileDate) {
		if err := r.rotate(); err != nil {
			// Keep writing to the old file; rotation retries on a later write.
			return fmt.Errorf("rotate log file: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the current file.
func (r *Rotator) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Rotator) rotate() error {
	now := r.now()
	if r.file != nil {
		fmt.Fprintf(r.file, "\n[log rotated] %s - continuing in a new file\n", now.Format("2006-01-02 15:04:05"))
		_ = r.file.Close()
		r.file = nil
	}
	return r.openNewFile()
}

func (r *Rotator) openNewFile() error {
	now := r.now()
	today := dateOf(now)

	switch {
	case r.fileDate.IsZero():
		// First file of the run. Parts continue from files already present
		// for this task and date, so concurrent history is never clobbered.
		r.part = nextPart(r.dir, r.taskID, today)
	case today.After(r.fileDate):
		// Crossed a date boundary: the part counter starts over.
		r.part = 1
	default:
		r.part++
	}
	r.fileDate = today

	path := filepath.Join(r.dir, FileName(r.taskID, r.taskName, now, r.part))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file = f
	r.path = path
	r.lineCount = 0

	if r.part > 1 {
		fmt.Fprintf(r.file, "[log rotated] %s - opened part %d\n\n", now.Format("2006-01-02 15:04:05"), r.part)
	}
	return nil
}

// nextPart scans the directory for this task's files dated today and returns
// the next part number after the highest one found.
func nextPart(dir string, taskID int64, date time.Time) int {
	pattern := filepath.Join(dir, fmt.Sprintf("task_%d_*_%s_*.txt", taskID, date.Format("20060102")))
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return 1
	}
	part := 1
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".txt")
		if i := strings.LastIndex(name, "_part"); i >= 0 {
			if n, err := strconv.Atoi(name[i+len("_part"):]); err == nil && n+1 > part {
				part = n + 1
			}
		} else if part < 2 {
			// A file without a part suffix is part 1.
			part = 2
		}
	}
	return part
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

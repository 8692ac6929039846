package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Stream event types, matching the live-log wire format.
const (
	EventStatusUpdate = "status_update"
	EventInitialLog   = "initial_log"
	EventLogUpdate    = "log_update"
	EventLogRotated   = "log_rotated"
	EventError        = "error"
)

// StreamEvent is one message pushed to a live-log subscriber.
type StreamEvent struct {
	Type       string `json:"type"`
	TaskID     int64  `json:"task_id,omitempty"`
	TaskName   string `json:"task_name,omitempty"`
	Status     string `json:"status,omitempty"`
	Content    string `json:"content,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	TotalLines int    `json:"total_lines,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Subscriber receives stream events. A Send error detaches the session.
type Subscriber interface {
	Send(ev StreamEvent) error
}

// Snapshot is a bounded read of a log file's current content.
type Snapshot struct {
	Content    string
	TotalLines int
	FilePath   string
	Truncated  bool
}

const (
	defaultPollInterval     = 3 * time.Second
	defaultSnapshotMaxLines = 10000
	defaultSnapshotMaxBytes = 1 << 20  // 1 MiB
	defaultChunkMaxBytes    = 256 << 10 // per-tick increment ceiling
)

// Streamer produces per-subscriber live-log sessions. Rotation is detected by
// re-querying the store's current log entry, never by scanning directories;
// transient read failures are reported and retried on the next tick.
type Streamer struct {
	store  Store
	logger *slog.Logger

	pollInterval     time.Duration
	snapshotMaxLines int
	snapshotMaxBytes int64
	chunkMaxBytes    int64
}

// NewStreamer constructs a streamer with the default limits.
func NewStreamer(store Store, logger *slog.Logger) *Streamer {
	return &Streamer{
		store:            store,
		logger:           logger,
		pollInterval:     defaultPollInterval,
		snapshotMaxLines: defaultSnapshotMaxLines,
		snapshotMaxBytes: defaultSnapshotMaxBytes,
		chunkMaxBytes:    defaultChunkMaxBytes,
	}
}

// SnapshotLog reads the current content of a log file, bounded to maxLines
// tail lines once the file exceeds the byte ceiling.
func (st *Streamer) SnapshotLog(path string, maxLines int) (Snapshot, error) {
	if maxLines <= 0 || maxLines > st.snapshotMaxLines {
		maxLines = st.snapshotMaxLines
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{FilePath: path}, err
	}
	total := countLines(data)
	truncated := false
	if int64(len(data)) > st.snapshotMaxBytes || total > maxLines {
		data = tailLines(data, maxLines)
		truncated = true
	}
	return Snapshot{
		Content:    string(data),
		TotalLines: total,
		FilePath:   path,
		Truncated:  truncated,
	}, nil
}

// Stream runs one subscriber session until ctx is cancelled or the subscriber
// rejects an event. It pushes the task status, a bounded snapshot of the
// current log, then incremental updates, rotation notices and status changes.
func (st *Streamer) Stream(ctx context.Context, taskID int64, sub Subscriber) error {
	task, err := st.store.GetTask(ctx, taskID)
	if err != nil {
		_ = sub.Send(StreamEvent{Type: EventError, TaskID: taskID, Message: fmt.Sprintf("task not found: %v", err)})
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if err := sub.Send(statusEvent(task)); err != nil {
		return err
	}

	entry, _ := st.store.LatestLogEntry(ctx, taskID)
	var offset int64
	if entry != nil {
		offset, err = st.sendSnapshot(sub, entry.LogFilePath)
		if err != nil {
			// Recoverable: the file may appear or become readable later.
			_ = sub.Send(StreamEvent{Type: EventError, TaskID: taskID, Message: fmt.Sprintf("read log file: %v", err)})
		}
	}

	ticker := time.NewTicker(st.pollInterval)
	defer ticker.Stop()

	lastStatus := task.Status
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// Rotation: the store's current entry is authoritative.
		latest, err := st.store.LatestLogEntry(ctx, taskID)
		if err == nil && latest != nil {
			if entry == nil || latest.ID != entry.ID {
				first := entry == nil
				entry = latest
				offset = 0
				if first {
					if off, err := st.sendSnapshot(sub, entry.LogFilePath); err == nil {
						offset = off
					}
				} else if err := sub.Send(StreamEvent{Type: EventLogRotated, TaskID: taskID, FilePath: entry.LogFilePath}); err != nil {
					return err
				}
			}
		}

		if entry != nil {
			var sendErr error
			offset, sendErr = st.sendIncrement(sub, entry.LogFilePath, offset)
			if sendErr != nil {
				if isSubscriberGone(sendErr) {
					return sendErr
				}
				if err := sub.Send(StreamEvent{Type: EventError, TaskID: taskID, Message: fmt.Sprintf("read log update: %v", sendErr)}); err != nil {
					return err
				}
			}
		}

		current, err := st.store.GetTask(ctx, taskID)
		if err == nil && current.Status != lastStatus {
			lastStatus = current.Status
			if err := sub.Send(statusEvent(current)); err != nil {
				return err
			}
		}
	}
}

// sendSnapshot pushes the initial bounded content and returns the new growth
// baseline: the full file size that was observed, even when only a tail was
// sent.
func (st *Streamer) sendSnapshot(sub Subscriber, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	total := countLines(data)
	content := data
	truncated := false
	if int64(len(data)) > st.snapshotMaxBytes || total > st.snapshotMaxLines {
		content = tailLines(data, st.snapshotMaxLines)
		truncated = true
	}
	ev := StreamEvent{
		Type:       EventInitialLog,
		Content:    string(content),
		FilePath:   path,
		TotalLines: total,
		Truncated:  truncated,
	}
	if err := sub.Send(ev); err != nil {
		return 0, subscriberGone(err)
	}
	return int64(len(data)), nil
}

// sendIncrement pushes bytes appended since offset. An increment over the
// per-tick ceiling is cut to a bounded tail with the possibly-partial leading
// line dropped. A shrunken file resets the baseline to zero for the next tick.
func (st *Streamer) sendIncrement(sub Subscriber, path string, offset int64) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return offset, err
	}
	size := info.Size()
	if size < offset {
		return 0, nil
	}
	if size == offset {
		return offset, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	readFrom := offset
	truncated := false
	if size-offset > st.chunkMaxBytes {
		readFrom = size - st.chunkMaxBytes
		truncated = true
	}
	buf := make([]byte, size-readFrom)
	if _, err := f.ReadAt(buf, readFrom); err != nil && err != io.EOF {
		return offset, err
	}
	if truncated {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 && i+1 < len(buf) {
			buf = buf[i+1:]
		}
	}
	ev := StreamEvent{
		Type:      EventLogUpdate,
		Content:   string(buf),
		FilePath:  path,
		Truncated: truncated,
	}
	if err := sub.Send(ev); err != nil {
		return offset, subscriberGone(err)
	}
	return size, nil
}

func statusEvent(task *Task) StreamEvent {
	return StreamEvent{
		Type:     EventStatusUpdate,
		TaskID:   task.ID,
		TaskName: task.Name,
		Status:   string(task.Status),
	}
}

// errSubscriberGone marks a Send failure, which must end the session rather
// than be retried.
var errSubscriberGone = errors.New("subscriber gone")

func subscriberGone(err error) error {
	return fmt.Errorf("%w: %v", errSubscriberGone, err)
}

func isSubscriberGone(err error) bool {
	return errors.Is(err, errSubscriberGone)
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// tailLines returns the last n lines of data.
func tailLines(data []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	end := len(data)
	// Ignore a trailing newline when walking line starts.
	pos := end
	if pos > 0 && data[pos-1] == '\n' {
		pos--
	}
	for ; n > 0 && pos > 0; n-- {
		i := bytes.LastIndexByte(data[:pos], '\n')
		if i < 0 {
			return data
		}
		pos = i
	}
	return data[pos+1 : end]
}

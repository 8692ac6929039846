package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/logrotate"
)

var ErrLogEntryNotFound = errors.New("log entry not found")

const logColumns = `id, task_id, log_file_path, start_time, end_time, created_at`

// LogDir returns the directory task log files live in.
func (s *Store) LogDir() string {
	return s.LogDirPath
}

// GenerateLogFilePath produces the path a fresh run of the task should log to.
// The wrapper may still choose a different file; its handshake wins.
func (s *Store) GenerateLogFilePath(taskID int64, name string) string {
	return filepath.Join(s.LogDirPath, logrotate.FileName(taskID, name, time.Now(), 1))
}

// CreateLogEntry records a new current log file for a task.
func (s *Store) CreateLogEntry(ctx context.Context, taskID int64, path string) (*core.LogEntry, error) {
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, log_file_path, start_time, created_at)
		VALUES (?, ?, ?, ?)
	`, taskID, path, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert log entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert log entry id: %w", err)
	}
	return &core.LogEntry{
		ID:          id,
		TaskID:      taskID,
		LogFilePath: path,
		StartTime:   now,
		CreatedAt:   now,
	}, nil
}

// GetLogEntry loads one entry by id.
func (s *Store) GetLogEntry(ctx context.Context, id int64) (*core.LogEntry, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+logColumns+` FROM task_logs WHERE id = ?`, id)
	entry, err := scanLogEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLogEntryNotFound
		}
		return nil, err
	}
	return entry, nil
}

// ListLogEntries returns a task's log history, newest first.
func (s *Store) ListLogEntries(ctx context.Context, taskID int64) ([]*core.LogEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+logColumns+` FROM task_logs
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()
	var entries []*core.LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// LatestLogEntry returns the newest entry for a task, or nil when the task
// has never logged.
func (s *Store) LatestLogEntry(ctx context.Context, taskID int64) (*core.LogEntry, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+logColumns+` FROM task_logs
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, taskID)
	entry, err := scanLogEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// CloseLogEntry sets the end time on one entry.
func (s *Store) CloseLogEntry(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_logs SET end_time = ? WHERE id = ? AND end_time IS NULL
	`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("close log entry: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

// CloseOpenLogEntries closes every open entry for a task. At most one should
// be open at a time; closing all keeps the invariant even after a crash.
func (s *Store) CloseOpenLogEntries(ctx context.Context, taskID int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE task_logs SET end_time = ? WHERE task_id = ? AND end_time IS NULL
	`, time.Now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("close open log entries: %w", err)
	}
	return nil
}

// RotateLogEntry closes the task's open entries and records newPath as the
// new current log file, in one transaction, so streamers never observe two
// open entries.
func (s *Store) RotateLogEntry(ctx context.Context, taskID int64, newPath string) (*core.LogEntry, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_logs SET end_time = ? WHERE task_id = ? AND end_time IS NULL
	`, now.Format(time.RFC3339Nano), taskID); err != nil {
		return nil, fmt.Errorf("close entries for rotation: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, log_file_path, start_time, created_at)
		VALUES (?, ?, ?, ?)
	`, taskID, newPath, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert rotated entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("rotated entry id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rotate: %w", err)
	}
	return &core.LogEntry{
		ID:          id,
		TaskID:      taskID,
		LogFilePath: newPath,
		StartTime:   now,
		CreatedAt:   now,
	}, nil
}

// DeleteLogEntry removes one entry row and its backing file.
func (s *Store) DeleteLogEntry(ctx context.Context, id int64) error {
	entry, err := s.GetLogEntry(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM task_logs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete log entry: %w", err)
	}
	_ = os.Remove(entry.LogFilePath)
	return nil
}

// CleanupOldLogs deletes entries beyond the retention count for a task,
// oldest first, together with their backing files.
func (s *Store) CleanupOldLogs(ctx context.Context, taskID int64) error {
	if s.LogRetention <= 0 {
		return nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, log_file_path FROM task_logs
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT -1 OFFSET ?
	`, taskID, s.LogRetention)
	if err != nil {
		return fmt.Errorf("query log entries for cleanup: %w", err)
	}
	defer rows.Close()

	type victim struct {
		id   int64
		path string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.path); err != nil {
			return err
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	// Oldest first, so a partial failure keeps the newest history intact.
	for i := len(victims) - 1; i >= 0; i-- {
		v := victims[i]
		_ = os.Remove(v.path)
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM task_logs WHERE id = ?`, v.id); err != nil {
			return fmt.Errorf("delete log entry %d: %w", v.id, err)
		}
	}
	return nil
}

func scanLogEntry(scanner interface {
	Scan(dest ...any) error
}) (*core.LogEntry, error) {
	var (
		id        int64
		taskID    int64
		path      string
		startTime string
		endTime   sql.NullString
		createdAt string
	)
	if err := scanner.Scan(&id, &taskID, &path, &startTime, &endTime, &createdAt); err != nil {
		return nil, fmt.Errorf("scan log entry: %w", err)
	}
	entry := &core.LogEntry{
		ID:          id,
		TaskID:      taskID,
		LogFilePath: path,
		StartTime:   mustParseTime(startTime),
		CreatedAt:   mustParseTime(createdAt),
	}
	if endTime.Valid {
		t := mustParseTime(endTime.String)
		entry.EndTime = &t
	}
	return entry, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskpanel/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, name, activate_env_command, main_program_command, repeat_type,
	start_time, end_time, status, process_id, created_at, updated_at`

// InsertTask persists a new task and fills in its assigned id.
func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = core.TaskStatusPending
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (name, activate_env_command, main_program_command, repeat_type,
			start_time, end_time, status, process_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.Name, task.ActivateEnvCommand, task.MainProgramCommand, string(task.Repeat),
		task.StartTime.UTC().Format(time.RFC3339Nano), nullableTime(task.EndTime),
		string(task.Status), nullableInt(task.ProcessID),
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert task id: %w", err)
	}
	task.ID = id
	return nil
}

// UpdateTask rewrites a task's mutable attributes.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, activate_env_command = ?, main_program_command = ?, repeat_type = ?,
			start_time = ?, end_time = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.ActivateEnvCommand, task.MainProgramCommand, string(task.Repeat),
		task.StartTime.UTC().Format(time.RFC3339Nano), nullableTime(task.EndTime),
		string(task.Status), task.UpdatedAt.Format(time.RFC3339Nano), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByStatus returns tasks in one lifecycle state, newest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status core.TaskStatus) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC, id DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CountTasks returns the total number of tasks.
func (s *Store) CountTasks(ctx context.Context) (int, error) {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// UpdateTaskStatus records a lifecycle transition. pid nil clears the stored
// process id when the status is no longer running.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status core.TaskStatus, pid *int) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, process_id = ?, updated_at = ?
		WHERE id = ?
	`, string(status), nullableInt(pid), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id         int64
		name       string
		activate   string
		mainCmd    string
		repeat     string
		startTime  string
		endTime    sql.NullString
		status     string
		processID  sql.NullInt64
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(&id, &name, &activate, &mainCmd, &repeat, &startTime, &endTime, &status, &processID, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:                 id,
		Name:               name,
		ActivateEnvCommand: activate,
		MainProgramCommand: mainCmd,
		Repeat:             core.RepeatType(repeat),
		StartTime:          mustParseTime(startTime),
		Status:             core.TaskStatus(status),
		CreatedAt:          mustParseTime(createdAt),
		UpdatedAt:          mustParseTime(updatedAt),
	}
	if endTime.Valid {
		t := mustParseTime(endTime.String)
		task.EndTime = &t
	}
	if processID.Valid {
		pid := int(processID.Int64)
		task.ProcessID = &pid
	}
	return task, nil
}

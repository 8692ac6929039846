package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store for scheduler tests.
type memStore struct {
	mu      sync.Mutex
	logDir  string
	tasks   map[int64]*Task
	entries map[int64][]*LogEntry
	nextID  int64
}

func newMemStore(logDir string) *memStore {
	return &memStore{
		logDir:  logDir,
		tasks:   make(map[int64]*Task),
		entries: make(map[int64][]*LogEntry),
	}
}

func (m *memStore) addTask(task *Task) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	task.ID = m.nextID
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	m.tasks[task.ID] = task
	return task
}

func (m *memStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, errors.New("task not found")
	}
	copied := *task
	return &copied, nil
}

func (m *memStore) ListTasks(ctx context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []*Task
	for _, task := range m.tasks {
		copied := *task
		tasks = append(tasks, &copied)
	}
	return tasks, nil
}

func (m *memStore) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus, pid *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return errors.New("task not found")
	}
	task.Status = status
	task.ProcessID = pid
	return nil
}

func (m *memStore) CreateLogEntry(ctx context.Context, taskID int64, path string) (*LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry := &LogEntry{ID: m.nextID, TaskID: taskID, LogFilePath: path, StartTime: time.Now(), CreatedAt: time.Now()}
	m.entries[taskID] = append(m.entries[taskID], entry)
	return entry, nil
}

func (m *memStore) LatestLogEntry(ctx context.Context, taskID int64) (*LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.entries[taskID]
	if len(entries) == 0 {
		return nil, nil
	}
	copied := *entries[len(entries)-1]
	return &copied, nil
}

func (m *memStore) CloseOpenLogEntries(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, entry := range m.entries[taskID] {
		if entry.EndTime == nil {
			end := now
			entry.EndTime = &end
		}
	}
	return nil
}

func (m *memStore) RotateLogEntry(ctx context.Context, taskID int64, newPath string) (*LogEntry, error) {
	if err := m.CloseOpenLogEntries(ctx, taskID); err != nil {
		return nil, err
	}
	return m.CreateLogEntry(ctx, taskID, newPath)
}

func (m *memStore) CleanupOldLogs(ctx context.Context, taskID int64) error { return nil }

func (m *memStore) LogDir() string { return m.logDir }

func (m *memStore) GenerateLogFilePath(taskID int64, name string) string {
	return filepath.Join(m.logDir, fmt.Sprintf("task_%d_%s.txt", taskID, name))
}

func (m *memStore) openEntryCount(taskID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := 0
	for _, entry := range m.entries[taskID] {
		if entry.EndTime == nil {
			open++
		}
	}
	return open
}

func newTestScheduler(t *testing.T, wrapperPath string) (*Scheduler, *memStore) {
	t.Helper()
	st := newMemStore(t.TempDir())
	sup := NewSupervisor(wrapperPath, discardLogger())
	return NewScheduler(st, sup, discardLogger()), st
}

func TestStopNonRunningTaskIsNoOp(t *testing.T) {
	t.Parallel()
	sched, st := newTestScheduler(t, "/nonexistent/wrapper")
	task := st.addTask(&Task{Name: "idle", MainProgramCommand: "true", Repeat: RepeatNone, StartTime: time.Now()})

	res, err := sched.Stop(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if res.Stopped {
		t.Fatal("Stopped = true for task with no live process")
	}
	got, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if got.Status != TaskStatusPending {
		t.Fatalf("status = %s, want pending (stop must not touch state)", got.Status)
	}
}

func TestStopAllWithNothingRunning(t *testing.T) {
	t.Parallel()
	sched, _ := newTestScheduler(t, "/nonexistent/wrapper")
	res := sched.StopAll(context.Background())
	if res.Stopped != 0 || res.Failed != 0 {
		t.Fatalf("StopAll = %+v, want zeros", res)
	}
}

func TestExecuteLaunchFailureMarksFailed(t *testing.T) {
	t.Parallel()
	sched, st := newTestScheduler(t, filepath.Join(t.TempDir(), "missing-wrapper"))
	task := st.addTask(&Task{Name: "doomed", MainProgramCommand: "true", Repeat: RepeatNone, StartTime: time.Now()})

	err := sched.Execute(context.Background(), task.ID)
	if err == nil {
		t.Fatal("expected launch error for missing wrapper binary")
	}

	got, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if got.Status != TaskStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if open := st.openEntryCount(task.ID); open != 0 {
		t.Fatalf("open log entries = %d, want 0", open)
	}

	// The failure reason lands in the log file for viewers.
	entry, err := st.LatestLogEntry(context.Background(), task.ID)
	if err != nil || entry == nil {
		t.Fatalf("missing log entry: %v", err)
	}
	data, err := os.ReadFile(entry.LogFilePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "Error: failed to start task") {
		t.Fatalf("log file missing failure detail: %q", data)
	}
}

func TestExecuteAlreadyRunning(t *testing.T) {
	t.Parallel()
	sched, st := newTestScheduler(t, "/nonexistent/wrapper")
	task := st.addTask(&Task{Name: "busy", MainProgramCommand: "true", Repeat: RepeatNone, StartTime: time.Now(), Status: TaskStatusRunning})

	if err := sched.Execute(context.Background(), task.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Execute error = %v, want ErrAlreadyRunning", err)
	}
}

func TestConcurrentExecuteLaunchesOnce(t *testing.T) {
	t.Parallel()
	sched, st := newTestScheduler(t, writeStubWrapper(t))
	task := st.addTask(&Task{Name: "race", MainProgramCommand: "true", Repeat: RepeatNone, StartTime: time.Now()})

	// Both calls observe the task as pending before either has launched; the
	// guard must still admit exactly one.
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- sched.Execute(context.Background(), task.ID) }()
	}

	var launched, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			launched++
		case errors.Is(err, ErrAlreadyRunning):
			rejected++
		default:
			t.Fatalf("unexpected Execute error: %v", err)
		}
	}
	if launched != 1 || rejected != 1 {
		t.Fatalf("launched=%d rejected=%d, want exactly one of each", launched, rejected)
	}

	st.mu.Lock()
	total := len(st.entries[task.ID])
	st.mu.Unlock()
	if total != 1 {
		t.Fatalf("log entries = %d, want 1", total)
	}
	if open := st.openEntryCount(task.ID); open != 1 {
		t.Fatalf("open log entries = %d, want 1", open)
	}
	got, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask error: %v", err)
	}
	if got.Status != TaskStatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}

	if _, err := sched.Stop(context.Background(), task.ID); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestRescheduleArmsFutureOneShot(t *testing.T) {
	t.Parallel()
	sched, st := newTestScheduler(t, "/nonexistent/wrapper")
	task := st.addTask(&Task{
		Name:               "later",
		MainProgramCommand: "true",
		Repeat:             RepeatNone,
		StartTime:          time.Now().Add(time.Hour),
	})

	if err := sched.Reschedule(context.Background(), task.ID); err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if !sched.Armed(task.ID) {
		t.Fatal("future one-shot not armed")
	}

	// Idempotent: rescheduling again keeps exactly the armed state.
	if err := sched.Reschedule(context.Background(), task.ID); err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if !sched.Armed(task.ID) {
		t.Fatal("re-arming lost the timer")
	}
}

func TestRescheduleSkipsSpentOneShot(t *testing.T) {
	t.Parallel()
	sched, st := newTestScheduler(t, "/nonexistent/wrapper")
	task := st.addTask(&Task{
		Name:               "done",
		MainProgramCommand: "true",
		Repeat:             RepeatNone,
		StartTime:          time.Now().Add(time.Hour),
		Status:             TaskStatusCompleted,
	})

	if err := sched.Reschedule(context.Background(), task.ID); err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if sched.Armed(task.ID) {
		t.Fatal("completed one-shot must not re-arm its run timer")
	}
}

func TestRescheduleArmsRecurring(t *testing.T) {
	t.Parallel()
	sched, st := newTestScheduler(t, "/nonexistent/wrapper")
	task := st.addTask(&Task{
		Name:               "nightly",
		MainProgramCommand: "true",
		Repeat:             RepeatDaily,
		StartTime:          time.Now().Add(-24 * time.Hour),
		Status:             TaskStatusCompleted,
	})

	if err := sched.Reschedule(context.Background(), task.ID); err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if !sched.Armed(task.ID) {
		t.Fatal("recurring task must re-arm regardless of last run status")
	}

	sched.Unschedule(task.ID)
	if sched.Armed(task.ID) {
		t.Fatal("Unschedule left timers armed")
	}
}

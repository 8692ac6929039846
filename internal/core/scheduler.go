package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Store abstracts the persistence layer used by the scheduler, supervisor and
// streamer.
type Store interface {
	// Task operations
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus, pid *int) error

	// Log entry operations
	CreateLogEntry(ctx context.Context, taskID int64, path string) (*LogEntry, error)
	LatestLogEntry(ctx context.Context, taskID int64) (*LogEntry, error)
	CloseOpenLogEntries(ctx context.Context, taskID int64) error
	// RotateLogEntry closes the open entries for the task and records newPath
	// as the new current log file in one transaction.
	RotateLogEntry(ctx context.Context, taskID int64, newPath string) (*LogEntry, error)
	CleanupOldLogs(ctx context.Context, taskID int64) error

	LogDir() string
	GenerateLogFilePath(taskID int64, name string) string
}

const defaultReconcileInterval = 30 * time.Second

// StopResult reports the outcome of stopping one task. Stopped is false when
// the task had no live process; that is not an error.
type StopResult struct {
	TaskID  int64 `json:"task_id"`
	Stopped bool  `json:"stopped"`
}

// StopAllResult tallies a stop-all sweep. Individual failures are collected,
// never raised.
type StopAllResult struct {
	Stopped int              `json:"stopped"`
	Failed  int              `json:"failed"`
	Errors  map[int64]string `json:"errors,omitempty"`
}

// Scheduler is the single scheduling authority: it owns the timer table, the
// launch path and the reconciliation sweep. All task status transitions away
// from pending go through it or through the supervisor it drives.
type Scheduler struct {
	store          Store
	sup            *Supervisor
	logger         *slog.Logger
	reconcileEvery time.Duration

	cron    *cron.Cron
	entryMu sync.Mutex
	entries map[int64][]cron.EntryID

	// launchMu serializes the status-check-and-mark window of the launch path
	// and the believed-running bookkeeping, so a duplicate fire or a stop
	// arriving mid-sweep cannot double-launch or double-terminate.
	launchMu sync.Mutex

	ctx context.Context
}

// NewScheduler constructs a scheduler over the given store and supervisor.
func NewScheduler(store Store, sup *Supervisor, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:          store,
		sup:            sup,
		logger:         logger,
		reconcileEvery: defaultReconcileInterval,
		cron:           cron.New(),
		entries:        make(map[int64][]cron.EntryID),
	}
}

// Start begins the timer loop and registers the periodic reconciliation sweep.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Schedule(cron.Every(s.reconcileEvery), cron.FuncJob(s.reconcile))
	s.cron.Start()
}

// Shutdown stops every running task, then stops the timer loop. No supervised
// process survives a controlled restart.
func (s *Scheduler) Shutdown(ctx context.Context) {
	res := s.StopAll(s.ctxOrBackground())
	if res.Failed > 0 {
		s.logger.Warn("shutdown stop-all had failures", "stopped", res.Stopped, "failed", res.Failed)
	} else if res.Stopped > 0 {
		s.logger.Info("stopped running tasks for shutdown", "stopped", res.Stopped)
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Sync re-derives timers for every persisted task. Recurring tasks are always
// re-armed; their stored status only reflects the last completed run. A task
// stored as running but with no live process (a previous process died with it)
// is reconciled to failed.
func (s *Scheduler) Sync(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.Status == TaskStatusRunning && !s.sup.Has(task.ID) {
			s.logger.Warn("task was running before restart, marking failed", "task_id", task.ID)
			if err := s.store.UpdateTaskStatus(ctx, task.ID, TaskStatusFailed, nil); err != nil {
				s.logger.Error("mark orphaned task failed", "task_id", task.ID, "err", err)
			}
			if err := s.store.CloseOpenLogEntries(ctx, task.ID); err != nil {
				s.logger.Error("close orphaned log entries", "task_id", task.ID, "err", err)
			}
		}
		if err := s.Reschedule(ctx, task.ID); err != nil {
			s.logger.Error("schedule task", "task_id", task.ID, "err", err)
		}
	}
	return nil
}

// Reschedule cancels any timers for the task and re-arms them from its
// current persisted attributes. Safe to call repeatedly and for a task that
// was never scheduled. A schedule computation error leaves the task un-armed
// and is reported, never fatal.
func (s *Scheduler) Reschedule(ctx context.Context, taskID int64) error {
	s.Unschedule(taskID)

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}

	plan, err := ComputePlan(task.Repeat, task.StartTime, task.EndTime, time.Now())
	if err != nil {
		return fmt.Errorf("compute schedule for task %d: %w", taskID, err)
	}

	// A one-shot run is re-armed only while the task is still pending; its
	// stop action stays armed regardless so a bounded lifetime is honored.
	if task.Repeat == RepeatNone && task.Status != TaskStatusPending {
		plan.Run = nil
	}

	now := time.Now().UTC()
	var ids []cron.EntryID
	if plan.Run != nil && !plan.Run.Next(now).IsZero() {
		id := taskID
		ids = append(ids, s.cron.Schedule(plan.Run, cron.FuncJob(func() { s.fire(id) })))
	}
	if plan.Stop != nil && !plan.Stop.Next(now).IsZero() {
		id := taskID
		ids = append(ids, s.cron.Schedule(plan.Stop, cron.FuncJob(func() { s.fireStop(id) })))
	}
	if len(ids) > 0 {
		s.entryMu.Lock()
		s.entries[taskID] = ids
		s.entryMu.Unlock()
	}
	return nil
}

// Unschedule removes all timers for the task.
func (s *Scheduler) Unschedule(taskID int64) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	for _, id := range s.entries[taskID] {
		s.cron.Remove(id)
	}
	delete(s.entries, taskID)
}

// Armed reports whether the task currently has at least one live timer.
func (s *Scheduler) Armed(taskID int64) bool {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	return len(s.entries[taskID]) > 0
}

func (s *Scheduler) fire(taskID int64) {
	if err := s.Execute(s.ctxOrBackground(), taskID); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.Info("skipping fire, task already running", "task_id", taskID)
			return
		}
		s.logger.Error("execute task", "task_id", taskID, "err", err)
	}
}

func (s *Scheduler) fireStop(taskID int64) {
	res, err := s.Stop(s.ctxOrBackground(), taskID)
	if err != nil {
		s.logger.Error("scheduled stop", "task_id", taskID, "err", err)
		return
	}
	if res.Stopped {
		s.logger.Info("task stopped by schedule", "task_id", taskID)
	}
}

// StartNow bypasses timers and runs the same launch path a fired timer uses.
func (s *Scheduler) StartNow(ctx context.Context, taskID int64) error {
	return s.Execute(ctx, taskID)
}

// Execute is the launch path: mark running, allocate a log entry, compose the
// command, spawn the wrapper. A task that is already running short-circuits
// with ErrAlreadyRunning.
func (s *Scheduler) Execute(ctx context.Context, taskID int64) error {
	// Load, check and mark under launchMu as one critical section: a
	// concurrent fire serializes here and observes the winner's running mark,
	// so only one launch can proceed.
	s.launchMu.Lock()
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.launchMu.Unlock()
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if task.Status == TaskStatusRunning || s.sup.Has(taskID) {
		s.launchMu.Unlock()
		return ErrAlreadyRunning
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, TaskStatusRunning, nil); err != nil {
		s.launchMu.Unlock()
		return fmt.Errorf("mark task %d running: %w", taskID, err)
	}
	s.launchMu.Unlock()

	logPath := s.store.GenerateLogFilePath(taskID, task.Name)
	if _, err := s.store.CreateLogEntry(ctx, taskID, logPath); err != nil {
		s.failLaunch(ctx, taskID, logPath, err)
		return fmt.Errorf("create log entry for task %d: %w", taskID, err)
	}

	command := ComposeCommand(task.ActivateEnvCommand, task.MainProgramCommand)
	pid, err := s.sup.Launch(LaunchSpec{
		TaskID:   taskID,
		TaskName: task.Name,
		Command:  command,
		LogDir:   s.store.LogDir(),
		OnLogPath: func(path string) {
			s.adoptReportedLogPath(taskID, path)
		},
	})
	if err != nil {
		s.failLaunch(ctx, taskID, logPath, err)
		return fmt.Errorf("launch task %d: %w", taskID, err)
	}

	if err := s.store.UpdateTaskStatus(ctx, taskID, TaskStatusRunning, &pid); err != nil {
		s.logger.Error("record task pid", "task_id", taskID, "pid", pid, "err", err)
	}
	s.logger.Info("task started", "task_id", taskID, "name", task.Name, "pid", pid)
	return nil
}

// failLaunch marks the task failed, closes its log entry and writes the
// failure detail into the log file so viewers can see why nothing ran.
func (s *Scheduler) failLaunch(ctx context.Context, taskID int64, logPath string, cause error) {
	if err := s.store.UpdateTaskStatus(ctx, taskID, TaskStatusFailed, nil); err != nil {
		s.logger.Error("mark task failed", "task_id", taskID, "err", err)
	}
	if err := s.store.CloseOpenLogEntries(ctx, taskID); err != nil {
		s.logger.Error("close log entries", "task_id", taskID, "err", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "Error: failed to start task: %v\n", cause)
}

// Stop terminates the task's process tree, marks it stopped, closes its log
// entry and prunes old logs. Stopping a task that is not running is a no-op
// reported as such.
func (s *Scheduler) Stop(ctx context.Context, taskID int64) (StopResult, error) {
	if !s.sup.Has(taskID) {
		return StopResult{TaskID: taskID, Stopped: false}, nil
	}
	if err := s.sup.Terminate(taskID); err != nil && !errors.Is(err, ErrNotRunning) {
		return StopResult{TaskID: taskID}, fmt.Errorf("terminate task %d: %w", taskID, err)
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, TaskStatusStopped, nil); err != nil {
		return StopResult{TaskID: taskID, Stopped: true}, fmt.Errorf("mark task %d stopped: %w", taskID, err)
	}
	if err := s.store.CloseOpenLogEntries(ctx, taskID); err != nil {
		s.logger.Error("close log entries", "task_id", taskID, "err", err)
	}
	if err := s.store.CleanupOldLogs(ctx, taskID); err != nil {
		s.logger.Warn("cleanup old logs", "task_id", taskID, "err", err)
	}
	s.logger.Info("task stopped", "task_id", taskID)
	return StopResult{TaskID: taskID, Stopped: true}, nil
}

// StopAll stops every running task. Each stop is independently guarded;
// failures are tallied, never raised.
func (s *Scheduler) StopAll(ctx context.Context) StopAllResult {
	res := StopAllResult{}
	for _, taskID := range s.sup.TaskIDs() {
		sr, err := s.Stop(ctx, taskID)
		switch {
		case err != nil:
			res.Failed++
			if res.Errors == nil {
				res.Errors = make(map[int64]string)
			}
			res.Errors[taskID] = err.Error()
		case sr.Stopped:
			res.Stopped++
		}
	}
	return res
}

// reconcile is the periodic sweep: reap exited processes, adopt out-of-band
// log rotations for tasks still running, and drop timers whose schedules are
// exhausted.
func (s *Scheduler) reconcile() {
	ctx := s.ctxOrBackground()
	for _, taskID := range s.sup.TaskIDs() {
		running, code, err := s.sup.Poll(taskID)
		if err != nil {
			continue
		}
		if running {
			s.adoptRotatedLog(ctx, taskID)
			continue
		}
		status := TaskStatusCompleted
		if code != 0 {
			status = TaskStatusFailed
		}
		s.launchMu.Lock()
		s.sup.Release(taskID)
		s.launchMu.Unlock()
		if err := s.store.UpdateTaskStatus(ctx, taskID, status, nil); err != nil {
			s.logger.Error("record task exit", "task_id", taskID, "err", err)
		}
		if err := s.store.CloseOpenLogEntries(ctx, taskID); err != nil {
			s.logger.Error("close log entries", "task_id", taskID, "err", err)
		}
		if err := s.store.CleanupOldLogs(ctx, taskID); err != nil {
			s.logger.Warn("cleanup old logs", "task_id", taskID, "err", err)
		}
		s.logger.Info("task exited", "task_id", taskID, "exit_code", code, "status", status)
	}
	s.dropExhaustedTimers()
}

// adoptRotatedLog detects that the wrapper rolled to a new file on its own by
// scanning the log directory for this task, and records the newest file as
// the current log entry. The store record is what streamers follow, so the
// directory scan happens only here.
func (s *Scheduler) adoptRotatedLog(ctx context.Context, taskID int64) {
	entry, err := s.store.LatestLogEntry(ctx, taskID)
	if err != nil || entry == nil {
		return
	}
	pattern := filepath.Join(s.store.LogDir(), fmt.Sprintf("task_%d_*.txt", taskID))
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return
	}
	var newest string
	var newestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = m
			newestMod = info.ModTime()
		}
	}
	if newest == "" || newest == entry.LogFilePath || filepath.Base(newest) == filepath.Base(entry.LogFilePath) {
		return
	}
	if !newestMod.After(entry.CreatedAt) {
		return
	}
	if _, err := s.store.RotateLogEntry(ctx, taskID, newest); err != nil {
		s.logger.Error("adopt rotated log", "task_id", taskID, "path", newest, "err", err)
		return
	}
	s.logger.Info("adopted rotated log file", "task_id", taskID, "path", newest)
}

// adoptReportedLogPath reconciles the wrapper's handshake path with the
// recorded current entry; the wrapper's report is authoritative.
func (s *Scheduler) adoptReportedLogPath(taskID int64, path string) {
	ctx := s.ctxOrBackground()
	entry, err := s.store.LatestLogEntry(ctx, taskID)
	if err == nil && entry != nil && entry.LogFilePath == path {
		return
	}
	if _, err := s.store.RotateLogEntry(ctx, taskID, path); err != nil {
		s.logger.Error("record reported log path", "task_id", taskID, "path", path, "err", err)
	}
}

// dropExhaustedTimers removes entries whose schedule will never fire again,
// such as a recurring series past its end-date cutoff or a spent one-shot.
func (s *Scheduler) dropExhaustedTimers() {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	for taskID, ids := range s.entries {
		live := ids[:0]
		for _, id := range ids {
			if s.cron.Entry(id).Next.IsZero() {
				s.cron.Remove(id)
				continue
			}
			live = append(live, id)
		}
		if len(live) == 0 {
			delete(s.entries, taskID)
			continue
		}
		s.entries[taskID] = live
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

package core

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// logPathMarker prefixes the handshake line the wrapper emits on its stderr to
// report the log file it actually used. Known limitation: a program printing
// the same prefix on stderr would collide with it.
const logPathMarker = "LOG_FILE_PATH:"

var (
	// ErrAlreadyRunning reports that a task already has a live process.
	ErrAlreadyRunning = errors.New("task is already running")
	// ErrNotRunning reports that no live process is tracked for a task.
	ErrNotRunning = errors.New("task is not running")
)

// LaunchSpec describes one wrapper launch.
type LaunchSpec struct {
	TaskID   int64
	TaskName string
	// Command is the fully composed shell line; the wrapper receives it as a
	// single argument and is the only place it meets a shell.
	Command string
	LogDir  string
	// OnLogPath is invoked from the stderr drain goroutine when the wrapper
	// reports the authoritative log file path.
	OnLogPath func(path string)
}

type procHandle struct {
	cmd      *exec.Cmd
	pid      int
	done     chan struct{}
	exitCode int
}

func (h *procHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Supervisor owns the task-id to live-process table. Commands are always
// launched indirectly through the log wrapper binary, so the supervisor never
// opens a log file for writing itself.
type Supervisor struct {
	logger      *slog.Logger
	wrapperPath string
	spawnGrace  time.Duration
	termWait    time.Duration

	mu    sync.Mutex
	procs map[int64]*procHandle
}

// NewSupervisor creates a supervisor that launches processes through the
// wrapper binary at wrapperPath.
func NewSupervisor(wrapperPath string, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:      logger,
		wrapperPath: wrapperPath,
		spawnGrace:  time.Second,
		termWait:    5 * time.Second,
		procs:       make(map[int64]*procHandle),
	}
}

// Launch starts the wrapper for the given spec and returns the wrapper's pid.
// A process that dies within the spawn grace period is reported as a launch
// failure regardless of its exit code: nothing meaningful can have run.
func (s *Supervisor) Launch(spec LaunchSpec) (int, error) {
	// Discrete arguments: the composed command needs no extra escaping here.
	cmd := exec.Command(s.wrapperPath,
		spec.Command,
		spec.LogDir,
		strconv.FormatInt(spec.TaskID, 10),
		spec.TaskName,
	)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("wrapper stderr pipe: %w", err)
	}

	handle := &procHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	// Check-and-insert is one critical section: a concurrent launch for the
	// same task cannot slip between the lookup and the registration.
	s.mu.Lock()
	if _, exists := s.procs[spec.TaskID]; exists {
		s.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	s.procs[spec.TaskID] = handle
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		s.release(spec.TaskID)
		return 0, fmt.Errorf("start wrapper: %w", err)
	}
	handle.pid = cmd.Process.Pid

	// Drain the diagnostic stream off the launch path, then reap. The
	// handshake may arrive at any point up to wrapper exit.
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, logPathMarker):
				if spec.OnLogPath != nil {
					spec.OnLogPath(strings.TrimSpace(strings.TrimPrefix(line, logPathMarker)))
				}
			case strings.Contains(line, "ERROR:") || strings.Contains(line, "Error:"):
				s.logger.Warn("wrapper diagnostic", "task_id", spec.TaskID, "line", line)
			default:
				s.logger.Debug("wrapper output", "task_id", spec.TaskID, "line", line)
			}
		}
		handle.exitCode = exitCodeOf(cmd.Wait())
		close(handle.done)
	}()

	select {
	case <-handle.done:
		s.release(spec.TaskID)
		return 0, fmt.Errorf("process exited immediately with code %d", handle.exitCode)
	case <-time.After(s.spawnGrace):
	}
	return handle.pid, nil
}

// Poll performs a non-blocking exit check. running is true while the process
// is still alive; otherwise code carries its exit status.
func (s *Supervisor) Poll(taskID int64) (running bool, code int, err error) {
	s.mu.Lock()
	handle, ok := s.procs[taskID]
	s.mu.Unlock()
	if !ok {
		return false, 0, ErrNotRunning
	}
	if handle.exited() {
		return false, handle.exitCode, nil
	}
	return true, 0, nil
}

// Has reports whether a live entry exists for the task.
func (s *Supervisor) Has(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[taskID]
	return ok
}

// TaskIDs returns the ids of all tracked tasks.
func (s *Supervisor) TaskIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	return ids
}

// Release drops the bookkeeping entry for a task without touching the process.
func (s *Supervisor) Release(taskID int64) {
	s.release(taskID)
}

func (s *Supervisor) release(taskID int64) {
	s.mu.Lock()
	delete(s.procs, taskID)
	s.mu.Unlock()
}

// Terminate tears down the process tree for a task: descendants first, then
// the parent, graceful then forced. A process that is already gone or cannot
// be signalled counts as terminated; the outcome that matters is that the
// bookkeeping entry is removed.
func (s *Supervisor) Terminate(taskID int64) error {
	s.mu.Lock()
	handle, ok := s.procs[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	defer s.release(taskID)

	if handle.exited() {
		return nil
	}

	var tree []*process.Process
	if parent, err := process.NewProcess(int32(handle.pid)); err == nil {
		tree = append(descendantsOf(parent), parent)
	}
	for _, p := range tree {
		_ = p.Terminate()
	}

	select {
	case <-handle.done:
		return nil
	case <-time.After(s.termWait):
	}

	for _, p := range tree {
		if alive, _ := p.IsRunning(); alive {
			_ = p.Kill()
		}
	}
	if handle.cmd.Process != nil {
		_ = handle.cmd.Process.Kill()
	}

	select {
	case <-handle.done:
	case <-time.After(s.termWait):
		s.logger.Warn("process did not exit after kill", "task_id", taskID, "pid", handle.pid)
	}
	return nil
}

// descendantsOf walks the child tree breadth-first.
func descendantsOf(parent *process.Process) []*process.Process {
	var all []*process.Process
	queue := []*process.Process{parent}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		all = append(all, children...)
		queue = append(queue, children...)
	}
	return all
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

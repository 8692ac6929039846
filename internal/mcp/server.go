package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes task management as MCP tools over stdio.
type MCPServer struct {
	store     *store.Store
	scheduler *core.Scheduler
	streamer  *core.Streamer
	logger    *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(st *store.Store, scheduler *core.Scheduler, streamer *core.Streamer, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		store:     st,
		scheduler: scheduler,
		streamer:  streamer,
		logger:    logger,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"taskpanel",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Register a shell command for one-shot or recurring execution"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name, also used in log file names"),
		),
		mcp.WithString("main_program_command",
			mcp.Required(),
			mcp.Description("Shell command to run"),
		),
		mcp.WithString("activate_env_command",
			mcp.Description("Environment activation command run before the main command, e.g. 'conda activate myenv'"),
		),
		mcp.WithString("repeat",
			mcp.Description("Repeat cadence: none, daily, weekly, monthly or quarterly (default none)"),
			mcp.Enum("none", "daily", "weekly", "monthly", "quarterly"),
		),
		mcp.WithString("start_time",
			mcp.Required(),
			mcp.Description("First execution time as RFC 3339, e.g. 2026-09-01T08:00:00Z; also anchors the recurring cadence"),
		),
		mcp.WithString("end_time",
			mcp.Description("Optional hard cutoff: after this date the task no longer fires and is stopped if running"),
		),
	), s.handleCreateTask)

	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List all registered tasks"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum("pending", "running", "stopped", "completed", "failed"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Get task details"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_update",
		mcp.WithDescription("Update a task's attributes and re-arm its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithString("name",
			mcp.Description("New task name"),
		),
		mcp.WithString("main_program_command",
			mcp.Description("New shell command"),
		),
		mcp.WithString("activate_env_command",
			mcp.Description("New environment activation command"),
		),
		mcp.WithString("repeat",
			mcp.Description("New repeat cadence"),
			mcp.Enum("none", "daily", "weekly", "monthly", "quarterly"),
		),
		mcp.WithString("start_time",
			mcp.Description("New start time (RFC 3339)"),
		),
		mcp.WithString("end_time",
			mcp.Description("New end time (RFC 3339); pass \"none\" to clear it"),
		),
	), s.handleUpdateTask)

	mcpServer.AddTool(mcp.NewTool("task_delete",
		mcp.WithDescription("Delete a task (must not be running)"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	mcpServer.AddTool(mcp.NewTool("task_start",
		mcp.WithDescription("Start a task immediately, bypassing its timers"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleStartTask)

	mcpServer.AddTool(mcp.NewTool("task_stop",
		mcp.WithDescription("Stop a running task's whole process tree"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleStopTask)

	mcpServer.AddTool(mcp.NewTool("task_stop_all",
		mcp.WithDescription("Stop every running task"),
	), s.handleStopAllTasks)

	mcpServer.AddTool(mcp.NewTool("task_log_tail",
		mcp.WithDescription("Read the tail of a task's current log file"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("lines",
			mcp.Description("Number of tail lines to return, default 100"),
			mcp.Min(1),
			mcp.Max(10000),
		),
	), s.handleLogTail)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	mainCmd := strings.TrimSpace(mcp.ParseString(request, "main_program_command", ""))
	if name == "" || mainCmd == "" {
		return mcp.NewToolResultError("name and main_program_command are required"), nil
	}

	repeat := core.RepeatNone
	if raw := mcp.ParseString(request, "repeat", ""); raw != "" {
		parsed, err := core.ParseRepeatType(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		repeat = parsed
	}

	startTime, err := time.Parse(time.RFC3339, mcp.ParseString(request, "start_time", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid start_time: %v", err)), nil
	}
	var endTime *time.Time
	if raw := mcp.ParseString(request, "end_time", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid end_time: %v", err)), nil
		}
		if !t.After(startTime) {
			return mcp.NewToolResultError("end_time must be after start_time"), nil
		}
		endTime = &t
	}

	task := &core.Task{
		Name:               name,
		ActivateEnvCommand: strings.TrimSpace(mcp.ParseString(request, "activate_env_command", "")),
		MainProgramCommand: mainCmd,
		Repeat:             repeat,
		StartTime:          startTime,
		EndTime:            endTime,
		Status:             core.TaskStatusPending,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}
	if err := s.scheduler.Reschedule(ctx, task.ID); err != nil {
		s.logger.Error("schedule task", "task_id", task.ID, "err", err)
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %d\nRepeat: %s\nStart: %s",
		task.ID, task.Repeat, task.StartTime.Format(time.RFC3339))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var tasks []*core.Task
	var err error
	if statusStr := mcp.ParseString(request, "status", ""); statusStr != "" {
		status := core.TaskStatus(statusStr)
		if !status.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", statusStr)), nil
		}
		tasks, err = s.store.ListTasksByStatus(ctx, status)
	} else {
		tasks, err = s.store.ListTasks(ctx)
	}
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	result := fmt.Sprintf("Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		result += fmt.Sprintf("[%s] #%d %s\n", t.Status, t.ID, t.Name)
		result += fmt.Sprintf("  Command: %s\n", truncateString(t.MainProgramCommand, 60))
		result += fmt.Sprintf("  Repeat: %s, start %s\n", t.Repeat, t.StartTime.Format(time.RFC3339))
		if t.EndTime != nil {
			result += fmt.Sprintf("  Ends: %s\n", t.EndTime.Format(time.RFC3339))
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	result := fmt.Sprintf("Task #%d: %s\n", task.ID, task.Name)
	result += fmt.Sprintf("Status: %s\n", task.Status)
	if task.ActivateEnvCommand != "" {
		result += fmt.Sprintf("Activate: %s\n", task.ActivateEnvCommand)
	}
	result += fmt.Sprintf("Command: %s\n", task.MainProgramCommand)
	result += fmt.Sprintf("Repeat: %s\n", task.Repeat)
	result += fmt.Sprintf("Start: %s\n", task.StartTime.Format(time.RFC3339))
	if task.EndTime != nil {
		result += fmt.Sprintf("End: %s\n", task.EndTime.Format(time.RFC3339))
	}
	if task.ProcessID != nil {
		result += fmt.Sprintf("PID: %d\n", *task.ProcessID)
	}
	result += fmt.Sprintf("Created: %s\n", task.CreatedAt.Format(time.RFC3339))
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	if task.Status == core.TaskStatusRunning {
		return mcp.NewToolResultError("task is running; stop it before editing"), nil
	}

	if name := strings.TrimSpace(mcp.ParseString(request, "name", "")); name != "" {
		task.Name = name
	}
	if cmd := strings.TrimSpace(mcp.ParseString(request, "main_program_command", "")); cmd != "" {
		task.MainProgramCommand = cmd
	}
	if activate := mcp.ParseString(request, "activate_env_command", ""); activate != "" {
		task.ActivateEnvCommand = strings.TrimSpace(activate)
	}
	if raw := mcp.ParseString(request, "repeat", ""); raw != "" {
		repeat, err := core.ParseRepeatType(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task.Repeat = repeat
	}
	if raw := mcp.ParseString(request, "start_time", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid start_time: %v", err)), nil
		}
		task.StartTime = t
	}
	if raw := mcp.ParseString(request, "end_time", ""); raw != "" {
		if raw == "none" {
			task.EndTime = nil
		} else {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid end_time: %v", err)), nil
			}
			task.EndTime = &t
		}
	}
	if task.EndTime != nil && !task.EndTime.After(task.StartTime) {
		return mcp.NewToolResultError("end_time must be after start_time"), nil
	}

	// Editing restarts the lifecycle from the new attributes.
	task.Status = core.TaskStatusPending

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update task: %v", err)), nil
	}
	if err := s.scheduler.Reschedule(ctx, task.ID); err != nil {
		s.logger.Error("reschedule task", "task_id", task.ID, "err", err)
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task updated: #%d\nStatus: %s", task.ID, task.Status)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	if task.Status == core.TaskStatusRunning {
		return mcp.NewToolResultError("task is running; stop it before deleting"), nil
	}
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete task: %v", err)), nil
	}
	s.scheduler.Unschedule(task.ID)
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: #%d", task.ID)), nil
}

func (s *MCPServer) handleStartTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	if err := s.scheduler.StartNow(ctx, task.ID); err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			return mcp.NewToolResultError("task is already running"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to start task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started: #%d %s", task.ID, task.Name)), nil
}

func (s *MCPServer) handleStopTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	res, err := s.scheduler.Stop(ctx, task.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to stop task: %v", err)), nil
	}
	if !res.Stopped {
		return mcp.NewToolResultText(fmt.Sprintf("Task #%d was not running", task.ID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task stopped: #%d", task.ID)), nil
}

func (s *MCPServer) handleStopAllTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := s.scheduler.StopAll(ctx)
	result := fmt.Sprintf("Stopped %d tasks, %d failures\n", res.Stopped, res.Failed)
	for taskID, msg := range res.Errors {
		result += fmt.Sprintf("  #%d: %s\n", taskID, msg)
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleLogTail(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	entry, err := s.store.LatestLogEntry(ctx, task.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load log entry: %v", err)), nil
	}
	if entry == nil {
		return mcp.NewToolResultText("Task has no log files yet"), nil
	}
	lines := int(mcp.ParseFloat64(request, "lines", 100))
	snap, err := s.streamer.SnapshotLog(entry.LogFilePath, lines)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read log: %v", err)), nil
	}
	header := fmt.Sprintf("File: %s (%d lines total", snap.FilePath, snap.TotalLines)
	if snap.Truncated {
		header += ", truncated"
	}
	header += ")\n\n"
	return mcp.NewToolResultText(header + snap.Content), nil
}

// loadTask resolves the task_id argument; the second return value is non-nil
// when the caller should return it directly.
func (s *MCPServer) loadTask(ctx context.Context, request mcp.CallToolRequest) (*core.Task, *mcp.CallToolResult) {
	raw := mcp.ParseString(request, "task_id", "")
	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || taskID <= 0 {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid task_id %q", raw))
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, mcp.NewToolResultError(fmt.Sprintf("task not found: %d", taskID))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err))
	}
	return task, nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

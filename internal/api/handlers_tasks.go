package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/store"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	Name               string  `json:"name"`
	ActivateEnvCommand string  `json:"activate_env_command"`
	MainProgramCommand string  `json:"main_program_command"`
	Repeat             string  `json:"repeat"`
	StartTime          string  `json:"start_time"`
	EndTime            *string `json:"end_time"`
}

type updateTaskRequest struct {
	Name               *string `json:"name"`
	ActivateEnvCommand *string `json:"activate_env_command"`
	MainProgramCommand *string `json:"main_program_command"`
	Repeat             *string `json:"repeat"`
	StartTime          *string `json:"start_time"`
	EndTime            *string `json:"end_time"`
}

type taskResponse struct {
	ID                 int64   `json:"id"`
	Name               string  `json:"name"`
	ActivateEnvCommand string  `json:"activate_env_command"`
	MainProgramCommand string  `json:"main_program_command"`
	Repeat             string  `json:"repeat"`
	StartTime          string  `json:"start_time"`
	EndTime            *string `json:"end_time,omitempty"`
	Status             string  `json:"status"`
	ProcessID          *int    `json:"process_id,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.MainProgramCommand = strings.TrimSpace(req.MainProgramCommand)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}
	if req.MainProgramCommand == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "main_program_command is required")
		return
	}

	repeat := core.RepeatNone
	if req.Repeat != "" {
		parsed, err := core.ParseRepeatType(req.Repeat)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		repeat = parsed
	}

	startTime, err := parseTime(req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "start_time must be an RFC 3339 timestamp")
		return
	}
	endTime, err := parseOptionalTime(req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "end_time must be an RFC 3339 timestamp")
		return
	}
	if endTime != nil && !endTime.After(startTime) {
		writeError(w, http.StatusBadRequest, "invalid_input", "end_time must be after start_time")
		return
	}

	task := &core.Task{
		Name:               req.Name,
		ActivateEnvCommand: strings.TrimSpace(req.ActivateEnvCommand),
		MainProgramCommand: req.MainProgramCommand,
		Repeat:             repeat,
		StartTime:          startTime,
		EndTime:            endTime,
		Status:             core.TaskStatusPending,
	}

	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}
	if err := s.scheduler.Reschedule(r.Context(), task.ID); err != nil {
		s.logger.Error("schedule task", "task_id", task.ID, "err", err)
	}

	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []*core.Task
	var err error
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status filter")
			return
		}
		tasks, err = s.store.ListTasksByStatus(r.Context(), st)
	} else {
		tasks, err = s.store.ListTasks(r.Context())
	}
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondTaskError(w, taskID, err, "load task")
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondTaskError(w, taskID, err, "load task for update")
		return
	}
	if task.Status == core.TaskStatusRunning {
		writeError(w, http.StatusConflict, "conflict", "task is running; stop it before editing")
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "name cannot be empty")
			return
		}
		task.Name = trimmed
	}
	if req.ActivateEnvCommand != nil {
		task.ActivateEnvCommand = strings.TrimSpace(*req.ActivateEnvCommand)
	}
	if req.MainProgramCommand != nil {
		cmd := strings.TrimSpace(*req.MainProgramCommand)
		if cmd == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "main_program_command cannot be empty")
			return
		}
		task.MainProgramCommand = cmd
	}
	if req.Repeat != nil {
		repeat, err := core.ParseRepeatType(*req.Repeat)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		task.Repeat = repeat
	}
	if req.StartTime != nil {
		startTime, err := parseTime(*req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "start_time must be an RFC 3339 timestamp")
			return
		}
		task.StartTime = startTime
	}
	if req.EndTime != nil {
		if *req.EndTime == "" {
			task.EndTime = nil
		} else {
			endTime, err := parseTime(*req.EndTime)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_input", "end_time must be an RFC 3339 timestamp")
				return
			}
			task.EndTime = &endTime
		}
	}
	if task.EndTime != nil && !task.EndTime.After(task.StartTime) {
		writeError(w, http.StatusBadRequest, "invalid_input", "end_time must be after start_time")
		return
	}

	// Editing re-arms the task: a spent one-shot or finished series starts a
	// fresh lifecycle from the new attributes.
	task.Status = core.TaskStatusPending

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.respondTaskError(w, taskID, err, "update task")
		return
	}
	if err := s.scheduler.Reschedule(r.Context(), task.ID); err != nil {
		s.logger.Error("reschedule task", "task_id", task.ID, "err", err)
	}

	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondTaskError(w, taskID, err, "load task for delete")
		return
	}
	if task.Status == core.TaskStatusRunning {
		writeError(w, http.StatusConflict, "conflict", "task is running; stop it before deleting")
		return
	}
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		s.respondTaskError(w, taskID, err, "delete task")
		return
	}
	s.scheduler.Unschedule(taskID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.StartNow(r.Context(), taskID); err != nil {
		switch {
		case errors.Is(err, core.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "conflict", "task is already running")
		case errors.Is(err, store.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		default:
			s.logger.Error("start task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to start task")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "status": string(core.TaskStatusRunning)})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.respondTaskError(w, taskID, err, "load task for stop")
		return
	}
	res, err := s.scheduler.Stop(r.Context(), taskID)
	if err != nil {
		s.logger.Error("stop task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to stop task")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopAllTasks(w http.ResponseWriter, r *http.Request) {
	res := s.scheduler.StopAll(r.Context())
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) respondTaskError(w http.ResponseWriter, taskID int64, err error, action string) {
	if errors.Is(err, store.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	s.logger.Error(action, "task_id", taskID, "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+action)
}

func parseTaskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "taskID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "task id must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(value))
}

func parseOptionalTime(value *string) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	t, err := parseTime(*value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func taskToResponse(task *core.Task) taskResponse {
	var end *string
	if task.EndTime != nil {
		formatted := task.EndTime.UTC().Format(time.RFC3339)
		end = &formatted
	}
	return taskResponse{
		ID:                 task.ID,
		Name:               task.Name,
		ActivateEnvCommand: task.ActivateEnvCommand,
		MainProgramCommand: task.MainProgramCommand,
		Repeat:             string(task.Repeat),
		StartTime:          task.StartTime.UTC().Format(time.RFC3339),
		EndTime:            end,
		Status:             string(task.Status),
		ProcessID:          task.ProcessID,
		CreatedAt:          task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

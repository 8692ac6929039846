package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"taskpanel/internal/core"
	"taskpanel/internal/store"
)

type logEntryResponse struct {
	ID          int64   `json:"id"`
	TaskID      int64   `json:"task_id"`
	LogFilePath string  `json:"log_file_path"`
	StartTime   string  `json:"start_time"`
	EndTime     *string `json:"end_time,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

type logContentResponse struct {
	FilePath   string `json:"file_path"`
	Content    string `json:"content"`
	TotalLines int    `json:"total_lines"`
	Truncated  bool   `json:"truncated"`
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.respondTaskError(w, taskID, err, "load task for logs")
		return
	}
	entries, err := s.store.ListLogEntries(r.Context(), taskID)
	if err != nil {
		s.logger.Error("list log entries", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list log entries")
		return
	}
	res := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		res = append(res, logEntryToResponse(e))
	}
	writeJSON(w, http.StatusOK, res)
}

// handleLogContent returns a bounded snapshot of the task's current log file,
// or of a specific historical entry when ?entry_id= is given.
func (s *Server) handleLogContent(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.respondTaskError(w, taskID, err, "load task for log content")
		return
	}

	var path string
	if entryID := parseIntDefault(r.URL.Query().Get("entry_id"), 0); entryID > 0 {
		entry, err := s.store.GetLogEntry(r.Context(), int64(entryID))
		if err != nil || entry.TaskID != taskID {
			writeError(w, http.StatusNotFound, "not_found", "log entry not found")
			return
		}
		path = entry.LogFilePath
	} else {
		entry, err := s.store.LatestLogEntry(r.Context(), taskID)
		if err != nil {
			s.logger.Error("latest log entry", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load log entry")
			return
		}
		if entry == nil {
			writeError(w, http.StatusNotFound, "not_found", "task has no log files yet")
			return
		}
		path = entry.LogFilePath
	}

	maxLines := parseIntDefault(r.URL.Query().Get("max_lines"), 0)
	snap, err := s.streamer.SnapshotLog(path, maxLines)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log file not found")
		} else {
			s.logger.Error("read log content", "task_id", taskID, "path", path, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log file")
		}
		return
	}
	writeJSON(w, http.StatusOK, logContentResponse{
		FilePath:   snap.FilePath,
		Content:    snap.Content,
		TotalLines: snap.TotalLines,
		Truncated:  snap.Truncated,
	})
}

// handleLogStream serves a live-log session as newline-delimited JSON. The
// connection stays open until the client disconnects.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		s.respondTaskError(w, taskID, err, "load task for log stream")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := &ndjsonSubscriber{w: w, flusher: flusher}
	if err := s.streamer.Stream(r.Context(), taskID, sub); err != nil {
		s.logger.Debug("log stream ended", "task_id", taskID, "err", err)
	}
}

// ndjsonSubscriber writes each stream event as one JSON line and flushes it
// immediately.
type ndjsonSubscriber struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (n *ndjsonSubscriber) Send(ev core.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(append(data, '\n')); err != nil {
		return err
	}
	n.flusher.Flush()
	return nil
}

func (s *Server) handleDeleteLogEntry(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskID(w, r)
	if !ok {
		return
	}
	entryID := parseIntDefault(r.URL.Query().Get("entry_id"), 0)
	if entryID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "entry_id is required")
		return
	}
	entry, err := s.store.GetLogEntry(r.Context(), int64(entryID))
	if err != nil || entry.TaskID != taskID {
		writeError(w, http.StatusNotFound, "not_found", "log entry not found")
		return
	}
	if err := s.store.DeleteLogEntry(r.Context(), entry.ID); err != nil {
		if errors.Is(err, store.ErrLogEntryNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "log entry not found")
			return
		}
		s.logger.Error("delete log entry", "entry_id", entry.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete log entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func logEntryToResponse(e *core.LogEntry) logEntryResponse {
	var end *string
	if e.EndTime != nil {
		formatted := e.EndTime.UTC().Format(time.RFC3339)
		end = &formatted
	}
	return logEntryResponse{
		ID:          e.ID,
		TaskID:      e.TaskID,
		LogFilePath: e.LogFilePath,
		StartTime:   e.StartTime.UTC().Format(time.RFC3339),
		EndTime:     end,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

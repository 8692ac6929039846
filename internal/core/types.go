package core

import (
	"fmt"
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusStopped   TaskStatus = "stopped"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusStopped, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// RepeatType is the closed set of supported repeat cadences.
type RepeatType string

const (
	RepeatNone      RepeatType = "none"
	RepeatDaily     RepeatType = "daily"
	RepeatWeekly    RepeatType = "weekly"
	RepeatMonthly   RepeatType = "monthly"
	RepeatQuarterly RepeatType = "quarterly"
)

// ParseRepeatType validates a textual repeat type.
func ParseRepeatType(value string) (RepeatType, error) {
	switch RepeatType(value) {
	case RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatQuarterly:
		return RepeatType(value), nil
	}
	return "", fmt.Errorf("unknown repeat type %q", value)
}

// Task represents a shell command registered for one-shot or recurring execution.
// StartTime is the anchor for the recurring cadence: its time-of-day, day-of-week
// and day-of-month are what the trigger calculator extracts.
type Task struct {
	ID                 int64
	Name               string
	ActivateEnvCommand string
	MainProgramCommand string
	Repeat             RepeatType
	StartTime          time.Time
	EndTime            *time.Time
	Status             TaskStatus
	ProcessID          *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LogEntry records one log file produced for a task. The newest entry per task
// is the current one; a nil EndTime means it has not been superseded yet.
type LogEntry struct {
	ID          int64
	TaskID      int64
	LogFilePath string
	StartTime   time.Time
	EndTime     *time.Time
	CreatedAt   time.Time
}

// SystemConfig is a key/value setting exposed through the config endpoints.
// The scheduler core itself does not read it.
type SystemConfig struct {
	ID          int64
	Key         string
	Value       *string
	Description *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

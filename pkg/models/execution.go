package models

import (
	"encoding/json"
	"time"
)

// ExecutionMode selects how a workflow is submitted to the engine.
type ExecutionMode string

const (
	ModeSync      ExecutionMode = "sync"
	ModeAsync     ExecutionMode = "async"
	ModeScheduled ExecutionMode = "scheduled"
)

// ExecutionStatus is the closed set of statuses reported to callers.
type ExecutionStatus string

const (
	StatusUnknown        ExecutionStatus = "UNKNOWN"
	StatusRunning        ExecutionStatus = "RUNNING"
	StatusCompleted      ExecutionStatus = "COMPLETED"
	StatusFailed         ExecutionStatus = "FAILED"
	StatusCancelled      ExecutionStatus = "CANCELLED"
	StatusTerminated     ExecutionStatus = "TERMINATED"
	StatusContinuedAsNew ExecutionStatus = "CONTINUED_AS_NEW"
	StatusTimedOut       ExecutionStatus = "TIMED_OUT"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTerminated, StatusTimedOut:
		return true
	}
	return false
}

// ExecutionHandle references an execution (or schedule) on the engine.
type ExecutionHandle struct {
	WorkflowID   string          `json:"workflow_id"`
	RunID        string          `json:"run_id,omitempty"`
	WorkflowType string          `json:"workflow_type"`
	TaskQueue    string          `json:"task_queue"`
	ScheduleID   string          `json:"schedule_id,omitempty"`
	Status       ExecutionStatus `json:"status"`
	StartTime    *time.Time      `json:"start_time,omitempty"`
	CloseTime    *time.Time      `json:"close_time,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Owner identifies who an execution runs on behalf of. The values are
// attached to executions as engine search attributes.
type Owner struct {
	TenantID string `json:"tenant_id"`
	PersonID string `json:"person_id"`
	OrgID    string `json:"org_id"`
}

// CalendarSpec selects matching times by calendar fields. Empty fields
// match the engine defaults (second 0, minute 0, hour 0, any day).
type CalendarSpec struct {
	Second     []int  `json:"second,omitempty"`
	Minute     []int  `json:"minute,omitempty"`
	Hour       []int  `json:"hour,omitempty"`
	DayOfMonth []int  `json:"day_of_month,omitempty"`
	Month      []int  `json:"month,omitempty"`
	Year       []int  `json:"year,omitempty"`
	DayOfWeek  []int  `json:"day_of_week,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// ScheduleSpec describes a recurring or calendar based schedule.
type ScheduleSpec struct {
	ScheduleID string         `json:"schedule_id,omitempty"`
	Cron       []string       `json:"cron,omitempty"`
	Calendars  []CalendarSpec `json:"calendars,omitempty"`
	// Every is a Go duration string such as "15m".
	Every string `json:"every,omitempty"`
	// RemainingActions caps the number of runs; 0 means unlimited.
	RemainingActions int `json:"remaining_actions,omitempty"`
}

// ExecuteRequest is the boundary request for running a workflow.
type ExecuteRequest struct {
	WorkflowID string          `json:"id"`
	Input      json.RawMessage `json:"input,omitempty"`
	EnvInput   map[string]any  `json:"env_input,omitempty"`
	Mode       ExecutionMode   `json:"mode"`
	TimeoutMs  int             `json:"timeout_ms,omitempty"`
	Schedule   *ScheduleSpec   `json:"schedule,omitempty"`
	Owner      Owner           `json:"owner"`
}

// ExecutionRecord maps an engine execution back to the workflow and owner
// that started it.
type ExecutionRecord struct {
	WorkflowID   string        `json:"workflow_id"`
	RunID        string        `json:"run_id,omitempty"`
	ScheduleID   string        `json:"schedule_id,omitempty"`
	DefinitionID string        `json:"definition_id"`
	WorkflowType string        `json:"workflow_type"`
	TaskQueue    string        `json:"task_queue"`
	Mode         ExecutionMode `json:"mode"`
	Owner        Owner         `json:"owner"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Key returns the id a caller uses to reference the execution: the schedule
// id for scheduled executions, the workflow id otherwise.
func (r *ExecutionRecord) Key() string {
	if r.ScheduleID != "" {
		return r.ScheduleID
	}
	return r.WorkflowID
}

// Key returns the id a caller uses to reference the execution.
func (h *ExecutionHandle) Key() string {
	if h.ScheduleID != "" {
		return h.ScheduleID
	}
	return h.WorkflowID
}

// Package engine defines the orchestration engine collaborator and its
// Temporal implementation.
package engine

import (
	"context"
	"time"

	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// Engine starts, schedules and inspects workflow executions.
type Engine interface {
	Start(ctx context.Context, req StartRequest) (Run, error)
	CreateSchedule(ctx context.Context, req ScheduleRequest) (string, error)
	Describe(ctx context.Context, workflowID, runID string) (*Description, error)
	DescribeSchedule(ctx context.Context, scheduleID string) (*ScheduleDescription, error)
	Result(ctx context.Context, workflowID, runID string, valuePtr any) error
	Cancel(ctx context.Context, workflowID, runID string) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
	CheckHealth(ctx context.Context) error
}

// Run is a started execution.
type Run interface {
	WorkflowID() string
	RunID() string
	// Get blocks until the execution closes and decodes its result.
	Get(ctx context.Context, valuePtr any) error
}

// SearchAttributes are the keyword attributes indexed by the engine.
type SearchAttributes struct {
	TenantID string
	PersonID string
	OrgID    string
}

// SearchAttributesFor returns the attributes for an owner.
func SearchAttributesFor(o models.Owner) SearchAttributes {
	return SearchAttributes{TenantID: o.TenantID, PersonID: o.PersonID, OrgID: o.OrgID}
}

// StartRequest starts one execution.
type StartRequest struct {
	ID               string
	WorkflowType     string
	TaskQueue        string
	SearchAttributes SearchAttributes
	Args             []any
}

// Schedule selects when scheduled runs fire.
type Schedule struct {
	Cron      []string
	Calendars []models.CalendarSpec
	Every     time.Duration
}

// ScheduleRequest creates a schedule that starts WorkflowType.
type ScheduleRequest struct {
	ID               string
	WorkflowID       string
	WorkflowType     string
	TaskQueue        string
	Schedule         Schedule
	RemainingActions int
	SearchAttributes SearchAttributes
	Args             []any
}

// Description is the engine's view of one execution.
type Description struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	TaskQueue    string
	Status       models.ExecutionStatus
	StartTime    *time.Time
	CloseTime    *time.Time
}

// ScheduleDescription is the engine's view of a schedule.
type ScheduleDescription struct {
	ID               string
	Paused           bool
	RemainingActions int
	NextActionTimes  []time.Time
	RecentRuns       []string
}

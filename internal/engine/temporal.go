package engine

import (
	"context"
	"errors"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

var _ Engine = (*Temporal)(nil)

// Search attribute keys registered on the Temporal namespace.
var (
	TenantIDKey = temporal.NewSearchAttributeKeyKeyword("tenantId")
	PersonIDKey = temporal.NewSearchAttributeKeyKeyword("personId")
	OrgIDKey    = temporal.NewSearchAttributeKeyKeyword("orgId")
)

// Options configures the Temporal connection.
type Options struct {
	HostPort  string
	Namespace string
}

// Temporal implements Engine with the Temporal Go SDK. The client is safe for
// concurrent use and is shared by every request.
type Temporal struct {
	client client.Client
	logger logging.Logger
}

// Dial connects to the Temporal frontend.
func Dial(opts Options, logger logging.Logger) (*Temporal, error) {
	c, err := client.Dial(client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
		Logger:    log.NewStructuredLogger(logging.Slog(logger)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial temporal at %s: %w", opts.HostPort, err)
	}
	return NewTemporal(c, logger), nil
}

// NewTemporal wraps an existing client.
func NewTemporal(c client.Client, logger logging.Logger) *Temporal {
	return &Temporal{client: c, logger: logger}
}

// Close releases the client connection.
func (t *Temporal) Close() {
	t.client.Close()
}

func typedAttributes(sa SearchAttributes) temporal.SearchAttributes {
	var updates []temporal.SearchAttributeUpdate
	if sa.TenantID != "" {
		updates = append(updates, TenantIDKey.ValueSet(sa.TenantID))
	}
	if sa.PersonID != "" {
		updates = append(updates, PersonIDKey.ValueSet(sa.PersonID))
	}
	if sa.OrgID != "" {
		updates = append(updates, OrgIDKey.ValueSet(sa.OrgID))
	}
	return temporal.NewSearchAttributes(updates...)
}

// Start submits a workflow execution.
func (t *Temporal) Start(ctx context.Context, req StartRequest) (Run, error) {
	run, err := t.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    req.ID,
		TaskQueue:             req.TaskQueue,
		TypedSearchAttributes: typedAttributes(req.SearchAttributes),
	}, req.WorkflowType, req.Args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEngineSubmission, err, "failed to start %s", req.WorkflowType)
	}
	t.logger.Debug("started workflow", "workflow_id", run.GetID(), "run_id", run.GetRunID(), "task_queue", req.TaskQueue)
	return &temporalRun{run: run}, nil
}

// CreateSchedule creates a schedule and returns its id.
func (t *Temporal) CreateSchedule(ctx context.Context, req ScheduleRequest) (string, error) {
	spec := client.ScheduleSpec{CronExpressions: req.Schedule.Cron}
	for _, c := range req.Schedule.Calendars {
		spec.Calendars = append(spec.Calendars, calendar(c))
	}
	if req.Schedule.Every > 0 {
		spec.Intervals = []client.ScheduleIntervalSpec{{Every: req.Schedule.Every}}
	}

	handle, err := t.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID:   req.ID,
		Spec: spec,
		Action: &client.ScheduleWorkflowAction{
			ID:                    req.WorkflowID,
			Workflow:              req.WorkflowType,
			Args:                  req.Args,
			TaskQueue:             req.TaskQueue,
			TypedSearchAttributes: typedAttributes(req.SearchAttributes),
		},
		RemainingActions: req.RemainingActions,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeEngineSubmission, err, "failed to schedule %s", req.WorkflowType)
	}
	t.logger.Debug("created schedule", "schedule_id", handle.GetID(), "task_queue", req.TaskQueue)
	return handle.GetID(), nil
}

func calendar(c models.CalendarSpec) client.ScheduleCalendarSpec {
	return client.ScheduleCalendarSpec{
		Second:     ranges(c.Second),
		Minute:     ranges(c.Minute),
		Hour:       ranges(c.Hour),
		DayOfMonth: ranges(c.DayOfMonth),
		Month:      ranges(c.Month),
		Year:       ranges(c.Year),
		DayOfWeek:  ranges(c.DayOfWeek),
		Comment:    c.Comment,
	}
}

func ranges(values []int) []client.ScheduleRange {
	if len(values) == 0 {
		return nil
	}
	out := make([]client.ScheduleRange, len(values))
	for i, v := range values {
		out[i] = client.ScheduleRange{Start: v}
	}
	return out
}

// Describe returns the status of an execution.
func (t *Temporal) Describe(ctx context.Context, workflowID, runID string) (*Description, error) {
	resp, err := t.client.DescribeWorkflowExecution(ctx, workflowID, runID)
	if err != nil {
		return nil, t.lookupError("execution", workflowID, err)
	}
	info := resp.GetWorkflowExecutionInfo()
	d := &Description{
		WorkflowID:   info.GetExecution().GetWorkflowId(),
		RunID:        info.GetExecution().GetRunId(),
		WorkflowType: info.GetType().GetName(),
		TaskQueue:    info.GetTaskQueue(),
		Status:       MapStatus(info.GetStatus()),
	}
	if ts := info.GetStartTime(); ts != nil {
		v := ts.AsTime()
		d.StartTime = &v
	}
	if ts := info.GetCloseTime(); ts != nil {
		v := ts.AsTime()
		d.CloseTime = &v
	}
	return d, nil
}

// DescribeSchedule returns the state of a schedule.
func (t *Temporal) DescribeSchedule(ctx context.Context, scheduleID string) (*ScheduleDescription, error) {
	desc, err := t.client.ScheduleClient().GetHandle(ctx, scheduleID).Describe(ctx)
	if err != nil {
		return nil, t.lookupError("schedule", scheduleID, err)
	}
	out := &ScheduleDescription{
		ID:              scheduleID,
		NextActionTimes: desc.Info.NextActionTimes,
	}
	if desc.Schedule.State != nil {
		out.Paused = desc.Schedule.State.Paused
		out.RemainingActions = desc.Schedule.State.RemainingActions
	}
	for _, a := range desc.Info.RecentActions {
		if a.StartWorkflowResult != nil {
			out.RecentRuns = append(out.RecentRuns, a.StartWorkflowResult.WorkflowID)
		}
	}
	return out, nil
}

// Result blocks until the execution closes and decodes its result.
func (t *Temporal) Result(ctx context.Context, workflowID, runID string, valuePtr any) error {
	if err := t.client.GetWorkflow(ctx, workflowID, runID).Get(ctx, valuePtr); err != nil {
		return ExecutionError(workflowID, err)
	}
	return nil
}

// Cancel requests cancellation of a running execution.
func (t *Temporal) Cancel(ctx context.Context, workflowID, runID string) error {
	if err := t.client.CancelWorkflow(ctx, workflowID, runID); err != nil {
		return t.lookupError("execution", workflowID, err)
	}
	return nil
}

// DeleteSchedule removes a schedule. Runs already started are unaffected.
func (t *Temporal) DeleteSchedule(ctx context.Context, scheduleID string) error {
	if err := t.client.ScheduleClient().GetHandle(ctx, scheduleID).Delete(ctx); err != nil {
		return t.lookupError("schedule", scheduleID, err)
	}
	return nil
}

// CheckHealth pings the frontend service.
func (t *Temporal) CheckHealth(ctx context.Context) error {
	_, err := t.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return err
}

func (t *Temporal) lookupError(what, id string, err error) error {
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return apperrors.NotFound(what, id)
	}
	return apperrors.Wrap(apperrors.CodeEngineSubmission, err, "failed to reach engine for %s %s", what, id)
}

// MapStatus converts the Temporal status vocabulary to ExecutionStatus.
func MapStatus(s enumspb.WorkflowExecutionStatus) models.ExecutionStatus {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return models.StatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return models.StatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return models.StatusFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return models.StatusCancelled
	case enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return models.StatusTerminated
	case enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return models.StatusContinuedAsNew
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return models.StatusTimedOut
	default:
		return models.StatusUnknown
	}
}

// StatusOf returns the terminal status implied by an error from waiting on
// a run.
func StatusOf(err error) models.ExecutionStatus {
	var (
		canceled   *temporal.CanceledError
		terminated *temporal.TerminatedError
		timeout    *temporal.TimeoutError
	)
	switch {
	case errors.As(err, &canceled):
		return models.StatusCancelled
	case errors.As(err, &terminated):
		return models.StatusTerminated
	case errors.As(err, &timeout):
		return models.StatusTimedOut
	}
	return models.StatusFailed
}

// ExecutionError classifies an error returned while waiting on a run.
// Engine-reported terminal outcomes become ENGINE_EXECUTION_ERROR; context
// errors pass through untouched.
func ExecutionError(workflowID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	status := StatusOf(err)
	return apperrors.Wrap(apperrors.CodeEngineExecution, err, "execution %s ended %s", workflowID, status).
		WithDetails(map[string]any{"workflow_id": workflowID, "status": status})
}

type temporalRun struct {
	run client.WorkflowRun
}

func (r *temporalRun) WorkflowID() string { return r.run.GetID() }
func (r *temporalRun) RunID() string      { return r.run.GetRunID() }

func (r *temporalRun) Get(ctx context.Context, valuePtr any) error {
	if err := r.run.Get(ctx, valuePtr); err != nil {
		return ExecutionError(r.run.GetID(), err)
	}
	return nil
}

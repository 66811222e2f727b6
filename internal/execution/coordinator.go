// Package execution submits prepared workflows to the orchestration engine
// and tracks the resulting executions.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/engine"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/transform"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

const instrumentationName = "github.com/manuplex-io/manu-agent-service-sub000/internal/execution"

// DefaultSyncTimeout bounds the local wait of ExecuteSync when the caller
// passes no timeout.
const DefaultSyncTimeout = 30 * time.Second

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Target is a prepared workflow ready for submission. The engine worker
// loads the code by ExternalName, which is also the workflow type and the
// task queue.
type Target struct {
	DefinitionID string
	ExternalName string
	Owner        models.Owner
}

// Coordinator starts executions on an Engine.
type Coordinator struct {
	engine      engine.Engine
	logger      logging.Logger
	tracer      trace.Tracer
	submissions metric.Int64Counter
	newID       func() string
	syncTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.tracer = tp.Tracer(instrumentationName) }
}

// WithIDGenerator overrides the random part of execution ids.
func WithIDGenerator(f func() string) Option {
	return func(c *Coordinator) { c.newID = f }
}

// WithSyncTimeout sets the default local wait for ExecuteSync.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.syncTimeout = d
		}
	}
}

// NewCoordinator creates a Coordinator. Metrics go to mp, or to the global
// meter provider when mp is nil.
func NewCoordinator(e engine.Engine, mp metric.MeterProvider, opts ...Option) (*Coordinator, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	submissions, err := mp.Meter(instrumentationName).Int64Counter(
		"codeflow.executions.submitted",
		metric.WithDescription("Workflow executions submitted to the engine by mode."),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create submissions counter: %w", err)
	}
	c := &Coordinator{
		engine:      e,
		logger:      slog.Default(),
		tracer:      otel.Tracer(instrumentationName),
		submissions: submissions,
		newID:       uuid.NewString,
		syncTimeout: DefaultSyncTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Args builds the engine arguments: the workflow input and a config object
// carrying the environment input under both the workflow and activity keys.
func Args(input json.RawMessage, env map[string]any) []any {
	if env == nil {
		env = map[string]any{}
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	config := map[string]any{
		transform.EnvKey(models.KindWorkflow): env,
		transform.EnvKey(models.KindActivity): env,
	}
	return []any{input, config}
}

func (c *Coordinator) executionID(ext string) string {
	return ext + "-" + c.newID()
}

func (c *Coordinator) start(ctx context.Context, mode models.ExecutionMode, t Target, input json.RawMessage, env map[string]any) (engine.Run, *models.ExecutionHandle, error) {
	if t.ExternalName == "" {
		return nil, nil, apperrors.New(apperrors.CodeInvalidInput, "workflow has no external name")
	}
	run, err := c.engine.Start(ctx, engine.StartRequest{
		ID:               c.executionID(t.ExternalName),
		WorkflowType:     t.ExternalName,
		TaskQueue:        t.ExternalName,
		SearchAttributes: engine.SearchAttributesFor(t.Owner),
		Args:             Args(input, env),
	})
	if err != nil {
		return nil, nil, err
	}
	c.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
	now := time.Now().UTC()
	h := &models.ExecutionHandle{
		WorkflowID:   run.WorkflowID(),
		RunID:        run.RunID(),
		WorkflowType: t.ExternalName,
		TaskQueue:    t.ExternalName,
		Status:       models.StatusRunning,
		StartTime:    &now,
	}
	c.logger.Info("workflow submitted", "mode", mode, "workflow_id", h.WorkflowID, "run_id", h.RunID, "tenant_id", t.Owner.TenantID)
	return run, h, nil
}

func (c *Coordinator) span(ctx context.Context, name string, t Target) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("workflow.type", t.ExternalName),
		attribute.String("tenant.id", t.Owner.TenantID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type outcome struct {
	result json.RawMessage
	err    error
}

// ExecuteSync starts the workflow and waits up to timeout for its result.
// When the timer fires first it returns ENGINE_TIMEOUT with the handle in
// the error details; the remote execution keeps running.
func (c *Coordinator) ExecuteSync(ctx context.Context, t Target, input json.RawMessage, env map[string]any, timeout time.Duration) (h *models.ExecutionHandle, err error) {
	ctx, span := c.span(ctx, "execution.sync", t)
	defer func() { endSpan(span, err) }()

	if timeout <= 0 {
		timeout = c.syncTimeout
	}
	run, h, err := c.start(ctx, models.ModeSync, t, input, env)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		var raw json.RawMessage
		err := run.Get(waitCtx, &raw)
		done <- outcome{result: raw, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		if o.err != nil {
			h.Status = engine.StatusOf(o.err)
			closed := time.Now().UTC()
			h.CloseTime = &closed
			return h, o.err
		}
		closed := time.Now().UTC()
		h.Status = models.StatusCompleted
		h.CloseTime = &closed
		h.Result = o.result
		return h, nil
	case <-timer.C:
		c.logger.Warn("sync wait timed out, execution continues on engine", "workflow_id", h.WorkflowID, "timeout", timeout)
		return h, apperrors.New(apperrors.CodeEngineTimeout,
			"no result from %s within %s; the execution continues on the engine", h.WorkflowID, timeout).
			WithDetails(h)
	case <-ctx.Done():
		return h, ctx.Err()
	}
}

// ExecuteAsync starts the workflow and returns immediately.
func (c *Coordinator) ExecuteAsync(ctx context.Context, t Target, input json.RawMessage, env map[string]any) (h *models.ExecutionHandle, err error) {
	ctx, span := c.span(ctx, "execution.async", t)
	defer func() { endSpan(span, err) }()

	_, h, err = c.start(ctx, models.ModeAsync, t, input, env)
	return h, err
}

// ValidateSchedule checks a schedule spec without contacting the engine.
func ValidateSchedule(spec *models.ScheduleSpec) (engine.Schedule, error) {
	var out engine.Schedule
	if spec == nil {
		return out, apperrors.New(apperrors.CodeInvalidInput, "schedule is required for scheduled mode")
	}
	var problems []string
	for _, expr := range spec.Cron {
		if _, err := cronParser.Parse(expr); err != nil {
			problems = append(problems, fmt.Sprintf("cron %q: %v", expr, err))
			continue
		}
		out.Cron = append(out.Cron, expr)
	}
	if spec.Every != "" {
		d, err := time.ParseDuration(spec.Every)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("every %q: %v", spec.Every, err))
		case d <= 0:
			problems = append(problems, fmt.Sprintf("every %q: must be positive", spec.Every))
		default:
			out.Every = d
		}
	}
	for i, cal := range spec.Calendars {
		if err := validateCalendar(cal); err != nil {
			problems = append(problems, fmt.Sprintf("calendar %d: %v", i, err))
		}
	}
	out.Calendars = spec.Calendars
	if spec.RemainingActions < 0 {
		problems = append(problems, "remaining_actions must not be negative")
	}
	if len(problems) == 0 && len(out.Cron) == 0 && len(out.Calendars) == 0 && out.Every == 0 {
		problems = append(problems, "one of cron, calendars or every is required")
	}
	if len(problems) > 0 {
		return engine.Schedule{}, apperrors.New(apperrors.CodeInvalidInput, "invalid schedule: %s", strings.Join(problems, "; ")).
			WithDetails(problems)
	}
	return out, nil
}

func validateCalendar(c models.CalendarSpec) error {
	fields := []struct {
		name     string
		values   []int
		min, max int
	}{
		{"second", c.Second, 0, 59},
		{"minute", c.Minute, 0, 59},
		{"hour", c.Hour, 0, 23},
		{"day_of_month", c.DayOfMonth, 1, 31},
		{"month", c.Month, 1, 12},
		{"day_of_week", c.DayOfWeek, 0, 6},
	}
	for _, f := range fields {
		for _, v := range f.values {
			if v < f.min || v > f.max {
				return fmt.Errorf("%s %d out of range %d-%d", f.name, v, f.min, f.max)
			}
		}
	}
	return nil
}

// ExecuteScheduled creates an engine schedule that starts the workflow.
// RemainingActions caps the number of runs, so 1 gives a one-shot schedule.
func (c *Coordinator) ExecuteScheduled(ctx context.Context, t Target, input json.RawMessage, env map[string]any, spec *models.ScheduleSpec) (h *models.ExecutionHandle, err error) {
	ctx, span := c.span(ctx, "execution.scheduled", t)
	defer func() { endSpan(span, err) }()

	schedule, err := ValidateSchedule(spec)
	if err != nil {
		return nil, err
	}
	if t.ExternalName == "" {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "workflow has no external name")
	}
	scheduleID := spec.ScheduleID
	if scheduleID == "" {
		scheduleID = t.ExternalName + "-schedule-" + c.newID()
	}
	workflowID := c.executionID(t.ExternalName)

	id, err := c.engine.CreateSchedule(ctx, engine.ScheduleRequest{
		ID:               scheduleID,
		WorkflowID:       workflowID,
		WorkflowType:     t.ExternalName,
		TaskQueue:        t.ExternalName,
		Schedule:         schedule,
		RemainingActions: spec.RemainingActions,
		SearchAttributes: engine.SearchAttributesFor(t.Owner),
		Args:             Args(input, env),
	})
	if err != nil {
		return nil, err
	}
	c.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(models.ModeScheduled))))
	c.logger.Info("workflow scheduled", "schedule_id", id, "workflow_type", t.ExternalName, "tenant_id", t.Owner.TenantID)
	return &models.ExecutionHandle{
		WorkflowID:   workflowID,
		WorkflowType: t.ExternalName,
		TaskQueue:    t.ExternalName,
		ScheduleID:   id,
		Status:       models.StatusRunning,
	}, nil
}

// GetStatus refreshes a handle from the engine. The result is fetched when
// the execution has completed.
func (c *Coordinator) GetStatus(ctx context.Context, h *models.ExecutionHandle) (out *models.ExecutionHandle, err error) {
	ctx, span := c.tracer.Start(ctx, "execution.status", trace.WithAttributes(attribute.String("execution.id", h.Key())))
	defer func() { endSpan(span, err) }()

	cp := *h
	if h.ScheduleID != "" {
		d, err := c.engine.DescribeSchedule(ctx, h.ScheduleID)
		if err != nil {
			return nil, err
		}
		cp.Status = models.StatusRunning
		// a capped schedule with nothing left to fire has finished
		if len(d.NextActionTimes) == 0 && d.RemainingActions == 0 && len(d.RecentRuns) > 0 {
			cp.Status = models.StatusCompleted
		}
		return &cp, nil
	}

	d, err := c.engine.Describe(ctx, h.WorkflowID, h.RunID)
	if err != nil {
		return nil, err
	}
	cp.Status = d.Status
	cp.StartTime = d.StartTime
	cp.CloseTime = d.CloseTime
	if d.RunID != "" {
		cp.RunID = d.RunID
	}
	if d.Status == models.StatusCompleted {
		var raw json.RawMessage
		if err := c.engine.Result(ctx, cp.WorkflowID, cp.RunID, &raw); err != nil {
			return nil, err
		}
		cp.Result = raw
	}
	return &cp, nil
}

// Cancel requests remote cancellation. Scheduled handles have their
// schedule deleted; runs already started are not touched.
func (c *Coordinator) Cancel(ctx context.Context, h *models.ExecutionHandle) (err error) {
	ctx, span := c.tracer.Start(ctx, "execution.cancel", trace.WithAttributes(attribute.String("execution.id", h.Key())))
	defer func() { endSpan(span, err) }()

	if h.ScheduleID != "" {
		err = c.engine.DeleteSchedule(ctx, h.ScheduleID)
	} else {
		err = c.engine.Cancel(ctx, h.WorkflowID, h.RunID)
	}
	if err != nil {
		var ae *apperrors.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperrors.Wrap(apperrors.CodeEngineSubmission, err, "failed to cancel %s", h.Key())
	}
	c.logger.Info("execution cancelled", "execution_id", h.Key())
	return nil
}

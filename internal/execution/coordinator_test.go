package execution

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/engine"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Start(ctx context.Context, req engine.StartRequest) (engine.Run, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(engine.Run), args.Error(1)
}

func (m *MockEngine) CreateSchedule(ctx context.Context, req engine.ScheduleRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) Describe(ctx context.Context, workflowID, runID string) (*engine.Description, error) {
	args := m.Called(ctx, workflowID, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.Description), args.Error(1)
}

func (m *MockEngine) DescribeSchedule(ctx context.Context, scheduleID string) (*engine.ScheduleDescription, error) {
	args := m.Called(ctx, scheduleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.ScheduleDescription), args.Error(1)
}

func (m *MockEngine) Result(ctx context.Context, workflowID, runID string, valuePtr any) error {
	args := m.Called(ctx, workflowID, runID, valuePtr)
	return args.Error(0)
}

func (m *MockEngine) Cancel(ctx context.Context, workflowID, runID string) error {
	return m.Called(ctx, workflowID, runID).Error(0)
}

func (m *MockEngine) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return m.Called(ctx, scheduleID).Error(0)
}

func (m *MockEngine) CheckHealth(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// fakeRun resolves after delay with result or err.
type fakeRun struct {
	id     string
	delay  time.Duration
	result string
	err    error
}

func (r *fakeRun) WorkflowID() string { return r.id }
func (r *fakeRun) RunID() string      { return "run-" + r.id }

func (r *fakeRun) Get(ctx context.Context, valuePtr any) error {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	*(valuePtr.(*json.RawMessage)) = json.RawMessage(r.result)
	return nil
}

func newCoordinator(t *testing.T, e engine.Engine) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(e, noop.NewMeterProvider(),
		WithLogger(logging.Discard()),
		WithIDGenerator(func() string { return "fixed" }),
	)
	require.NoError(t, err)
	return c
}

var target = Target{
	DefinitionID: "wf-1",
	ExternalName: "math_sum_v1",
	Owner:        models.Owner{TenantID: "t1", PersonID: "p1", OrgID: "o1"},
}

func TestExecuteSync_Completes(t *testing.T) {
	e := &MockEngine{}
	e.On("Start", mock.Anything, mock.MatchedBy(func(r engine.StartRequest) bool {
		return r.ID == "math_sum_v1-fixed" &&
			r.WorkflowType == "math_sum_v1" &&
			r.TaskQueue == "math_sum_v1" &&
			r.SearchAttributes == engine.SearchAttributes{TenantID: "t1", PersonID: "p1", OrgID: "o1"} &&
			len(r.Args) == 2
	})).Return(&fakeRun{id: "math_sum_v1-fixed", delay: 10 * time.Millisecond, result: `{"sum":3}`}, nil)

	c := newCoordinator(t, e)
	h, err := c.ExecuteSync(context.Background(), target, json.RawMessage(`{"a":1,"b":2}`), map[string]any{"API_KEY": "k"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, h.Status)
	assert.JSONEq(t, `{"sum":3}`, string(h.Result))
	assert.Equal(t, "run-math_sum_v1-fixed", h.RunID)
	assert.NotNil(t, h.CloseTime)
	e.AssertExpectations(t)
}

func TestExecuteSync_TimeoutLeavesRemoteRunning(t *testing.T) {
	e := &MockEngine{}
	e.On("Start", mock.Anything, mock.Anything).
		Return(&fakeRun{id: "math_sum_v1-fixed", delay: 500 * time.Millisecond, result: `1`}, nil)

	c := newCoordinator(t, e)
	start := time.Now()
	h, err := c.ExecuteSync(context.Background(), target, nil, nil, 200*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrEngineTimeout))
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 450*time.Millisecond)

	require.NotNil(t, h)
	assert.Equal(t, models.StatusRunning, h.Status)
	var ae *apperrors.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, h, ae.Details)

	e.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteSync_EngineFailure(t *testing.T) {
	e := &MockEngine{}
	failure := apperrors.New(apperrors.CodeEngineExecution, "execution ended FAILED")
	e.On("Start", mock.Anything, mock.Anything).
		Return(&fakeRun{id: "x", err: failure}, nil)

	c := newCoordinator(t, e)
	h, err := c.ExecuteSync(context.Background(), target, nil, nil, time.Second)
	assert.Equal(t, apperrors.CodeEngineExecution, apperrors.CodeOf(err))
	assert.Equal(t, models.StatusFailed, h.Status)
}

func TestExecuteSync_SubmissionError(t *testing.T) {
	e := &MockEngine{}
	e.On("Start", mock.Anything, mock.Anything).
		Return(nil, apperrors.New(apperrors.CodeEngineSubmission, "unavailable"))

	c := newCoordinator(t, e)
	h, err := c.ExecuteSync(context.Background(), target, nil, nil, time.Second)
	assert.Nil(t, h)
	assert.Equal(t, apperrors.CodeEngineSubmission, apperrors.CodeOf(err))
}

func TestExecuteAsync(t *testing.T) {
	e := &MockEngine{}
	e.On("Start", mock.Anything, mock.Anything).
		Return(&fakeRun{id: "math_sum_v1-fixed", delay: time.Hour}, nil)

	c := newCoordinator(t, e)
	h, err := c.ExecuteAsync(context.Background(), target, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, h.Status)
	assert.Equal(t, "math_sum_v1-fixed", h.WorkflowID)
	assert.Equal(t, "math_sum_v1", h.TaskQueue)
}

func TestArgs(t *testing.T) {
	args := Args(nil, map[string]any{"API_KEY": "k"})
	require.Len(t, args, 2)
	assert.Equal(t, json.RawMessage("{}"), args[0])
	cfg := args[1].(map[string]any)
	assert.Equal(t, map[string]any{"API_KEY": "k"}, cfg["workflowENVInputVariables"])
	assert.Equal(t, map[string]any{"API_KEY": "k"}, cfg["activityENVInputVariables"])
}

func TestValidateSchedule(t *testing.T) {
	s, err := ValidateSchedule(&models.ScheduleSpec{Cron: []string{"0 9 * * MON-FRI", "@hourly"}, Every: "15m"})
	require.NoError(t, err)
	assert.Equal(t, []string{"0 9 * * MON-FRI", "@hourly"}, s.Cron)
	assert.Equal(t, 15*time.Minute, s.Every)

	_, err = ValidateSchedule(&models.ScheduleSpec{Calendars: []models.CalendarSpec{{Hour: []int{9}}}})
	assert.NoError(t, err)

	tests := []struct {
		name string
		spec *models.ScheduleSpec
	}{
		{"nil", nil},
		{"empty", &models.ScheduleSpec{}},
		{"bad cron", &models.ScheduleSpec{Cron: []string{"61 * * * *"}}},
		{"bad every", &models.ScheduleSpec{Every: "soon"}},
		{"negative every", &models.ScheduleSpec{Every: "-1m"}},
		{"bad calendar", &models.ScheduleSpec{Calendars: []models.CalendarSpec{{Hour: []int{24}}}}},
		{"negative remaining", &models.ScheduleSpec{Every: "1h", RemainingActions: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateSchedule(tt.spec)
			assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))
		})
	}
}

func TestExecuteScheduled(t *testing.T) {
	e := &MockEngine{}
	e.On("CreateSchedule", mock.Anything, mock.MatchedBy(func(r engine.ScheduleRequest) bool {
		return r.ID == "math_sum_v1-schedule-fixed" &&
			r.WorkflowID == "math_sum_v1-fixed" &&
			r.RemainingActions == 1 &&
			r.Schedule.Every == time.Hour &&
			r.SearchAttributes.TenantID == "t1"
	})).Return("math_sum_v1-schedule-fixed", nil)

	c := newCoordinator(t, e)
	h, err := c.ExecuteScheduled(context.Background(), target, nil, nil, &models.ScheduleSpec{Every: "1h", RemainingActions: 1})
	require.NoError(t, err)
	assert.Equal(t, "math_sum_v1-schedule-fixed", h.ScheduleID)
	assert.Equal(t, "math_sum_v1-schedule-fixed", h.Key())
	assert.Equal(t, models.StatusRunning, h.Status)
	e.AssertExpectations(t)

	_, err = c.ExecuteScheduled(context.Background(), target, nil, nil, &models.ScheduleSpec{})
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))
	e.AssertNumberOfCalls(t, "CreateSchedule", 1)
}

func TestGetStatus(t *testing.T) {
	e := &MockEngine{}
	e.On("Describe", mock.Anything, "wf-done", "r1").
		Return(&engine.Description{WorkflowID: "wf-done", RunID: "r1", Status: models.StatusCompleted}, nil)
	e.On("Result", mock.Anything, "wf-done", "r1", mock.Anything).
		Run(func(args mock.Arguments) {
			*(args.Get(3).(*json.RawMessage)) = json.RawMessage(`42`)
		}).Return(nil)
	e.On("Describe", mock.Anything, "wf-run", "").
		Return(&engine.Description{WorkflowID: "wf-run", RunID: "r2", Status: models.StatusRunning}, nil)
	e.On("DescribeSchedule", mock.Anything, "sched").
		Return(&engine.ScheduleDescription{ID: "sched", NextActionTimes: []time.Time{time.Now()}}, nil)

	c := newCoordinator(t, e)

	h, err := c.GetStatus(context.Background(), &models.ExecutionHandle{WorkflowID: "wf-done", RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, h.Status)
	assert.Equal(t, json.RawMessage(`42`), h.Result)

	h, err = c.GetStatus(context.Background(), &models.ExecutionHandle{WorkflowID: "wf-run"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, h.Status)
	assert.Equal(t, "r2", h.RunID)
	assert.Nil(t, h.Result)

	h, err = c.GetStatus(context.Background(), &models.ExecutionHandle{WorkflowID: "x", ScheduleID: "sched"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, h.Status)

	e.AssertNumberOfCalls(t, "Result", 1)
}

func TestCancel(t *testing.T) {
	e := &MockEngine{}
	e.On("Cancel", mock.Anything, "wf-1", "r1").Return(nil)
	e.On("DeleteSchedule", mock.Anything, "sched").Return(nil)
	e.On("Cancel", mock.Anything, "gone", "").Return(apperrors.NotFound("execution", "gone"))

	c := newCoordinator(t, e)
	require.NoError(t, c.Cancel(context.Background(), &models.ExecutionHandle{WorkflowID: "wf-1", RunID: "r1"}))
	require.NoError(t, c.Cancel(context.Background(), &models.ExecutionHandle{WorkflowID: "x", ScheduleID: "sched"}))

	err := c.Cancel(context.Background(), &models.ExecutionHandle{WorkflowID: "gone"})
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	e.AssertNotCalled(t, "Cancel", mock.Anything, "x", mock.Anything)
}

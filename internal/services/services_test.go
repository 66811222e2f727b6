package services

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/cache"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/engine"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/execution"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/hierarchy"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/repository"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/transform"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/versioning"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

const sumSrc = `import { add } from 'mathjs';

export default async function mainActivity(input: { a: number; b: number }, config: any): Promise<number> {
  return add(input.a, input.b);
}
`

const keySrc = `export default async function mainActivity(input: any, config: any): Promise<string> {
  return config.activityENVInputVariables.API_KEY;
}
`

const regionSrc = `export default async function mainActivity(input: any, config: any): Promise<string> {
  const { REGION } = config.activityENVInputVariables;
  return REGION;
}
`

const callerSrc = `export default async function mainWorkflow(input: any): Promise<string> {
  return await geo_key_v1(input);
}
`

func envSchema(name string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{name: map[string]any{"type": "string"}},
		"required":   []any{name},
	}
}

// stubEngine completes every run immediately with result.
type stubEngine struct {
	mu        sync.Mutex
	started   []engine.StartRequest
	cancelled []string
	result    string
}

type stubRun struct {
	id     string
	result string
}

func (r *stubRun) WorkflowID() string { return r.id }
func (r *stubRun) RunID() string      { return "run-1" }
func (r *stubRun) Get(_ context.Context, v any) error {
	return json.Unmarshal([]byte(r.result), v)
}

func (e *stubEngine) Start(_ context.Context, req engine.StartRequest) (engine.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, req)
	return &stubRun{id: req.ID, result: e.result}, nil
}

func (e *stubEngine) CreateSchedule(_ context.Context, req engine.ScheduleRequest) (string, error) {
	return req.ID, nil
}

func (e *stubEngine) Describe(_ context.Context, workflowID, runID string) (*engine.Description, error) {
	return &engine.Description{WorkflowID: workflowID, RunID: runID, Status: models.StatusCompleted}, nil
}

func (e *stubEngine) DescribeSchedule(_ context.Context, id string) (*engine.ScheduleDescription, error) {
	return &engine.ScheduleDescription{ID: id, NextActionTimes: []time.Time{time.Now()}}, nil
}

func (e *stubEngine) Result(_ context.Context, _, _ string, v any) error {
	return json.Unmarshal([]byte(e.result), v)
}

func (e *stubEngine) Cancel(_ context.Context, workflowID, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, workflowID)
	return nil
}

func (e *stubEngine) DeleteSchedule(_ context.Context, id string) error {
	return e.Cancel(context.Background(), id, "")
}

func (e *stubEngine) CheckHealth(context.Context) error { return nil }

type harness struct {
	store       *repository.MemoryStore
	kv          *cache.MemoryKV
	codeCache   *cache.CodeCache
	engine      *stubEngine
	definitions *DefinitionService
	preparation *PreparationService
	executions  *ExecutionService
	category    *models.Category
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logging.Discard()
	store := repository.NewMemoryStore()
	kv := cache.NewMemoryKV()
	cc := cache.NewCodeCache(kv, cache.WithLogger(logger), cache.WithMetrics(cache.NewMetrics(prometheus.NewRegistry())))
	adapters := transform.NewRegistry()
	eng := &stubEngine{result: `"ok"`}
	coord, err := execution.NewCoordinator(eng, noop.NewMeterProvider(), execution.WithLogger(logger))
	require.NoError(t, err)

	defs := NewDefinitionService(store, adapters, versioning.NewVersioner(store, versioning.WithLogger(logger)), logger)
	prep := NewPreparationService(hierarchy.NewResolver(store, adapters, logger), adapters, cc, logger)
	execs := NewExecutionService(store, prep, coord, cc, logger)

	cat, err := defs.CreateCategory(context.Background(), "t1", "math")
	require.NoError(t, err)
	return &harness{
		store: store, kv: kv, codeCache: cc, engine: eng,
		definitions: defs, preparation: prep, executions: execs, category: cat,
	}
}

func (h *harness) draft(name, src string) *models.Draft {
	return &models.Draft{Name: name, SourceCode: src, CategoryID: h.category.ID, TenantID: "t1", PersonID: "p1"}
}

func TestCreateActivity_SequentialVersions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1, err := h.definitions.CreateActivity(ctx, h.draft("sum", sumSrc))
	require.NoError(t, err)
	v2, err := h.definitions.CreateActivity(ctx, h.draft("sum", sumSrc))
	require.NoError(t, err)

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, "math_sum_v1", v1.ExternalName)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "math_sum_v2", v2.ExternalName)
	assert.Equal(t, []string{"mathjs"}, v1.Imports)

	for _, a := range []*models.Activity{v1, v2} {
		got, err := h.definitions.GetActivity(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.ExternalName, got.ExternalName)
	}
}

func TestCreateActivity_LocalValidationFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bad := "export default function handler(input: any): number { return 1; }\n"
	_, err := h.definitions.CreateActivity(ctx, h.draft("sum", bad))
	assert.Equal(t, apperrors.CodeStructuralValidation, apperrors.CodeOf(err))

	_, err = h.definitions.CreateActivity(ctx, h.draft("sum", "export default async function (\n"))
	assert.Equal(t, apperrors.CodeSyntax, apperrors.CodeOf(err))

	_, err = h.definitions.CreateActivity(ctx, h.draft("my-sum", sumSrc))
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))

	_, err = h.definitions.CreateActivity(ctx, &models.Draft{Name: "sum"})
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))

	max, err := h.store.MaxVersion(ctx, models.KindActivity, "t1", h.category.ID, "sum")
	require.NoError(t, err)
	assert.Zero(t, max)
}

func TestCreateActivity_CategoryMismatch(t *testing.T) {
	h := newHarness(t)
	d := h.draft("sum", sumSrc)
	d.TenantID = "t2"
	_, err := h.definitions.CreateActivity(context.Background(), d)
	assert.Equal(t, apperrors.CodeCategoryMismatch, apperrors.CodeOf(err))
}

func TestCreateActivity_EnvContract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.definitions.CreateActivity(ctx, h.draft("key", keySrc))
	require.NoError(t, err)
	assert.Equal(t, []any{"API_KEY"}, a.EnvInputSchema["required"])

	d := h.draft("key", keySrc)
	d.EnvInputSchema = envSchema("TOKEN")
	_, err = h.definitions.CreateActivity(ctx, d)
	assert.Equal(t, apperrors.CodeSchemaValidation, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "API_KEY")
}

func TestNewActivityVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1, err := h.definitions.CreateActivity(ctx, h.draft("sum", sumSrc))
	require.NoError(t, err)

	v2, err := h.definitions.NewActivityVersion(ctx, v1.ID, &models.Draft{TenantID: "t1", Description: "faster"})
	require.NoError(t, err)
	assert.Equal(t, "math_sum_v2", v2.ExternalName)
	assert.Equal(t, sumSrc, v2.SourceCode)
	assert.Equal(t, "faster", v2.Description)

	_, err = h.definitions.NewActivityVersion(ctx, v1.ID, &models.Draft{TenantID: "t2"})
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestCreateWorkflow_Links(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.definitions.CreateActivity(ctx, h.draft("sum", sumSrc))
	require.NoError(t, err)

	d := h.draft("total", callerSrc)
	d.Links = []models.LinkDraft{{ActivityID: a.ID}}
	wf, err := h.definitions.CreateWorkflow(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "math_total_v1", wf.ExternalName)
	require.Len(t, wf.Links, 1)
	assert.Equal(t, a.ID, *wf.Links[0].ActivityID)

	d = h.draft("total", callerSrc)
	d.Links = []models.LinkDraft{{ActivityID: a.ID, SubWorkflowID: wf.ID}}
	_, err = h.definitions.CreateWorkflow(ctx, d)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))

	d = h.draft("total", callerSrc)
	d.Links = []models.LinkDraft{{ActivityID: "missing"}}
	_, err = h.definitions.CreateWorkflow(ctx, d)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))

	v2, err := h.definitions.NewWorkflowVersion(ctx, wf.ID, &models.Draft{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "math_total_v2", v2.ExternalName)
	require.Len(t, v2.Links, 1)
	assert.Equal(t, a.ID, *v2.Links[0].ActivityID)
}

func TestValidateSource(t *testing.T) {
	h := newHarness(t)

	report, err := h.definitions.ValidateSource(models.KindActivity, "", keySrc, nil)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, "mainActivity", report.Entry)
	assert.Equal(t, []string{"API_KEY"}, report.EnvReferences)
	assert.Contains(t, report.Compiled, "async function mainActivity(input, config)")

	_, err = h.definitions.ValidateSource(models.KindWorkflow, "", "import * as fs from 'fs';\nexport default async function mainWorkflow(input: any): Promise<void> {}\n", nil)
	assert.Equal(t, apperrors.CodeImportPolicy, apperrors.CodeOf(err))

	_, err = h.definitions.ValidateSource(models.KindActivity, "python", keySrc, nil)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))
}

// geoWorkflow creates category geo with activities key (API_KEY) and region
// (REGION) and a workflow linking both.
func geoWorkflow(t *testing.T, h *harness) *models.Workflow {
	t.Helper()
	ctx := context.Background()
	cat, err := h.definitions.CreateCategory(ctx, "t1", "geo")
	require.NoError(t, err)

	key := &models.Draft{Name: "key", SourceCode: keySrc, CategoryID: cat.ID, TenantID: "t1", EnvInputSchema: envSchema("API_KEY")}
	ka, err := h.definitions.CreateActivity(ctx, key)
	require.NoError(t, err)
	region := &models.Draft{Name: "region", SourceCode: regionSrc, CategoryID: cat.ID, TenantID: "t1", EnvInputSchema: envSchema("REGION")}
	ra, err := h.definitions.CreateActivity(ctx, region)
	require.NoError(t, err)

	wf, err := h.definitions.CreateWorkflow(ctx, &models.Draft{
		Name: "lookup", SourceCode: callerSrc, CategoryID: cat.ID, TenantID: "t1",
		Links: []models.LinkDraft{{ActivityID: ka.ID}, {ActivityID: ra.ID}},
	})
	require.NoError(t, err)
	return wf
}

func TestPrepare_EnvRejectedBeforeCacheWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := geoWorkflow(t, h)

	_, err := h.preparation.Prepare(ctx, wf, map[string]any{"API_KEY": "k"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSchemaValidation, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "REGION")

	_, ok, err := h.kv.Get(ctx, "codeflow:geo_lookup_v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrepare_MissThenHit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := geoWorkflow(t, h)
	env := map[string]any{"API_KEY": "k", "REGION": "eu"}

	p, err := h.preparation.Prepare(ctx, wf, env)
	require.NoError(t, err)
	assert.False(t, p.CacheHit)
	assert.Contains(t, p.Artifacts.WorkflowCode, "export async function geo_lookup_v1(")
	assert.Contains(t, p.Artifacts.WorkflowCode, "const { geo_key_v1, geo_region_v1 } = proxyActivities")
	assert.Contains(t, p.Artifacts.ActivityCode, "export async function geo_key_v1(")
	assert.Contains(t, p.Artifacts.ActivityCode, "export async function geo_region_v1(")
	assert.Equal(t, []string{"@temporalio/workflow"}, p.Artifacts.Imports)
	assert.ElementsMatch(t, []any{"API_KEY", "REGION"}, p.Artifacts.EnvSchema["required"])

	p2, err := h.preparation.Prepare(ctx, wf, env)
	require.NoError(t, err)
	assert.True(t, p2.CacheHit)
	assert.Equal(t, p.Artifacts.WorkflowCode, p2.Artifacts.WorkflowCode)

	// a hit still validates env input
	_, err = h.preparation.Prepare(ctx, wf, map[string]any{"REGION": "eu"})
	assert.Equal(t, apperrors.CodeSchemaValidation, apperrors.CodeOf(err))
}

func TestExecute_SyncStatusCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := geoWorkflow(t, h)

	handle, err := h.executions.Execute(ctx, &models.ExecuteRequest{
		WorkflowID: wf.ID,
		Input:      json.RawMessage(`{"q":1}`),
		EnvInput:   map[string]any{"API_KEY": "k", "REGION": "eu"},
		Mode:       models.ModeSync,
		Owner:      models.Owner{TenantID: "t1", PersonID: "p1"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, handle.Status)
	assert.JSONEq(t, `"ok"`, string(handle.Result))

	require.Len(t, h.engine.started, 1)
	started := h.engine.started[0]
	assert.Equal(t, "geo_lookup_v1", started.TaskQueue)
	assert.Equal(t, "t1", started.SearchAttributes.TenantID)

	st, err := h.executions.Status(ctx, handle.WorkflowID, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)

	_, err = h.executions.Status(ctx, handle.WorkflowID, "t2")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))

	require.NoError(t, h.executions.Cancel(ctx, handle.WorkflowID, "t1"))
	assert.Equal(t, []string{handle.WorkflowID}, h.engine.cancelled)
}

func TestExecute_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := geoWorkflow(t, h)

	_, err := h.executions.Execute(ctx, &models.ExecuteRequest{WorkflowID: wf.ID, Mode: "later"})
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))

	_, err = h.executions.Execute(ctx, &models.ExecuteRequest{WorkflowID: wf.ID, Mode: models.ModeScheduled})
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.CodeOf(err))

	_, err = h.executions.Execute(ctx, &models.ExecuteRequest{WorkflowID: wf.ID, Owner: models.Owner{TenantID: "t2"}})
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))

	_, err = h.executions.Execute(ctx, &models.ExecuteRequest{WorkflowID: wf.ID, Mode: models.ModeAsync})
	assert.Equal(t, apperrors.CodeSchemaValidation, apperrors.CodeOf(err))
	assert.Empty(t, h.engine.started)
}

// timeoutRecorder records the sync timeouts passed to the coordinator.
type timeoutRecorder struct {
	Coordinator
	timeouts []time.Duration
}

func (r *timeoutRecorder) ExecuteSync(ctx context.Context, t execution.Target, input json.RawMessage, env map[string]any, timeout time.Duration) (*models.ExecutionHandle, error) {
	r.timeouts = append(r.timeouts, timeout)
	return r.Coordinator.ExecuteSync(ctx, t, input, env, timeout)
}

func TestExecute_SyncTimeoutIsClamped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := geoWorkflow(t, h)

	rec := &timeoutRecorder{Coordinator: h.executions.coordinator}
	execs := NewExecutionService(h.store, h.preparation, rec, h.codeCache, logging.Discard(),
		WithMaxSyncTimeout(10*time.Second),
	)
	env := map[string]any{"API_KEY": "k", "REGION": "eu"}
	for _, ms := range []int{0, 2500, 120000, math.MaxInt} {
		_, err := execs.Execute(ctx, &models.ExecuteRequest{WorkflowID: wf.ID, EnvInput: env, TimeoutMs: ms})
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{0, 2500 * time.Millisecond, 10 * time.Second, 10 * time.Second}, rec.timeouts)
}

func TestExecute_Scheduled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf := geoWorkflow(t, h)

	handle, err := h.executions.Execute(ctx, &models.ExecuteRequest{
		WorkflowID: wf.ID,
		EnvInput:   map[string]any{"API_KEY": "k", "REGION": "eu"},
		Mode:       models.ModeScheduled,
		Schedule:   &models.ScheduleSpec{ScheduleID: "nightly", Cron: []string{"0 2 * * *"}},
		Owner:      models.Owner{TenantID: "t1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "nightly", handle.Key())

	st, err := h.executions.Status(ctx, "nightly", "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, st.Status)

	require.NoError(t, h.executions.Cancel(ctx, "nightly", ""))
	assert.Equal(t, []string{"nightly"}, h.engine.cancelled)
}

package services

import (
	"context"
	"time"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/execution"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/repository"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// DefaultMaxSyncTimeout caps a caller supplied sync wait. It stays below
// the default HTTP write timeout of 60s.
const DefaultMaxSyncTimeout = 55 * time.Second

// ExecutionService prepares workflows and submits them to the engine.
type ExecutionService struct {
	repo           repository.Repository
	preparer       *PreparationService
	coordinator    Coordinator
	cache          ArtifactCache
	logger         logging.Logger
	maxSyncTimeout time.Duration
}

// ExecutionOption configures an ExecutionService.
type ExecutionOption func(*ExecutionService)

// WithMaxSyncTimeout bounds timeout_ms on sync executions. Larger requests
// are clamped to d.
func WithMaxSyncTimeout(d time.Duration) ExecutionOption {
	return func(s *ExecutionService) {
		if d > 0 {
			s.maxSyncTimeout = d
		}
	}
}

// NewExecutionService creates a new ExecutionService.
func NewExecutionService(repo repository.Repository, preparer *PreparationService, coordinator Coordinator, c ArtifactCache, logger logging.Logger, opts ...ExecutionOption) *ExecutionService {
	s := &ExecutionService{
		repo:           repo,
		preparer:       preparer,
		coordinator:    coordinator,
		cache:          c,
		logger:         logger,
		maxSyncTimeout: DefaultMaxSyncTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// syncTimeout converts timeout_ms, clamped to the configured maximum. Zero
// leaves the coordinator's default in place.
func (s *ExecutionService) syncTimeout(ms int) time.Duration {
	if int64(ms) > s.maxSyncTimeout.Milliseconds() {
		s.logger.Warn("timeout_ms above maximum, clamping", "timeout_ms", ms, "max", s.maxSyncTimeout)
		return s.maxSyncTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// Execute runs a workflow in the requested mode. Sync mode returns the
// result; a sync timeout returns ENGINE_TIMEOUT together with the handle of
// the still running execution.
func (s *ExecutionService) Execute(ctx context.Context, req *models.ExecuteRequest) (*models.ExecutionHandle, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.ModeSync
	}
	switch mode {
	case models.ModeSync, models.ModeAsync:
	case models.ModeScheduled:
		if _, err := execution.ValidateSchedule(req.Schedule); err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.New(apperrors.CodeInvalidInput, "unknown execution mode %q", mode)
	}
	if req.TimeoutMs < 0 {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "timeout_ms must not be negative")
	}

	wf, err := s.repo.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if req.Owner.TenantID != "" && wf.TenantID != req.Owner.TenantID {
		return nil, apperrors.NotFound("workflow", req.WorkflowID)
	}
	owner := req.Owner
	if owner.TenantID == "" {
		owner.TenantID = wf.TenantID
	}

	prepared, err := s.preparer.Prepare(ctx, wf, req.EnvInput)
	if err != nil {
		return nil, err
	}
	target := execution.Target{DefinitionID: wf.ID, ExternalName: prepared.Workflow.ExternalName, Owner: owner}

	var h *models.ExecutionHandle
	switch mode {
	case models.ModeSync:
		h, err = s.coordinator.ExecuteSync(ctx, target, req.Input, req.EnvInput, s.syncTimeout(req.TimeoutMs))
	case models.ModeAsync:
		h, err = s.coordinator.ExecuteAsync(ctx, target, req.Input, req.EnvInput)
	case models.ModeScheduled:
		h, err = s.coordinator.ExecuteScheduled(ctx, target, req.Input, req.EnvInput, req.Schedule)
	}
	if h != nil {
		s.record(ctx, wf, mode, owner, h)
	}
	return h, err
}

func (s *ExecutionService) record(ctx context.Context, wf *models.Workflow, mode models.ExecutionMode, owner models.Owner, h *models.ExecutionHandle) {
	rec := &models.ExecutionRecord{
		WorkflowID:   h.WorkflowID,
		RunID:        h.RunID,
		ScheduleID:   h.ScheduleID,
		DefinitionID: wf.ID,
		WorkflowType: h.WorkflowType,
		TaskQueue:    h.TaskQueue,
		Mode:         mode,
		Owner:        owner,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.cache.SaveExecution(ctx, rec); err != nil {
		s.logger.Error("failed to save execution record", "execution_id", rec.Key(), "error", err)
	}
}

func (s *ExecutionService) load(ctx context.Context, key, tenantID string) (*models.ExecutionHandle, error) {
	rec, ok, err := s.cache.LoadExecution(ctx, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to load execution %s", key)
	}
	if !ok || (tenantID != "" && rec.Owner.TenantID != tenantID) {
		return nil, apperrors.NotFound("execution", key)
	}
	return &models.ExecutionHandle{
		WorkflowID:   rec.WorkflowID,
		RunID:        rec.RunID,
		ScheduleID:   rec.ScheduleID,
		WorkflowType: rec.WorkflowType,
		TaskQueue:    rec.TaskQueue,
		Status:       models.StatusUnknown,
	}, nil
}

// Status reports the current status of an execution. tenantID, when set,
// must match the tenant that started it.
func (s *ExecutionService) Status(ctx context.Context, key, tenantID string) (*models.ExecutionHandle, error) {
	h, err := s.load(ctx, key, tenantID)
	if err != nil {
		return nil, err
	}
	return s.coordinator.GetStatus(ctx, h)
}

// Cancel requests cancellation of an execution or deletes its schedule.
func (s *ExecutionService) Cancel(ctx context.Context, key, tenantID string) error {
	h, err := s.load(ctx, key, tenantID)
	if err != nil {
		return err
	}
	return s.coordinator.Cancel(ctx, h)
}

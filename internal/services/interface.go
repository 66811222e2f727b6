package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/cache"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/execution"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// Coordinator submits prepared workflows to the engine.
type Coordinator interface {
	ExecuteSync(ctx context.Context, t execution.Target, input json.RawMessage, env map[string]any, timeout time.Duration) (*models.ExecutionHandle, error)
	ExecuteAsync(ctx context.Context, t execution.Target, input json.RawMessage, env map[string]any) (*models.ExecutionHandle, error)
	ExecuteScheduled(ctx context.Context, t execution.Target, input json.RawMessage, env map[string]any, spec *models.ScheduleSpec) (*models.ExecutionHandle, error)
	GetStatus(ctx context.Context, h *models.ExecutionHandle) (*models.ExecutionHandle, error)
	Cancel(ctx context.Context, h *models.ExecutionHandle) error
}

// ArtifactCache stores prepared code and execution records.
type ArtifactCache interface {
	Lookup(ctx context.Context, ext string) (*cache.Artifacts, bool, error)
	Store(ctx context.Context, ext string, a *cache.Artifacts) error
	SaveExecution(ctx context.Context, rec *models.ExecutionRecord) error
	LoadExecution(ctx context.Context, key string) (*models.ExecutionRecord, bool, error)
}

var (
	_ Coordinator   = (*execution.Coordinator)(nil)
	_ ArtifactCache = (*cache.CodeCache)(nil)
)

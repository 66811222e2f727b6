package services

import (
	"context"
	"sort"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/cache"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/hierarchy"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/schema"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/transform"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// Prepared is a workflow whose code is cached and ready for the engine.
type Prepared struct {
	Workflow  *models.Workflow
	Artifacts *cache.Artifacts
	CacheHit  bool
}

// PreparationService turns a root workflow into cached, execution ready
// artifacts.
type PreparationService struct {
	resolver *hierarchy.Resolver
	adapters *transform.Registry
	cache    ArtifactCache
	logger   logging.Logger
}

// NewPreparationService creates a new PreparationService.
func NewPreparationService(resolver *hierarchy.Resolver, adapters *transform.Registry, c ArtifactCache, logger logging.Logger) *PreparationService {
	return &PreparationService{
		resolver: resolver,
		adapters: adapters,
		cache:    c,
		logger:   logger,
	}
}

// Prepare returns the artifacts of wf, from the cache when complete or by
// resolving and transforming its closure. env is validated against the
// merged env schema before anything is written to the cache.
func (s *PreparationService) Prepare(ctx context.Context, wf *models.Workflow, env map[string]any) (*Prepared, error) {
	a, hit, err := s.cache.Lookup(ctx, wf.ExternalName)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to read code cache for %s", wf.ExternalName)
	}
	if hit {
		if err := schema.Validate(a.EnvSchema, env); err != nil {
			return nil, err
		}
		s.logger.Debug("code cache hit", "workflow", wf.ExternalName)
		return &Prepared{Workflow: wf, Artifacts: a, CacheHit: true}, nil
	}

	a, err = s.build(ctx, wf)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(a.EnvSchema, env); err != nil {
		return nil, err
	}
	if err := s.cache.Store(ctx, wf.ExternalName, a); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to write code cache for %s", wf.ExternalName)
	}
	s.logger.Info("workflow prepared", "workflow", wf.ExternalName, "imports", len(a.Imports))
	return &Prepared{Workflow: wf, Artifacts: a}, nil
}

func (s *PreparationService) build(ctx context.Context, wf *models.Workflow) (*cache.Artifacts, error) {
	res, err := s.resolver.Resolve(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.For(wf.Language)
	if err != nil {
		return nil, err
	}

	imports := map[string]struct{}{}
	workflowParts := make([]string, 0, len(res.Workflows))
	for _, w := range res.Workflows {
		out, err := adapter.Transform(w.SourceCode, transform.TransformOptions{
			Kind:          models.KindWorkflow,
			Name:          w.ExternalName,
			ActivityNames: res.Merged[w.ExternalName],
		})
		if err != nil {
			return nil, err
		}
		workflowParts = append(workflowParts, out.Code)
		for _, imp := range out.Imports {
			imports[imp] = struct{}{}
		}
		for _, imp := range res.Imports[w.ExternalName] {
			imports[imp] = struct{}{}
		}
	}
	names := res.ActivityNames()
	workflowCode, err := adapter.Bundle(names, workflowParts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to bundle workflows of %s", wf.ExternalName)
	}

	activityParts := make([]string, 0, len(res.Activities))
	schemas := make([]map[string]any, 0, len(res.Activities)+len(res.Workflows))
	for _, w := range res.Workflows {
		if w.EnvInputSchema != nil {
			schemas = append(schemas, w.EnvInputSchema)
		}
	}
	for _, ra := range res.Activities {
		activityParts = append(activityParts, ra.Code)
		if ra.Activity.EnvInputSchema != nil {
			schemas = append(schemas, ra.Activity.EnvInputSchema)
		}
	}
	activityCode, err := adapter.Bundle(nil, activityParts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "failed to bundle activities of %s", wf.ExternalName)
	}
	env, err := schema.Merge(schemas...)
	if err != nil {
		return nil, err
	}

	list := make([]string, 0, len(imports))
	for imp := range imports {
		list = append(list, imp)
	}
	sort.Strings(list)
	return &cache.Artifacts{
		WorkflowCode: workflowCode,
		ActivityCode: activityCode,
		Imports:      list,
		EnvSchema:    env,
	}, nil
}

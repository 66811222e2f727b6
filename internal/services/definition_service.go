// Package services composes the pipeline components into the operations
// exposed by the REST and MCP surfaces.
package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/repository"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/schema"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/transform"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/versioning"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// DefinitionService creates categories and versioned definitions. Every
// local check runs before the first persistence call.
type DefinitionService struct {
	repo      repository.Repository
	adapters  *transform.Registry
	versioner *versioning.Versioner
	logger    logging.Logger
}

// NewDefinitionService creates a new DefinitionService.
func NewDefinitionService(repo repository.Repository, adapters *transform.Registry, versioner *versioning.Versioner, logger logging.Logger) *DefinitionService {
	return &DefinitionService{
		repo:      repo,
		adapters:  adapters,
		versioner: versioner,
		logger:    logger,
	}
}

// ValidationReport is the outcome of ValidateSource.
type ValidationReport struct {
	Valid         bool           `json:"valid"`
	Entry         string         `json:"entry"`
	Imports       []string       `json:"imports"`
	EnvReferences []string       `json:"env_references"`
	EnvSchema     map[string]any `json:"env_schema"`
	Compiled      string         `json:"compiled,omitempty"`
}

// CreateCategory saves a new category for a tenant.
func (s *DefinitionService) CreateCategory(ctx context.Context, tenantID, name string) (*models.Category, error) {
	if tenantID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "tenant_id is required")
	}
	if err := versioning.ValidateNamePart("name", name); err != nil {
		return nil, err
	}
	c := &models.Category{ID: uuid.New().String(), TenantID: tenantID, Name: name}
	if err := s.repo.CreateCategory(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("category created", "category_id", c.ID, "tenant_id", tenantID, "name", name)
	return c, nil
}

// ValidateSource runs the local checks of a definition without persisting
// anything and returns the compiled output.
func (s *DefinitionService) ValidateSource(kind models.UnitKind, lang models.Language, source string, envSchema map[string]any) (*ValidationReport, error) {
	adapter, err := s.adapters.For(lang)
	if err != nil {
		return nil, err
	}
	analysis, err := adapter.Validate(source, kind)
	if err != nil {
		return nil, err
	}
	env, err := envContract(envSchema, analysis.EnvReferences)
	if err != nil {
		return nil, err
	}
	compiled, err := adapter.Compile(source)
	if err != nil {
		return nil, err
	}
	return &ValidationReport{
		Valid:         true,
		Entry:         analysis.Entry,
		Imports:       analysis.Imports,
		EnvReferences: analysis.EnvReferences,
		EnvSchema:     env,
		Compiled:      compiled,
	}, nil
}

// envContract returns the env schema for a unit: the declared schema after
// checking it covers every reference, or one derived from the references.
func envContract(declared map[string]any, refs []string) (map[string]any, error) {
	if declared == nil {
		return schema.FromReferences(refs), nil
	}
	if err := schema.Compile(declared); err != nil {
		return nil, err
	}
	if err := schema.CheckDeclared(declared, refs); err != nil {
		return nil, err
	}
	return declared, nil
}

// checked is a draft that passed local validation.
type checked struct {
	language  models.Language
	imports   []string
	envSchema map[string]any
}

func (s *DefinitionService) check(kind models.UnitKind, d *models.Draft) (*checked, error) {
	var missing []string
	if d.Name == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(d.SourceCode) == "" {
		missing = append(missing, "source_code")
	}
	if d.CategoryID == "" {
		missing = append(missing, "category_id")
	}
	if d.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if len(missing) > 0 {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "missing required fields: %s", strings.Join(missing, ", ")).
			WithDetails(missing)
	}
	if err := versioning.ValidateNamePart("name", d.Name); err != nil {
		return nil, err
	}

	lang := d.Language
	if lang == "" {
		lang = models.LanguageTypeScript
	}
	adapter, err := s.adapters.For(lang)
	if err != nil {
		return nil, err
	}
	analysis, err := adapter.Validate(d.SourceCode, kind)
	if err != nil {
		return nil, err
	}
	for _, sc := range []map[string]any{d.InputSchema, d.OutputSchema} {
		if sc == nil {
			continue
		}
		if err := schema.Compile(sc); err != nil {
			return nil, err
		}
	}
	env, err := envContract(d.EnvInputSchema, analysis.EnvReferences)
	if err != nil {
		return nil, err
	}
	return &checked{language: lang, imports: analysis.Imports, envSchema: env}, nil
}

func definition(id string, d *models.Draft, c *checked, a versioning.Assignment) models.Definition {
	return models.Definition{
		ID:             id,
		ExternalName:   a.ExternalName,
		Version:        a.Version,
		Name:           d.Name,
		Description:    d.Description,
		Language:       c.language,
		SourceCode:     d.SourceCode,
		InputSchema:    d.InputSchema,
		OutputSchema:   d.OutputSchema,
		EnvInputSchema: c.envSchema,
		Imports:        c.imports,
		CategoryID:     a.Category.ID,
		TenantID:       d.TenantID,
		PersonID:       d.PersonID,
		CreatedAt:      time.Now().UTC(),
	}
}

// CreateActivity validates and stores version 1 (or the next free version)
// of an activity.
func (s *DefinitionService) CreateActivity(ctx context.Context, d *models.Draft) (*models.Activity, error) {
	c, err := s.check(models.KindActivity, d)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	var created *models.Activity
	_, err = s.versioner.Assign(ctx, models.KindActivity, d, func(ctx context.Context, a versioning.Assignment) error {
		act := &models.Activity{Definition: definition(id, d, c, a)}
		if err := s.repo.InsertActivity(ctx, act); err != nil {
			return err
		}
		created = act
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("activity created", "activity_id", created.ID, "external_name", created.ExternalName, "version", created.Version)
	return created, nil
}

// NewActivityVersion stores the next version of an existing activity. The
// name is kept; fields missing from the draft are taken from the current
// version.
func (s *DefinitionService) NewActivityVersion(ctx context.Context, id string, d *models.Draft) (*models.Activity, error) {
	current, err := s.repo.GetActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.TenantID != d.TenantID {
		return nil, apperrors.NotFound("activity", id)
	}
	inherit(d, &current.Definition)
	return s.CreateActivity(ctx, d)
}

// GetActivity returns an activity by id.
func (s *DefinitionService) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	return s.repo.GetActivity(ctx, id)
}

// GetActivityByExternalName returns an activity by its external name, e.g.
// math_sum_v2.
func (s *DefinitionService) GetActivityByExternalName(ctx context.Context, externalName string) (*models.Activity, error) {
	return s.repo.GetActivityByExternalName(ctx, externalName)
}

// CreateWorkflow validates and stores a workflow with its links. Linked
// activities and workflows must exist and belong to the same tenant.
func (s *DefinitionService) CreateWorkflow(ctx context.Context, d *models.Draft) (*models.Workflow, error) {
	c, err := s.check(models.KindWorkflow, d)
	if err != nil {
		return nil, err
	}
	for i, l := range d.Links {
		if (l.ActivityID == "") == (l.SubWorkflowID == "") {
			return nil, apperrors.Wrap(apperrors.CodeInvalidInput, models.ErrLinkTarget, "link %d is invalid", i).
				WithDetails(map[string]int{"position": i})
		}
	}
	if err := s.checkLinkTargets(ctx, d); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	var created *models.Workflow
	_, err = s.versioner.Assign(ctx, models.KindWorkflow, d, func(ctx context.Context, a versioning.Assignment) error {
		wf := &models.Workflow{Definition: definition(id, d, c, a)}
		for i, l := range d.Links {
			link := &models.WorkflowLink{ID: uuid.New().String(), WorkflowID: id, Position: i}
			if l.ActivityID != "" {
				target := l.ActivityID
				link.ActivityID = &target
			} else {
				target := l.SubWorkflowID
				link.SubWorkflowID = &target
			}
			wf.Links = append(wf.Links, link)
		}
		if err := s.repo.InsertWorkflow(ctx, wf); err != nil {
			return err
		}
		created = wf
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("workflow created", "workflow_id", created.ID, "external_name", created.ExternalName, "version", created.Version, "links", len(created.Links))
	return created, nil
}

func (s *DefinitionService) checkLinkTargets(ctx context.Context, d *models.Draft) error {
	for i, l := range d.Links {
		var tenant string
		if l.ActivityID != "" {
			a, err := s.repo.GetActivity(ctx, l.ActivityID)
			if err != nil {
				return linkError(err, i)
			}
			tenant = a.TenantID
		} else {
			w, err := s.repo.GetWorkflow(ctx, l.SubWorkflowID)
			if err != nil {
				return linkError(err, i)
			}
			tenant = w.TenantID
		}
		if tenant != d.TenantID {
			return apperrors.New(apperrors.CodeInvalidInput, "link %d targets a definition of another tenant", i).
				WithDetails(map[string]int{"position": i})
		}
	}
	return nil
}

func linkError(err error, pos int) error {
	if apperrors.Is(err, apperrors.CodeNotFound) {
		return apperrors.Wrap(apperrors.CodeInvalidInput, err, "link %d targets a missing definition", pos).
			WithDetails(map[string]int{"position": pos})
	}
	return err
}

// NewWorkflowVersion stores the next version of an existing workflow. When
// the draft has no links the current links are kept.
func (s *DefinitionService) NewWorkflowVersion(ctx context.Context, id string, d *models.Draft) (*models.Workflow, error) {
	current, err := s.repo.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.TenantID != d.TenantID {
		return nil, apperrors.NotFound("workflow", id)
	}
	inherit(d, &current.Definition)
	if d.Links == nil {
		for _, l := range current.Links {
			ld := models.LinkDraft{}
			if l.IsActivity() {
				ld.ActivityID = *l.ActivityID
			} else if l.SubWorkflowID != nil {
				ld.SubWorkflowID = *l.SubWorkflowID
			}
			d.Links = append(d.Links, ld)
		}
	}
	return s.CreateWorkflow(ctx, d)
}

// GetWorkflow returns a workflow with its links.
func (s *DefinitionService) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.repo.GetWorkflow(ctx, id)
}

// GetWorkflowByExternalName returns a workflow with its links by external
// name.
func (s *DefinitionService) GetWorkflowByExternalName(ctx context.Context, externalName string) (*models.Workflow, error) {
	return s.repo.GetWorkflowByExternalName(ctx, externalName)
}

func inherit(d *models.Draft, cur *models.Definition) {
	d.Name = cur.Name
	if d.CategoryID == "" {
		d.CategoryID = cur.CategoryID
	}
	if d.Language == "" {
		d.Language = cur.Language
	}
	if d.Description == "" {
		d.Description = cur.Description
	}
	if d.SourceCode == "" {
		d.SourceCode = cur.SourceCode
		// same code, same env references
		if d.EnvInputSchema == nil {
			d.EnvInputSchema = cur.EnvInputSchema
		}
	}
	if d.InputSchema == nil {
		d.InputSchema = cur.InputSchema
	}
	if d.OutputSchema == nil {
		d.OutputSchema = cur.OutputSchema
	}
}

package repository

import (
	"context"
	"sync"
	"time"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

var _ Repository = (*MemoryStore)(nil)

type versionKey struct {
	kind       models.UnitKind
	tenantID   string
	categoryID string
	name       string
	version    int
}

// MemoryStore is an in-process Repository enforcing the same uniqueness
// rules as the PostgreSQL schema. It backs dev mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]*models.Tenant
	categories map[string]*models.Category
	activities map[string]*models.Activity
	workflows  map[string]*models.Workflow
	versions   map[versionKey]struct{}
	external   map[string]versionKey
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:    map[string]*models.Tenant{},
		categories: map[string]*models.Category{},
		activities: map[string]*models.Activity{},
		workflows:  map[string]*models.Workflow{},
		versions:   map[versionKey]struct{}{},
		external:   map[string]versionKey{},
	}
}

// CreateTenant saves a tenant.
func (m *MemoryStore) CreateTenant(_ context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[tenant.ID]; ok {
		return apperrors.New(apperrors.CodeInvalidInput, "tenant %q already exists", tenant.ID)
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	cp := *tenant
	m.tenants[tenant.ID] = &cp
	return nil
}

// CreateCategory saves a category.
func (m *MemoryStore) CreateCategory(_ context.Context, category *models.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.categories {
		if c.TenantID == category.TenantID && c.Name == category.Name {
			return apperrors.New(apperrors.CodeInvalidInput, "category %q already exists for tenant", category.Name)
		}
	}
	category.CreatedAt = time.Now().UTC()
	cp := *category
	m.categories[category.ID] = &cp
	return nil
}

// GetCategory retrieves a category by its ID.
func (m *MemoryStore) GetCategory(_ context.Context, id string) (*models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, apperrors.NotFound("category", id)
	}
	cp := *c
	return &cp, nil
}

// MaxVersion returns the highest stored version, or 0.
func (m *MemoryStore) MaxVersion(_ context.Context, kind models.UnitKind, tenantID, categoryID, name string) (int, error) {
	if !kind.Valid() {
		return 0, apperrors.New(apperrors.CodeInvalidInput, "unknown unit kind %q", kind)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for k := range m.versions {
		if k.kind == kind && k.tenantID == tenantID && k.categoryID == categoryID && k.name == name && k.version > max {
			max = k.version
		}
	}
	return max, nil
}

// reserve claims the version and external name of d. Callers hold m.mu.
func (m *MemoryStore) reserve(kind models.UnitKind, d *models.Definition) error {
	key := versionKey{kind: kind, tenantID: d.TenantID, categoryID: d.CategoryID, name: d.Name, version: d.Version}
	extKey := string(kind) + ":" + d.ExternalName
	if _, ok := m.versions[key]; ok {
		return apperrors.New(apperrors.CodeVersionConflict, "version %d of %q already exists", d.Version, d.Name)
	}
	if holder, ok := m.external[extKey]; ok {
		if holder.tenantID != d.TenantID || holder.categoryID != d.CategoryID || holder.name != d.Name {
			return externalNameTaken(d.ExternalName, nil)
		}
		return apperrors.New(apperrors.CodeVersionConflict, "external name %q already exists", d.ExternalName)
	}
	if _, ok := m.categories[d.CategoryID]; !ok {
		return apperrors.NotFound("category", d.CategoryID)
	}
	m.versions[key] = struct{}{}
	m.external[extKey] = key
	d.CreatedAt = time.Now().UTC()
	return nil
}

// InsertActivity saves a new activity version.
func (m *MemoryStore) InsertActivity(_ context.Context, activity *models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reserve(models.KindActivity, &activity.Definition); err != nil {
		return err
	}
	cp := *activity
	cp.Imports = append([]string(nil), activity.Imports...)
	m.activities[activity.ID] = &cp
	return nil
}

// GetActivity retrieves an activity by its ID.
func (m *MemoryStore) GetActivity(_ context.Context, id string) (*models.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activities[id]
	if !ok {
		return nil, apperrors.NotFound("activity", id)
	}
	cp := *a
	cp.Imports = append([]string(nil), a.Imports...)
	return &cp, nil
}

// GetActivityByExternalName retrieves an activity by its external name.
func (m *MemoryStore) GetActivityByExternalName(_ context.Context, externalName string) (*models.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.activities {
		if a.ExternalName == externalName {
			cp := *a
			cp.Imports = append([]string(nil), a.Imports...)
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("activity", externalName)
}

// InsertWorkflow saves a workflow version and its links.
func (m *MemoryStore) InsertWorkflow(_ context.Context, workflow *models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reserve(models.KindWorkflow, &workflow.Definition); err != nil {
		return err
	}
	for _, l := range workflow.Links {
		l.WorkflowID = workflow.ID
	}
	m.workflows[workflow.ID] = copyWorkflow(workflow)
	return nil
}

// GetWorkflow retrieves a workflow and its links.
func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, apperrors.NotFound("workflow", id)
	}
	return copyWorkflow(w), nil
}

// GetWorkflowByExternalName retrieves a workflow and its links by the
// workflow's external name.
func (m *MemoryStore) GetWorkflowByExternalName(_ context.Context, externalName string) (*models.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workflows {
		if w.ExternalName == externalName {
			return copyWorkflow(w), nil
		}
	}
	return nil, apperrors.NotFound("workflow", externalName)
}

// PutWorkflow stores w as is, bypassing version bookkeeping and link
// validation. It exists to load fixtures, including malformed ones.
func (m *MemoryStore) PutWorkflow(w *models.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = copyWorkflow(w)
}

// PutActivity stores a as is, bypassing version bookkeeping.
func (m *MemoryStore) PutActivity(a *models.Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.activities[a.ID] = &cp
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func copyWorkflow(w *models.Workflow) *models.Workflow {
	cp := *w
	cp.Imports = append([]string(nil), w.Imports...)
	cp.Links = make([]*models.WorkflowLink, len(w.Links))
	for i, l := range w.Links {
		lc := *l
		cp.Links[i] = &lc
	}
	return &cp
}

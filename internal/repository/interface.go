package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// ErrExternalNameTaken marks an insert whose external name is held by a
// definition of another tenant, category or name. Unlike a version race it
// does not go away on retry. It is wrapped in a VERSION_CONFLICT error.
var ErrExternalNameTaken = errors.New("external name taken")

func externalNameTaken(externalName string, cause error) error {
	err := ErrExternalNameTaken
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrExternalNameTaken, cause)
	}
	return apperrors.Wrap(apperrors.CodeVersionConflict, err,
		"external name %q is already used by another tenant or category", externalName)
}

// Repository persists tenants, categories and versioned definitions.
// Definitions are immutable once inserted; a new version is a new row.
type Repository interface {
	// CreateTenant saves a tenant.
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	// CreateCategory saves a category. Names are unique per tenant.
	CreateCategory(ctx context.Context, category *models.Category) error
	// GetCategory retrieves a category by its ID.
	GetCategory(ctx context.Context, id string) (*models.Category, error)

	// MaxVersion returns the highest version stored for (tenant, category,
	// name) of the given kind, or 0 when there is none.
	MaxVersion(ctx context.Context, kind models.UnitKind, tenantID, categoryID, name string) (int, error)

	// InsertActivity saves a new activity version. A clash on version or
	// external name returns a VERSION_CONFLICT error; an external name held
	// by another lineage also matches ErrExternalNameTaken.
	InsertActivity(ctx context.Context, activity *models.Activity) error
	// GetActivity retrieves an activity by its ID.
	GetActivity(ctx context.Context, id string) (*models.Activity, error)
	// GetActivityByExternalName retrieves an activity by its external name.
	GetActivityByExternalName(ctx context.Context, externalName string) (*models.Activity, error)

	// InsertWorkflow saves a new workflow version together with its links.
	InsertWorkflow(ctx context.Context, workflow *models.Workflow) error
	// GetWorkflow retrieves a workflow and its links ordered by position.
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// GetWorkflowByExternalName retrieves a workflow and its links by the
	// workflow's external name.
	GetWorkflowByExternalName(ctx context.Context, externalName string) (*models.Workflow, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

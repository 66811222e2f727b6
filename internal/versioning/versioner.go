package versioning

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/repository"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

// Store is the persistence the Versioner reads from.
type Store interface {
	GetCategory(ctx context.Context, id string) (*models.Category, error)
	MaxVersion(ctx context.Context, kind models.UnitKind, tenantID, categoryID, name string) (int, error)
}

// Assignment is a version claimed for a definition.
type Assignment struct {
	Category     *models.Category
	Version      int
	ExternalName string
}

// InsertFunc persists a definition under an assignment. Returning a
// VERSION_CONFLICT error makes the Versioner retry with a fresh version,
// unless it wraps repository.ErrExternalNameTaken.
type InsertFunc func(ctx context.Context, a Assignment) error

// Versioner assigns versions. Concurrent creators of the same name race on
// the store's unique index; the loser re-reads the max version and retries.
type Versioner struct {
	store           Store
	logger          logging.Logger
	maxAttempts     uint64
	initialInterval time.Duration
}

// Option configures a Versioner.
type Option func(*Versioner)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(v *Versioner) {
		v.logger = logger
	}
}

// WithMaxAttempts bounds the number of insert attempts.
func WithMaxAttempts(n int) Option {
	return func(v *Versioner) {
		if n > 0 {
			v.maxAttempts = uint64(n)
		}
	}
}

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) Option {
	return func(v *Versioner) {
		v.initialInterval = d
	}
}

// NewVersioner creates a Versioner.
func NewVersioner(store Store, opts ...Option) *Versioner {
	v := &Versioner{
		store:           store,
		logger:          slog.Default(),
		maxAttempts:     5,
		initialInterval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Assign validates the draft's naming, checks category tenancy, and calls
// insert with version max+1 until it succeeds, fails with another error, or
// the attempts are exhausted.
func (v *Versioner) Assign(ctx context.Context, kind models.UnitKind, draft *models.Draft, insert InsertFunc) (*Assignment, error) {
	if err := ValidateNamePart("name", draft.Name); err != nil {
		return nil, err
	}
	category, err := v.store.GetCategory(ctx, draft.CategoryID)
	if err != nil {
		return nil, err
	}
	if category.TenantID != draft.TenantID {
		return nil, apperrors.ErrCategoryMismatch.WithDetails(map[string]string{"category_id": category.ID})
	}
	if err := ValidateNamePart("category", category.Name); err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.initialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, v.maxAttempts-1), ctx)

	var assigned Assignment
	attempt := 0
	op := func() error {
		attempt++
		max, err := v.store.MaxVersion(ctx, kind, draft.TenantID, category.ID, draft.Name)
		if err != nil {
			return backoff.Permanent(err)
		}
		ext, err := ExternalName(category.Name, draft.Name, max+1)
		if err != nil {
			return backoff.Permanent(err)
		}
		a := Assignment{Category: category, Version: max + 1, ExternalName: ext}
		if err := insert(ctx, a); err != nil {
			if errors.Is(err, repository.ErrExternalNameTaken) {
				return backoff.Permanent(err)
			}
			if apperrors.Is(err, apperrors.CodeVersionConflict) {
				v.logger.Warn("version conflict, retrying", "kind", kind, "external_name", ext, "attempt", attempt)
				return err
			}
			return backoff.Permanent(err)
		}
		assigned = a
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return &assigned, nil
}

package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/apperrors"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Repository = (*PostgresStore)(nil)

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, logger logging.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate applies the embedded SQL migrations in filename order. Applied
// files are tracked in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var applied bool
		err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, entry.Name()).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}
		data, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, entry.Name()); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", entry.Name(), err)
		}
		s.logger.Info("applied migration", "file", entry.Name())
	}
	return nil
}

// CreateTenant saves a tenant.
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	err := s.db.QueryRow(ctx,
		"INSERT INTO tenants (id, name, domain) VALUES ($1, $2, $3) RETURNING created_at, updated_at",
		tenant.ID, tenant.Name, tenant.Domain,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return apperrors.Wrap(apperrors.CodeInvalidInput, err, "tenant %q already exists", tenant.ID)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// CreateCategory saves a category.
func (s *PostgresStore) CreateCategory(ctx context.Context, category *models.Category) error {
	err := s.db.QueryRow(ctx,
		"INSERT INTO categories (id, tenant_id, name) VALUES ($1, $2, $3) RETURNING created_at",
		category.ID, category.TenantID, category.Name,
	).Scan(&category.CreatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return apperrors.Wrap(apperrors.CodeInvalidInput, err, "category %q already exists for tenant", category.Name)
		}
		return fmt.Errorf("failed to create category: %w", err)
	}
	return nil
}

// GetCategory retrieves a category by its ID.
func (s *PostgresStore) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	if !validID(id) {
		return nil, apperrors.NotFound("category", id)
	}
	var c models.Category
	err := s.db.QueryRow(ctx, "SELECT id, tenant_id, name, created_at FROM categories WHERE id = $1", id).
		Scan(&c.ID, &c.TenantID, &c.Name, &c.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NotFound("category", id)
		}
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return &c, nil
}

func tableFor(kind models.UnitKind) (string, error) {
	switch kind {
	case models.KindActivity:
		return "activities", nil
	case models.KindWorkflow:
		return "workflows", nil
	}
	return "", apperrors.New(apperrors.CodeInvalidInput, "unknown unit kind %q", kind)
}

// MaxVersion returns the highest stored version, or 0.
func (s *PostgresStore) MaxVersion(ctx context.Context, kind models.UnitKind, tenantID, categoryID, name string) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var v int
	err = s.db.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM "+table+" WHERE tenant_id = $1 AND category_id = $2 AND name = $3",
		tenantID, categoryID, name,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read max version: %w", err)
	}
	return v, nil
}

const definitionColumns = `id, external_name, version, name, description, language, source_code,
	input_schema, output_schema, env_input_schema, imports, category_id, tenant_id, person_id, created_at`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// insertDefinition inserts d through q. owner reads committed rows outside
// q's transaction to classify external name clashes.
func insertDefinition(ctx context.Context, q, owner querier, table string, d *models.Definition) error {
	imports := d.Imports
	if imports == nil {
		imports = []string{}
	}
	err := q.QueryRow(ctx,
		"INSERT INTO "+table+" ("+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		RETURNING created_at`,
		d.ID, d.ExternalName, d.Version, d.Name, d.Description, string(d.Language), d.SourceCode,
		d.InputSchema, d.OutputSchema, d.EnvInputSchema, imports, d.CategoryID, d.TenantID, d.PersonID,
	).Scan(&d.CreatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			if constraintName(err) == "idx_"+table+"_external_name" && !sameLineage(ctx, owner, table, d) {
				return externalNameTaken(d.ExternalName, err)
			}
			return apperrors.Wrap(apperrors.CodeVersionConflict, err, "%s version %d of %q already exists", table, d.Version, d.Name)
		}
		if isInvalidText(err) {
			return apperrors.Wrap(apperrors.CodeInvalidInput, err, "malformed id in %s %q", table, d.Name)
		}
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// sameLineage reports whether the row holding d's external name belongs to
// the same (tenant, category, name), i.e. the clash is a version race.
func sameLineage(ctx context.Context, q querier, table string, d *models.Definition) bool {
	var tenantID, categoryID, name string
	err := q.QueryRow(ctx,
		"SELECT tenant_id, category_id::text, name FROM "+table+" WHERE external_name = $1", d.ExternalName,
	).Scan(&tenantID, &categoryID, &name)
	if err != nil {
		// The holder vanished or is unreadable; retrying is safe.
		return true
	}
	return tenantID == d.TenantID && categoryID == d.CategoryID && name == d.Name
}

func scanDefinition(row pgx.Row, d *models.Definition) error {
	var language string
	err := row.Scan(&d.ID, &d.ExternalName, &d.Version, &d.Name, &d.Description, &language, &d.SourceCode,
		&d.InputSchema, &d.OutputSchema, &d.EnvInputSchema, &d.Imports, &d.CategoryID, &d.TenantID, &d.PersonID, &d.CreatedAt)
	d.Language = models.Language(language)
	return err
}

// InsertActivity saves a new activity version.
func (s *PostgresStore) InsertActivity(ctx context.Context, activity *models.Activity) error {
	return insertDefinition(ctx, s.db, s.db, "activities", &activity.Definition)
}

// GetActivity retrieves an activity by its ID.
func (s *PostgresStore) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	if !validID(id) {
		return nil, apperrors.NotFound("activity", id)
	}
	return s.getActivity(ctx, "id", id)
}

// GetActivityByExternalName retrieves an activity by its external name.
func (s *PostgresStore) GetActivityByExternalName(ctx context.Context, externalName string) (*models.Activity, error) {
	return s.getActivity(ctx, "external_name", externalName)
}

func (s *PostgresStore) getActivity(ctx context.Context, column, value string) (*models.Activity, error) {
	var a models.Activity
	row := s.db.QueryRow(ctx, "SELECT "+definitionColumns+" FROM activities WHERE "+column+" = $1", value)
	if err := scanDefinition(row, &a.Definition); err != nil {
		if isNoRows(err) {
			return nil, apperrors.NotFound("activity", value)
		}
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return &a, nil
}

// InsertWorkflow saves a workflow version and its links in one transaction.
func (s *PostgresStore) InsertWorkflow(ctx context.Context, workflow *models.Workflow) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertDefinition(ctx, tx, s.db, "workflows", &workflow.Definition); err != nil {
		return err
	}
	for _, l := range workflow.Links {
		l.WorkflowID = workflow.ID
		_, err := tx.Exec(ctx,
			"INSERT INTO workflow_links (id, workflow_id, activity_id, sub_workflow_id, position) VALUES ($1, $2, $3, $4, $5)",
			l.ID, l.WorkflowID, l.ActivityID, l.SubWorkflowID, l.Position,
		)
		if err != nil {
			if isInvalidText(err) {
				return apperrors.Wrap(apperrors.CodeInvalidInput, err, "malformed link target at position %d", l.Position)
			}
			return fmt.Errorf("failed to insert workflow link: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow and its links.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	if !validID(id) {
		return nil, apperrors.NotFound("workflow", id)
	}
	return s.getWorkflow(ctx, "id", id)
}

// GetWorkflowByExternalName retrieves a workflow and its links by the
// workflow's external name.
func (s *PostgresStore) GetWorkflowByExternalName(ctx context.Context, externalName string) (*models.Workflow, error) {
	return s.getWorkflow(ctx, "external_name", externalName)
}

func (s *PostgresStore) getWorkflow(ctx context.Context, column, value string) (*models.Workflow, error) {
	var w models.Workflow
	row := s.db.QueryRow(ctx, "SELECT "+definitionColumns+" FROM workflows WHERE "+column+" = $1", value)
	if err := scanDefinition(row, &w.Definition); err != nil {
		if isNoRows(err) {
			return nil, apperrors.NotFound("workflow", value)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	rows, err := s.db.Query(ctx,
		"SELECT id, workflow_id, activity_id, sub_workflow_id, position FROM workflow_links WHERE workflow_id = $1 ORDER BY position",
		w.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l models.WorkflowLink
		if err := rows.Scan(&l.ID, &l.WorkflowID, &l.ActivityID, &l.SubWorkflowID, &l.Position); err != nil {
			return nil, fmt.Errorf("failed to scan workflow link: %w", err)
		}
		w.Links = append(w.Links, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read workflow links: %w", err)
	}
	return &w, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isInvalidText checks for invalid_text_representation (22P02), raised for
// a malformed UUID parameter.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "22P02"
	}
	return false
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// validID reports whether id can match a UUID primary key. Anything else
// cannot name a stored row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

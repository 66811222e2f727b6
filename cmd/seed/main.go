package main

import (
	"context"
	"flag"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/config"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/hierarchy"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/repository"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/services"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/transform"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/versioning"
	"github.com/manuplex-io/manu-agent-service-sub000/pkg/models"
)

const sumActivity = `import { add } from 'mathjs';

export default async function mainActivity(input: { a: number; b: number }, config: any): Promise<number> {
  return add(input.a, input.b);
}
`

const greetActivity = `export default async function mainActivity(input: { name: string }, config: any): Promise<string> {
  const { GREETING } = config.activityENVInputVariables;
  return GREETING + ', ' + input.name;
}
`

const reportWorkflow = `export default async function mainWorkflow(input: { a: number; b: number; name: string }): Promise<string> {
  const total = await samples_sum_v1({ a: input.a, b: input.b });
  const hello = await samples_greet_v1({ name: input.name });
  return hello + ' (' + total + ')';
}
`

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "", "Path to config file")
	tenantName := flag.String("tenant", "Local Dev Tenant", "Name of the tenant to create")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool, logger)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	adapters := transform.NewRegistry()
	defs := services.NewDefinitionService(store, adapters, versioning.NewVersioner(store, versioning.WithLogger(logger)), logger)

	// 1. Tenant
	tenant := &models.Tenant{ID: uuid.New().String(), Name: *tenantName, Domain: "localhost"}
	if err := store.CreateTenant(ctx, tenant); err != nil {
		log.Fatalf("Failed to create tenant: %v", err)
	}
	logger.Info("Created tenant", "id", tenant.ID, "name", tenant.Name)

	// 2. Category
	cat, err := defs.CreateCategory(ctx, tenant.ID, "samples")
	if err != nil {
		log.Fatalf("Failed to create category: %v", err)
	}

	// 3. Activities
	activities := []*models.Draft{
		{Name: "sum", Description: "Adds two numbers with mathjs.", SourceCode: sumActivity},
		{Name: "greet", Description: "Greets with the configured GREETING.", SourceCode: greetActivity},
	}
	links := make([]models.LinkDraft, 0, len(activities))
	for _, d := range activities {
		d.CategoryID = cat.ID
		d.TenantID = tenant.ID
		d.PersonID = "seed-script"
		a, err := defs.CreateActivity(ctx, d)
		if err != nil {
			log.Fatalf("Failed to create activity %s: %v", d.Name, err)
		}
		logger.Info("Seeded activity", "external_name", a.ExternalName, "id", a.ID)
		links = append(links, models.LinkDraft{ActivityID: a.ID})
	}

	// 4. Workflow
	wf, err := defs.CreateWorkflow(ctx, &models.Draft{
		Name:        "report",
		Description: "Sums two numbers and greets the caller.",
		SourceCode:  reportWorkflow,
		CategoryID:  cat.ID,
		TenantID:    tenant.ID,
		PersonID:    "seed-script",
		Links:       links,
	})
	if err != nil {
		log.Fatalf("Failed to create workflow: %v", err)
	}
	logger.Info("Seeded workflow", "external_name", wf.ExternalName, "id", wf.ID)

	// 5. Resolve the closure
	res, err := hierarchy.NewResolver(store, adapters, logger).Resolve(ctx, wf.ID)
	if err != nil {
		log.Fatalf("Failed to resolve workflow: %v", err)
	}
	logger.Info("Workflow resolves", "activities", res.ActivityNames(), "imports", res.Imports)

	logger.Info("Seeding complete!", "tenant_id", tenant.ID)
}

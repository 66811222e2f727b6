package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/manuplex-io/manu-agent-service-sub000/internal/api"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/cache"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/config"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/engine"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/execution"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/hierarchy"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/logging"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/mcp"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/repository"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/services"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/transform"
	"github.com/manuplex-io/manu-agent-service-sub000/internal/versioning"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "codeflow",
		Short:         "Activity and workflow definition service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and MCP server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
				pool, err := initDatabase(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer pool.Close()
				return repository.NewPostgresStore(pool, logger).Migrate(cmd.Context())
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Starting codeflow", "version", version, "db_driver", cfg.DB.Driver)

	var repo repository.Repository
	switch cfg.DB.Driver {
	case "memory":
		logger.Warn("Using in-memory repository; definitions are lost on restart")
		repo = repository.NewMemoryStore()
	default:
		pool, err := initDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := repository.NewPostgresStore(pool, logger)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		repo = pg
		logger.Info("Database connected")
	}

	var kv cache.KV
	if cfg.Redis.URL != "" {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		rdb := goredis.NewClient(opts)
		defer rdb.Close()
		kv = cache.NewRedisKV(rdb)
	} else {
		logger.Warn("No redis url configured; using in-process code cache")
		kv = cache.NewMemoryKV()
	}

	temporal, err := engine.Dial(engine.Options{HostPort: cfg.Temporal.HostPort, Namespace: cfg.Temporal.Namespace}, logger)
	if err != nil {
		return err
	}
	defer temporal.Close()
	logger.Info("Temporal client connected", "host_port", cfg.Temporal.HostPort, "namespace", cfg.Temporal.Namespace)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	codeCache := cache.NewCodeCache(kv,
		cache.WithNamespace(cfg.Cache.Namespace),
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithMetrics(cache.NewMetrics(registry)),
		cache.WithLogger(logger),
	)
	coordinator, err := execution.NewCoordinator(temporal, nil,
		execution.WithLogger(logger),
		execution.WithSyncTimeout(cfg.Execution.SyncTimeout),
	)
	if err != nil {
		return err
	}

	adapters := transform.NewRegistry()
	definitions := services.NewDefinitionService(repo, adapters, versioning.NewVersioner(repo, versioning.WithLogger(logger)), logger)
	preparation := services.NewPreparationService(hierarchy.NewResolver(repo, adapters, logger), adapters, codeCache, logger)
	executions := services.NewExecutionService(repo, preparation, coordinator, codeCache, logger,
		services.WithMaxSyncTimeout(cfg.Execution.MaxSyncTimeout),
	)
	logger.Info("Service layer initialized")

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("codeflow"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	health := api.NewHandler(version,
		api.Check{Name: "database", Probe: repo.Ping},
		api.Check{Name: "cache", Probe: kv.Ping},
		api.Check{Name: "engine", Probe: temporal.CheckHealth},
	)
	e.GET("/health", health.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})))

	api.NewServer(definitions, executions, logger).Register(e)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(definitions, executions, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		return server.Close()
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func initDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

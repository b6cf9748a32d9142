// Package main provides the CLI entry point for the webster browser agent server.
//
// Webster exposes browser automation as JSON-RPC tools: a language model turns
// free-form instructions into action scripts, a pooled headless browser
// executes them, and long-running calls become tasks whose progress streams
// back over SSE.
//
// # Basic Usage
//
// Start the server:
//
//	webster serve --config webster.yaml
//
// Inspect the tool catalog:
//
//	webster tools list
//
// Manage database migrations:
//
//	webster migrate up
//	webster migrate status
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - WEBSTER_CONFIG: Path to configuration file (default: webster.yaml)
//   - WEBSTER_DATABASE_URL: Postgres DSN for the task store
//   - WEBSTER_AUTH_TOKEN: Static bearer token guarding the API
//   - WEBSTER_JWT_SECRET: HS256 secret enabling JWT authentication
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - GEMINI_API_KEY: Google API key for Gemini models
//   - AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY: S3 artifact store credentials
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/websterhq/webster/internal/artifacts"
	"github.com/websterhq/webster/internal/auth"
	"github.com/websterhq/webster/internal/browser"
	"github.com/websterhq/webster/internal/config"
	"github.com/websterhq/webster/internal/desccache"
	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/events"
	"github.com/websterhq/webster/internal/llm"
	"github.com/websterhq/webster/internal/observability"
	"github.com/websterhq/webster/internal/registry"
	"github.com/websterhq/webster/internal/server"
	"github.com/websterhq/webster/internal/storage"
	"github.com/websterhq/webster/internal/tasks"
	"github.com/websterhq/webster/internal/tools"
	"github.com/websterhq/webster/internal/webactions"
)

// defaultConfigName is picked up from the working directory when no config
// flag or WEBSTER_CONFIG variable is set.
const defaultConfigName = "webster.yaml"

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Default logger for command plumbing. serve builds its own from config.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "webster",
		Short: "Webster - Browser automation agent server",
		Long: `Webster serves browser automation tools over JSON-RPC.

Clients discover tools through the agent card and call them over POST /v1.
Long-running tools run as queued tasks with progress streamed over SSE.
Tool descriptions are generated by the configured language model at startup.

Supported model providers: OpenAI, Anthropic, Gemini
Persistence backends: Postgres, in-memory
Artifact backends: local directory, S3

Documentation: https://github.com/websterhq/webster`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "webster %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("WEBSTER_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	// Empty path makes config.Load fall back to built-in defaults.
	return ""
}

func openMigrationDB(cfg *config.Config) (*sql.DB, error) {
	if cfg == nil || strings.TrimSpace(cfg.Database.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool := storage.DefaultPostgresConfig()
	if cfg.Database.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pool.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webster agent server",
		Long: `Start the webster agent server.

The server will:
1. Load configuration from the specified file (or webster.yaml)
2. Open the task and description stores
3. Generate tool descriptions through the model gateway
4. Warm up the browser context pool
5. Start the task executor workers
6. Start the HTTP server (JSON-RPC, SSE, health, metrics)

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  webster serve

  # Start with custom config
  webster serve --config /etc/webster/production.yaml

  # Start with debug logging
  webster serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic.
// It handles configuration loading, component wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Server.Name,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	logger.Info(ctx, "starting webster",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)
	logger.Info(ctx, "configuration loaded",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"database", cfg.Database.Driver,
		"lm_provider", cfg.LM.Provider,
		"lm_model", cfg.LM.Model,
	)

	// Cancel on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stores, err := buildStores(cfg)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer stores.Close()

	// Tasks left running by a previous process can never finish; fail them
	// before accepting new work.
	if count, err := stores.Tasks.FailInterrupted(ctx, string(errdefs.KindInternal), "interrupted by restart"); err != nil {
		logger.Warn(ctx, "failed to sweep interrupted tasks", "error", err)
	} else if count > 0 {
		logger.Info(ctx, "failed tasks interrupted by previous shutdown", "count", count)
	}

	provider, err := llm.NewProvider(ctx, cfg.LM.Provider, cfg.LM.APIKey, cfg.LM.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize model provider: %w", err)
	}
	gateway, err := llm.NewGateway(provider, llm.Options{
		ModelID:   cfg.LM.Model,
		Timeout:   cfg.LM.Timeout,
		CacheTTL:  cfg.LM.CacheTTL,
		CacheSize: cfg.LM.CacheSize,
	}, stores.Calls, logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to initialize model gateway: %w", err)
	}

	artifactStore, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer artifactStore.Close()

	pool := browser.New(browser.Config{
		PoolSize:          cfg.Browser.PoolSize,
		Headless:          cfg.Browser.Headless,
		AcquireTimeout:    cfg.Browser.AcquireTimeout,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		SelectorTimeout:   cfg.Browser.SelectorTimeout,
		UserAgent:         cfg.Browser.UserAgent,
	}, logger, metrics)
	defer pool.Close()

	interp := webactions.New(gateway, artifactStore, webactions.Config{
		MaxRepairs:       cfg.Actions.CorrectionRetries,
		SelectorTimeout:  cfg.Browser.SelectorTimeout,
		CaptureEveryStep: cfg.Actions.ScreenshotEveryStep,
	}, logger, metrics)

	cache := desccache.New(stores.Descriptions, logger, metrics)
	reg := registry.New(gateway, cache, registry.Config{
		Parallelism: cfg.Tools.GenerationParallelism,
	}, logger)
	if err := tools.NewBuiltins(pool, interp, logger).Register(reg); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	if err := reg.Build(ctx); err != nil {
		return fmt.Errorf("failed to build tool catalog: %w", err)
	}
	logger.Info(ctx, "tool catalog ready", "tools", len(reg.List()), "model", gateway.Model())

	hub := events.NewHub(logger)
	var idempotency events.IdempotencyIndex
	if cfg.Events.Backend == "redis" {
		if client := events.NewRedisClient(ctx, cfg.Events.Redis.Addr, cfg.Events.Redis.Password, cfg.Events.Redis.DB, logger); client != nil {
			mirror := events.NewRedisMirror(client, "", logger)
			hub.SetMirror(mirror)
			go mirror.Listen(ctx, hub.DeliverRemote)
			idempotency = events.NewRedisIdempotencyIndex(client, 24*time.Hour, logger)
			logger.Info(ctx, "redis event mirror enabled", "addr", cfg.Events.Redis.Addr)
		}
	}

	exec, err := tasks.New(stores.Tasks, reg, hub, tasks.Config{
		Workers:               cfg.Tasks.Workers,
		QueueDepth:            cfg.Tasks.QueueDepth,
		QueueTimeout:          time.Duration(cfg.Tasks.QueueTimeoutSeconds) * time.Second,
		DefaultTimeoutSeconds: cfg.Tasks.TimeoutSeconds,
		DefaultMaxRetries:     cfg.Tasks.MaxRetries,
	}, logger, metrics, tracer)
	if err != nil {
		return fmt.Errorf("failed to initialize task executor: %w", err)
	}
	exec.SetIdempotencyIndex(idempotency)
	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task executor: %w", err)
	}

	var authService *auth.Service
	if cfg.Server.JWTSecret != "" || cfg.Server.AuthToken != "" {
		authService = auth.NewService(auth.Config{
			JWTSecret: cfg.Server.JWTSecret,
			Tokens:    []auth.TokenConfig{{Token: cfg.Server.AuthToken}},
		})
	}

	srv := server.New(server.Config{
		Name:          cfg.Server.Name,
		Description:   cfg.Server.Description,
		Version:       version,
		PublicURL:     cfg.Server.PublicURL,
		AllowHighRisk: cfg.Tools.AllowHighRisk,
		Auth:          authService,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
	}, reg, exec, logger, metrics)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := srv.Start(ctx, addr); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	logger.Info(ctx, "webster started",
		"addr", addr,
		"auth", authService.Enabled(),
		"workers", cfg.Tasks.Workers,
	)

	// Wait for shutdown signal.
	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests first, then drain the executor so running
	// tasks persist a terminal state, then tear down the fan-out.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http server shutdown failed", "error", err)
	}
	if err := exec.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "task executor shutdown failed", "error", err)
	}
	hub.Close()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
	}

	logger.Info(context.Background(), "webster stopped gracefully")
	return nil
}

func buildStores(cfg *config.Config) (storage.StoreSet, error) {
	if cfg.Database.Driver != "postgres" {
		return storage.NewMemoryStores(), nil
	}
	pool := storage.DefaultPostgresConfig()
	if cfg.Database.MaxConnections > 0 {
		pool.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.MaxIdle > 0 {
		pool.MaxIdleConns = cfg.Database.MaxIdle
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	return storage.NewPostgresStores(cfg.Database.URL, pool)
}

func buildArtifactStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	if cfg.Artifacts.Backend == "s3" {
		return artifacts.NewS3Store(ctx, artifacts.S3Options{
			Bucket:          cfg.Artifacts.S3.Bucket,
			Region:          cfg.Artifacts.S3.Region,
			Endpoint:        cfg.Artifacts.S3.Endpoint,
			Prefix:          cfg.Artifacts.S3.Prefix,
			AccessKeyID:     cfg.Artifacts.S3.AccessKey,
			SecretAccessKey: cfg.Artifacts.S3.SecretKey,
			// Custom endpoints are MinIO-style deployments that need
			// path-style addressing.
			UsePathStyle: cfg.Artifacts.S3.Endpoint != "",
		})
	}
	return artifacts.NewLocalStore(cfg.Artifacts.Dir)
}

// buildMigrateCmd creates the "migrate" command group for database migrations.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage database schema migrations for Postgres.

Migrations ensure the database schema matches the version of webster you are
running. Always run migrations after upgrading webster. The memory driver
needs no migrations.`,
	}

	cmd.AddCommand(buildMigrateUpCmd())
	cmd.AddCommand(buildMigrateDownCmd())
	cmd.AddCommand(buildMigrateStatusCmd())

	return cmd
}

// buildMigrateUpCmd creates the "migrate up" command.
func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Long: `Apply all pending database migrations.

This command connects to the database specified in your config and applies
any migrations that haven't been run yet. Migrations are applied in order
based on their numeric prefix.`,
		Example: `  # Apply all pending migrations
  webster migrate up

  # Apply only the next 2 migrations
  webster migrate up --steps 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			slog.Info("running database migrations",
				"config", configPath,
				"steps", steps,
			)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			db, err := openMigrationDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := storage.NewMigrator(db)
			if err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}

			applied, err := migrator.Up(cmd.Context(), steps)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				slog.Info("no pending migrations")
				return nil
			}
			for i := 0; i < len(applied); i++ {
				slog.Info("applied migration", "id", applied[i])
			}

			slog.Info("migrations completed successfully")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")

	return cmd
}

// buildMigrateDownCmd creates the "migrate down" command.
func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		Long: `Rollback the last N database migrations.

Use with caution in production! Rolling back migrations may cause data loss
if the migration removed columns or tables.`,
		Example: `  # Rollback the last migration
  webster migrate down

  # Rollback the last 3 migrations
  webster migrate down --steps 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			slog.Warn("rolling back migrations",
				"config", configPath,
				"steps", steps,
			)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			db, err := openMigrationDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := storage.NewMigrator(db)
			if err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			rolled, err := migrator.Down(cmd.Context(), steps)
			if err != nil {
				return err
			}
			if len(rolled) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
				return nil
			}
			for i := 0; i < len(rolled); i++ {
				slog.Info("rolled back migration", "id", rolled[i])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to rollback")

	return cmd
}

// buildMigrateStatusCmd creates the "migrate status" command.
func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long: `Display the current state of database migrations.

Shows which migrations have been applied and which are pending.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			db, err := openMigrationDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := storage.NewMigrator(db)
			if err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			applied, pending, err := migrator.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Migration Status")
			fmt.Fprintln(out, "================")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Applied migrations:")
			if len(applied) == 0 {
				fmt.Fprintln(out, "  (none)")
			} else {
				for i := 0; i < len(applied); i++ {
					fmt.Fprintf(out, "  ✓ %s (%s)\n", applied[i].ID, applied[i].AppliedAt.Format(time.RFC3339))
				}
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Pending migrations:")
			if len(pending) == 0 {
				fmt.Fprintln(out, "  (none)")
			} else {
				for i := 0; i < len(pending); i++ {
					fmt.Fprintf(out, "  ○ %s\n", pending[i].ID)
				}
			}
			fmt.Fprintln(out)

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

// buildToolsCmd creates the "tools" command group.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool catalog",
	}
	cmd.AddCommand(buildToolsListCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools and their generated descriptions",
		Long: `Build the tool catalog the way the server does at startup and print it.

Descriptions come from the configured language model, served from the
description cache when the schema fingerprint matches and falling back to
the static description when the model is unavailable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runToolsList(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

func runToolsList(ctx context.Context, out io.Writer, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	metrics := observability.NewMetrics()

	stores, err := buildStores(cfg)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer stores.Close()

	provider, err := llm.NewProvider(ctx, cfg.LM.Provider, cfg.LM.APIKey, cfg.LM.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize model provider: %w", err)
	}
	gateway, err := llm.NewGateway(provider, llm.Options{
		ModelID:   cfg.LM.Model,
		Timeout:   cfg.LM.Timeout,
		CacheTTL:  cfg.LM.CacheTTL,
		CacheSize: cfg.LM.CacheSize,
	}, stores.Calls, logger, metrics, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize model gateway: %w", err)
	}

	// The pool starts browsers lazily, so listing never launches one.
	pool := browser.New(browser.Config{PoolSize: 1, Headless: true}, logger, metrics)
	defer pool.Close()
	interp := webactions.New(gateway, artifacts.NewMemoryStore(), webactions.Config{}, logger, metrics)

	cache := desccache.New(stores.Descriptions, logger, metrics)
	reg := registry.New(gateway, cache, registry.Config{
		Parallelism: cfg.Tools.GenerationParallelism,
	}, logger)
	if err := tools.NewBuiltins(pool, interp, logger).Register(reg); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	if err := reg.Build(ctx); err != nil {
		return fmt.Errorf("failed to build tool catalog: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRISK\tMODE\tSOURCE\tDESCRIPTION")
	list := reg.List()
	for i := 0; i < len(list); i++ {
		desc := list[i]
		mode := "sync"
		if desc.Async {
			mode = "async"
		}
		source := "generated"
		if desc.FromCache {
			source = "cached"
		}
		if desc.Fallback {
			source = "fallback"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", desc.Name, desc.RiskClass, mode, source, truncate(desc.Description, 72))
	}
	return w.Flush()
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/entclinic/clinic/internal/config"
	"github.com/entclinic/clinic/internal/domain/billing"
	"github.com/entclinic/clinic/internal/domain/patient"
	"github.com/entclinic/clinic/internal/platform/auth"
	"github.com/entclinic/clinic/internal/platform/db"
	"github.com/entclinic/clinic/internal/platform/middleware"
	"github.com/entclinic/clinic/internal/platform/paddle"
	"github.com/entclinic/clinic/internal/platform/telemetry"
	"github.com/entclinic/clinic/internal/platform/webhook"
	"github.com/entclinic/clinic/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "ENT clinic billing API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(schemaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// openPool loads config and connects; callers close the pool.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			to, _ := cmd.Flags().GetInt("to")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if schema == "" {
				schema = cfg.DBSchema
			}

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			var count int
			if to > 0 {
				count, err = migrator.UpTo(ctx, schema, to)
			} else {
				count, err = migrator.Up(ctx, schema)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	upCmd.Flags().Int("to", 0, "Stop after this migration version (0 applies everything)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if schema == "" {
				schema = cfg.DBSchema
			}

			migrator := db.NewMigrator(pool, migrationSource(dir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage database schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schema and apply all migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating schema: %s\n", name)
			if err := db.CreateSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Printf("Schema created. Point the server at it with DB_SCHEMA=%s\n", name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Schema name (lowercase letters, digits, underscores)")

	cmd.AddCommand(createCmd)
	return cmd
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newDeduper uses Redis when configured so every replica shares one view of
// delivered events; otherwise each process remembers its own.
func newDeduper(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (webhook.Deduper, func() error, error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set, webhook dedup is per process")
		return webhook.NewMemoryDeduper(cfg.DedupTTL), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("connected to redis")
	return webhook.NewRedisDeduper(client, "", cfg.DedupTTL), client.Close, nil
}

// snowflakeNode derives a stable node id in [0, 1024) from the hostname.
func snowflakeNode() int64 {
	host, err := os.Hostname()
	if err != nil {
		return 1
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	return int64(h.Sum32() % 1024)
}

// newServer wires middleware, domain services and routes. It does not touch
// the network, so tests can build it against a nil pool.
func newServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, dedup webhook.Deduper, metrics *telemetry.Provider) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AuthJWTSecret),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg, auth.PublicPaths()...))

	// Pin one pooled connection per API request. /health/db pings the
	// pool directly.
	if pool != nil {
		e.Use(db.ConnMiddleware(pool, auth.PublicPaths()...))
	}

	// Health & metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, cfg.DBSchema))
	e.GET("/health/config", func(c echo.Context) error {
		return c.JSON(http.StatusOK, cfg.Status())
	})
	e.GET("/metrics", metrics.Handler())

	api := e.Group("")
	txm := db.NewTxManager(pool)

	// Patient domain
	patientSvc := patient.NewService(patient.NewPatientRepoPG(pool), patient.NewReportRepoPG(pool), logger)
	patient.NewHandler(patientSvc).RegisterRoutes(api)

	// Billing domain
	billRepo := billing.NewBillRepoPG(pool)
	billSvc := billing.NewService(billRepo, billing.NewItemRepoPG(pool), txm, logger)
	billing.NewHandler(billSvc).RegisterRoutes(api)

	// Paddle checkout & webhook
	ids, err := paddle.NewCorrelationIDs(snowflakeNode())
	if err != nil {
		return nil, fmt.Errorf("checkout id generator: %w", err)
	}
	prices := paddle.NewPriceCatalog(cfg.PriceIDs())
	logger.Debug().Strs("item_types", prices.ItemTypes()).Str("environment", cfg.PaddleEnvironment).Msg("paddle price catalog loaded")
	checkoutSvc := billing.NewCheckoutService(billRepo, prices, ids, metrics, logger)
	reconciler := billing.NewReconciler(billRepo, billing.NewPaymentEventRepoPG(pool), dedup, metrics, logger)
	verifier := webhook.NewVerifier(cfg.PaddleWebhookSecret, webhook.DefaultTolerance)
	if !verifier.Enabled() {
		logger.Warn().Msg("PADDLE_WEBHOOK_SECRET not set, accepting unsigned webhooks")
	}
	billing.NewPaddleHandler(checkoutSvc, reconciler, verifier, cfg.CORSOrigins, logger).RegisterRoutes(api, e)

	return e, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logger
	logger := newLogger(cfg.IsDev())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	dedup, closeDedup, err := newDeduper(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("set up webhook dedup: %w", err)
	}
	defer closeDedup()

	metrics := telemetry.NewProvider()
	metrics.RegisterPool(pool)

	e, err := newServer(cfg, logger, pool, dedup, metrics)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("env", cfg.Env).
			Str("paddle_environment", cfg.PaddleEnvironment).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/insights/internal/catalogue"
	"github.com/ehr/insights/internal/config"
	"github.com/ehr/insights/internal/platform/analytics"
	"github.com/ehr/insights/internal/platform/db"
	"github.com/ehr/insights/internal/platform/middleware"
	"github.com/ehr/insights/internal/platform/openapi"
	"github.com/ehr/insights/internal/platform/reporting"
	"github.com/ehr/insights/internal/platform/sandbox"
)

const (
	apiBodyLimit = "1M"
	usageWindow  = 10000
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "insights",
		Short:         "Clinic insights query catalogue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(queriesCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the insights API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			demo, _ := cmd.Flags().GetBool("demo")
			return runServer(demo)
		},
	}
	cmd.Flags().Bool("demo", false, "Migrate and seed a demo clinic before serving (opens a writable connection)")
	return cmd
}

func runServer(demo bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	st, err := openStore(ctx, cfg, !demo)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer st.Close()
	logger.Info().Str("driver", cfg.DBDriver).Msg("connected to database")

	if demo {
		if err := seedDemo(ctx, st, logger); err != nil {
			return err
		}
	}

	cat, err := catalogue.New(st.Source(), catalogue.WithLogger(logger))
	if err != nil {
		return err
	}

	e := newServer(cfg, logger, st.Checker(), cat)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Int("queries", len(cat.List())).Msg("starting server")
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
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, checker db.Checker, cat reporting.Catalogue) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Skipper:           middleware.SkipHealth,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(checker))

	apiV1 := e.Group("/api/v1",
		middleware.BodyLimit(apiBodyLimit),
		middleware.RequestTimeout(cfg.QueryTimeout),
	)
	usage := analytics.NewUsageTracker(usageWindow)
	queries := reporting.NewHandler(cat, logger)
	queries.SetRecorder(usage)
	queries.RegisterRoutes(apiV1)
	analytics.NewUsageHandler(usage).RegisterRoutes(apiV1)
	openapi.NewGenerator(cat, version, "/api/v1").RegisterRoutes(apiV1)

	if cfg.IsDev() {
		sandbox.NewSeedHandler().RegisterRoutes(apiV1.Group("/sandbox"))
	}
	return e
}

func seedDemo(ctx context.Context, st *store, logger zerolog.Logger) error {
	n, err := st.Migrate(ctx, "")
	if err != nil {
		return fmt.Errorf("migrate demo database: %w", err)
	}
	logger.Info().Int("applied", n).Msg("demo migrations applied")

	gdb, err := st.Gorm()
	if err != nil {
		return err
	}
	_, err = sandbox.Seed(ctx, gdb, sandbox.DefaultSeedConfig(), sandbox.WriteOptions{Replace: true}, logger)
	return err
}

func queriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queries",
		Short: "List, describe, and run catalogued queries",
	}

	// queries list and describe need no database.
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List catalogued queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalogue.New(offlineSource{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range cat.List() {
				fmt.Fprintf(out, "%-32s %s\n", d.Name, d.Description)
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	describeCmd := &cobra.Command{
		Use:   "describe <name>",
		Short: "Show a query's parameters and output columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalogue.New(offlineSource{})
			if err != nil {
				return err
			}
			d, err := cat.Describe(args[0])
			if err != nil {
				return err
			}
			writeDescriptor(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.AddCommand(describeCmd)

	runCmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a query against DATABASE_URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, _ := cmd.Flags().GetStringArray("param")
			format, _ := cmd.Flags().GetString("format")
			if format != formatJSON && format != formatTable {
				return fmt.Errorf("unknown format %q, expected %s or %s", format, formatJSON, formatTable)
			}
			params, err := parseParams(pairs)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg, true)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer st.Close()

			cat, err := catalogue.New(st.Source(), catalogue.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
			defer cancel()

			rs, err := cat.Run(ctx, args[0], params)
			if err != nil {
				return err
			}
			rows, err := rs.Collect()
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), format, reporting.QueryReport{
				Query:       rs.Query(),
				RunID:       rs.RunID(),
				GeneratedAt: time.Now().UTC(),
				Columns:     rs.Columns(),
				Rows:        rows,
				RowCount:    len(rows),
			})
		},
	}
	runCmd.Flags().StringArrayP("param", "p", nil, "Query parameter as key=value (repeatable)")
	runCmd.Flags().StringP("format", "f", formatTable, "Output format: table or json")
	cmd.AddCommand(runCmd)

	return cmd
}

// offlineSource lets list and describe build a catalogue without a
// connection. It never executes anything.
type offlineSource struct{}

func (offlineSource) Dialect() catalogue.Dialect { return catalogue.Postgres }

func (offlineSource) Query(context.Context, string, ...any) (catalogue.Rows, error) {
	return nil, fmt.Errorf("no database connection")
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or inspect the clinic schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if st.pool != nil {
				fmt.Fprintf(out, "Running migrations on schema: %s\n", st.migrationSchema(schema))
			}
			count, err := st.Migrate(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (pgx only, defaults to DB_SCHEMA or public)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			statuses, err := st.MigrationStatus(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (pgx only, defaults to DB_SCHEMA or public)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the clinic tables with synthetic demo data",
		RunE: func(cmd *cobra.Command, args []string) error {
			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.DoctorCount, _ = cmd.Flags().GetInt("doctors")
			seedCfg.PatientCount, _ = cmd.Flags().GetInt("patients")
			seedCfg.Seed, _ = cmd.Flags().GetInt64("seed")
			replace, _ := cmd.Flags().GetBool("replace")
			migrate, _ := cmd.Flags().GetBool("migrate")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			st, err := openStore(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			if migrate {
				if _, err := st.Migrate(ctx, ""); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			}

			gdb, err := st.Gorm()
			if err != nil {
				return err
			}
			result, err := sandbox.Seed(ctx, gdb, seedCfg, sandbox.WriteOptions{Replace: replace}, logger)
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d rows in %s.\n", result.TotalRows, result.Duration.Round(time.Millisecond))
			return nil
		},
	}
	defaults := sandbox.DefaultSeedConfig()
	cmd.Flags().Int("doctors", defaults.DoctorCount, "Number of doctors")
	cmd.Flags().Int("patients", defaults.PatientCount, "Number of patients")
	cmd.Flags().Int64("seed", defaults.Seed, "Random seed (0 for time-based)")
	cmd.Flags().Bool("replace", false, "Delete existing clinic rows first")
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before seeding")
	return cmd
}

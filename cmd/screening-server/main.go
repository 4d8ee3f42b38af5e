package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/screening/internal/config"
	"github.com/ehr/screening/internal/domain/screening"
	"github.com/ehr/screening/internal/platform/db"
	"github.com/ehr/screening/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "screening-server",
		Short: "Preventive screening engine",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(refreshCmd())
	root.AddCommand(cleanupCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns}
}

// connect loads the configuration and opens the database pool shared by
// every command.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg.Env)
	pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
	if err != nil {
		return nil, nil, logger, err
	}
	return cfg, pool, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the screening API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, logger, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFlag(cmd, cfg)
			target, _ := cmd.Flags().GetInt("to")
			migrator := db.NewMigrator(pool, migrations.FS, logger)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, schema, target)
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
	upCmd.Flags().String("schema", "", "Target schema (defaults to the DEFAULT_TENANT schema)")
	upCmd.Flags().Int("to", 0, "Stop after this migration version")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, logger, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFlag(cmd, cfg)
			statuses, err := db.NewMigrator(pool, migrations.FS, logger).Status(ctx, schema)
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
	statusCmd.Flags().String("schema", "", "Target schema (defaults to the DEFAULT_TENANT schema)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	if schema, _ := cmd.Flags().GetString("schema"); schema != "" {
		return schema
	}
	return db.SchemaName(cfg.DefaultTenant)
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			_, pool, logger, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS, logger); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// tenantService opens a tenant-scoped context and builds a service on it.
// Commands run without the HTTP stack, so the cache and lock are in-process.
func tenantService(ctx context.Context, cmd *cobra.Command) (context.Context, *screening.Service, func(), error) {
	cfg, pool, logger, err := connect(ctx)
	if err != nil {
		return ctx, nil, nil, err
	}
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	tctx, release, err := db.TenantContext(ctx, pool, tenant)
	if err != nil {
		pool.Close()
		return ctx, nil, nil, err
	}
	deps := newDeps(ctx, cfg, pool, logger)
	svc := deps.service()
	return tctx, svc, func() {
		release()
		deps.close()
		pool.Close()
	}, nil
}

func refreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-evaluate screenings for selected patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := selectorFromFlags(cmd)
			if err != nil {
				return err
			}
			opts := batchOptionsFromFlags(cmd)

			ctx, svc, done, err := tenantService(context.Background(), cmd)
			if err != nil {
				return err
			}
			defer done()

			res, runErr := svc.EvaluateBatch(ctx, sel, opts)
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.Flags().StringSlice("patient", nil, "Patient ID to refresh (repeatable)")
	cmd.Flags().String("search", "", "Refresh patients whose name or MRN matches")
	cmd.Flags().String("type", "", "Refresh patients affected by this screening type ID")
	cmd.Flags().String("document", "", "Refresh the owner of this document ID")
	cmd.Flags().Bool("all", false, "Refresh every patient")
	cmd.Flags().Int("batch-size", 0, "Patients per batch")
	cmd.Flags().Duration("timeout", 0, "Per-patient timeout")
	cmd.Flags().Duration("budget", 0, "Wall-clock budget for the run")
	cmd.Flags().Int("workers", 0, "Patients evaluated concurrently")
	return cmd
}

// selectorFromFlags maps the refresh flags onto exactly one selector.
func selectorFromFlags(cmd *cobra.Command) (screening.Selector, error) {
	var sels []screening.Selector

	if ids, _ := cmd.Flags().GetStringSlice("patient"); len(ids) > 0 {
		sel := screening.Selector{Kind: screening.SelectIDs}
		for _, raw := range ids {
			id, err := uuid.Parse(raw)
			if err != nil {
				return screening.Selector{}, fmt.Errorf("invalid patient id %q: %w", raw, err)
			}
			sel.PatientIDs = append(sel.PatientIDs, id)
		}
		sels = append(sels, sel)
	}
	if q, _ := cmd.Flags().GetString("search"); q != "" {
		sels = append(sels, screening.Selector{Kind: screening.SelectSearch, Query: q})
	}
	if raw, _ := cmd.Flags().GetString("type"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return screening.Selector{}, fmt.Errorf("invalid screening type id %q: %w", raw, err)
		}
		sels = append(sels, screening.Selector{Kind: screening.SelectScreeningType, ScreeningTypeID: id})
	}
	if raw, _ := cmd.Flags().GetString("document"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return screening.Selector{}, fmt.Errorf("invalid document id %q: %w", raw, err)
		}
		sels = append(sels, screening.Selector{Kind: screening.SelectDocumentEvent, DocumentID: id})
	}
	if all, _ := cmd.Flags().GetBool("all"); all {
		sels = append(sels, screening.Selector{Kind: screening.SelectAll})
	}

	switch len(sels) {
	case 0:
		return screening.Selector{}, fmt.Errorf("one of --patient, --search, --type, --document or --all is required")
	case 1:
		return sels[0], sels[0].Validate()
	default:
		return screening.Selector{}, fmt.Errorf("only one patient selector may be given")
	}
}

func batchOptionsFromFlags(cmd *cobra.Command) screening.BatchOptions {
	size, _ := cmd.Flags().GetInt("batch-size")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	budget, _ := cmd.Flags().GetDuration("budget")
	workers, _ := cmd.Flags().GetInt("workers")
	return screening.BatchOptions{
		BatchSize:      size,
		PatientTimeout: timeout,
		Budget:         budget,
		Workers:        workers,
	}
}

func cleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned screening links",
		RunE: func(cmd *cobra.Command, args []string) error {
			repair, _ := cmd.Flags().GetBool("repair-incomplete")

			ctx, svc, done, err := tenantService(context.Background(), cmd)
			if err != nil {
				return err
			}
			defer done()

			rep, err := svc.Cleanup(ctx, repair)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphaned screening link(s) and %d orphaned document link(s).\n",
				rep.Orphans.MissingScreening, rep.Orphans.MissingDocument)
			if repair {
				fmt.Fprintf(cmd.OutOrStdout(), "Repaired %d incomplete screening(s).\n", rep.Repaired)
			}
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.Flags().Bool("repair-incomplete", false, "Clear completion dates left on Incomplete screenings")
	return cmd
}

// settingsFromConfig builds the engine defaults used until settings are saved.
func settingsFromConfig(cfg *config.Config) screening.Settings {
	s := screening.DefaultSettings()
	s.UseLastAppointment = cfg.UseLastAppointment
	s.DueSoonDays = cfg.DueSoonDays
	for cat, months := range cfg.CutoffMonths() {
		s.CutoffMonths[screening.Category(cat)] = months
	}
	return s
}

func batchOptionsFromConfig(cfg *config.Config) screening.BatchOptions {
	return screening.BatchOptions{
		BatchSize:      cfg.BatchSize,
		PatientTimeout: cfg.PatientTimeout,
		Budget:         cfg.BatchBudget,
		Workers:        cfg.RefreshWorkers,
	}
}

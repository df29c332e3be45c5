// Package app provides the commands of the mentorsync operator CLI:
// schema migrations, table consolidation phases, soft-key reconciliation and
// the mentor profile backfill.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/config"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mentorsync/internal/server/services"
)

type consolidator interface {
	Snapshot(ctx context.Context, plan models.ConsolidationPlan) (*models.SnapshotReport, error)
	BuildShadow(ctx context.Context, runID int64) (*models.ShadowReport, error)
	Repoint(ctx context.Context, runID int64) (*models.RepointReport, error)
	Cutover(ctx context.Context, runID int64) (*models.CutoverReport, error)
	Rollback(ctx context.Context, runID int64) (*models.RollbackReport, error)
	Abandon(ctx context.Context, runID int64) (*models.ConsolidationRun, error)
	Status(ctx context.Context, runID int64) (*models.ConsolidationRun, error)
}

type reconciler interface {
	Run(ctx context.Context, link models.SoftKeyLink, dryRun bool) (*models.ReconcileReport, error)
}

type backfiller interface {
	Run(ctx context.Context, dryRun bool) (*models.BackfillReport, error)
}

// toolkit bundles what a command needs once the database is open.
type toolkit struct {
	migrate       func(ctx context.Context) error
	consolidation consolidator
	reconcile     reconciler
	backfill      backfiller
	close         func() error
}

var openDB = repomanager.OpenDB

// openToolkit is a test seam; the default opens Postgres and builds services.
var openToolkit = func(ctx context.Context, cfg *config.Config, logger logging.Logger) (*toolkit, error) {
	db, err := openDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newToolkit(db, repomanager.NewPostgresRepositoryManager(), cfg, logger), nil
}

func newToolkit(db *sql.DB, rm repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) *toolkit {
	return &toolkit{
		migrate:       func(ctx context.Context) error { return rm.RunMigrations(ctx, db) },
		consolidation: services.NewOrchestrator(db, rm, cfg, logger),
		reconcile:     services.NewReconciliationJob(db, rm, logger),
		backfill:      services.NewBackfill(db, rm, services.NewSyncEngine(rm, logger), logger),
		close:         db.Close,
	}
}

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "migrator",
		Short:        "mentorsync operator tooling",
		Long:         `Operator commands for schema migrations, table consolidation, soft-key reconciliation and the mentor profile backfill.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to JSON configuration file")
	rootCmd.PersistentFlags().String("dsn", "", "PostgreSQL DSN (overrides the config file)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newConsolidateCmd())
	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newBackfillCmd())

	return rootCmd
}

// loadConfig applies defaults, the --config file and the --dsn override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{}
	cfg.LoadDefaults()

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	dsn, err := cmd.Flags().GetString("dsn")
	if err != nil {
		return nil, fmt.Errorf("failed to get dsn flag: %w", err)
	}
	if dsn != "" {
		cfg.DatabaseDSN = dsn
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// withToolkit loads configuration, opens the toolkit, runs fn and closes it.
func withToolkit(cmd *cobra.Command, fn func(ctx context.Context, tk *toolkit, logger logging.Logger) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.NewJSON(os.Stderr, level).With("module", "migrator")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	tk, err := openToolkit(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := tk.close(); cErr != nil {
			logger.Error(ctx, "Error closing database connection", "error", cErr)
		}
	}()

	return fn(ctx, tk, logger)
}

// printJSON writes v to the command output as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting report as JSON: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

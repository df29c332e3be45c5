package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mentorsync/internal/logging"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply all pending schema migrations embedded in the binary. Migrations
that have already run are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withToolkit(cmd, func(ctx context.Context, tk *toolkit, logger logging.Logger) error {
				logger.Info(ctx, "Applying database migrations...")
				if err := tk.migrate(ctx); err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				logger.Info(ctx, "Migrations applied successfully")
				return nil
			})
		},
	}
}

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mentorsync/internal/logging"
)

func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Create or merge mentor profiles for every active mentor",
		Long: `Walk all active mentor members and apply the profile sync to each one in its
own transaction. With --dry-run nothing is written and the report shows what would change.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("failed to get dry-run flag: %w", err)
			}
			return withToolkit(cmd, func(ctx context.Context, tk *toolkit, _ logging.Logger) error {
				report, err := tk.backfill.Run(ctx, dryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().Bool("dry-run", false, "Report without writing")
	return cmd
}

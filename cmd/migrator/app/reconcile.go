package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Link dependent rows to their parent through a soft key",
		Long: `Fill null or dangling references on --table.--column by matching --soft-key
against --target.--target-soft-key (case and surrounding whitespace ignored).
Rows with no match or more than one match are reported and left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			link, err := linkFromFlags(cmd)
			if err != nil {
				return err
			}
			dryRun, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("failed to get dry-run flag: %w", err)
			}
			return withToolkit(cmd, func(ctx context.Context, tk *toolkit, _ logging.Logger) error {
				report, err := tk.reconcile.Run(ctx, link, dryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}

	cmd.Flags().String("table", "", "Dependent table")
	cmd.Flags().String("row-key", "", "Dependent table key column (default id)")
	cmd.Flags().String("column", "", "Reference column to fill")
	cmd.Flags().String("soft-key", "", "Dependent column holding the soft key")
	cmd.Flags().String("target", "", "Parent table")
	cmd.Flags().String("target-key", "", "Parent key column (default id)")
	cmd.Flags().String("target-soft-key", "", "Parent column matched against the soft key")
	cmd.Flags().Bool("dry-run", false, "Report without writing")

	for _, name := range []string{"table", "column", "soft-key", "target", "target-soft-key"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	return cmd
}

func linkFromFlags(cmd *cobra.Command) (models.SoftKeyLink, error) {
	var link models.SoftKeyLink
	fields := []struct {
		flag string
		dst  *string
	}{
		{"table", &link.Table},
		{"row-key", &link.RowKey},
		{"column", &link.Column},
		{"soft-key", &link.SoftKey},
		{"target", &link.Target},
		{"target-key", &link.TargetKey},
		{"target-soft-key", &link.TargetSoftKey},
	}
	for _, f := range fields {
		v, err := cmd.Flags().GetString(f.flag)
		if err != nil {
			return link, fmt.Errorf("failed to get %s flag: %w", f.flag, err)
		}
		*f.dst = v
	}
	return link, nil
}

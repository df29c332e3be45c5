package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

func newConsolidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge an overlay table into its primary in reversible phases",
		Long: `Consolidate a primary table and an overlay table into one. Phases run in order:
snapshot, shadow, repoint, cutover. A cut-over run can be rolled back; earlier
phases can be abandoned. Every phase prints its report as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	cmd.AddCommand(newSnapshotCmd())
	cmd.AddCommand(newRunPhaseCmd("shadow", "Build the shadow table from primary and overlay", "",
		func(ctx context.Context, c consolidator, id int64) (any, error) { return c.BuildShadow(ctx, id) }))
	cmd.AddCommand(newRunPhaseCmd("repoint", "Point dependent foreign keys at the shadow table", "",
		func(ctx context.Context, c consolidator, id int64) (any, error) { return c.Repoint(ctx, id) }))
	cmd.AddCommand(newRunPhaseCmd("cutover", "Rename the shadow table into place", "cut over run %d",
		func(ctx context.Context, c consolidator, id int64) (any, error) { return c.Cutover(ctx, id) }))
	cmd.AddCommand(newRunPhaseCmd("rollback", "Restore the original tables of a cut-over run", "roll back run %d",
		func(ctx context.Context, c consolidator, id int64) (any, error) { return c.Rollback(ctx, id) }))
	cmd.AddCommand(newRunPhaseCmd("abandon", "Drop the shadow table of an unfinished run", "",
		func(ctx context.Context, c consolidator, id int64) (any, error) { return c.Abandon(ctx, id) }))
	cmd.AddCommand(newRunPhaseCmd("status", "Show the ledger entry of a run", "",
		func(ctx context.Context, c consolidator, id int64) (any, error) { return c.Status(ctx, id) }))

	return cmd
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Archive the tables involved and open a consolidation run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := planFromFlags(cmd)
			if err != nil {
				return err
			}
			return withToolkit(cmd, func(ctx context.Context, tk *toolkit, _ logging.Logger) error {
				report, err := tk.consolidation.Snapshot(ctx, plan)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}

	cmd.Flags().String("primary", "", "Primary table")
	cmd.Flags().String("overlay", "", "Overlay table merged into the primary")
	cmd.Flags().String("shadow", "", "Shadow table name (default <primary>_unified)")
	cmd.Flags().String("key", "", "Key column shared by primary and overlay (default id)")
	cmd.Flags().StringSlice("declare", nil, "Extra dependent reference as table.column (repeatable)")

	for _, name := range []string{"primary", "overlay"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	return cmd
}

// newRunPhaseCmd builds a subcommand acting on an existing run. A non-empty
// confirmation asks before anything is touched.
func newRunPhaseCmd(use, short, confirmation string, run func(ctx context.Context, c consolidator, id int64) (any, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := cmd.Flags().GetInt64("run")
			if err != nil {
				return fmt.Errorf("failed to get run flag: %w", err)
			}
			if id <= 0 {
				return fmt.Errorf("--run must be a positive run id")
			}

			if confirmation != "" {
				ok, err := confirm(cmd, fmt.Sprintf(confirmation, id))
				if err != nil || !ok {
					return err
				}
			}

			return withToolkit(cmd, func(ctx context.Context, tk *toolkit, _ logging.Logger) error {
				report, err := run(ctx, tk.consolidation, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().Int64("run", 0, "Consolidation run id")
	if err := cmd.MarkFlagRequired("run"); err != nil {
		panic(err)
	}
	return cmd
}

func planFromFlags(cmd *cobra.Command) (models.ConsolidationPlan, error) {
	var plan models.ConsolidationPlan
	for flag, dst := range map[string]*string{
		"primary": &plan.Primary,
		"overlay": &plan.Overlay,
		"shadow":  &plan.Shadow,
		"key":     &plan.Key,
	} {
		v, err := cmd.Flags().GetString(flag)
		if err != nil {
			return plan, fmt.Errorf("failed to get %s flag: %w", flag, err)
		}
		*dst = v
	}

	declared, err := cmd.Flags().GetStringSlice("declare")
	if err != nil {
		return plan, fmt.Errorf("failed to get declare flag: %w", err)
	}
	for _, d := range declared {
		fk, err := parseDeclared(d)
		if err != nil {
			return plan, err
		}
		plan.Declared = append(plan.Declared, fk)
	}
	return plan, nil
}

// parseDeclared reads "table.column" or "schema.table.column".
func parseDeclared(s string) (models.ForeignKey, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return models.ForeignKey{}, fmt.Errorf("invalid --declare %q, want table.column", s)
	}
	return models.ForeignKey{Table: s[:i], Column: s[i+1:]}, nil
}

package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/repomanager"
)

// ReconciliationJob repairs null or dangling references by matching a soft
// key (an email, say) against the target table. Only unique matches are
// linked.
type ReconciliationJob struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	logger      logging.Logger
}

func NewReconciliationJob(db *sql.DB, m repomanager.RepositoryManager, logger logging.Logger) *ReconciliationJob {
	return &ReconciliationJob{db: db, repomanager: m, logger: logger.With("module", "reconciliation")}
}

func (j *ReconciliationJob) Run(ctx context.Context, link models.SoftKeyLink, dryRun bool) (*models.ReconcileReport, error) {
	if link.Table == "" || link.Column == "" || link.SoftKey == "" || link.Target == "" || link.TargetSoftKey == "" {
		return nil, &common.ValidationError{Field: "link", Reason: "table, column, soft key, target and target soft key are required"}
	}
	if link.RowKey == "" {
		link.RowKey = defaultRowKey
	}
	if link.TargetKey == "" {
		link.TargetKey = defaultKey
	}

	report := &models.ReconcileReport{Table: link.Table, Column: link.Column, DryRun: dryRun}
	err := dbx.WithTx(ctx, j.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := j.repomanager.Links(tx)

		candidates, err := repo.Candidates(ctx, link)
		if err != nil {
			return fmt.Errorf("error loading candidates: %w", err)
		}
		report.Scanned = len(candidates)

		for _, c := range candidates {
			if strings.TrimSpace(c.SoftKey) == "" {
				report.AddUnresolved(c, models.UnresolvedNoMatch)
				continue
			}

			matches, err := repo.Matches(ctx, link, c.SoftKey, 2)
			if err != nil {
				return fmt.Errorf("error matching %s: %w", c.RowKey, err)
			}
			switch len(matches) {
			case 0:
				report.AddUnresolved(c, models.UnresolvedNoMatch)
				continue
			case 1:
			default:
				report.AddUnresolved(c, models.UnresolvedAmbiguous)
				continue
			}

			if dryRun {
				report.Linked++
				continue
			}
			ok, err := repo.Link(ctx, link, c, matches[0])
			if err != nil {
				return fmt.Errorf("error linking %s: %w", c.RowKey, err)
			}
			if ok {
				report.Linked++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	j.logger.Info(ctx, "reconciliation finished",
		"table", link.Table, "column", link.Column, "dry_run", dryRun,
		"scanned", report.Scanned, "linked", report.Linked,
		"no_match", report.UnresolvedNoMatch, "ambiguous", report.UnresolvedAmbiguous)
	return report, nil
}

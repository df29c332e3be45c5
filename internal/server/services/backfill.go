package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/repomanager"
)

// Backfill runs every active mentor through the SyncEngine. Each member is
// applied in its own transaction so one failure does not undo the rest.
type Backfill struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	engine      *SyncEngine
	logger      logging.Logger
}

func NewBackfill(db *sql.DB, m repomanager.RepositoryManager, engine *SyncEngine, logger logging.Logger) *Backfill {
	return &Backfill{db: db, repomanager: m, engine: engine, logger: logger.With("module", "backfill")}
}

func (b *Backfill) Run(ctx context.Context, dryRun bool) (*models.BackfillReport, error) {
	mentors, err := b.repomanager.Members(b.db).ListActiveMentors(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing mentors: %w", err)
	}

	report := &models.BackfillReport{DryRun: dryRun, Scanned: len(mentors)}
	for _, m := range mentors {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if dryRun {
			_, err := b.repomanager.Profiles(b.db).GetByMemberIDForUpdate(ctx, m.ID)
			switch {
			case errors.Is(err, common.ErrorNotFound):
				report.Created++
			case err != nil:
				report.Failed++
				b.logger.Error(ctx, "backfill lookup failed", "member_id", m.ID, "error", err)
			}
			continue
		}

		var outcome models.SyncOutcome
		err := dbx.WithTx(ctx, b.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			var err error
			outcome, err = b.engine.Apply(ctx, tx, m)
			return err
		})
		if err != nil {
			report.Failed++
			b.logger.Error(ctx, "backfill failed for member", "member_id", m.ID, "error", err)
			continue
		}
		switch outcome {
		case models.SyncCreated:
			report.Created++
		case models.SyncMerged:
			report.Merged++
		case models.SyncUnchanged:
			report.Unchanged++
		}
	}

	b.logger.Info(ctx, "backfill finished",
		"dry_run", dryRun, "scanned", report.Scanned, "created", report.Created,
		"merged", report.Merged, "unchanged", report.Unchanged, "failed", report.Failed)
	return report, nil
}

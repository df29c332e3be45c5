package services

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/config"
	"github.com/dmitrijs2005/mentorsync/internal/server/metrics"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/catalog"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/repomanager"
)

const (
	defaultKey        = "id"
	shadowSuffix      = "_unified"
	orphanSampleLimit = 20
	defaultRowKey     = "id"
	defaultDeleteRule = "NO ACTION"
	renameKindTable   = "table"
	renameKindIndex   = "index"
)

// Orchestrator consolidates an overlay table into its primary table while
// the primary stays online. Each phase records its progress in the
// consolidation ledger; a phase run out of order fails with
// common.ErrPhaseOrder. Phases that move constraints do so in short
// transactions of their own, with lock waits bounded by the lock timeout.
type Orchestrator struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	logger      logging.Logger
	lockTimeout time.Duration
	gracePeriod time.Duration
	now         func() time.Time
}

func NewOrchestrator(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		db:          db,
		repomanager: m,
		logger:      logger.With("module", "consolidation"),
		lockTimeout: cfg.CutoverLockTimeout,
		gracePeriod: cfg.ArchiveGracePeriod,
		now:         time.Now,
	}
}

// Snapshot archives the primary, the overlay and every dependent table,
// verifying each archive count against the live count in the same snapshot,
// and opens a new run.
func (o *Orchestrator) Snapshot(ctx context.Context, plan models.ConsolidationPlan) (*models.SnapshotReport, error) {
	if plan.Primary == "" || plan.Overlay == "" {
		return nil, &common.ValidationError{Field: "plan", Reason: "primary and overlay tables are required"}
	}
	if plan.Key == "" {
		plan.Key = defaultKey
	}
	if plan.Shadow == "" {
		plan.Shadow = plan.Primary + shadowSuffix
	}

	run := &models.ConsolidationRun{
		Primary: plan.Primary,
		Overlay: plan.Overlay,
		Shadow:  plan.Shadow,
		Key:     plan.Key,
		Stamp:   o.now().UTC().Format(models.StampLayout),
		Phase:   models.PhaseSnapshotted,
	}

	err := dbx.WithTx(ctx, o.db, dbx.RepeatableRead, func(ctx context.Context, tx dbx.DBTX) error {
		cat := o.repomanager.Catalog(tx)

		for _, t := range []string{run.Primary, run.Overlay} {
			if err := requireTable(ctx, cat, t, true); err != nil {
				return err
			}
		}
		if err := requireTable(ctx, cat, run.Shadow, false); err != nil {
			return err
		}

		discovered, err := cat.ReferencingKeys(ctx, run.Primary)
		if err != nil {
			return fmt.Errorf("error discovering dependents: %w", err)
		}
		run.Dependents = mergeDependents(discovered, plan.Declared, run.Overlay, run.Shadow)

		tables := []string{run.Primary, run.Overlay}
		for _, fk := range run.Dependents {
			if !slices.Contains(tables, fk.Table) {
				tables = append(tables, fk.Table)
			}
		}

		for _, t := range tables {
			archive := run.ArchiveName(t)
			if err := cat.CopyTable(ctx, t, archive); err != nil {
				return fmt.Errorf("error archiving %s: %w", t, err)
			}
			live, err := cat.CountRows(ctx, t)
			if err != nil {
				return err
			}
			archived, err := cat.CountRows(ctx, archive)
			if err != nil {
				return err
			}
			if live != archived {
				return fmt.Errorf("archive %s has %d rows, %s has %d: %w", archive, archived, t, live, common.ErrCountMismatch)
			}
			run.Archives = append(run.Archives, models.TableCount{Table: t, Archive: archive, LiveRows: live, ArchiveRows: archived})
		}

		return o.repomanager.Consolidations(tx).Create(ctx, run)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info(ctx, "consolidation snapshot taken", "run_id", run.ID, "stamp", run.Stamp, "tables", len(run.Archives))
	return &models.SnapshotReport{RunID: run.ID, Tables: run.Archives}, nil
}

// BuildShadow creates the unified table next to the primary: the primary's
// structure plus overlay-only columns, every primary row, and overlay values
// applied where they are not null. Triggers then keep it current until the
// cutover.
func (o *Orchestrator) BuildShadow(ctx context.Context, runID int64) (*models.ShadowReport, error) {
	var report *models.ShadowReport
	err := o.phase(ctx, runID, []models.Phase{models.PhaseSnapshotted}, models.PhaseShadowBuilt,
		func(ctx context.Context, cat catalog.Repository, run *models.ConsolidationRun) error {
			primaryCols, err := cat.Columns(ctx, run.Primary)
			if err != nil {
				return err
			}
			overlayCols, err := cat.Columns(ctx, run.Overlay)
			if err != nil {
				return err
			}

			if err := cat.CreateTableLike(ctx, run.Primary, run.Shadow); err != nil {
				return fmt.Errorf("error creating shadow: %w", err)
			}

			report = &models.ShadowReport{RunID: run.ID, Shadow: run.Shadow}
			have := columnNames(primaryCols)
			for _, c := range overlayCols {
				if slices.Contains(have, c.Name) {
					continue
				}
				if err := cat.AddColumn(ctx, run.Shadow, c); err != nil {
					return fmt.Errorf("error adding column %s: %w", c.Name, err)
				}
				report.AddedColumns = append(report.AddedColumns, c.Name)
			}
			report.Columns = append(have, report.AddedColumns...)

			if _, err := cat.InsertMissingRows(ctx, run.Primary, run.Shadow, run.Key, columnNames(primaryCols)); err != nil {
				return fmt.Errorf("error copying rows: %w", err)
			}
			if cols := without(columnNames(overlayCols), run.Key); len(cols) > 0 {
				if report.OverlayApplied, err = cat.OverlayRows(ctx, run.Overlay, run.Shadow, run.Key, cols); err != nil {
					return fmt.Errorf("error applying overlay: %w", err)
				}
			}

			// from here on writes to the primary and the overlay reach the shadow
			sync := run.Sync()
			sync.PrimaryColumns = columnNames(primaryCols)
			sync.OverlayColumns = without(columnNames(overlayCols), run.Key)
			if err := cat.SetLockTimeout(ctx, o.lockTimeout); err != nil {
				return err
			}
			if err := cat.CreateShadowSync(ctx, sync); err != nil {
				return o.lockError(fmt.Errorf("error installing shadow sync: %w", err))
			}
			if _, err := o.catchUp(ctx, cat, run); err != nil {
				return err
			}

			report.PrimaryRows, report.ShadowRows, err = compareCounts(ctx, cat, run.Primary, run.Shadow)
			return err
		})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Repoint catches the shadow up and moves every dependent constraint onto
// it. Any orphan against the shadow halts the phase before a constraint is
// touched. Each constraint moves in its own short transaction and is
// validated in another, so live traffic on the primary is only paused
// briefly.
func (o *Orchestrator) Repoint(ctx context.Context, runID int64) (*models.RepointReport, error) {
	report, err := o.repoint(ctx, runID)
	o.observe(models.PhaseRepointed, err)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (o *Orchestrator) repoint(ctx context.Context, runID int64) (*models.RepointReport, error) {
	from := []models.Phase{models.PhaseShadowBuilt}

	var (
		run    *models.ConsolidationRun
		report *models.RepointReport
	)
	err := o.inRun(ctx, runID, from, models.PhaseRepointed, false,
		func(ctx context.Context, cat catalog.Repository, r *models.ConsolidationRun) error {
			if err := cat.SetLockTimeout(ctx, o.lockTimeout); err != nil {
				return err
			}
			caught, err := o.catchUp(ctx, cat, r)
			if err != nil {
				return err
			}
			report = &models.RepointReport{RunID: r.ID, CaughtUp: caught}

			for _, fk := range r.Dependents {
				if err := checkOrphans(ctx, cat, fk, r.Shadow, r.Key); err != nil {
					return err
				}
				report.Columns = append(report.Columns, models.RepointedColumn{ForeignKey: fk})
			}
			run = r
			return nil
		})
	if err != nil {
		return nil, err
	}

	for i, fk := range run.Dependents {
		after, err := o.moveConstraint(ctx, o.ddl, fk, run.Shadow, run.Key)
		if err != nil {
			o.logger.Error(ctx, "consolidation phase failed", "run_id", runID, "phase", models.PhaseRepointed, "error", err)
			return nil, fmt.Errorf("error repointing %s.%s: %w", fk.Table, fk.Column, err)
		}
		report.Columns[i].OrphansAfter = after
	}

	err = o.inRun(ctx, runID, from, models.PhaseRepointed, true,
		func(context.Context, catalog.Repository, *models.ConsolidationRun) error { return nil })
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Cutover swaps the shadow in under the primary's name while holding
// exclusive locks on the tables involved. Any failure rolls the whole swap
// back.
func (o *Orchestrator) Cutover(ctx context.Context, runID int64) (*models.CutoverReport, error) {
	var report *models.CutoverReport
	err := o.phase(ctx, runID, []models.Phase{models.PhaseRepointed}, models.PhaseCutOver,
		func(ctx context.Context, cat catalog.Repository, run *models.ConsolidationRun) error {
			if err := o.lock(ctx, cat, run.Primary, run.Overlay, run.Shadow); err != nil {
				return err
			}
			for _, t := range []string{run.RetiredName(run.Primary), run.RetiredName(run.Overlay)} {
				if err := requireTable(ctx, cat, t, false); err != nil {
					return err
				}
			}

			caught, err := o.catchUp(ctx, cat, run)
			if err != nil {
				return err
			}
			if _, _, err := compareCounts(ctx, cat, run.Primary, run.Shadow); err != nil {
				return err
			}
			for _, fk := range run.Dependents {
				if err := checkOrphans(ctx, cat, fk, run.Shadow, run.Key); err != nil {
					return err
				}
			}

			primaryIdx, err := cat.Indexes(ctx, run.Primary)
			if err != nil {
				return err
			}
			shadowIdx, err := cat.Indexes(ctx, run.Shadow)
			if err != nil {
				return err
			}

			if err := cat.DropShadowSync(ctx, run.Sync()); err != nil {
				return fmt.Errorf("error removing shadow sync: %w", err)
			}

			report = &models.CutoverReport{RunID: run.ID, CaughtUp: caught}
			steps := []models.Rename{
				{Kind: renameKindTable, From: run.Primary, To: run.RetiredName(run.Primary)},
				{Kind: renameKindTable, From: run.Overlay, To: run.RetiredName(run.Overlay)},
				{Kind: renameKindTable, From: run.Shadow, To: run.Primary},
			}
			steps = append(steps, indexRenames(primaryIdx, run.Primary, run.RetiredName(run.Primary))...)
			steps = append(steps, indexRenames(shadowIdx, run.Shadow, run.Primary)...)
			if report.Renames, err = applyRenames(ctx, cat, steps); err != nil {
				return err
			}

			report.RowCounts, err = countTables(ctx, cat, run.Primary, run.RetiredName(run.Primary), run.RetiredName(run.Overlay))
			if err != nil {
				return err
			}
			report.GraceUntil = o.now().Add(o.gracePeriod).UTC()
			return nil
		})
	if err != nil {
		return nil, err
	}

	o.logger.Info(ctx, "consolidation cut over", "run_id", runID, "archives_kept_until", report.GraceUntil)
	return report, nil
}

// Rollback undoes a cutover: the retired tables get their names back, the
// unified table becomes the shadow again and dependents point at the
// restored primary.
func (o *Orchestrator) Rollback(ctx context.Context, runID int64) (*models.RollbackReport, error) {
	var report *models.RollbackReport
	err := o.phase(ctx, runID, []models.Phase{models.PhaseCutOver}, models.PhaseRolledBack,
		func(ctx context.Context, cat catalog.Repository, run *models.ConsolidationRun) error {
			retiredPrimary, retiredOverlay := run.RetiredName(run.Primary), run.RetiredName(run.Overlay)
			if err := o.lock(ctx, cat, run.Primary, retiredPrimary, retiredOverlay); err != nil {
				return err
			}

			before, err := countTables(ctx, cat, run.Primary, retiredPrimary, retiredOverlay)
			if err != nil {
				return err
			}

			unifiedIdx, err := cat.Indexes(ctx, run.Primary)
			if err != nil {
				return err
			}
			retiredIdx, err := cat.Indexes(ctx, retiredPrimary)
			if err != nil {
				return err
			}

			steps := []models.Rename{
				{Kind: renameKindTable, From: run.Primary, To: run.Shadow},
				{Kind: renameKindTable, From: retiredPrimary, To: run.Primary},
				{Kind: renameKindTable, From: retiredOverlay, To: run.Overlay},
			}
			steps = append(steps, indexRenames(unifiedIdx, run.Primary, run.Shadow)...)
			steps = append(steps, indexRenames(retiredIdx, retiredPrimary, run.Primary)...)

			report = &models.RollbackReport{RunID: run.ID, Before: before}
			if report.Renames, err = applyRenames(ctx, cat, steps); err != nil {
				return err
			}

			if err := cat.DropShadowSync(ctx, run.Sync()); err != nil {
				return fmt.Errorf("error removing shadow sync: %w", err)
			}
			if err := o.restoreConstraints(ctx, inTx(cat), run); err != nil {
				return err
			}

			report.After, err = countTables(ctx, cat, run.Primary, run.Shadow, run.Overlay)
			return err
		})
	if err != nil {
		return nil, err
	}

	o.logger.Warn(ctx, "consolidation rolled back", "run_id", runID)
	return report, nil
}

// Abandon stops a run that has not cut over. Constraints moved onto the
// shadow go back to the primary, constraints that only exist because a
// dependent was declared are dropped, and the shadow and its sync triggers
// are removed. Archives are kept.
func (o *Orchestrator) Abandon(ctx context.Context, runID int64) (*models.ConsolidationRun, error) {
	run, err := o.abandon(ctx, runID)
	o.observe(models.PhaseAbandoned, err)
	if err != nil {
		return nil, err
	}
	o.logger.Info(ctx, "consolidation abandoned", "run_id", runID)
	return run, nil
}

func (o *Orchestrator) abandon(ctx context.Context, runID int64) (*models.ConsolidationRun, error) {
	from := []models.Phase{models.PhaseSnapshotted, models.PhaseShadowBuilt, models.PhaseRepointed}

	var run *models.ConsolidationRun
	err := o.inRun(ctx, runID, from, models.PhaseAbandoned, false,
		func(_ context.Context, _ catalog.Repository, r *models.ConsolidationRun) error {
			run = r
			return nil
		})
	if err != nil {
		return nil, err
	}

	// a failed repoint can leave constraints on the shadow while the run is
	// still shadow_built
	if run.Phase != models.PhaseSnapshotted {
		if err := o.restoreConstraints(ctx, o.ddl, run); err != nil {
			return nil, err
		}
	}

	err = o.inRun(ctx, runID, from, models.PhaseAbandoned, true,
		func(ctx context.Context, cat catalog.Repository, r *models.ConsolidationRun) error {
			if err := cat.SetLockTimeout(ctx, o.lockTimeout); err != nil {
				return err
			}
			if err := cat.DropShadowSync(ctx, r.Sync()); err != nil {
				return o.lockError(fmt.Errorf("error removing shadow sync: %w", err))
			}
			if err := cat.DropTable(ctx, r.Shadow); err != nil {
				return o.lockError(fmt.Errorf("error dropping shadow: %w", err))
			}
			run = r
			return nil
		})
	if err != nil {
		return nil, err
	}
	run.Phase = models.PhaseAbandoned
	return run, nil
}

func (o *Orchestrator) Status(ctx context.Context, runID int64) (*models.ConsolidationRun, error) {
	return o.repomanager.Consolidations(o.db).Get(ctx, runID)
}

// phase runs fn in a transaction holding the run's ledger row, after
// checking the run is in one of the allowed phases, and advances the run on
// success.
func (o *Orchestrator) phase(ctx context.Context, runID int64, from []models.Phase, to models.Phase,
	fn func(ctx context.Context, cat catalog.Repository, run *models.ConsolidationRun) error) error {
	err := o.inRun(ctx, runID, from, to, true, fn)
	o.observe(to, err)
	return err
}

// inRun is phase without the metric; advance is false for the steps of a
// phase that spans several transactions.
func (o *Orchestrator) inRun(ctx context.Context, runID int64, from []models.Phase, to models.Phase, advance bool,
	fn func(ctx context.Context, cat catalog.Repository, run *models.ConsolidationRun) error) error {
	return dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		ledger := o.repomanager.Consolidations(tx)

		run, err := ledger.GetForUpdate(ctx, runID)
		if err != nil {
			return fmt.Errorf("error loading run %d: %w", runID, err)
		}
		if !slices.Contains(from, run.Phase) {
			return fmt.Errorf("run %d is %s, cannot move to %s: %w", runID, run.Phase, to, common.ErrPhaseOrder)
		}

		if err := fn(ctx, o.repomanager.Catalog(tx), run); err != nil {
			o.logger.Error(ctx, "consolidation phase failed", "run_id", runID, "phase", to, "error", err)
			return err
		}
		if !advance {
			return nil
		}
		return ledger.Advance(ctx, run.ID, run.Phase, to)
	})
}

func (o *Orchestrator) observe(to models.Phase, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	metrics.ConsolidationPhases.WithLabelValues(string(to), status).Inc()
}

// step runs one unit of constraint work against a catalog.
type step func(ctx context.Context, fn func(ctx context.Context, cat catalog.Repository) error) error

// ddl is a step in its own transaction with lock waits bounded by the lock
// timeout.
func (o *Orchestrator) ddl(ctx context.Context, fn func(ctx context.Context, cat catalog.Repository) error) error {
	return dbx.WithTx(ctx, o.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		cat := o.repomanager.Catalog(tx)
		if err := cat.SetLockTimeout(ctx, o.lockTimeout); err != nil {
			return err
		}
		return o.lockError(fn(ctx, cat))
	})
}

// inTx is a step inside a transaction the caller already holds.
func inTx(cat catalog.Repository) step {
	return func(ctx context.Context, fn func(ctx context.Context, cat catalog.Repository) error) error {
		return fn(ctx, cat)
	}
}

func (o *Orchestrator) lockError(err error) error {
	if dbx.IsLockTimeout(err) {
		return fmt.Errorf("lock not acquired within %s: %w", o.lockTimeout, err)
	}
	return err
}

// moveConstraint points fk at target(key) in one step, after checking no
// row would be orphaned, and validates it in the next. It returns the
// orphans left against target.
func (o *Orchestrator) moveConstraint(ctx context.Context, do step, fk models.ForeignKey, target, key string) (int64, error) {
	err := do(ctx, func(ctx context.Context, cat catalog.Repository) error {
		if err := checkOrphans(ctx, cat, fk, target, key); err != nil {
			return err
		}
		return cat.ReplaceForeignKey(ctx, fk, target, key)
	})
	if err != nil {
		return 0, err
	}

	var after int64
	err = do(ctx, func(ctx context.Context, cat catalog.Repository) error {
		if err := cat.ValidateForeignKey(ctx, fk); err != nil {
			return err
		}
		var err error
		after, _, err = cat.Orphans(ctx, fk, target, key, 1)
		return err
	})
	return after, err
}

// catchUp brings the shadow in line with rows written to the primary or the
// overlay since it was built and returns the number of rows inserted.
func (o *Orchestrator) catchUp(ctx context.Context, cat catalog.Repository, run *models.ConsolidationRun) (int64, error) {
	primaryCols, err := cat.Columns(ctx, run.Primary)
	if err != nil {
		return 0, err
	}
	overlayCols, err := cat.Columns(ctx, run.Overlay)
	if err != nil {
		return 0, err
	}

	names := columnNames(primaryCols)
	inserted, err := cat.InsertMissingRows(ctx, run.Primary, run.Shadow, run.Key, names)
	if err != nil {
		return 0, fmt.Errorf("error catching up rows: %w", err)
	}
	if cols := without(names, run.Key); len(cols) > 0 {
		if _, err := cat.RefreshRows(ctx, run.Primary, run.Shadow, run.Key, cols); err != nil {
			return 0, fmt.Errorf("error refreshing rows: %w", err)
		}
	}
	if cols := without(columnNames(overlayCols), run.Key); len(cols) > 0 {
		if _, err := cat.OverlayRows(ctx, run.Overlay, run.Shadow, run.Key, cols); err != nil {
			return 0, fmt.Errorf("error applying overlay: %w", err)
		}
	}
	if inserted > 0 {
		o.logger.Info(ctx, "shadow caught up", "run_id", run.ID, "rows", inserted)
	}
	return inserted, nil
}

func (o *Orchestrator) lock(ctx context.Context, cat catalog.Repository, tables ...string) error {
	if err := cat.SetLockTimeout(ctx, o.lockTimeout); err != nil {
		return err
	}
	if err := cat.LockTables(ctx, tables...); err != nil {
		if dbx.IsLockTimeout(err) {
			return fmt.Errorf("could not lock %s within %s: %w", strings.Join(tables, ", "), o.lockTimeout, err)
		}
		return err
	}
	return nil
}

// restoreConstraints undoes what repoint did to each dependent whose
// constraint references the shadow: a discovered constraint goes back to the
// primary, refusing if any row would be orphaned, and a constraint added for
// a declared dependent is dropped. Dependents never moved are left alone.
func (o *Orchestrator) restoreConstraints(ctx context.Context, do step, run *models.ConsolidationRun) error {
	for _, fk := range run.Dependents {
		var target string
		err := do(ctx, func(ctx context.Context, cat catalog.Repository) error {
			var err error
			target, err = cat.ForeignKeyTarget(ctx, fk)
			return err
		})
		if err != nil {
			return err
		}
		if target != run.Shadow {
			continue
		}

		if fk.Constraint == "" {
			err = do(ctx, func(ctx context.Context, cat catalog.Repository) error {
				return cat.DropForeignKey(ctx, fk)
			})
		} else {
			_, err = o.moveConstraint(ctx, do, fk, run.Primary, run.Key)
		}
		if err != nil {
			return fmt.Errorf("error restoring %s.%s: %w", fk.Table, fk.Column, err)
		}
	}
	return nil
}

func requireTable(ctx context.Context, cat catalog.Repository, table string, want bool) error {
	exists, err := cat.TableExists(ctx, table)
	if err != nil {
		return err
	}
	switch {
	case want && !exists:
		return fmt.Errorf("table %s: %w", table, common.ErrorNotFound)
	case !want && exists:
		return fmt.Errorf("table %s: %w", table, common.ErrorAlreadyExists)
	}
	return nil
}

func checkOrphans(ctx context.Context, cat catalog.Repository, fk models.ForeignKey, target, key string) error {
	n, sample, err := cat.Orphans(ctx, fk, target, key, orphanSampleLimit)
	if err != nil {
		return err
	}
	if n > 0 {
		return &common.OrphanIntegrityError{Table: fk.Table, Column: fk.Column, Count: n, Rows: sample}
	}
	return nil
}

func compareCounts(ctx context.Context, cat catalog.Repository, src, dst string) (int64, int64, error) {
	a, err := cat.CountRows(ctx, src)
	if err != nil {
		return 0, 0, err
	}
	b, err := cat.CountRows(ctx, dst)
	if err != nil {
		return 0, 0, err
	}
	if a != b {
		return a, b, fmt.Errorf("%s has %d rows, %s has %d: %w", dst, b, src, a, common.ErrCountMismatch)
	}
	return a, b, nil
}

func countTables(ctx context.Context, cat catalog.Repository, tables ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(tables))
	for _, t := range tables {
		n, err := cat.CountRows(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, nil
}

func applyRenames(ctx context.Context, cat catalog.Repository, steps []models.Rename) ([]models.Rename, error) {
	for _, r := range steps {
		var err error
		if r.Kind == renameKindIndex {
			err = cat.RenameIndex(ctx, r.From, r.To)
		} else {
			err = cat.RenameTable(ctx, r.From, r.To)
		}
		if err != nil {
			return nil, fmt.Errorf("error renaming %s %s to %s: %w", r.Kind, r.From, r.To, err)
		}
	}
	return steps, nil
}

// indexRenames moves index names carrying the from prefix onto the to
// prefix. Indexes named some other way keep their names.
func indexRenames(indexes []string, from, to string) []models.Rename {
	var out []models.Rename
	for _, idx := range indexes {
		if rest, ok := strings.CutPrefix(idx, from+"_"); ok {
			out = append(out, models.Rename{Kind: renameKindIndex, From: idx, To: to + "_" + rest})
		}
	}
	return out
}

// mergeDependents combines catalog-discovered foreign keys with declared
// ones. Keys from the overlay and the shadow are not dependents.
func mergeDependents(discovered, declared []models.ForeignKey, overlay, shadow string) []models.ForeignKey {
	var out []models.ForeignKey
	seen := map[string]bool{}
	add := func(fk models.ForeignKey) {
		if fk.Table == overlay || fk.Table == shadow {
			return
		}
		id := fk.Table + "." + fk.Column
		if seen[id] {
			return
		}
		seen[id] = true
		if fk.RowKey == "" {
			fk.RowKey = defaultRowKey
		}
		if fk.OnDelete == "" {
			fk.OnDelete = defaultDeleteRule
		}
		out = append(out, fk)
	}
	for _, fk := range discovered {
		add(fk)
	}
	for _, fk := range declared {
		add(fk)
	}
	return out
}

func columnNames(cols []models.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func without(names []string, drop string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}

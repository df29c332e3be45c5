package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/config"
	"github.com/dmitrijs2005/mentorsync/internal/server/metrics"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

var memberCols = []models.Column{
	{Name: "id", Type: "uuid"},
	{Name: "email", Type: "text"},
	{Name: "bio", Type: "text"},
	{Name: "profile_picture", Type: "text"},
}

var overlayCols = []models.Column{
	{Name: "id", Type: "uuid"},
	{Name: "bio", Type: "text"},
	{Name: "location", Type: "text"},
}

// seedConsolidation builds 131 members, an overlay for the first 100 of
// them, bookings with a real foreign key and projects with a declared one.
func seedConsolidation(c *fakeCatalog) {
	members := &fakeTable{cols: memberCols, indexes: []string{"members_pkey", "members_lower_idx"}}
	overlay := &fakeTable{cols: overlayCols, indexes: []string{"community_members_pkey"}}
	for i := 1; i <= 131; i++ {
		id := fmt.Sprintf("m%03d", i)
		members.rows = append(members.rows, map[string]any{"id": id, "email": id + "@example.org", "bio": "member bio", "profile_picture": nil})
		if i <= 100 {
			var bio any
			if i%2 == 0 {
				bio = "community bio"
			}
			overlay.rows = append(overlay.rows, map[string]any{"id": id, "bio": bio, "location": "Riga"})
		}
	}
	bookings := &fakeTable{cols: []models.Column{{Name: "id", Type: "uuid"}, {Name: "mentee_id", Type: "uuid"}}}
	projects := &fakeTable{cols: []models.Column{{Name: "id", Type: "uuid"}, {Name: "member_id", Type: "uuid"}}}
	for i := 1; i <= 10; i++ {
		bookings.rows = append(bookings.rows, map[string]any{"id": fmt.Sprintf("b%d", i), "mentee_id": fmt.Sprintf("m%03d", i)})
		projects.rows = append(projects.rows, map[string]any{"id": fmt.Sprintf("p%d", i), "member_id": fmt.Sprintf("m%03d", i*3)})
	}
	projects.rows = append(projects.rows, map[string]any{"id": "p11", "member_id": nil})

	c.tables["members"] = members
	c.tables["community_members"] = overlay
	c.tables["mentorship_bookings"] = bookings
	c.tables["projects"] = projects
	c.tables["sync_events"] = &fakeTable{}
	c.refs["mentorship_bookings.mentee_id"] = "members"
	c.refs["community_members.id"] = "members"
	c.discovered = []models.ForeignKey{
		{Table: "community_members", Column: "id", Constraint: "community_members_id_fkey", RowKey: "id", OnDelete: "CASCADE"},
		{Table: "mentorship_bookings", Column: "mentee_id", Constraint: "mentorship_bookings_mentee_id_fkey", RowKey: "id", OnDelete: "NO ACTION"},
	}
}

var testPlan = models.ConsolidationPlan{
	Primary:  "members",
	Overlay:  "community_members",
	Declared: []models.ForeignKey{{Table: "projects", Column: "member_id", OnDelete: "SET NULL"}},
}

func newOrchestrator(t *testing.T) (*Orchestrator, *fakeRepoManager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newSQLMockDB(t)
	rm := newFakeRepoManager()
	seedConsolidation(rm.catalog)
	cfg := &config.Config{}
	cfg.LoadDefaults()

	o := NewOrchestrator(db, rm, cfg, logging.Nop{})
	o.now = func() time.Time { return fixedNow }
	return o, rm, mock
}

// expectRepoint covers the gate, one move and one validation per dependent,
// and the advance.
func expectRepoint(mock sqlmock.Sqlmock, dependents int) {
	for range 2 + 2*dependents {
		expectCommit(mock)
	}
}

// expectThroughRepoint covers snapshot, build and repoint of testPlan.
func expectThroughRepoint(mock sqlmock.Sqlmock) {
	expectCommit(mock)
	expectCommit(mock)
	expectRepoint(mock, 2)
}

func TestSnapshot_ArchivesEveryTable(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	expectCommit(mock)

	rep, err := o.Snapshot(context.Background(), testPlan)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, int64(1), rep.RunID)
	require.Len(t, rep.Tables, 4)
	for _, tc := range rep.Tables {
		assert.Equal(t, tc.LiveRows, tc.ArchiveRows, tc.Table)
		assert.Equal(t, tc.Table+"_backup_20250314092653", tc.Archive)
		assert.Contains(t, rm.catalog.tables, tc.Archive)
	}
	assert.Equal(t, int64(131), rep.Tables[0].ArchiveRows)

	run := rm.ledger.runs[1]
	assert.Equal(t, models.PhaseSnapshotted, run.Phase)
	assert.Equal(t, "members_unified", run.Shadow)
	assert.Equal(t, "id", run.Key)
	require.Len(t, run.Dependents, 2, "the overlay is not a dependent")
	assert.Equal(t, "mentorship_bookings", run.Dependents[0].Table)
	assert.Equal(t, models.ForeignKey{Table: "projects", Column: "member_id", RowKey: "id", OnDelete: "SET NULL"}, run.Dependents[1])
}

func TestSnapshot_CountMismatchAborts(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	rm.catalog.copyShort = true
	expectRollback(mock)

	_, err := o.Snapshot(context.Background(), testPlan)
	require.ErrorIs(t, err, common.ErrCountMismatch)
	assert.Empty(t, rm.ledger.runs)
}

func TestSnapshot_RejectsExistingShadow(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	rm.catalog.tables["members_unified"] = &fakeTable{}
	expectRollback(mock)

	_, err := o.Snapshot(context.Background(), testPlan)
	require.ErrorIs(t, err, common.ErrorAlreadyExists)
}

func TestSnapshot_RequiresTables(t *testing.T) {
	o, _, _ := newOrchestrator(t)
	_, err := o.Snapshot(context.Background(), models.ConsolidationPlan{Primary: "members"})
	require.ErrorIs(t, err, common.ErrorValidation)
}

func TestConsolidation_FullLifecycle(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	ctx := context.Background()
	cat := rm.catalog

	expectCommit(mock)
	snap, err := o.Snapshot(ctx, testPlan)
	require.NoError(t, err)

	expectCommit(mock)
	shadow, err := o.BuildShadow(ctx, snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(131), shadow.PrimaryRows)
	assert.Equal(t, int64(131), shadow.ShadowRows)
	assert.Equal(t, []string{"location"}, shadow.AddedColumns)
	assert.Equal(t, int64(100), shadow.OverlayApplied)

	unified := cat.tables["members_unified"]
	assert.Equal(t, "community bio", unified.find("id", "m002")["bio"])
	assert.Equal(t, "member bio", unified.find("id", "m001")["bio"], "null overlay values do not erase")
	assert.Equal(t, "Riga", unified.find("id", "m050")["location"])
	assert.Nil(t, unified.find("id", "m120")["location"])

	// a member registers while the migration is in flight
	cat.tables["members"].rows = append(cat.tables["members"].rows,
		map[string]any{"id": "m132", "email": "m132@example.org", "bio": "late", "profile_picture": nil})

	expectRepoint(mock, 2)
	rp, err := o.Repoint(ctx, snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rp.CaughtUp)
	require.Len(t, rp.Columns, 2)
	for _, c := range rp.Columns {
		assert.Zero(t, c.OrphansAfter)
	}
	assert.Equal(t, "members_unified", cat.refs["mentorship_bookings.mentee_id"])
	assert.Equal(t, "members_unified", cat.refs["projects.member_id"])

	expectCommit(mock)
	co, err := o.Cutover(ctx, snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"members": 132, "members_old": 132, "community_members_old": 100}, co.RowCounts)
	assert.Equal(t, fixedNow.Add(30*24*time.Hour), co.GraceUntil)
	assert.ElementsMatch(t, []string{"members", "community_members", "members_unified"}, cat.locked)

	assert.NotContains(t, cat.tables, "community_members")
	assert.NotContains(t, cat.tables, "members_unified")
	assert.Len(t, cat.tables["members"].cols, 5)
	assert.Equal(t, []string{"members_old_pkey", "members_old_lower_idx"}, cat.tables["members_old"].indexes)
	assert.Equal(t, []string{"members_pkey", "members_lower_idx"}, cat.tables["members"].indexes)
	assert.Equal(t, "members", cat.refs["mentorship_bookings.mentee_id"])
	assert.Equal(t, "members_old", cat.refs["community_members.id"])
	assert.Empty(t, cat.syncs, "sync triggers are removed at cutover")
	assert.Equal(t, models.PhaseCutOver, rm.ledger.runs[snap.RunID].Phase)

	expectCommit(mock)
	rb, err := o.Rollback(ctx, snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, rb.Before["members"], rb.After["members_unified"])
	assert.Equal(t, rb.Before["members_old"], rb.After["members"])
	assert.Equal(t, int64(100), rb.After["community_members"])
	assert.Len(t, cat.tables["members"].cols, 4)
	assert.Equal(t, []string{"members_pkey", "members_lower_idx"}, cat.tables["members"].indexes)
	assert.Equal(t, []string{"members_unified_pkey", "members_unified_lower_idx"}, cat.tables["members_unified"].indexes)
	assert.Equal(t, "members", cat.refs["mentorship_bookings.mentee_id"])
	assert.NotContains(t, cat.refs, "projects.member_id", "the declared constraint is dropped, not restored")

	run, err := o.Status(ctx, snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRolledBack, run.Phase)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepoint_HaltsOnOrphans(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	ctx := context.Background()
	rm.catalog.tables["projects"].rows = append(rm.catalog.tables["projects"].rows,
		map[string]any{"id": "p99", "member_id": "ghost"})

	expectCommit(mock)
	snap, err := o.Snapshot(ctx, testPlan)
	require.NoError(t, err)
	expectCommit(mock)
	_, err = o.BuildShadow(ctx, snap.RunID)
	require.NoError(t, err)

	expectRollback(mock)
	_, err = o.Repoint(ctx, snap.RunID)

	var orphan *common.OrphanIntegrityError
	require.ErrorAs(t, err, &orphan)
	assert.Equal(t, "projects", orphan.Table)
	assert.Equal(t, int64(1), orphan.Count)
	assert.Equal(t, []common.OrphanRow{{RowKey: "p99", Value: "ghost"}}, orphan.Rows)

	assert.Equal(t, "members", rm.catalog.refs["mentorship_bookings.mentee_id"], "no constraint moved")
	assert.NotContains(t, rm.catalog.refs, "projects.member_id")
	assert.Equal(t, models.PhaseShadowBuilt, rm.ledger.runs[snap.RunID].Phase)
}

func TestPhases_EnforceOrder(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	ctx := context.Background()

	expectCommit(mock)
	snap, err := o.Snapshot(ctx, testPlan)
	require.NoError(t, err)

	failed := metrics.ConsolidationPhases.WithLabelValues(string(models.PhaseCutOver), "failed")
	before := testutil.ToFloat64(failed)

	expectRollback(mock)
	_, err = o.Cutover(ctx, snap.RunID)
	require.ErrorIs(t, err, common.ErrPhaseOrder)
	assert.Equal(t, before+1, testutil.ToFloat64(failed))

	expectRollback(mock)
	_, err = o.Rollback(ctx, snap.RunID)
	require.ErrorIs(t, err, common.ErrPhaseOrder)

	expectRollback(mock)
	_, err = o.BuildShadow(ctx, 42)
	require.ErrorIs(t, err, common.ErrorNotFound)

	assert.Equal(t, models.PhaseSnapshotted, rm.ledger.runs[snap.RunID].Phase)
}

func TestCutover_FailureRollsBack(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	ctx := context.Background()

	expectThroughRepoint(mock)
	snap, err := o.Snapshot(ctx, testPlan)
	require.NoError(t, err)
	_, err = o.BuildShadow(ctx, snap.RunID)
	require.NoError(t, err)
	_, err = o.Repoint(ctx, snap.RunID)
	require.NoError(t, err)

	rm.catalog.failRename = "community_members"
	expectRollback(mock)
	_, err = o.Cutover(ctx, snap.RunID)
	require.ErrorContains(t, err, "error renaming table community_members to community_members_old")
	assert.Equal(t, models.PhaseRepointed, rm.ledger.runs[snap.RunID].Phase)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCutover_LockFailure(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	ctx := context.Background()

	expectThroughRepoint(mock)
	snap, _ := o.Snapshot(ctx, testPlan)
	_, _ = o.BuildShadow(ctx, snap.RunID)
	_, _ = o.Repoint(ctx, snap.RunID)

	rm.catalog.lockErr = errBoom{}
	expectRollback(mock)
	_, err := o.Cutover(ctx, snap.RunID)
	require.ErrorIs(t, err, errBoom{})
	assert.Contains(t, rm.catalog.tables, "members_unified")
}

func TestAbandon_RestoresConstraints(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	ctx := context.Background()
	cat := rm.catalog

	expectThroughRepoint(mock)
	snap, _ := o.Snapshot(ctx, testPlan)
	_, _ = o.BuildShadow(ctx, snap.RunID)
	_, _ = o.Repoint(ctx, snap.RunID)
	require.Equal(t, "members_unified", cat.refs["projects.member_id"])
	cat.steps = nil

	// check, bookings: target + move + validate, projects: target + drop, advance
	for range 7 {
		expectCommit(mock)
	}
	run, err := o.Abandon(ctx, snap.RunID)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, models.PhaseAbandoned, run.Phase)
	assert.NotContains(t, cat.refs, "projects.member_id", "a declared dependent had no constraint before")
	assert.Equal(t, "members", cat.refs["mentorship_bookings.mentee_id"])
	assert.NotContains(t, cat.tables, "members_unified")
	assert.Empty(t, cat.syncs)
	assert.Contains(t, cat.tables, "members_backup_20250314092653", "archives are kept")
	assert.Equal(t, []string{
		"timeout 5s",
		"timeout 5s", "replace mentorship_bookings.mentee_id members",
		"timeout 5s", "validate mentorship_bookings.mentee_id",
		"timeout 5s",
		"timeout 5s", "drop projects.member_id",
		"timeout 5s",
	}, cat.steps)

	expectRollback(mock)
	_, err = o.Abandon(ctx, snap.RunID)
	require.ErrorIs(t, err, common.ErrPhaseOrder)
}

func TestRepoint_MovesEachConstraintInItsOwnTransaction(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	ctx := context.Background()

	expectCommit(mock)
	expectCommit(mock)
	snap, err := o.Snapshot(ctx, testPlan)
	require.NoError(t, err)
	_, err = o.BuildShadow(ctx, snap.RunID)
	require.NoError(t, err)
	rm.catalog.steps = nil

	expectRepoint(mock, 2)
	_, err = o.Repoint(ctx, snap.RunID)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, []string{
		"timeout 5s",
		"timeout 5s", "replace mentorship_bookings.mentee_id members_unified",
		"timeout 5s", "validate mentorship_bookings.mentee_id",
		"timeout 5s", "replace projects.member_id members_unified",
		"timeout 5s", "validate projects.member_id",
	}, rm.catalog.steps)
	assert.Equal(t, models.PhaseRepointed, rm.ledger.runs[snap.RunID].Phase)
}

func TestRepoint_LockTimeoutStopsBeforeAdvancing(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	ctx := context.Background()
	cat := rm.catalog

	expectCommit(mock)
	expectCommit(mock)
	snap, err := o.Snapshot(ctx, testPlan)
	require.NoError(t, err)
	_, err = o.BuildShadow(ctx, snap.RunID)
	require.NoError(t, err)

	failed := metrics.ConsolidationPhases.WithLabelValues(string(models.PhaseRepointed), "failed")
	before := testutil.ToFloat64(failed)

	cat.failReplace = "projects"
	cat.replaceErr = &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}
	// gate, bookings move, bookings validate, then the projects move fails
	for range 3 {
		expectCommit(mock)
	}
	expectRollback(mock)
	_, err = o.Repoint(ctx, snap.RunID)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.ErrorContains(t, err, "error repointing projects.member_id: lock not acquired within 5s")
	assert.Equal(t, before+1, testutil.ToFloat64(failed))
	assert.Equal(t, models.PhaseShadowBuilt, rm.ledger.runs[snap.RunID].Phase)
	assert.Equal(t, "members_unified", cat.refs["mentorship_bookings.mentee_id"])
	assert.NotContains(t, cat.refs, "projects.member_id")

	// check, bookings: target + move + validate, projects: target, advance
	for range 6 {
		expectCommit(mock)
	}
	_, err = o.Abandon(ctx, snap.RunID)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, "members", cat.refs["mentorship_bookings.mentee_id"])
	assert.NotContains(t, cat.refs, "projects.member_id")
	assert.NotContains(t, cat.tables, "members_unified")
}

func TestShadowSync_CarriesWritesUntilCutover(t *testing.T) {
	o, rm, mock := newOrchestrator(t)
	ctx := context.Background()
	cat := rm.catalog

	expectCommit(mock)
	snap, err := o.Snapshot(ctx, testPlan)
	require.NoError(t, err)
	cat.steps = nil

	expectCommit(mock)
	_, err = o.BuildShadow(ctx, snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"timeout 5s", "sync members_unified"}, cat.steps)
	assert.Equal(t, models.ShadowSync{
		Primary:        "members",
		Overlay:        "community_members",
		Shadow:         "members_unified",
		Key:            "id",
		PrimaryColumns: []string{"id", "email", "bio", "profile_picture"},
		OverlayColumns: []string{"bio", "location"},
	}, cat.syncs["members_unified"])

	expectRepoint(mock, 2)
	_, err = o.Repoint(ctx, snap.RunID)
	require.NoError(t, err)

	// a member registers after the dependents moved and books a session
	cat.write("members", map[string]any{"id": "m140", "email": "m140@example.org", "bio": "new", "profile_picture": nil})
	cat.write("community_members", map[string]any{"id": "m140", "bio": nil, "location": "Tallinn"})
	cat.write("mentorship_bookings", map[string]any{"id": "b99", "mentee_id": "m140"})

	unified := cat.tables["members_unified"]
	require.NotNil(t, unified.find("id", "m140"))
	assert.Equal(t, "new", unified.find("id", "m140")["bio"])
	assert.Equal(t, "Tallinn", unified.find("id", "m140")["location"])

	n, _, err := cat.Orphans(ctx, models.ForeignKey{Table: "mentorship_bookings", Column: "mentee_id", RowKey: "id"}, "members_unified", "id", 1)
	require.NoError(t, err)
	assert.Zero(t, n, "the new booking satisfies the constraint on the shadow")

	// an existing member edits their profile; the overlay value still wins
	cat.write("members", map[string]any{"id": "m002", "email": "m002@example.org", "bio": "edited", "profile_picture": nil})
	assert.Equal(t, "community bio", unified.find("id", "m002")["bio"])

	expectCommit(mock)
	co, err := o.Cutover(ctx, snap.RunID)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, co.CaughtUp)
	assert.Empty(t, cat.syncs)
	assert.NotNil(t, cat.tables["members"].find("id", "m140"))
}

func TestIndexRenames(t *testing.T) {
	got := indexRenames([]string{"members_unified_pkey", "idx_custom", "members_unified_lower_idx"}, "members_unified", "members")
	assert.Equal(t, []models.Rename{
		{Kind: "index", From: "members_unified_pkey", To: "members_pkey"},
		{Kind: "index", From: "members_unified_lower_idx", To: "members_lower_idx"},
	}, got)
}

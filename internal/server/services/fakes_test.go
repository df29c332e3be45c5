package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/catalog"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/consolidations"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/links"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/members"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/profiles"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/syncevents"
)

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

// --- repository manager ---

type fakeRepoManager struct {
	members  *fakeMembersRepo
	profiles *fakeProfilesRepo
	events   *fakeEventsRepo
	ledger   *fakeLedger
	catalog  *fakeCatalog
	links    *fakeLinksRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		members:  &fakeMembersRepo{rows: map[string]*models.Member{}},
		profiles: &fakeProfilesRepo{byID: map[string]*models.MentorProfile{}},
		events:   &fakeEventsRepo{},
		ledger:   &fakeLedger{runs: map[int64]*models.ConsolidationRun{}},
		catalog:  newFakeCatalog(),
		links:    &fakeLinksRepo{linked: map[string]string{}},
	}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error      { return nil }
func (m *fakeRepoManager) Members(dbx.DBTX) members.Repository               { return m.members }
func (m *fakeRepoManager) Profiles(dbx.DBTX) profiles.Repository             { return m.profiles }
func (m *fakeRepoManager) SyncEvents(dbx.DBTX) syncevents.Repository         { return m.events }
func (m *fakeRepoManager) Consolidations(dbx.DBTX) consolidations.Repository { return m.ledger }
func (m *fakeRepoManager) Catalog(dbx.DBTX) catalog.Repository               { return m.catalog }
func (m *fakeRepoManager) Links(dbx.DBTX) links.Repository                   { return m.links }

// --- members ---

type fakeMembersRepo struct {
	rows    map[string]*models.Member
	next    int
	listErr error
}

func (f *fakeMembersRepo) Create(ctx context.Context, m *models.Member) (*models.Member, error) {
	for _, r := range f.rows {
		if strings.EqualFold(r.Email, m.Email) {
			return nil, common.ErrorAlreadyExists
		}
	}
	f.next++
	c := *m
	if c.ID == "" {
		c.ID = fmt.Sprintf("m%03d", f.next)
	}
	f.rows[c.ID] = &c
	out := c
	return &out, nil
}

func (f *fakeMembersRepo) GetByID(ctx context.Context, id string) (*models.Member, error) {
	r, ok := f.rows[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *r
	return &c, nil
}

func (f *fakeMembersRepo) GetByIDForUpdate(ctx context.Context, id string) (*models.Member, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeMembersRepo) Update(ctx context.Context, m *models.Member) error {
	if _, ok := f.rows[m.ID]; !ok {
		return common.ErrorNotFound
	}
	c := *m
	f.rows[m.ID] = &c
	return nil
}

func (f *fakeMembersRepo) ListActiveMentors(ctx context.Context) ([]*models.Member, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.Member
	for _, r := range f.rows {
		if r.IsActive && r.IsMentor() {
			c := *r
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.Member) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// --- profiles ---

// fakeProfilesRepo is safe for concurrent use; its versioned writes are
// atomic like the conditional UPDATEs they stand in for.
type fakeProfilesRepo struct {
	mu   sync.Mutex
	byID map[string]*models.MentorProfile

	hideOnLock  bool
	insertErr   error
	mergeErr    error
	setPhotoErr error
	merges      int
}

func (f *fakeProfilesRepo) byMember(memberID string) *models.MentorProfile {
	for _, p := range f.byID {
		if p.MemberID == memberID {
			return p
		}
	}
	return nil
}

func (f *fakeProfilesRepo) GetByID(ctx context.Context, id string) (*models.MentorProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *p
	return &c, nil
}

func (f *fakeProfilesRepo) GetByMemberIDForUpdate(ctx context.Context, memberID string) (*models.MentorProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.byMember(memberID)
	if p == nil || f.hideOnLock {
		return nil, common.ErrorNotFound
	}
	c := *p
	return &c, nil
}

func (f *fakeProfilesRepo) Insert(ctx context.Context, p *models.MentorProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if f.byMember(p.MemberID) != nil {
		return common.ErrDuplicateProfile
	}
	c := *p
	f.byID[c.ID] = &c
	return nil
}

func (f *fakeProfilesRepo) MergeDerived(ctx context.Context, memberID string, d models.DerivedProfile) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mergeErr != nil {
		return false, f.mergeErr
	}
	f.merges++
	p := f.byMember(memberID)
	if p == nil {
		return false, nil
	}
	changed := false
	if d.Bio != "" && d.Bio != p.Bio {
		p.Bio, changed = d.Bio, true
	}
	if len(d.Expertise) > 0 && !slices.Equal(d.Expertise, p.Expertise) {
		p.Expertise, changed = d.Expertise, true
	}
	if d.PhotoURL != "" && p.PhotoURL == "" {
		p.PhotoURL, changed = d.PhotoURL, true
	}
	return changed, nil
}

func (f *fakeProfilesRepo) UpdateVersioned(ctx context.Context, id string, expected int64, d models.ProfileDelta) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok || p.Version != expected {
		return 0, common.ErrVersionConflict
	}
	if d.Bio != nil {
		p.Bio = *d.Bio
	}
	if d.Expertise != nil {
		p.Expertise = *d.Expertise
	}
	if d.AvailabilityTimezone != nil {
		p.AvailabilityTimezone = *d.AvailabilityTimezone
	}
	p.Version++
	return p.Version, nil
}

func (f *fakeProfilesRepo) SetPhotoVersioned(ctx context.Context, id string, expected int64, photo string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setPhotoErr != nil {
		return 0, f.setPhotoErr
	}
	p, ok := f.byID[id]
	if !ok || p.Version != expected {
		return 0, common.ErrVersionConflict
	}
	p.PhotoURL = photo
	p.Version++
	return p.Version, nil
}

func (f *fakeProfilesRepo) CurrentVersion(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok {
		return 0, common.ErrorNotFound
	}
	return p.Version, nil
}

// --- sync events ---

type enqueued struct {
	memberID string
	reason   string
}

type fakeEventsRepo struct {
	syncevents.Repository
	queued []enqueued
	err    error
}

func (f *fakeEventsRepo) Enqueue(ctx context.Context, memberID, reason string, maxAttempts int) error {
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, enqueued{memberID: memberID, reason: reason})
	return nil
}

// --- object store ---

type fakeStore struct {
	objects map[string][]byte
	deleted []string
	putErr  error
	delErr  error
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string][]byte{}} }

func (s *fakeStore) Put(ctx context.Context, key string, body io.Reader, contentType string, size int64) (string, error) {
	if s.putErr != nil {
		return "", s.putErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.objects[key] = b
	return key, nil
}

func (s *fakeStore) Delete(ctx context.Context, ref string) error {
	s.deleted = append(s.deleted, ref)
	if s.delErr != nil {
		return s.delErr
	}
	delete(s.objects, ref)
	return nil
}

// --- consolidation ledger ---

type fakeLedger struct {
	runs map[int64]*models.ConsolidationRun
	next int64
}

func (f *fakeLedger) Create(ctx context.Context, run *models.ConsolidationRun) error {
	f.next++
	run.ID = f.next
	run.CreatedAt = time.Now()
	c := *run
	f.runs[run.ID] = &c
	return nil
}

func (f *fakeLedger) Get(ctx context.Context, id int64) (*models.ConsolidationRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *r
	return &c, nil
}

func (f *fakeLedger) GetForUpdate(ctx context.Context, id int64) (*models.ConsolidationRun, error) {
	return f.Get(ctx, id)
}

func (f *fakeLedger) Advance(ctx context.Context, id int64, from, to models.Phase) error {
	r, ok := f.runs[id]
	if !ok || r.Phase != from {
		return common.ErrPhaseOrder
	}
	r.Phase = to
	return nil
}

// --- catalog ---

type fakeTable struct {
	cols    []models.Column
	rows    []map[string]any
	indexes []string
}

func (t *fakeTable) find(key string, v any) map[string]any {
	for _, r := range t.rows {
		if r[key] == v {
			return r
		}
	}
	return nil
}

// fakeCatalog keeps tables in memory. Foreign keys are tracked by the table
// they reference and follow that table through renames, as in Postgres.
// Installed shadow syncs are applied by insert. steps logs constraint and
// lock timeout calls in order.
type fakeCatalog struct {
	tables     map[string]*fakeTable
	refs       map[string]string
	discovered []models.ForeignKey
	syncs      map[string]models.ShadowSync
	steps      []string

	copyShort   bool
	failRename  string
	lockErr     error
	failReplace string
	replaceErr  error
	locked      []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{tables: map[string]*fakeTable{}, refs: map[string]string{}, syncs: map[string]models.ShadowSync{}}
}

// write inserts row, or updates the row sharing its id, the way a live
// writer would, firing any sync installed on the table.
func (c *fakeCatalog) write(table string, row map[string]any) {
	t := c.tables[table]
	if existing := t.find("id", row["id"]); existing != nil {
		maps.Copy(existing, row)
	} else {
		t.rows = append(t.rows, row)
	}
	for _, sc := range c.syncs {
		shadow := c.tables[sc.Shadow]
		switch table {
		case sc.Primary:
			target := shadow.find(sc.Key, row[sc.Key])
			if target == nil {
				target = map[string]any{}
				shadow.rows = append(shadow.rows, target)
			}
			for _, col := range sc.PrimaryColumns {
				target[col] = row[col]
			}
			if o := c.tables[sc.Overlay].find(sc.Key, row[sc.Key]); o != nil {
				coalesce(target, o, sc.OverlayColumns)
			}
		case sc.Overlay:
			if target := shadow.find(sc.Key, row[sc.Key]); target != nil {
				coalesce(target, row, sc.OverlayColumns)
			}
		}
	}
}

func coalesce(dst, src map[string]any, cols []string) {
	for _, col := range cols {
		if src[col] != nil {
			dst[col] = src[col]
		}
	}
}

func (c *fakeCatalog) table(name string) (*fakeTable, error) {
	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", name)
	}
	return t, nil
}

func (c *fakeCatalog) TableExists(ctx context.Context, table string) (bool, error) {
	_, ok := c.tables[table]
	return ok, nil
}

func (c *fakeCatalog) CountRows(ctx context.Context, table string) (int64, error) {
	t, err := c.table(table)
	if err != nil {
		return 0, err
	}
	return int64(len(t.rows)), nil
}

func (c *fakeCatalog) CopyTable(ctx context.Context, src, dst string) error {
	t, err := c.table(src)
	if err != nil {
		return err
	}
	cp := &fakeTable{cols: slices.Clone(t.cols)}
	for _, r := range t.rows {
		cp.rows = append(cp.rows, cloneRow(r))
	}
	if c.copyShort && len(cp.rows) > 0 {
		cp.rows = cp.rows[1:]
	}
	c.tables[dst] = cp
	return nil
}

func (c *fakeCatalog) Columns(ctx context.Context, table string) ([]models.Column, error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return slices.Clone(t.cols), nil
}

func (c *fakeCatalog) CreateTableLike(ctx context.Context, src, dst string) error {
	t, err := c.table(src)
	if err != nil {
		return err
	}
	if _, ok := c.tables[dst]; ok {
		return fmt.Errorf("relation %q already exists", dst)
	}
	nt := &fakeTable{cols: slices.Clone(t.cols)}
	for _, idx := range t.indexes {
		nt.indexes = append(nt.indexes, dst+strings.TrimPrefix(idx, src))
	}
	c.tables[dst] = nt
	return nil
}

func (c *fakeCatalog) AddColumn(ctx context.Context, table string, col models.Column) error {
	t, err := c.table(table)
	if err != nil {
		return err
	}
	t.cols = append(t.cols, col)
	return nil
}

func (c *fakeCatalog) InsertMissingRows(ctx context.Context, src, dst, key string, cols []string) (int64, error) {
	s, err := c.table(src)
	if err != nil {
		return 0, err
	}
	d, err := c.table(dst)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range s.rows {
		if d.find(key, r[key]) != nil {
			continue
		}
		row := map[string]any{}
		for _, col := range cols {
			row[col] = r[col]
		}
		d.rows = append(d.rows, row)
		n++
	}
	return n, nil
}

func (c *fakeCatalog) RefreshRows(ctx context.Context, src, dst, key string, cols []string) (int64, error) {
	s, err := c.table(src)
	if err != nil {
		return 0, err
	}
	d, err := c.table(dst)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range s.rows {
		row := d.find(key, r[key])
		if row == nil {
			continue
		}
		changed := false
		for _, col := range cols {
			if row[col] != r[col] {
				row[col] = r[col]
				changed = true
			}
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (c *fakeCatalog) OverlayRows(ctx context.Context, overlay, dst, key string, cols []string) (int64, error) {
	o, err := c.table(overlay)
	if err != nil {
		return 0, err
	}
	d, err := c.table(dst)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range o.rows {
		row := d.find(key, r[key])
		if row == nil {
			continue
		}
		for _, col := range cols {
			if r[col] != nil {
				row[col] = r[col]
			}
		}
		n++
	}
	return n, nil
}

func (c *fakeCatalog) ReferencingKeys(ctx context.Context, table string) ([]models.ForeignKey, error) {
	return slices.Clone(c.discovered), nil
}

func (c *fakeCatalog) Orphans(ctx context.Context, fk models.ForeignKey, target, key string, limit int) (int64, []common.OrphanRow, error) {
	d, err := c.table(fk.Table)
	if err != nil {
		return 0, nil, err
	}
	tt, err := c.table(target)
	if err != nil {
		return 0, nil, err
	}
	var (
		n      int64
		sample []common.OrphanRow
	)
	for _, r := range d.rows {
		v := r[fk.Column]
		if v == nil || tt.find(key, v) != nil {
			continue
		}
		n++
		if len(sample) < limit {
			sample = append(sample, common.OrphanRow{RowKey: fmt.Sprint(r[fk.RowKey]), Value: fmt.Sprint(v)})
		}
	}
	return n, sample, nil
}

func (c *fakeCatalog) ForeignKeyTarget(ctx context.Context, fk models.ForeignKey) (string, error) {
	return c.refs[fk.Table+"."+fk.Column], nil
}

func (c *fakeCatalog) ReplaceForeignKey(ctx context.Context, fk models.ForeignKey, target, key string) error {
	if fk.Table == c.failReplace {
		return c.replaceErr
	}
	if _, err := c.table(target); err != nil {
		return err
	}
	c.refs[fk.Table+"."+fk.Column] = target
	c.steps = append(c.steps, "replace "+fk.Table+"."+fk.Column+" "+target)
	return nil
}

func (c *fakeCatalog) ValidateForeignKey(ctx context.Context, fk models.ForeignKey) error {
	c.steps = append(c.steps, "validate "+fk.Table+"."+fk.Column)
	return nil
}

func (c *fakeCatalog) DropForeignKey(ctx context.Context, fk models.ForeignKey) error {
	delete(c.refs, fk.Table+"."+fk.Column)
	c.steps = append(c.steps, "drop "+fk.Table+"."+fk.Column)
	return nil
}

func (c *fakeCatalog) CreateShadowSync(ctx context.Context, sc models.ShadowSync) error {
	if _, err := c.table(sc.Shadow); err != nil {
		return err
	}
	c.syncs[sc.Shadow] = sc
	c.steps = append(c.steps, "sync "+sc.Shadow)
	return nil
}

func (c *fakeCatalog) DropShadowSync(ctx context.Context, sc models.ShadowSync) error {
	delete(c.syncs, sc.Shadow)
	return nil
}

func (c *fakeCatalog) SetLockTimeout(ctx context.Context, d time.Duration) error {
	c.steps = append(c.steps, "timeout "+d.String())
	return nil
}

func (c *fakeCatalog) LockTables(ctx context.Context, tables ...string) error {
	if c.lockErr != nil {
		return c.lockErr
	}
	c.locked = append(c.locked, tables...)
	return nil
}

func (c *fakeCatalog) RenameTable(ctx context.Context, from, to string) error {
	if from == c.failRename {
		return errBoom{}
	}
	t, err := c.table(from)
	if err != nil {
		return err
	}
	if _, ok := c.tables[to]; ok {
		return fmt.Errorf("relation %q already exists", to)
	}
	delete(c.tables, from)
	c.tables[to] = t
	for k, v := range c.refs {
		if v == from {
			c.refs[k] = to
		}
	}
	return nil
}

func (c *fakeCatalog) Indexes(ctx context.Context, table string) ([]string, error) {
	t, err := c.table(table)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.indexes), nil
}

func (c *fakeCatalog) RenameIndex(ctx context.Context, from, to string) error {
	for _, t := range c.tables {
		if slices.Contains(t.indexes, to) {
			return fmt.Errorf("relation %q already exists", to)
		}
	}
	for _, t := range c.tables {
		for i, idx := range t.indexes {
			if idx == from {
				t.indexes[i] = to
				return nil
			}
		}
	}
	return fmt.Errorf("index %q does not exist", from)
}

func (c *fakeCatalog) DropTable(ctx context.Context, table string) error {
	for k, v := range c.refs {
		if v == table {
			return fmt.Errorf("cannot drop table %s because constraint on %s depends on it", table, k)
		}
	}
	delete(c.tables, table)
	return nil
}

func cloneRow(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// --- links ---

type linkRow struct {
	id      string
	email   string
	current string
}

type fakeLinksRepo struct {
	rows    []linkRow
	targets map[string][]string
	linked  map[string]string
	raced   map[string]bool
}

func (f *fakeLinksRepo) Candidates(ctx context.Context, link models.SoftKeyLink) ([]models.LinkCandidate, error) {
	var out []models.LinkCandidate
	for _, r := range f.rows {
		if _, ok := f.linked[r.id]; ok {
			continue
		}
		out = append(out, models.LinkCandidate{RowKey: r.id, SoftKey: r.email, Current: r.current})
	}
	return out, nil
}

func (f *fakeLinksRepo) Matches(ctx context.Context, link models.SoftKeyLink, softKey string, limit int) ([]string, error) {
	m := f.targets[strings.ToLower(strings.TrimSpace(softKey))]
	if len(m) > limit {
		m = m[:limit]
	}
	return m, nil
}

func (f *fakeLinksRepo) Link(ctx context.Context, link models.SoftKeyLink, c models.LinkCandidate, targetID string) (bool, error) {
	if f.raced[c.RowKey] {
		return false, nil
	}
	f.linked[c.RowKey] = targetID
	return true, nil
}

package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/catalog"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/consolidations"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/links"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/members"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/profiles"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/syncevents"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFactories_ReturnConcreteRepos(t *testing.T) {
	db := newDB(t)
	m := NewPostgresRepositoryManager()

	assert.IsType(t, &members.PostgresRepository{}, m.Members(db))
	assert.IsType(t, &profiles.PostgresRepository{}, m.Profiles(db))
	assert.IsType(t, &syncevents.PostgresRepository{}, m.SyncEvents(db))
	assert.IsType(t, &consolidations.PostgresRepository{}, m.Consolidations(db))
	assert.IsType(t, &catalog.PostgresRepository{}, m.Catalog(db))
	assert.IsType(t, &links.PostgresRepository{}, m.Links(db))
}

func TestRunMigrations_Success(t *testing.T) {
	db := newDB(t)

	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	var gotDir string
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		if len(opts) != 0 {
			return errors.New("unexpected opts")
		}
		return nil
	}

	m := &PostgresRepositoryManager{}
	require.NoError(t, m.RunMigrations(context.Background(), db))
	assert.Equal(t, ".", gotDir)
}

func TestRunMigrations_Error(t *testing.T) {
	db := newDB(t)

	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}

	m := &PostgresRepositoryManager{}
	require.EqualError(t, m.RunMigrations(context.Background(), db), "boom")
}

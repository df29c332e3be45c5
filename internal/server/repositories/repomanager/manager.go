// Package repomanager hands out repositories bound to a given handle, so a
// service can use the same repositories on the pool or inside a transaction.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/catalog"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/consolidations"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/links"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/members"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/profiles"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/syncevents"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Members(db dbx.DBTX) members.Repository
	Profiles(db dbx.DBTX) profiles.Repository
	SyncEvents(db dbx.DBTX) syncevents.Repository
	Consolidations(db dbx.DBTX) consolidations.Repository
	Catalog(db dbx.DBTX) catalog.Repository
	Links(db dbx.DBTX) links.Repository
}

package catalog

import (
	"context"
	"time"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

// Repository inspects and reshapes tables. Identifiers passed in are quoted
// by the implementation; SQL types come from the catalog itself.
type Repository interface {
	TableExists(ctx context.Context, table string) (bool, error)
	CountRows(ctx context.Context, table string) (int64, error)
	CopyTable(ctx context.Context, src, dst string) error
	Columns(ctx context.Context, table string) ([]models.Column, error)
	CreateTableLike(ctx context.Context, src, dst string) error
	AddColumn(ctx context.Context, table string, col models.Column) error
	InsertMissingRows(ctx context.Context, src, dst, key string, cols []string) (int64, error)
	RefreshRows(ctx context.Context, src, dst, key string, cols []string) (int64, error)
	OverlayRows(ctx context.Context, overlay, dst, key string, cols []string) (int64, error)
	ReferencingKeys(ctx context.Context, table string) ([]models.ForeignKey, error)
	Orphans(ctx context.Context, fk models.ForeignKey, target, key string, limit int) (int64, []common.OrphanRow, error)
	ForeignKeyTarget(ctx context.Context, fk models.ForeignKey) (string, error)
	ReplaceForeignKey(ctx context.Context, fk models.ForeignKey, target, key string) error
	ValidateForeignKey(ctx context.Context, fk models.ForeignKey) error
	DropForeignKey(ctx context.Context, fk models.ForeignKey) error
	CreateShadowSync(ctx context.Context, sync models.ShadowSync) error
	DropShadowSync(ctx context.Context, sync models.ShadowSync) error
	SetLockTimeout(ctx context.Context, d time.Duration) error
	LockTables(ctx context.Context, tables ...string) error
	RenameTable(ctx context.Context, from, to string) error
	Indexes(ctx context.Context, table string) ([]string, error)
	RenameIndex(ctx context.Context, from, to string) error
	DropTable(ctx context.Context, table string) error
}

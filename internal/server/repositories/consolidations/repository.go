package consolidations

import (
	"context"

	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

// Repository is the ledger of table consolidation runs.
type Repository interface {
	Create(ctx context.Context, run *models.ConsolidationRun) error
	Get(ctx context.Context, id int64) (*models.ConsolidationRun, error)
	GetForUpdate(ctx context.Context, id int64) (*models.ConsolidationRun, error)
	Advance(ctx context.Context, id int64, from, to models.Phase) error
}

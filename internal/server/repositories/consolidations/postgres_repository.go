package consolidations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

const selectColumns = `id, primary_table, overlay_table, shadow_table, key_column, stamp, phase,
	dependents, archives, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, run *models.ConsolidationRun) error {
	dependents, err := json.Marshal(run.Dependents)
	if err != nil {
		return fmt.Errorf("encode dependents: %w", err)
	}
	archives, err := json.Marshal(run.Archives)
	if err != nil {
		return fmt.Errorf("encode archives: %w", err)
	}

	query := `
		INSERT INTO consolidation_runs (primary_table, overlay_table, shadow_table, key_column, stamp, phase, dependents, archives)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb)
		RETURNING id, created_at, updated_at`

	err = r.db.QueryRowContext(ctx, query,
		run.Primary, run.Overlay, run.Shadow, run.Key, run.Stamp, run.Phase, string(dependents), string(archives),
	).Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (*models.ConsolidationRun, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM consolidation_runs WHERE id = $1`, id)
}

// GetForUpdate locks the ledger row, so a phase cannot run twice concurrently.
func (r *PostgresRepository) GetForUpdate(ctx context.Context, id int64) (*models.ConsolidationRun, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM consolidation_runs WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) get(ctx context.Context, query string, id int64) (*models.ConsolidationRun, error) {
	var (
		run        models.ConsolidationRun
		dependents []byte
		archives   []byte
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&run.ID, &run.Primary, &run.Overlay, &run.Shadow, &run.Key,
		&run.Stamp, &run.Phase, &dependents, &archives, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if err := json.Unmarshal(dependents, &run.Dependents); err != nil {
		return nil, fmt.Errorf("decode dependents: %w", err)
	}
	if err := json.Unmarshal(archives, &run.Archives); err != nil {
		return nil, fmt.Errorf("decode archives: %w", err)
	}
	return &run, nil
}

// Advance moves the run from one phase to the next. A run that is not in
// phase from is left alone and common.ErrPhaseOrder is returned.
func (r *PostgresRepository) Advance(ctx context.Context, id int64, from, to models.Phase) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE consolidation_runs SET phase = $3, updated_at = now() WHERE id = $1 AND phase = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectOneRow(res, common.ErrPhaseOrder)
}

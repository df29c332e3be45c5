// Package links repairs dependent rows whose foreign key is missing or
// dangling by matching a normalized soft key against the target table.
package links

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Candidates returns rows whose reference is null or points nowhere, locking
// them for the rest of the transaction.
func (r *PostgresRepository) Candidates(ctx context.Context, l models.SoftKeyLink) ([]models.LinkCandidate, error) {
	col := dbx.Ident(l.Column)
	query := `
		SELECT d.` + dbx.Ident(l.RowKey) + `::text, COALESCE(d.` + dbx.Ident(l.SoftKey) + `::text, ''), COALESCE(d.` + col + `::text, '')
		FROM ` + dbx.Ident(l.Table) + ` d
		WHERE d.` + col + ` IS NULL
		   OR NOT EXISTS (SELECT 1 FROM ` + dbx.Ident(l.Target) + ` t WHERE t.` + dbx.Ident(l.TargetKey) + ` = d.` + col + `)
		ORDER BY 1
		FOR UPDATE OF d`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.LinkCandidate
	for rows.Next() {
		var c models.LinkCandidate
		if err := rows.Scan(&c.RowKey, &c.SoftKey, &c.Current); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// Matches returns up to limit target keys whose soft key equals softKey
// after trimming and lower-casing both sides.
func (r *PostgresRepository) Matches(ctx context.Context, l models.SoftKeyLink, softKey string, limit int) ([]string, error) {
	query := `
		SELECT t.` + dbx.Ident(l.TargetKey) + `::text FROM ` + dbx.Ident(l.Target) + ` t
		WHERE lower(btrim(t.` + dbx.Ident(l.TargetSoftKey) + `)) = lower(btrim($1))
		ORDER BY 1
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, softKey, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Link sets the reference only if it still holds the value seen by
// Candidates; false means the row moved on and was left alone.
func (r *PostgresRepository) Link(ctx context.Context, l models.SoftKeyLink, c models.LinkCandidate, targetID string) (bool, error) {
	col := dbx.Ident(l.Column)
	query := `UPDATE ` + dbx.Ident(l.Table) + ` SET ` + col + ` = $1
		WHERE ` + dbx.Ident(l.RowKey) + ` = $2 AND COALESCE(` + col + `::text, '') = $3`

	res, err := r.db.ExecContext(ctx, query, targetID, c.RowKey, c.Current)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("unexpected rows affected: %d", n)
	}
}

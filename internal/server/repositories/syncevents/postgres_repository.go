// Package syncevents is the transactional outbox for profile synchronization.
// Events are written in the same transaction as the member change and
// claimed by workers with FOR UPDATE SKIP LOCKED.
package syncevents

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Enqueue(ctx context.Context, memberID, reason string, maxAttempts int) error {
	query := `INSERT INTO sync_events (member_id, reason, status, max_attempts) VALUES ($1, $2, 'pending', $3)`
	if _, err := r.db.ExecContext(ctx, query, memberID, reason, maxAttempts); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Claim atomically moves up to limit due events to processing and returns them.
// Rows locked by another worker are skipped rather than waited on.
func (r *PostgresRepository) Claim(ctx context.Context, limit int) ([]*models.SyncEvent, error) {
	query := `
		UPDATE sync_events SET status = 'processing', updated_at = now()
		WHERE id IN (
			SELECT id FROM sync_events
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, member_id, reason, status, attempts, max_attempts, last_error, next_attempt_at, created_at, updated_at`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.SyncEvent
	for rows.Next() {
		var e models.SyncEvent
		if err := rows.Scan(&e.ID, &e.MemberID, &e.Reason, &e.Status, &e.Attempts, &e.MaxAttempts,
			&e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ResetStuck returns processing events untouched since olderThan to pending,
// covering workers that died mid-batch.
func (r *PostgresRepository) ResetStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `UPDATE sync_events SET status = 'pending', updated_at = now()
		WHERE status = 'processing' AND updated_at < $1`

	res, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) MarkDone(ctx context.Context, id int64) error {
	return r.transition(ctx,
		`UPDATE sync_events SET status = 'done', last_error = '', updated_at = now() WHERE id = $1 AND status = 'processing'`,
		id)
}

func (r *PostgresRepository) MarkRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastErr string) error {
	return r.transition(ctx,
		`UPDATE sync_events SET status = 'pending', attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, attempts, nextAttempt, lastErr)
}

func (r *PostgresRepository) MarkDead(ctx context.Context, id int64, attempts int, lastErr string) error {
	return r.transition(ctx,
		`UPDATE sync_events SET status = 'dead', attempts = $2, last_error = $3, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, attempts, lastErr)
}

func (r *PostgresRepository) transition(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return dbx.ExpectOneRow(res, common.ErrorNotFound)
}

func (r *PostgresRepository) CountByStatus(ctx context.Context) (map[models.SyncEventStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, count(*) FROM sync_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncEventStatus]int64)
	for rows.Next() {
		var (
			status models.SyncEventStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

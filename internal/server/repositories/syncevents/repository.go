package syncevents

import (
	"context"
	"time"

	"github.com/dmitrijs2005/mentorsync/internal/server/models"
)

type Repository interface {
	Enqueue(ctx context.Context, memberID, reason string, maxAttempts int) error
	Claim(ctx context.Context, limit int) ([]*models.SyncEvent, error)
	ResetStuck(ctx context.Context, olderThan time.Time) (int64, error)
	MarkDone(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastErr string) error
	MarkDead(ctx context.Context, id int64, attempts int, lastErr string) error
	CountByStatus(ctx context.Context) (map[models.SyncEventStatus]int64, error)
}

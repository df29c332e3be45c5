// Package worker drains the sync_events outbox.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dmitrijs2005/mentorsync/internal/common"
	"github.com/dmitrijs2005/mentorsync/internal/dbx"
	"github.com/dmitrijs2005/mentorsync/internal/logging"
	"github.com/dmitrijs2005/mentorsync/internal/server/config"
	"github.com/dmitrijs2005/mentorsync/internal/server/metrics"
	"github.com/dmitrijs2005/mentorsync/internal/server/models"
	"github.com/dmitrijs2005/mentorsync/internal/server/repositories/repomanager"
)

// Applier derives a profile inside the given transaction.
type Applier interface {
	Apply(ctx context.Context, tx dbx.DBTX, member *models.Member) (models.SyncOutcome, error)
}

// SyncWorker polls for due outbox events and applies each one in its own
// transaction. Failed events are retried with exponential backoff until
// their attempt budget is spent.
type SyncWorker struct {
	db           *sql.DB
	repomanager  repomanager.RepositoryManager
	applier      Applier
	logger       logging.Logger
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	stuckAfter   time.Duration
	retryBase    time.Duration
	retryMax     time.Duration
	jitter       float64
	now          func() time.Time
}

func NewSyncWorker(db *sql.DB, m repomanager.RepositoryManager, applier Applier, cfg *config.Config, logger logging.Logger) *SyncWorker {
	return &SyncWorker{
		db:           db,
		repomanager:  m,
		applier:      applier,
		logger:       logger.With("module", "sync_worker"),
		pollInterval: cfg.WorkerPollInterval,
		batchSize:    cfg.WorkerBatchSize,
		maxAttempts:  cfg.WorkerMaxAttempts,
		stuckAfter:   cfg.WorkerStuckAfter,
		retryBase:    cfg.WorkerRetryBase,
		retryMax:     cfg.WorkerRetryMax,
		jitter:       backoff.DefaultRandomizationFactor,
		now:          time.Now,
	}
}

// Run polls until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info(ctx, "sync worker started", "poll_interval", w.pollInterval, "batch_size", w.batchSize)

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error(ctx, "sync worker poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "sync worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll recovers stuck events, claims a batch and processes it. It returns
// the number of events claimed.
func (w *SyncWorker) Poll(ctx context.Context) (int, error) {
	events := w.repomanager.SyncEvents(w.db)

	if n, err := events.ResetStuck(ctx, w.now().Add(-w.stuckAfter)); err != nil {
		w.logger.Warn(ctx, "failed to reset stuck sync events", "error", err)
	} else if n > 0 {
		w.logger.Warn(ctx, "reset stuck sync events", "count", n)
	}

	batch, err := events.Claim(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("error claiming sync events: %w", err)
	}

	for _, ev := range batch {
		if ctx.Err() != nil {
			break
		}
		w.process(ctx, ev)
	}

	if counts, err := events.CountByStatus(ctx); err == nil {
		for _, s := range []models.SyncEventStatus{models.EventPending, models.EventProcessing, models.EventDone, models.EventDead} {
			metrics.SyncEventsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
		}
	}
	return len(batch), nil
}

func (w *SyncWorker) process(ctx context.Context, ev *models.SyncEvent) {
	start := w.now()
	events := w.repomanager.SyncEvents(w.db)

	var outcome models.SyncOutcome
	err := dbx.WithTx(ctx, w.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		member, err := w.repomanager.Members(tx).GetByID(ctx, ev.MemberID)
		if errors.Is(err, common.ErrorNotFound) {
			outcome = models.SyncSkipped
			return nil
		}
		if err != nil {
			return err
		}
		outcome, err = w.applier.Apply(ctx, tx, member)
		return err
	})
	metrics.SyncEventDuration.Observe(w.now().Sub(start).Seconds())

	if err == nil {
		if err := events.MarkDone(ctx, ev.ID); err != nil {
			w.logger.Error(ctx, "failed to mark sync event done", "event_id", ev.ID, "error", err)
			return
		}
		metrics.SyncEventsProcessed.WithLabelValues(string(outcome)).Inc()
		w.logger.Debug(ctx, "sync event processed", "event_id", ev.ID, "member_id", ev.MemberID, "outcome", outcome)
		return
	}

	attempts := ev.Attempts + 1
	limit := ev.MaxAttempts
	if limit <= 0 {
		limit = w.maxAttempts
	}

	if attempts >= limit {
		if merr := events.MarkDead(ctx, ev.ID, attempts, err.Error()); merr != nil {
			w.logger.Error(ctx, "failed to mark sync event dead", "event_id", ev.ID, "error", merr)
			return
		}
		metrics.SyncEventsProcessed.WithLabelValues("dead").Inc()
		w.logger.Error(ctx, "sync event gave up", "event_id", ev.ID, "member_id", ev.MemberID, "attempts", attempts, "error", err)
		return
	}

	next := w.now().Add(w.retryDelay(attempts))
	if merr := events.MarkRetry(ctx, ev.ID, attempts, next, err.Error()); merr != nil {
		w.logger.Error(ctx, "failed to schedule sync event retry", "event_id", ev.ID, "error", merr)
		return
	}
	metrics.SyncEventsProcessed.WithLabelValues("retry").Inc()
	w.logger.Warn(ctx, "sync event failed, retry scheduled", "event_id", ev.ID, "attempts", attempts, "next_attempt_at", next, "error", err)
}

// retryDelay is the backoff interval before the given attempt number.
func (w *SyncWorker) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryBase
	b.MaxInterval = w.retryMax
	b.RandomizationFactor = w.jitter

	d := b.InitialInterval
	for range attempt {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		d = next
	}
	return d
}

// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mentorsync_sync_events_processed_total",
		Help: "Outbox events processed by result",
	}, []string{"result"})

	SyncEventDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mentorsync_sync_event_duration_seconds",
		Help:    "Time to apply one outbox event",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	SyncEventsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mentorsync_sync_events",
		Help: "Outbox events by status",
	}, []string{"status"})

	ProfileConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mentorsync_profile_version_conflicts_total",
		Help: "Profile writes rejected for a stale version",
	})

	ConsolidationPhases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mentorsync_consolidation_phases_total",
		Help: "Consolidation phase runs by phase and status",
	}, []string{"phase", "status"})
)

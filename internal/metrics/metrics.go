// Package metrics holds the Prometheus collectors reported by the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation label values
const (
	OpPull = "pull"
	OpPush = "push"
)

// Result label values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultNoop    = "noop"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposyncd_events_received_total",
			Help: "Total number of sync events consumed, by kind",
		},
		[]string{"kind"},
	)

	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposyncd_operations_total",
			Help: "Total number of sync operations, by operation and result",
		},
		[]string{"operation", "result"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reposyncd_operation_duration_seconds",
			Help:    "Sync operation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	LastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reposyncd_last_success_timestamp",
			Help: "Unix timestamp of the last successful operation",
		},
		[]string{"operation"},
	)

	FastForwards = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reposyncd_fast_forwards_total",
			Help: "Total number of fast-forwards applied to the local branch",
		},
	)

	Diverged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reposyncd_diverged_total",
			Help: "Total number of fetched references that diverged from the local branch and were skipped",
		},
	)

	Commits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reposyncd_commits_total",
			Help: "Total number of commits created from local changes",
		},
	)

	SkippedPaths = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reposyncd_skipped_paths_total",
			Help: "Total number of changed paths left out of a commit, by reason",
		},
		[]string{"reason"},
	)

	PushPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reposyncd_push_pending",
			Help: "1 if a local commit failed to push and has not been pushed since",
		},
	)
)

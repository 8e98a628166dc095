// Package metrics provides Prometheus metrics for the sync server and client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks server mutation resolutions by operation and outcome
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "dedup",
			Name:      "resolutions_total",
			Help:      "Total number of mutation resolutions by operation and outcome",
		},
		[]string{"operation", "resolution"},
	)

	// ChangeLogAppendsTotal tracks change-log entries appended
	ChangeLogAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "changelog",
			Name:      "appends_total",
			Help:      "Total number of change-log entries appended",
		},
		[]string{"operation"},
	)

	// DrainOutcomesTotal tracks client drain attempts by verdict
	DrainOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "drain",
			Name:      "outcomes_total",
			Help:      "Total number of mutation delivery attempts by verdict",
		},
		[]string{"verdict"},
	)

	// DrainPassDuration tracks drain pass duration in seconds
	DrainPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tally",
			Subsystem: "drain",
			Name:      "pass_duration_seconds",
			Help:      "Duration of drain passes in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// QueueDepth tracks pending mutations observed at the start of a drain pass
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tally",
			Subsystem: "queue",
			Name:      "pending_mutations",
			Help:      "Number of pending mutations at the start of the last drain pass",
		},
	)

	// FeedRecordsTotal tracks external-source records by ingestion result
	FeedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "feed",
			Name:      "records_total",
			Help:      "Total number of external-source records by ingestion result",
		},
		[]string{"result"},
	)

	// PulledChangesTotal tracks change-log entries applied by the client replicator
	PulledChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "replicator",
			Name:      "changes_applied_total",
			Help:      "Total number of change-log entries applied locally",
		},
		[]string{"operation"},
	)

	// BootstrapsTotal tracks full local resyncs by reason
	BootstrapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "replicator",
			Name:      "bootstraps_total",
			Help:      "Total number of full bootstraps by reason",
		},
		[]string{"reason"},
	)
)

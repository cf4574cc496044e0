// Package metrics exposes Prometheus collectors for the transaction core.
// Collectors register on the default registry; embedding applications scrape
// them through their own handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silt_commits_total",
		Help: "Total number of committed transactions.",
	}, []string{"operation"})

	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_commit_retries_total",
		Help: "Total number of commit attempts retried after losing the version race.",
	})

	ConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silt_conflicts_total",
		Help: "Total number of logical conflicts detected between concurrent transactions.",
	}, []string{"reason"})

	AbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_aborts_total",
		Help: "Total number of transactions aborted after exhausting their retry budget.",
	})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "silt_commit_duration_seconds",
		Help:    "Duration of Commit calls, including retries.",
		Buckets: prometheus.DefBuckets,
	})

	EntriesFolded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_snapshot_entries_folded_total",
		Help: "Total number of log entries folded while building snapshots.",
	})

	SnapshotCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_snapshot_cache_hits_total",
		Help: "Total number of snapshot builds served from the incremental cache.",
	})

	VacuumDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_vacuum_deleted_total",
		Help: "Total number of files deleted by garbage collection.",
	})

	VacuumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_vacuum_failures_total",
		Help: "Total number of garbage collection deletes that failed.",
	})
)

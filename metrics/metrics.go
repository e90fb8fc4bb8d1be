package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/videoswarm/upswarm/config"
)

// CoordinatorMetrics is the Prometheus surface for the scheduler, batch
// store, and session layer, kept current by Collector reacting to the
// store's event stream and to worker ban/heartbeat decisions.
type CoordinatorMetrics struct {
	Version *prometheus.CounterVec

	BatchesCreated   prometheus.Counter
	BatchesAssigned  prometheus.Counter
	BatchesCompleted prometheus.Counter
	BatchesFailed    prometheus.Counter
	BatchesTimedOut  prometheus.Counter
	BatchesRequeued  prometheus.Counter

	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter

	JobsInFlight    prometheus.Gauge
	BatchesInFlight prometheus.Gauge

	ActiveSessions      prometheus.Gauge
	ReplayRejections    prometheus.Counter
	WorkerBans          prometheus.Counter
	HeartbeatTimeouts   prometheus.Counter
	DuplicateBatches    prometheus.Counter
	AssemblyDurationSec prometheus.Histogram
}

func NewCoordinatorMetrics() *CoordinatorMetrics {
	m := &CoordinatorMetrics{
		Version: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "version",
			Help: "Current Git SHA or tag running. Incremented once on startup.",
		}, []string{"app", "version"}),

		BatchesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "batches_created_total",
			Help: "Total number of batches created during frame extraction.",
		}),
		BatchesAssigned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "batches_assigned_total",
			Help: "Total number of batches handed to a worker, including duplicates.",
		}),
		BatchesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "batches_completed_total",
			Help: "Total number of batches completed by a worker.",
		}),
		BatchesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "batches_failed_total",
			Help: "Total number of batches that failed processing.",
		}),
		BatchesTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "batches_timed_out_total",
			Help: "Total number of batches reclaimed after exceeding the processing ceiling.",
		}),
		BatchesRequeued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "batches_requeued_total",
			Help: "Total number of batches returned to pending after a retry-eligible failure or timeout.",
		}),

		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of upscale jobs whose batches all completed, counted when final assembly starts.",
		}),
		JobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of upscale jobs that failed; cancelled jobs are not counted.",
		}),

		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Number of jobs currently being extracted, processed, or assembled.",
		}),
		BatchesInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "batches_in_flight",
			Help: "Number of batches currently assigned or processing.",
		}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "active_worker_sessions",
			Help: "Number of workers with a live, unexpired session.",
		}),
		ReplayRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "replay_rejections_total",
			Help: "Total number of sealed messages rejected by the anti-replay nonce check.",
		}),
		WorkerBans: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_bans_total",
			Help: "Total number of workers banned after consecutive batch failures.",
		}),
		HeartbeatTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "worker_heartbeat_timeouts_total",
			Help: "Total number of workers disconnected for missing heartbeats.",
		}),
		DuplicateBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "duplicate_batches_total",
			Help: "Total number of duplicate batches dispatched to mitigate stragglers.",
		}),
		AssemblyDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_assembly_duration_seconds",
			Help:    "Time taken to mux completed frames and audio into the final output.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.Version.WithLabelValues("upswarm-coordinator", config.Version).Inc()
	return m
}

// Metrics is the process-wide metrics registry, mirroring the package-level
// singleton pattern this codebase already uses for config.Logger.
var Metrics = NewCoordinatorMetrics()

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ChunkCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "batch_chunk_completed_total", Help: "Chunks committed"}, []string{"step"})
	ChunkErrors    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "batch_chunk_error_total", Help: "Chunks that failed their partition"}, []string{"step"})
	ChunkRetries   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "batch_chunk_retry_total", Help: "Chunk writes retried after a transient failure"}, []string{"step"})

	SkipRead    = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_skip_read_total", Help: "Lines skipped because they could not be parsed"})
	SkipProcess = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_skip_process_total", Help: "Records skipped by validation"})
	SkipWrite   = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_skip_write_total", Help: "Records rejected by storage"})

	TriggerDuplicate    = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_trigger_duplicate_total", Help: "Triggers for files already completed or in flight"})
	TriggerBackpressure = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_trigger_backpressure_total", Help: "Triggers refused because every job slot was taken"})
	TriggerLaunched     = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_trigger_launched_total", Help: "Jobs launched from triggers"})
	TriggerLaunchFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_trigger_launch_failed_total", Help: "Triggers whose job could not be launched"})
	TriggerDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_trigger_dead_lettered_total", Help: "Triggers routed to the dead-letter topic"})

	JobCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_job_completed_total", Help: "Jobs that completed"})
	JobFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_job_failed_total", Help: "Jobs that failed"})
	JobDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_job_duration_seconds",
		Help:    "Wall time of a job from launch to its terminal status",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	})
	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "batch_jobs_inflight", Help: "Job slots currently held"})

	RecordsWritten          = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_records_written_total", Help: "Records inserted"})
	RecordsUpsertFallback   = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_records_upsert_fallback_total", Help: "Records written through the per-record conflict path"})
	RecordsSkippedDuplicate = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_records_skipped_duplicate_total", Help: "Records already present by hash"})
	WriteDuration           = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_write_duration_seconds",
		Help:    "Time to commit one chunk",
		Buckets: prometheus.DefBuckets,
	})
)

// Step labels the chunk counters.
const Step = "ingest-partition"

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ChunkCompleted,
			ChunkErrors,
			ChunkRetries,
			SkipRead,
			SkipProcess,
			SkipWrite,
			TriggerDuplicate,
			TriggerBackpressure,
			TriggerLaunched,
			TriggerLaunchFailed,
			TriggerDeadLettered,
			JobCompleted,
			JobFailed,
			JobDuration,
			JobsInFlight,
			RecordsWritten,
			RecordsUpsertFallback,
			RecordsSkippedDuplicate,
			WriteDuration,
		)
	})
	return promhttp.Handler()
}

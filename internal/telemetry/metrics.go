package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	NotificationsReceived = prometheus.NewCounter(prometheus.CounterOpts{Name: "imageflow_notifications_received_total", Help: "Upload notifications received by the ingestion adapter"})
	NotificationsSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "imageflow_notifications_skipped_total", Help: "Notifications dropped (non-creation events or malformed keys)"})
	JobsPublished         = prometheus.NewCounter(prometheus.CounterOpts{Name: "imageflow_jobs_published_total", Help: "Job messages published to the upload-event queue"})
	RunsStarted           = prometheus.NewCounter(prometheus.CounterOpts{Name: "imageflow_runs_started_total", Help: "Pipeline runs started by the orchestrator"})
	RunsFailed            = prometheus.NewCounter(prometheus.CounterOpts{Name: "imageflow_runs_failed_total", Help: "Pipeline runs that ended in a terminal failure"})
	RunsSucceeded         = prometheus.NewCounter(prometheus.CounterOpts{Name: "imageflow_runs_succeeded_total", Help: "Pipeline runs that completed all stages"})
	StatusWriteFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "imageflow_status_write_failures_total", Help: "Best-effort status store writes that were swallowed"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "imageflow_rate_limit_rejects_total", Help: "Upload requests rejected by the per-user rate limiter"})
	QueueDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "imageflow_queue_depth", Help: "Upload-event queue depth"})

	StageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imageflow_stage_outcomes_total",
		Help: "Stage executions by stage name and outcome (ok, rejected, error)",
	}, []string{"stage", "outcome"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			NotificationsReceived,
			NotificationsSkipped,
			JobsPublished,
			RunsStarted,
			RunsFailed,
			RunsSucceeded,
			StatusWriteFailures,
			RateLimitRejects,
			QueueDepthGauge,
			StageOutcomes,
		)
	})
	return promhttp.Handler()
}

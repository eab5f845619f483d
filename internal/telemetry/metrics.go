package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WatchRequests    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "videos_watch_requests_total", Help: "Watch requests by outcome"}, []string{"outcome"})
	ResultsPolls     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "videos_results_polls_total", Help: "Results polls by job state"}, []string{"state"})
	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_jobs_enqueued_total", Help: "Total enqueued download jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_jobs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "videos_jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "videos_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "videos_jobs_inflight", Help: "Jobs currently leased by this worker"})
	DownloadSeconds  = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "videos_download_duration_seconds",
		Help:    "Time spent downloading a video",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			WatchRequests,
			ResultsPolls,
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			DownloadSeconds,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

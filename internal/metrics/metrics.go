// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Page pool
	BrowserLaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagesnap_browser_launches_total",
			Help: "Browser launch attempts by result",
		},
		[]string{"result"}, // ok, error
	)

	BrowserDisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagesnap_browser_disconnects_total",
			Help: "Unexpected browser disconnections",
		},
	)

	ActivePages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagesnap_active_pages",
			Help: "Pages currently leased from the pool",
		},
	)

	PoolRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagesnap_pool_rejections_total",
			Help: "Acquire calls rejected because the pool was at capacity",
		},
	)

	// Capture
	CaptureAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagesnap_capture_attempts_total",
			Help: "Capture attempts by result",
		},
		[]string{"result"}, // ok, error
	)

	// Buckets: 250ms .. ~128s
	CaptureDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagesnap_capture_duration_seconds",
			Help:    "Duration of a whole capture including retries",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)

	// Jobs
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagesnap_jobs_submitted_total",
			Help: "Jobs submitted by admission result",
		},
		[]string{"result"}, // queued, rejected
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagesnap_jobs_finished_total",
			Help: "Jobs that reached a terminal status",
		},
		[]string{"status"}, // completed, failed
	)

	JobQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagesnap_job_queue_depth",
			Help: "Jobs waiting for a worker",
		},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagesnap_jobs_in_flight",
			Help: "Jobs currently being processed",
		},
	)

	JobsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagesnap_jobs_swept_total",
			Help: "Terminal jobs removed by the retention sweep",
		},
	)

	// Admission
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagesnap_ratelimit_decisions_total",
			Help: "Rate limit checks by outcome",
		},
		[]string{"result"}, // allowed, rejected
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagesnap_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagesnap_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

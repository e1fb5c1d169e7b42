// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterJobsTotal             *prometheus.CounterVec
	harvesterJobDurationSeconds    *prometheus.HistogramVec
	harvesterActiveJobs            prometheus.Gauge
	harvesterLeaseSkipsTotal       *prometheus.CounterVec
	harvesterRecordsTotal          *prometheus.CounterVec
	harvesterChecksTotal           *prometheus.CounterVec
	harvesterPoolSize              prometheus.Gauge
	harvesterRateLimitDelaySeconds *prometheus.HistogramVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of finished jobs, labeled by class, source and status.",
			},
			[]string{"class", "source", "status"},
		)

		harvesterJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_job_duration_seconds",
				Help:    "Histogram of job wall time, labeled by class.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
			},
			[]string{"class"},
		)

		harvesterActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_jobs",
				Help: "Number of dispatched jobs that have not completed.",
			},
		)

		harvesterLeaseSkipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_lease_skips_total",
				Help: "Sources skipped during a scheduling pass because their lease was held.",
			},
			[]string{"class", "source"},
		)

		harvesterRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_total",
				Help: "Scraped proxy rows, labeled by source and outcome (saved, malformed, error).",
			},
			[]string{"source", "outcome"},
		)

		harvesterChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_checks_total",
				Help: "Proxy validation probes, labeled by outcome (alive, dead, fresh).",
			},
			[]string{"outcome"},
		)

		harvesterPoolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_pool_size",
				Help: "Number of proxy records seen by the last gating check.",
			},
		)

		harvesterRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a finished job.
func ObserveJob(class, source, status string, duration time.Duration) {
	Init()
	harvesterJobsTotal.WithLabelValues(class, source, status).Inc()
	harvesterJobDurationSeconds.WithLabelValues(class).Observe(duration.Seconds())
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	harvesterActiveJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	harvesterActiveJobs.Dec()
}

// ObserveLeaseSkip counts a source skipped because it was already running.
func ObserveLeaseSkip(class, source string) {
	Init()
	harvesterLeaseSkipsTotal.WithLabelValues(class, source).Inc()
}

// ObserveRecord counts one scraped row.
func ObserveRecord(source, outcome string) {
	Init()
	harvesterRecordsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveCheck counts one validation probe.
func ObserveCheck(outcome string) {
	Init()
	harvesterChecksTotal.WithLabelValues(outcome).Inc()
}

// SetPoolSize records the pool size seen by the gating check.
func SetPoolSize(n int) {
	Init()
	harvesterPoolSize.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	harvesterRateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

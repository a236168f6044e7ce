// Package metrics exposes Prometheus collectors for the conversion service.
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
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	artifactBytes              *prometheus.HistogramVec
	sweepExpiredTotal          prometheus.Counter
	rateLimitDelaysSeconds     prometheus.Histogram
	robotsFallbackTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs2md_fetch_total",
				Help: "Total number of page fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs2md_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs2md_fetch_retries_total",
				Help: "Total number of fetch retries, labeled by site.",
			},
			[]string{"site"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs2md_pages_total",
				Help: "Pages reaching a terminal outcome, labeled by outcome.",
			},
			[]string{"outcome"},
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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs2md_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by state and reason.",
			},
			[]string{"state", "reason"},
		)

		artifactBytes = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docs2md_artifact_bytes",
				Help:    "Size of stored artifacts, labeled by format.",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
			},
			[]string{"format"},
		)

		sweepExpiredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "docs2md_sweep_expired_total",
				Help: "Total number of artifacts removed by the retention sweep.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "docs2md_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docs2md_robots_fallback_total",
				Help: "robots.txt fetches that timed out and fell back to allow-all.",
			},
			[]string{"site"},
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
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch outcome.
func ObserveFetch(site string, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchRetry counts a retried fetch.
func ObserveFetchRetry(site string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObservePage records a page's terminal outcome ("converted" or a skip reason).
func ObservePage(outcome string) {
	Init()
	pagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given terminal state.
func ObserveJob(state string, reason string) {
	Init()
	jobsTotal.WithLabelValues(state, reason).Inc()
}

// ObserveArtifact records the size of a stored artifact.
func ObserveArtifact(format string, size int64) {
	Init()
	artifactBytes.WithLabelValues(format).Observe(float64(size))
}

// ObserveSweepExpired counts artifacts removed by the sweeper.
func ObserveSweepExpired(n int) {
	Init()
	if n > 0 {
		sweepExpiredTotal.Add(float64(n))
	}
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt fetch replaced by allow-all.
func ObserveRobotsFallback(site string) {
	Init()
	robotsFallbackTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// Package metrics exposes Prometheus collectors for the archiver.
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
	archiverPagesTotal          *prometheus.CounterVec
	archiverAssetsTotal         *prometheus.CounterVec
	archiverBytesTotal          *prometheus.CounterVec
	archiverErrorsTotal         *prometheus.CounterVec
	archiverFetchAttemptsTotal  *prometheus.CounterVec
	archiverFetchDuration       *prometheus.HistogramVec
	archiverDedupHitsTotal      prometheus.Counter
	archiverRobotsBlockedTotal  prometheus.Counter
	archiverCheckpointsTotal    prometheus.Counter
	archiverActiveWorkers       prometheus.Gauge
	archiverFrontierSize        prometheus.Gauge
	archiverRateLimitDelaysSecs *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call multiple times; every Observe helper calls it.
func Init() {
	once.Do(func() {
		archiverPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_pages_total",
				Help: "Pages archived, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)
		archiverAssetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_assets_total",
				Help: "Assets archived, labeled by asset class.",
			},
			[]string{"class"},
		)
		archiverBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)
		archiverErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_errors_total",
				Help: "Terminal failures, labeled by error kind.",
			},
			[]string{"kind"},
		)
		archiverFetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_fetch_attempts_total",
				Help: "Individual fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)
		archiverFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_fetch_duration_seconds",
				Help:    "Latency of completed fetches, labeled by fetcher.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"fetcher"},
		)
		archiverDedupHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_dedup_hits_total",
				Help: "Blob writes skipped because the content hash already existed.",
			},
		)
		archiverRobotsBlockedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_robots_blocked_total",
				Help: "URLs dropped by robots.txt rules.",
			},
		)
		archiverCheckpointsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_checkpoints_total",
				Help: "Crawl checkpoints written.",
			},
		)
		archiverActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_workers",
				Help: "Workers currently processing a frontier entry.",
			},
		)
		archiverFrontierSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_frontier_size",
				Help: "Pending frontier entries.",
			},
		)
		archiverRateLimitDelaysSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delays_seconds",
				Help:    "Histogram of per-host pacing waits.",
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

// SanitizeSite extracts a lowercase hostname, or "unknown" if the URL is invalid.
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

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records an archived page.
func ObservePage(site string, status int, bytesFetched int) {
	Init()
	sanitized := SanitizeSite(site)
	archiverPagesTotal.WithLabelValues(sanitized, statusClass(status)).Inc()
	if bytesFetched > 0 {
		archiverBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveAsset records an archived asset.
func ObserveAsset(class string, site string, bytesFetched int) {
	Init()
	archiverAssetsTotal.WithLabelValues(class).Inc()
	if bytesFetched > 0 {
		archiverBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveError records a terminal failure.
func ObserveError(kind string) {
	Init()
	archiverErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveAttempt records the outcome of a single fetch attempt.
func ObserveAttempt(outcome string) {
	Init()
	archiverFetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchDuration records the latency of a completed fetch.
func ObserveFetchDuration(fetcher string, d time.Duration) {
	Init()
	archiverFetchDuration.WithLabelValues(fetcher).Observe(d.Seconds())
}

// ObserveDedupHit counts a blob write that found existing content.
func ObserveDedupHit() {
	Init()
	archiverDedupHitsTotal.Inc()
}

// ObserveRobotsBlocked counts a URL dropped by robots.txt.
func ObserveRobotsBlocked() {
	Init()
	archiverRobotsBlockedTotal.Inc()
}

// ObserveCheckpoint counts a written checkpoint.
func ObserveCheckpoint() {
	Init()
	archiverCheckpointsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	archiverActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	archiverActiveWorkers.Dec()
}

// SetFrontierSize publishes the pending frontier length.
func SetFrontierSize(n int) {
	Init()
	archiverFrontierSize.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	Init()
	archiverRateLimitDelaysSecs.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveHTTPRequest records an API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlerFetchesTotal           *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerFetchDurationSeconds   *prometheus.HistogramVec
	crawlerItemsTotal             *prometheus.CounterVec
	crawlerRetriesTotal           *prometheus.CounterVec
	crawlerRecordsTotal           *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerTargetConcurrency      prometheus.Gauge
	crawlerHostCPUPercent         prometheus.Gauge
	crawlerHostMemoryPercent      prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerRobotsFallbacksTotal   *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of fetch attempts, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch+parse latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site"},
		)

		crawlerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_items_total",
				Help: "Total number of work items that reached a terminal status.",
			},
			[]string{"status"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of work items requeued after a failed attempt, labeled by error kind.",
			},
			[]string{"kind"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Total number of record appends, labeled by sink and result.",
			},
			[]string{"sink", "result"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of work items currently in flight.",
			},
		)

		crawlerTargetConcurrency = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_target_concurrency",
				Help: "Slot count currently allowed by the concurrency policy.",
			},
		)

		crawlerHostCPUPercent = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_host_cpu_percent",
				Help: "Most recent host CPU utilisation sample.",
			},
		)

		crawlerHostMemoryPercent = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_host_memory_percent",
				Help: "Most recent host memory utilisation sample.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		crawlerRobotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallbacks_total",
				Help: "Hosts crawled as allow-all because robots.txt was unavailable, labeled by reason.",
			},
			[]string{"reason"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status API latencies, labeled by method and route.",
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

// ObserveFetch records one fetch attempt. result is "ok" or an error kind.
func ObserveFetch(site, result string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitizedSite, result).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	if duration > 0 {
		crawlerFetchDurationSeconds.WithLabelValues(sanitizedSite).Observe(duration.Seconds())
	}
}

// ObserveItem counts a work item reaching a terminal status.
func ObserveItem(status string) {
	Init()
	crawlerItemsTotal.WithLabelValues(status).Inc()
}

// ObserveRetry counts an item being requeued.
func ObserveRetry(kind string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveRecord counts a record append against a sink.
func ObserveRecord(sink string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	crawlerRecordsTotal.WithLabelValues(sink, result).Inc()
}

// SetActiveWorkers reports how many items are in flight.
func SetActiveWorkers(n int) {
	Init()
	crawlerActiveWorkers.Set(float64(n))
}

// SetTargetConcurrency reports the current slot target.
func SetTargetConcurrency(n int) {
	Init()
	crawlerTargetConcurrency.Set(float64(n))
}

// SetHostLoad reports the latest host load sample.
func SetHostLoad(cpuPercent, memPercent float64) {
	Init()
	crawlerHostCPUPercent.Set(cpuPercent)
	crawlerHostMemoryPercent.Set(memPercent)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a host whose robots.txt could not be read.
func ObserveRobotsFallback(reason string) {
	Init()
	crawlerRobotsFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

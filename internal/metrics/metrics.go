// Package metrics exposes Prometheus collectors for the crawl engine.
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
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	frontierScheduledTotal *prometheus.CounterVec
	frontierReturnedTotal  *prometheus.CounterVec
	frontierQueuedUnits    prometheus.Gauge
	frontierInFlightUnits  prometheus.Gauge
	frontierQueues         prometheus.Gauge

	controllerTransitionsTotal *prometheus.CounterVec
	checkpointsTotal           *prometheus.CounterVec
	checkpointDurationSeconds  prometheus.Histogram
	historyFlushesTotal        *prometheus.CounterVec
	historyFlushedRecords      prometheus.Counter
	robotsFallbacksTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of fetch attempts, labeled by site and crawl status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a unit.",
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

		frontierScheduledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_scheduled_total",
				Help: "Units offered to the frontier, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		frontierReturnedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_returned_total",
				Help: "Units returned by workers, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		frontierQueuedUnits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_queued_units",
				Help: "Units waiting in work queues.",
			},
		)

		frontierInFlightUnits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_in_flight_units",
				Help: "Units handed to workers and not yet returned.",
			},
		)

		frontierQueues = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_queues",
				Help: "Work queues known to the frontier.",
			},
		)

		controllerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controller_transitions_total",
				Help: "Crawl phase transitions, labeled by target phase.",
			},
			[]string{"phase"},
		)

		checkpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoints_total",
				Help: "Checkpoints attempted, labeled by result.",
			},
			[]string{"result"},
		)

		checkpointDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "checkpoint_duration_seconds",
				Help:    "Time spent writing a checkpoint.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		)

		historyFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "history_flushes_total",
				Help: "History store buffer flushes, labeled by result.",
			},
			[]string{"result"},
		)

		historyFlushedRecords = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "history_flushed_records_total",
				Help: "Records written to the history store by buffer flushes.",
			},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fallbacks_total",
				Help: "robots.txt fetches answered with allow-all after repeated failures, labeled by reason.",
			},
			[]string{"reason"},
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

// ObserveFetch records a completed fetch attempt.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerFetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveSchedule counts a unit offered to the frontier.
func ObserveSchedule(disposition string) {
	Init()
	frontierScheduledTotal.WithLabelValues(disposition).Inc()
}

// ObserveReturn counts a unit returned to the frontier.
func ObserveReturn(disposition string) {
	Init()
	frontierReturnedTotal.WithLabelValues(disposition).Inc()
}

// SetFrontierGauges publishes the frontier's current size.
func SetFrontierGauges(queued, inFlight, queues int) {
	Init()
	frontierQueuedUnits.Set(float64(queued))
	frontierInFlightUnits.Set(float64(inFlight))
	frontierQueues.Set(float64(queues))
}

// ObserveTransition counts a controller phase change.
func ObserveTransition(phase string) {
	Init()
	controllerTransitionsTotal.WithLabelValues(phase).Inc()
}

// ObserveCheckpoint records a checkpoint attempt.
func ObserveCheckpoint(err error, duration time.Duration) {
	Init()
	result := "success"
	if err != nil {
		result = "failure"
	}
	checkpointsTotal.WithLabelValues(result).Inc()
	checkpointDurationSeconds.Observe(duration.Seconds())
}

// ObserveHistoryFlush records a history buffer flush.
func ObserveHistoryFlush(records int, err error) {
	Init()
	if err != nil {
		historyFlushesTotal.WithLabelValues("failure").Inc()
		return
	}
	historyFlushesTotal.WithLabelValues("success").Inc()
	historyFlushedRecords.Add(float64(records))
}

// ObserveRobotsFallback counts a robots.txt fetch that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(reason).Inc()
}

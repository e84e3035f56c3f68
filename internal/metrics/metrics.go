// Package metrics exposes Prometheus collectors for the review crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlSessionsTotal         *prometheus.CounterVec
	reviewsIngestedTotal       *prometheus.CounterVec
	replyTransitionsTotal      *prometheus.CounterVec
	activeCrawls               prometheus.Gauge
	cycleDurationSeconds       prometheus.Histogram
	cycleStoresTotal           *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviewcrawler_sessions_total",
				Help: "Crawling sessions finalized, labeled by platform and status.",
			},
			[]string{"platform", "status"},
		)

		reviewsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviewcrawler_reviews_ingested_total",
				Help: "Review records ingested, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		replyTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviewcrawler_reply_transitions_total",
				Help: "Committed reply status transitions.",
			},
			[]string{"from", "to"},
		)

		activeCrawls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "reviewcrawler_active_crawls",
				Help: "Number of store crawls currently executing.",
			},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reviewcrawler_cycle_duration_seconds",
				Help:    "Wall time of one scheduler cycle.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		cycleStoresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviewcrawler_cycle_stores_total",
				Help: "Stores handled by scheduler cycles, labeled by result.",
			},
			[]string{"result"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviewcrawler_fetch_retries_total",
				Help: "Transient fetch failures retried, labeled by platform.",
			},
			[]string{"platform"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reviewcrawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"key"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSession counts a finalized crawling session.
func ObserveSession(platform, status string) {
	Init()
	crawlSessionsTotal.WithLabelValues(platform, status).Inc()
}

// ObserveIngest adds n records with the given outcome.
func ObserveIngest(platform, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	reviewsIngestedTotal.WithLabelValues(platform, outcome).Add(float64(n))
}

// ObserveTransition counts a committed reply status transition.
func ObserveTransition(from, to string) {
	Init()
	replyTransitionsTotal.WithLabelValues(from, to).Inc()
}

// IncActiveCrawls increments the active crawls gauge.
func IncActiveCrawls() {
	Init()
	activeCrawls.Inc()
}

// DecActiveCrawls decrements the active crawls gauge.
func DecActiveCrawls() {
	Init()
	activeCrawls.Dec()
}

// ObserveCycle records a scheduler cycle duration and per-result store counts.
func ObserveCycle(duration time.Duration, results map[string]int) {
	Init()
	cycleDurationSeconds.Observe(duration.Seconds())
	for result, n := range results {
		if n > 0 {
			cycleStoresTotal.WithLabelValues(result).Add(float64(n))
		}
	}
}

// ObserveFetchRetry counts a retried transient fetch failure.
func ObserveFetchRetry(platform string) {
	Init()
	fetchRetriesTotal.WithLabelValues(platform).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(key string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

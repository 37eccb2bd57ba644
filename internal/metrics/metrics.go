// Package metrics exposes Prometheus collectors for the crawl orchestrator.
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
	platformCrawlsTotal        *prometheus.CounterVec
	platformCrawlDuration      *prometheus.HistogramVec
	platformJobsTotal          *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	poolResources              *prometheus.GaugeVec
	poolEventsTotal            *prometheus.CounterVec
	captchaDetectionsTotal     *prometheus.CounterVec
	proxyOutcomesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		platformCrawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_platform_crawls_total",
				Help: "Platform crawl outcomes, labeled by platform and status.",
			},
			[]string{"platform", "status"},
		)

		platformCrawlDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawl_platform_crawl_duration_seconds",
				Help:    "Wall time of one platform crawl.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"platform", "status"},
		)

		platformJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_platform_jobs_total",
				Help: "Job listings returned per platform before deduplication.",
			},
			[]string{"platform"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobcrawl_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"platform"},
		)

		poolResources = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobcrawl_pool_resources",
				Help: "Pooled resources by state.",
			},
			[]string{"state"},
		)

		poolEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_pool_events_total",
				Help: "Resource pool lifecycle events.",
			},
			[]string{"event"},
		)

		captchaDetectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_captcha_detections_total",
				Help: "CAPTCHA and challenge pages detected, labeled by type.",
			},
			[]string{"type"},
		)

		proxyOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobcrawl_proxy_outcomes_total",
				Help: "Proxy request outcomes.",
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePlatformCrawl records one finished platform crawl.
func ObservePlatformCrawl(platform, status string, jobs int, duration time.Duration) {
	Init()
	platformCrawlsTotal.WithLabelValues(platform, status).Inc()
	platformCrawlDuration.WithLabelValues(platform, status).Observe(duration.Seconds())
	if jobs > 0 {
		platformJobsTotal.WithLabelValues(platform).Add(float64(jobs))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(platform string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(platform).Observe(duration.Seconds())
}

// SetPoolResources publishes the pool's idle and in-use counts.
func SetPoolResources(idle, inUse, waiting int) {
	Init()
	poolResources.WithLabelValues("idle").Set(float64(idle))
	poolResources.WithLabelValues("in_use").Set(float64(inUse))
	poolResources.WithLabelValues("waiting").Set(float64(waiting))
}

// ObservePoolEvent counts a pool lifecycle event.
func ObservePoolEvent(event string) {
	Init()
	poolEventsTotal.WithLabelValues(event).Inc()
}

// ObserveCaptcha counts a detected challenge.
func ObserveCaptcha(kind string) {
	Init()
	captchaDetectionsTotal.WithLabelValues(kind).Inc()
}

// ObserveProxy counts a proxy success or failure.
func ObserveProxy(success bool) {
	Init()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	proxyOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

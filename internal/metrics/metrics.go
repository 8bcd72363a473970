// Package metrics exposes Prometheus collectors for the vodmon service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	videosDiscoveredTotal *prometheus.CounterVec
	jobsTotal             *prometheus.CounterVec
	batchJobsTotal        *prometheus.CounterVec
	queueDepth            prometheus.Gauge
	activeWorkers         prometheus.Gauge
	rateLimitWaitSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		videosDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vodmon_videos_discovered_total",
				Help: "Total number of new videos discovered, labeled by channel.",
			},
			[]string{"channel"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vodmon_jobs_total",
				Help: "Total number of queue items processed, labeled by status.",
			},
			[]string{"status"},
		)

		batchJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vodmon_batch_jobs_total",
				Help: "Total number of batch jobs settled, labeled by status.",
			},
			[]string{"status"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vodmon_queue_depth",
				Help: "Number of items currently waiting in the priority queue.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vodmon_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vodmon_rate_limit_wait_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by source.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDiscovery increments the discovered-videos counter for a channel.
func ObserveDiscovery(channel string) {
	if videosDiscoveredTotal == nil {
		return
	}
	videosDiscoveredTotal.WithLabelValues(channel).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveBatchJob increments the batch job counter for the given status.
func ObserveBatchJob(status string) {
	if batchJobsTotal == nil {
		return
	}
	batchJobsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth records the live queue depth.
func SetQueueDepth(depth int) {
	if queueDepth == nil {
		return
	}
	queueDepth.Set(float64(depth))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(source string, duration time.Duration) {
	if rateLimitWaitSeconds == nil {
		return
	}
	rateLimitWaitSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

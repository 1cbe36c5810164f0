// Package metrics exposes Prometheus collectors for the API and workers.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	workerTasksTotal           *prometheus.CounterVec
	workerActiveTasks          *prometheus.GaugeVec
	ingestEventsTotal          *prometheus.CounterVec
	observersConnected         prometheus.Gauge
	navigationWaitSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		workerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotwatch_worker_tasks_total",
				Help: "Tasks finished by workers, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		workerActiveTasks = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slotwatch_worker_active_tasks",
				Help: "Tasks currently running, labeled by kind.",
			},
			[]string{"kind"},
		)

		ingestEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotwatch_ingest_events_total",
				Help: "Events received on the ingestion webhook, labeled by result.",
			},
			[]string{"result"},
		)

		observersConnected = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "slotwatch_observers_connected",
				Help: "Live websocket observers attached to the event bus.",
			},
		)

		navigationWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slotwatch_navigation_wait_seconds",
				Help:    "Time navigations spent waiting for the per-host budget.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// TaskStarted marks a task of kind as running.
func TaskStarted(kind string) {
	workerActiveTasks.WithLabelValues(kind).Inc()
}

// TaskFinished records the outcome of a task of kind.
func TaskFinished(kind, result string) {
	workerActiveTasks.WithLabelValues(kind).Dec()
	workerTasksTotal.WithLabelValues(kind, result).Inc()
}

// TaskSkipped records a task dropped before it started.
func TaskSkipped(kind string) {
	workerTasksTotal.WithLabelValues(kind, "skipped").Inc()
}

// ObserveIngest counts an event received on the webhook.
func ObserveIngest(result string) {
	ingestEventsTotal.WithLabelValues(result).Inc()
}

// SetObservers records the current observer count.
func SetObservers(n int) {
	observersConnected.Set(float64(n))
}

// ObserveNavigationWait records time spent waiting on the navigation budget.
func ObserveNavigationWait(host string, d time.Duration) {
	navigationWaitSeconds.WithLabelValues(host).Observe(d.Seconds())
}

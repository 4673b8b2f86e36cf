package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	sessionsActive          prometheus.Gauge
	sessionsAdmittedTotal   *prometheus.CounterVec
	queueMessagesTotal      *prometheus.CounterVec
	evaluationRunsTotal     *prometheus.CounterVec
	criterionDurationSecond prometheus.Histogram
	websocketConnections    *prometheus.GaugeVec
)

// RegisterMetrics initialises the Prometheus collectors used by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for HTTP requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned.",
		}, []string{"method", "route", "status"})

		sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evaluation_sessions_active",
			Help: "Number of evaluation sessions currently holding a slot.",
		})

		sessionsAdmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_sessions_admitted_total",
			Help: "Sessions admitted, by path (direct, queued, dequeued).",
		}, []string{"path"})

		queueMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_queue_messages_total",
			Help: "Queue messages handled, by result.",
		}, []string{"result"})

		evaluationRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evaluation_runs_total",
			Help: "Finished evaluation runs, by terminal state.",
		}, []string{"state"})

		criterionDurationSecond = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evaluation_criterion_duration_seconds",
			Help:    "Time spent analysing and scoring one criterion.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		})

		websocketConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evaluation_websocket_connections",
			Help: "Open websocket connections, by channel kind.",
		}, []string{"channel"})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			httpErrorsTotal,
			sessionsActive,
			sessionsAdmittedTotal,
			queueMessagesTotal,
			evaluationRunsTotal,
			criterionDurationSecond,
			websocketConnections,
		)
	})
}

// HTTPRequests exposes the counter for HTTP requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for HTTP requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for HTTP error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// SessionsActive tracks the admission slot count.
func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActive
}

// SessionsAdmitted counts admissions by path.
func SessionsAdmitted() *prometheus.CounterVec {
	RegisterMetrics()
	return sessionsAdmittedTotal
}

// QueueMessages counts queue messages by result.
func QueueMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return queueMessagesTotal
}

// EvaluationRuns counts runs by terminal state.
func EvaluationRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return evaluationRunsTotal
}

// CriterionDuration observes per-criterion processing time.
func CriterionDuration() prometheus.Histogram {
	RegisterMetrics()
	return criterionDurationSecond
}

// WebsocketConnections tracks open websocket channels.
func WebsocketConnections() *prometheus.GaugeVec {
	RegisterMetrics()
	return websocketConnections
}

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_service_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_service_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_service_transitions_total",
			Help: "Lifecycle transitions attempted, by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_service_cache_lookups_total",
			Help: "Request cache lookups by result",
		},
		[]string{"result"},
	)

	outboxMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_service_outbox_messages_total",
			Help: "Outbox messages processed by the dispatcher",
		},
		[]string{"result"},
	)

	staleApprovals = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "request_service_stale_approvals",
			Help: "Open approval steps untouched past the staleness threshold",
		},
		[]string{"type", "level"},
	)
)

// RecordHTTPRequest records an HTTP request. route is the matched pattern, not
// the raw path, to keep label cardinality bounded.
func RecordHTTPRequest(method, route string, statusCode int, durationSeconds float64) {
	status := "unknown"
	switch {
	case statusCode >= 500:
		status = "5xx"
	case statusCode >= 400:
		status = "4xx"
	case statusCode >= 300:
		status = "3xx"
	case statusCode >= 200:
		status = "2xx"
	}

	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// RecordTransition counts one lifecycle operation. outcome is "ok" or an
// error code.
func RecordTransition(action, outcome string) {
	transitionsTotal.WithLabelValues(action, outcome).Inc()
}

func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

func RecordOutbox(result string) {
	outboxMessages.WithLabelValues(result).Inc()
}

// ResetStaleApprovals clears the gauge before a fresh report is written.
func ResetStaleApprovals() {
	staleApprovals.Reset()
}

func SetStaleApprovals(requestType string, level int, count int) {
	staleApprovals.WithLabelValues(requestType, strconv.Itoa(level)).Set(float64(count))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

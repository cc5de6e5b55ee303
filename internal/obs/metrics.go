package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by the whole surface.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Core-layer metrics: gate decisions, realtime merge outcomes, projection state.
var (
	gateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Route gate decisions by outcome.",
		},
		[]string{"outcome"},
	)

	syncEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_total",
			Help: "Change events processed by the realtime sync loop.",
		},
		[]string{"table", "op", "outcome"},
	)

	projectionSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "projection_tickets",
		Help: "Tickets currently held by the in-memory projection.",
	})

	streamReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_reconnects_total",
		Help: "Reconnect attempts against the change-event stream.",
	})

	roleCacheInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "role_cache_invalidations_total",
		Help: "Role cache invalidations triggered by employee change events or sign-ins.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		gateDecisionsTotal, syncEventsTotal, projectionSize,
		streamReconnectsTotal, roleCacheInvalidations,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GateDecision records one gate outcome: allow, redirect_signin, redirect_default,
// redirect_notfound.
func GateDecision(outcome string) {
	gateDecisionsTotal.WithLabelValues(outcome).Inc()
}

// SyncEvent records the outcome of one applied change event: applied, duplicate,
// dropped, refetch, invalid.
func SyncEvent(table, op, outcome string) {
	syncEventsTotal.WithLabelValues(table, op, outcome).Inc()
}

// ProjectionSize publishes the current projection length.
func ProjectionSize(n int) {
	projectionSize.Set(float64(n))
}

// StreamReconnect counts one reconnect attempt.
func StreamReconnect() {
	streamReconnectsTotal.Inc()
}

// RoleInvalidation counts one role cache invalidation.
func RoleInvalidation() {
	roleCacheInvalidations.Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses ticket identifiers so metric label cardinality stays
// bounded: /v1/tickets/<id>/status -> /v1/tickets/:id/status.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	// parts[0] is empty for rooted paths
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "tickets" && parts[3] != "" {
		if len(parts) == 4 {
			return "/v1/tickets/:id"
		}
		if len(parts) == 5 {
			return "/v1/tickets/:id/" + parts[4]
		}
	}
	return path
}

// statusWriter captures the response code for metrics and logs.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

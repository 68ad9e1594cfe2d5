package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every route.
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

// Auth and dispatcher metrics.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	sessionsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_issued_total",
		Help: "Sessions issued by login or refresh.",
	})

	gateDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_gate_denials_total",
			Help: "Requests rejected by the session gate, by required permission.",
		},
		[]string{"permission"},
	)

	mailDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_dispatch_total",
			Help: "Outbound notification attempts by result.",
		},
		[]string{"result"},
	)

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginsTotal, sessionsIssued, gateDenials, mailDispatch,
		)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt; outcome is success, unauthorized, totp_required or error.
func ObserveLogin(outcome string) { loginsTotal.WithLabelValues(outcome).Inc() }

// ObserveSessionIssued counts a newly issued session.
func ObserveSessionIssued() { sessionsIssued.Inc() }

// ObserveGateDenial counts a request rejected for the given permission.
func ObserveGateDenial(permission string) { gateDenials.WithLabelValues(permission).Inc() }

// ObserveMailDispatch counts a delivery attempt; result is delivered, retry or failed.
func ObserveMailDispatch(result string) { mailDispatch.WithLabelValues(result).Inc() }

// Instrument wraps next with RPS, latency and in-flight metrics.
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

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
// /v1/accounts/01HX.../permissions/task.request.view -> /v1/accounts/:id/permissions/:permission
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "accounts" {
		parts[2] = ":id"
		if len(parts) >= 5 && parts[3] == "permissions" {
			parts[4] = ":permission"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter records the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

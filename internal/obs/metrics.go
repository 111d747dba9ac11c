package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Доменные счётчики: решения доступа, троттлинг, исходы подтверждений.
var (
	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_access_decisions_total",
			Help: "Access attempts by outcome.",
		},
		[]string{"outcome"},
	)

	approvalResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_approval_resolutions_total",
			Help: "Approval requests resolved, by terminal status.",
		},
		[]string{"status"},
	)

	tokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_tokens_issued_total",
		Help: "Bearer tokens issued through the device flow.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		accessDecisions, approvalResolutions, tokensIssued,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountDomainEvent maps audit actions onto the domain counters. Unknown
// actions are ignored, so the audit trail can grow without touching metrics.
func CountDomainEvent(action string) {
	switch action {
	case "access.granted":
		accessDecisions.WithLabelValues("granted").Inc()
	case "access.denied":
		accessDecisions.WithLabelValues("denied").Inc()
	case "access.throttled":
		accessDecisions.WithLabelValues("throttled").Inc()
	case "approval.requested":
		accessDecisions.WithLabelValues("pending").Inc()
	case "approval.approved":
		approvalResolutions.WithLabelValues("approved").Inc()
	case "approval.denied":
		approvalResolutions.WithLabelValues("denied").Inc()
	case "token.issued":
		tokensIssued.Inc()
	}
}

// Обёртка для измерения RPS/latency/в полёте.
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

// CanonicalPath collapses identifiers out of request paths so the metric label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "resources":
			parts[2] = ":id"
			if len(parts) >= 5 && parts[3] == "fields" {
				parts[4] = ":name"
			}
		case "approvals":
			parts[2] = ":id"
		case "device":
			// /v1/device/{userCode}/approve|deny
			if len(parts) >= 4 {
				parts[2] = ":code"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

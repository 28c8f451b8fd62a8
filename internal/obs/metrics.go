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

// Общие HTTP-метрики
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

// Метрики подписания
var (
	providerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esign_provider_requests_total",
			Help: "Outbound signing provider calls by operation and outcome.",
		},
		[]string{"provider", "op", "outcome"},
	)

	providerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "esign_provider_request_duration_seconds",
			Help:    "Signing provider call latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "op"},
	)

	reconcileUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esign_reconcile_updates_total",
			Help: "Envelope reconciliation updates by trigger source.",
		},
		[]string{"source", "status_changed"},
	)

	webhookRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esign_webhook_rejections_total",
			Help: "Inbound signing webhooks rejected before reconciliation.",
		},
		[]string{"reason"},
	)

	chainBreaks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "esign_audit_chain_breaks_total",
		Help: "Audit chains found broken during verification.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "esign_ready",
		Help: "1 when the service reports ready.",
	})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			providerRequests, providerDuration, reconcileUpdates,
			webhookRejections, chainBreaks, ready,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProviderCall records one outbound provider call.
func ObserveProviderCall(provider, op string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	providerRequests.WithLabelValues(provider, op, outcome).Inc()
	providerDuration.WithLabelValues(provider, op).Observe(time.Since(started).Seconds())
}

// CountReconcile records one applied reconciliation update.
func CountReconcile(source string, statusChanged bool) {
	reconcileUpdates.WithLabelValues(source, strconv.FormatBool(statusChanged)).Inc()
}

// CountWebhookRejection records a webhook rejected at the boundary.
func CountWebhookRejection(reason string) {
	webhookRejections.WithLabelValues(reason).Inc()
}

// CountChainBreak records a chain that failed verification.
func CountChainBreak() {
	chainBreaks.Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
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

// CanonicalPath collapses envelope identifiers so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	const prefix = "/v1/envelopes/"
	if !strings.HasPrefix(raw, prefix) {
		return raw
	}
	rest := strings.Split(strings.TrimPrefix(raw, prefix), "/")
	if rest[0] == "" {
		return raw
	}
	switch {
	case len(rest) == 1:
		return prefix + ":id"
	case len(rest) == 2 && isEnvelopeAction(rest[1]):
		return prefix + ":id/" + rest[1]
	case len(rest) == 3 && rest[1] == "audit" && rest[2] == "verify":
		return prefix + ":id/audit/verify"
	}
	return raw
}

func isEnvelopeAction(s string) bool {
	switch s {
	case "complete", "sync", "flag", "audit":
		return true
	}
	return false
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumented writer.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application. The domain
// counters are fed through the recorder methods below, which the domain
// packages consume via their own narrow interfaces.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	importedRows     *prometheus.CounterVec
	automationFields *prometheus.CounterVec
	retroChunks      prometheus.Counter
	remindersSent    *prometheus.CounterVec
	cronRuns         *prometheus.CounterVec
}

// NewMetrics initialises the registry and the base metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barline_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "barline_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	imported := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barline_statement_rows_total",
		Help: "Statement rows by import outcome.",
	}, []string{"outcome"})
	automation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barline_automation_updates_total",
		Help: "Automation engine field updates by field.",
	}, []string{"field"})
	retro := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "barline_retro_chunks_total",
		Help: "Retroactive run chunks processed.",
	})
	reminders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barline_reminders_total",
		Help: "Reminder sends by status.",
	}, []string{"status"})
	cronRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "barline_cron_runs_total",
		Help: "Cron run outcomes by job and status.",
	}, []string{"job", "status"})
	registry.MustRegister(requests, duration, imported, automation, retro, reminders, cronRuns)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		importedRows:     imported,
		automationFields: automation,
		retroChunks:      retro,
		remindersSent:    reminders,
		cronRuns:         cronRuns,
	}
}

// ImportOutcome counts statement rows by import outcome.
func (m *Metrics) ImportOutcome(outcome string, rows int) {
	if m == nil || rows <= 0 {
		return
	}
	m.importedRows.WithLabelValues(outcome).Add(float64(rows))
}

// AutomationUpdate counts committed automation field updates.
func (m *Metrics) AutomationUpdate(field string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.automationFields.WithLabelValues(field).Add(float64(n))
}

// RetroChunk counts one processed retroactive run chunk.
func (m *Metrics) RetroChunk() {
	if m == nil {
		return
	}
	m.retroChunks.Inc()
}

// ReminderSend counts reminder send attempts by status.
func (m *Metrics) ReminderSend(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.remindersSent.WithLabelValues(status).Add(float64(n))
}

// CronRun counts one cron lock outcome.
func (m *Metrics) CronRun(job, status string) {
	if m == nil {
		return
	}
	m.cronRuns.WithLabelValues(job, status).Inc()
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

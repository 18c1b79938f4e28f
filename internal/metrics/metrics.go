package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for agentmeter. All
// recording methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion metrics.
	WebhookEventsTotal       *prometheus.CounterVec
	WebhookProcessingSeconds prometheus.Histogram
	GraphPointsTotal         prometheus.Counter

	// Rollup metrics.
	RollupIncrementsTotal *prometheus.CounterVec

	// Reconciler metrics.
	ReconcileRunsTotal   *prometheus.CounterVec
	ReconcileJobsTotal   *prometheus.CounterVec
	ReconcileDuration    prometheus.Histogram
	ReconcileLastRunTime prometheus.Gauge

	// Billing metrics.
	InvoicesGeneratedTotal *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmeter_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentmeter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmeter_webhook_events_total",
			Help: "Webhook deliveries by outcome and rejection reason.",
		}, []string{"outcome", "reason"}),

		WebhookProcessingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentmeter_webhook_processing_seconds",
			Help:    "Time from receipt to stored event, in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		GraphPointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentmeter_graph_points_total",
			Help: "Total number of graph KPI samples recorded.",
		}),

		RollupIncrementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmeter_rollup_increments_total",
			Help: "Rollup increments by operation and whether they changed totals.",
		}, []string{"op", "result"}),

		ReconcileRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmeter_reconcile_runs_total",
			Help: "Total number of reconciliation sweeps.",
		}, []string{"status"}),

		ReconcileJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmeter_reconcile_jobs_total",
			Help: "Jobs examined by reconciliation sweeps, by result.",
		}, []string{"result"}),

		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentmeter_reconcile_duration_seconds",
			Help:    "Duration of reconciliation sweeps in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		ReconcileLastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentmeter_reconcile_last_run_time_seconds",
			Help: "Unix timestamp of the last completed sweep.",
		}),

		InvoicesGeneratedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmeter_invoices_generated_total",
			Help: "Invoice generation attempts by status.",
		}, []string{"status"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmeter_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentmeter_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookProcessingSeconds,
		m.GraphPointsTotal,
		m.RollupIncrementsTotal,
		m.ReconcileRunsTotal,
		m.ReconcileJobsTotal,
		m.ReconcileDuration,
		m.ReconcileLastRunTime,
		m.InvoicesGeneratedTotal,
		m.AuthFailuresTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, fmt.Sprintf("%d", status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(d.Seconds())
}

// IncWebhookEvent counts a delivery. reason is "none" unless rejected.
func (m *Metrics) IncWebhookEvent(outcome, reason string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveWebhookProcessing records ingestion latency.
func (m *Metrics) ObserveWebhookProcessing(d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookProcessingSeconds.Observe(d.Seconds())
}

// AddGraphPoints counts recorded graph samples.
func (m *Metrics) AddGraphPoints(n int) {
	if m == nil {
		return
	}
	m.GraphPointsTotal.Add(float64(n))
}

// IncRollup counts an apply or revert against the rollups.
func (m *Metrics) IncRollup(op string, applied bool) {
	if m == nil {
		return
	}
	result := "skipped"
	if applied {
		result = "applied"
	}
	m.RollupIncrementsTotal.WithLabelValues(op, result).Inc()
}

// ObserveReconcile records one sweep and its per-job results.
func (m *Metrics) ObserveReconcile(status string, processed, errs, skipped int, d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.WithLabelValues(status).Inc()
	m.ReconcileJobsTotal.WithLabelValues("processed").Add(float64(processed))
	m.ReconcileJobsTotal.WithLabelValues("error").Add(float64(errs))
	m.ReconcileJobsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.ReconcileDuration.Observe(d.Seconds())
	m.ReconcileLastRunTime.Set(float64(time.Now().Unix()))
}

// IncInvoice counts an invoice generation attempt.
func (m *Metrics) IncInvoice(status string) {
	if m == nil {
		return
	}
	m.InvoicesGeneratedTotal.WithLabelValues(status).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

package observability

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry.
type Metrics struct {
	// Task metrics
	TaskRunsTotal    *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	TaskRetriesTotal *prometheus.CounterVec
	TasksQueued      prometheus.Gauge

	// Permission metrics
	PermissionRecomputesTotal *prometheus.CounterVec
	PermissionGrantsWritten   *prometheus.CounterVec
	CheckerCacheHitsTotal     prometheus.Counter
	CheckerCacheMissesTotal   prometheus.Counter

	// Billing metrics
	BillingRunsTotal           *prometheus.CounterVec
	BillingRunDuration         prometheus.Histogram
	BillingChargesTotal        *prometheus.CounterVec
	BillingChargedCentsTotal   *prometheus.CounterVec
	BillingSubscriptionErrors  prometheus.Counter
	BillingProductsExpired     prometheus.Counter
	BridgeRequestsTotal        *prometheus.CounterVec
	BridgeRequestDuration      *prometheus.HistogramVec

	// Database metrics
	DBConnectionsActive    prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TaskRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaactl_task_runs_total",
				Help: "Total number of task executions",
			},
			[]string{"task", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aaactl_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		TaskRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaactl_task_retries_total",
				Help: "Total number of task retries",
			},
			[]string{"task"},
		),
		TasksQueued: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaactl_tasks_queued",
				Help: "Number of scheduled tasks not yet finished",
			},
		),

		PermissionRecomputesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaactl_permission_recomputes_total",
				Help: "Total number of permission recomputations",
			},
			[]string{"scope", "status"},
		),
		PermissionGrantsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaactl_permission_grants_written_total",
				Help: "Total number of materialized grant writes",
			},
			[]string{"action"},
		),
		CheckerCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaactl_permission_checker_cache_hits_total",
				Help: "Permission checker cache hits",
			},
		),
		CheckerCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaactl_permission_checker_cache_misses_total",
				Help: "Permission checker cache misses",
			},
		),

		BillingRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaactl_billing_runs_total",
				Help: "Total number of billing orchestrator runs",
			},
			[]string{"status"},
		),
		BillingRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aaactl_billing_run_duration_seconds",
				Help:    "Billing orchestrator run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		BillingChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaactl_billing_charges_total",
				Help: "Total number of payment charges by resulting status",
			},
			[]string{"processor", "status"},
		),
		BillingChargedCentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaactl_billing_charged_cents_total",
				Help: "Total amount captured in minor currency units",
			},
			[]string{"currency"},
		),
		BillingSubscriptionErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaactl_billing_subscription_errors_total",
				Help: "Subscriptions whose processing failed during a run",
			},
		),
		BillingProductsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aaactl_billing_products_expired_total",
				Help: "Subscription products removed by the expiry sweep",
			},
		),
		BridgeRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aaactl_bridge_requests_total",
				Help: "Total number of service bridge requests",
			},
			[]string{"component", "operation", "status"},
		),
		BridgeRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aaactl_bridge_request_duration_seconds",
				Help:    "Service bridge request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaactl_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaactl_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aaactl_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.TaskRunsTotal,
		m.TaskDuration,
		m.TaskRetriesTotal,
		m.TasksQueued,
		m.PermissionRecomputesTotal,
		m.PermissionGrantsWritten,
		m.CheckerCacheHitsTotal,
		m.CheckerCacheMissesTotal,
		m.BillingRunsTotal,
		m.BillingRunDuration,
		m.BillingChargesTotal,
		m.BillingChargedCentsTotal,
		m.BillingSubscriptionErrors,
		m.BillingProductsExpired,
		m.BridgeRequestsTotal,
		m.BridgeRequestDuration,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
	)

	return m
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordTask records one task execution
func (m *Metrics) RecordTask(task string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.TaskRunsTotal.WithLabelValues(task, statusLabel(err)).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// RecordTaskRetry counts a retry of task
func (m *Metrics) RecordTaskRetry(task string) {
	if m == nil {
		return
	}
	m.TaskRetriesTotal.WithLabelValues(task).Inc()
}

// SetTasksQueued sets the number of outstanding tasks
func (m *Metrics) SetTasksQueued(n int) {
	if m == nil {
		return
	}
	m.TasksQueued.Set(float64(n))
}

// RecordRecompute records a permission recompute for scope ("org" or "global")
func (m *Metrics) RecordRecompute(scope string, err error) {
	if m == nil {
		return
	}
	m.PermissionRecomputesTotal.WithLabelValues(scope, statusLabel(err)).Inc()
}

// RecordGrantWrite counts a materialized grant "set" or "delete"
func (m *Metrics) RecordGrantWrite(action string) {
	if m == nil {
		return
	}
	m.PermissionGrantsWritten.WithLabelValues(action).Inc()
}

// RecordCheckerLookup counts a permission checker cache hit or miss
func (m *Metrics) RecordCheckerLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CheckerCacheHitsTotal.Inc()
		return
	}
	m.CheckerCacheMissesTotal.Inc()
}

// RecordBillingRun records a finished orchestrator run
func (m *Metrics) RecordBillingRun(d time.Duration, failedSubscriptions int, err error) {
	if m == nil {
		return
	}
	m.BillingRunsTotal.WithLabelValues(statusLabel(err)).Inc()
	m.BillingRunDuration.Observe(d.Seconds())
	m.BillingSubscriptionErrors.Add(float64(failedSubscriptions))
}

// RecordCharge records a payment charge reaching status
func (m *Metrics) RecordCharge(processor, status string) {
	if m == nil {
		return
	}
	m.BillingChargesTotal.WithLabelValues(processor, status).Inc()
}

// RecordCapture adds a captured amount in minor units
func (m *Metrics) RecordCapture(currency string, cents int64) {
	if m == nil {
		return
	}
	m.BillingChargedCentsTotal.WithLabelValues(currency).Add(float64(cents))
}

// RecordProductsExpired counts products removed by the expiry sweep
func (m *Metrics) RecordProductsExpired(n int) {
	if m == nil {
		return
	}
	m.BillingProductsExpired.Add(float64(n))
}

// RecordBridgeRequest records a request to a downstream service
func (m *Metrics) RecordBridgeRequest(component, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.BridgeRequestsTotal.WithLabelValues(component, operation, statusLabel(err)).Inc()
	m.BridgeRequestDuration.WithLabelValues(component, operation).Observe(d.Seconds())
}

// UpdateDBStats copies connection pool stats into the DB gauges
func (m *Metrics) UpdateDBStats(db *sql.DB) {
	if m == nil || db == nil {
		return
	}
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

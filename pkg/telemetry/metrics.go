package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioning engine. A Metrics
// built with collection disabled is a safe no-op.
type Metrics struct {
	config MetricsConfig

	// Task execution metrics
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	recordsProcessed    *prometheus.CounterVec

	// Propagation metrics
	propagations *prometheus.CounterVec

	// Connector metrics
	connectorCalls    *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec
	connectorErrors   *prometheus.CounterVec

	// Virtual attribute cache metrics
	cacheReads *prometheus.CounterVec
	cacheSize  prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeExecutions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_executions_started_total",
				Help:      "Total number of task executions started",
			},
			[]string{"task_type"},
		),
		executionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_executions_completed_total",
				Help:      "Total number of task executions completed",
			},
			[]string{"task_type", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_execution_duration_seconds",
				Help:      "Duration of task executions in seconds",
				Buckets:   buckets,
			},
			[]string{"task_type", "status"},
		),
		recordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_processed_total",
				Help:      "Total number of records processed during task executions",
			},
			[]string{"task_type", "outcome"},
		),

		propagations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "propagations_total",
				Help:      "Total number of propagation dispatches by outcome",
			},
			[]string{"resource", "operation", "status"},
		),

		connectorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_calls_total",
				Help:      "Total number of connector calls",
			},
			[]string{"resource", "operation"},
		),
		connectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connector_call_duration_seconds",
				Help:      "Duration of connector calls in seconds",
				Buckets:   buckets,
			},
			[]string{"resource", "operation"},
		),
		connectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_errors_total",
				Help:      "Total number of connector errors",
			},
			[]string{"resource", "operation"},
		),

		cacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vir_attr_cache_reads_total",
				Help:      "Total number of virtual attribute cache reads by result",
			},
			[]string{"result"},
		),
		cacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vir_attr_cache_entries",
				Help:      "Current number of virtual attribute cache entries",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_task_executions",
				Help:      "Current number of running task executions",
			},
		),
	}

	registry.MustRegister(
		m.executionsStarted,
		m.executionsCompleted,
		m.executionDuration,
		m.recordsProcessed,
		m.propagations,
		m.connectorCalls,
		m.connectorDuration,
		m.connectorErrors,
		m.cacheReads,
		m.cacheSize,
		m.errorsByClass,
		m.errorsByCode,
		m.activeExecutions,
	)

	return m, nil
}

// Task Execution Metrics

// RecordExecutionStarted increments the counter for started executions.
func (m *Metrics) RecordExecutionStarted(taskType string) {
	if m.executionsStarted == nil {
		return
	}
	m.executionsStarted.WithLabelValues(taskType).Inc()
	m.activeExecutions.Inc()
}

// RecordExecutionCompleted records a terminal execution with its status.
func (m *Metrics) RecordExecutionCompleted(taskType, status string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	m.executionsCompleted.WithLabelValues(taskType, status).Inc()
	m.executionDuration.WithLabelValues(taskType, status).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

// RecordRecordsProcessed adds to the per-outcome record counters.
func (m *Metrics) RecordRecordsProcessed(taskType string, succeeded, failed int) {
	if m.recordsProcessed == nil {
		return
	}
	m.recordsProcessed.WithLabelValues(taskType, "succeeded").Add(float64(succeeded))
	m.recordsProcessed.WithLabelValues(taskType, "failed").Add(float64(failed))
}

// Propagation Metrics

// RecordPropagation records one propagation dispatch outcome.
func (m *Metrics) RecordPropagation(resource, operation, status string) {
	if m.propagations == nil {
		return
	}
	m.propagations.WithLabelValues(resource, operation, status).Inc()
}

// Connector Metrics

// RecordConnectorCall records a connector call with its duration.
func (m *Metrics) RecordConnectorCall(resource, operation string, duration time.Duration) {
	if m.connectorCalls == nil {
		return
	}
	m.connectorCalls.WithLabelValues(resource, operation).Inc()
	m.connectorDuration.WithLabelValues(resource, operation).Observe(duration.Seconds())
}

// RecordConnectorError records a connector error.
func (m *Metrics) RecordConnectorError(resource, operation string) {
	if m.connectorErrors == nil {
		return
	}
	m.connectorErrors.WithLabelValues(resource, operation).Inc()
}

// Cache Metrics

// RecordCacheRead records one cache read result (hit, miss, error).
func (m *Metrics) RecordCacheRead(result string) {
	if m.cacheReads == nil {
		return
	}
	m.cacheReads.WithLabelValues(result).Inc()
}

// SetCacheSize sets the current cache entry count.
func (m *Metrics) SetCacheSize(count float64) {
	if m.cacheSize == nil {
		return
	}
	m.cacheSize.Set(count)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

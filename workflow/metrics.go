package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution.
//
// Metrics exposed (all namespaced with "agentflow_"):
//
//  1. inflight_executions (gauge): executions currently running on the pool.
//  2. queued_executions (gauge): executions waiting for a free worker.
//  3. registered_workflows (gauge): entries in the Registry.
//  4. step_latency_ms (histogram): agent call duration per step.
//     Labels: workflow_id, step_id, status (success/error).
//  5. execution_duration_ms (histogram): background execution duration.
//     Labels: workflow_id, status (SUCCESS/FAILED).
//  6. executions_total (counter): executions reaching a terminal state.
//     Labels: workflow_id, status.
//  7. backpressure_rejections_total (counter): executions refused because the
//     pool was saturated. Labels: workflow_id.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := workflow.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use and tolerate a nil receiver.
type Metrics struct {
	inflight   prometheus.Gauge
	queued     prometheus.Gauge
	registered prometheus.Gauge

	stepLatency       *prometheus.HistogramVec
	executionDuration *prometheus.HistogramVec

	executions   *prometheus.CounterVec
	backpressure *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all metrics with registry
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Name:      "inflight_executions",
		Help:      "Number of workflow executions currently running",
	})
	m.queued = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Name:      "queued_executions",
		Help:      "Number of workflow executions waiting for a worker",
	})
	m.registered = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Name:      "registered_workflows",
		Help:      "Number of compiled workflows held by the registry",
	})
	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Name:      "step_latency_ms",
		Help:      "Agent invocation duration per step in milliseconds",
		Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
	}, []string{"workflow_id", "step_id", "status"})
	m.executionDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Name:      "execution_duration_ms",
		Help:      "Background execution duration in milliseconds",
		Buckets:   []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 120000, 300000},
	}, []string{"workflow_id", "status"})
	m.executions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Name:      "executions_total",
		Help:      "Workflow executions that reached a terminal state",
	}, []string{"workflow_id", "status"})
	m.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Name:      "backpressure_rejections_total",
		Help:      "Executions rejected because the worker pool was saturated",
	}, []string{"workflow_id"})

	return m
}

func (m *Metrics) on() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// RecordStepLatency observes one agent call.
func (m *Metrics) RecordStepLatency(workflowID, stepID string, latency time.Duration, status string) {
	if !m.on() {
		return
	}
	m.stepLatency.WithLabelValues(workflowID, stepID, status).Observe(float64(latency.Milliseconds()))
}

// RecordExecution observes a terminal execution.
func (m *Metrics) RecordExecution(workflowID string, status ExecutionStatus, duration time.Duration) {
	if !m.on() {
		return
	}
	label := string(status)
	m.executions.WithLabelValues(workflowID, label).Inc()
	m.executionDuration.WithLabelValues(workflowID, label).Observe(float64(duration.Milliseconds()))
}

// IncrementBackpressure counts a rejected execution.
func (m *Metrics) IncrementBackpressure(workflowID string) {
	if !m.on() {
		return
	}
	m.backpressure.WithLabelValues(workflowID).Inc()
}

// UpdatePool sets the in-flight and queued gauges.
func (m *Metrics) UpdatePool(inflight, queued int) {
	if !m.on() {
		return
	}
	m.inflight.Set(float64(inflight))
	m.queued.Set(float64(queued))
}

// SetRegistered sets the registered_workflows gauge.
func (m *Metrics) SetRegistered(n int) {
	if !m.on() {
		return
	}
	m.registered.Set(float64(n))
}

// Enable resumes recording.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Disable stops recording; calls become no-ops.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Reset zeroes gauges and drops every labelled series.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight.Set(0)
	m.queued.Set(0)
	m.registered.Set(0)
	m.stepLatency.Reset()
	m.executionDuration.Reset()
	m.executions.Reset()
	m.backpressure.Reset()
}

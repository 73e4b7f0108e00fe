package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsRecorder and IssueMetricsRecorder on a
// prometheus registry.
type PrometheusMetrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	issues     *prometheus.CounterVec
}

// NewPrometheusMetrics registers the changeset collectors on a new registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{registry: prometheus.NewRegistry()}
	m.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transitreg_operations_total",
			Help: "Changeset service operations by outcome",
		},
		[]string{"operation", "status"},
	)
	m.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transitreg_operation_duration_seconds",
			Help:    "Duration of changeset service operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	m.issues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transitreg_issues_total",
			Help: "Issues opened and resolved by committed changesets",
		},
		[]string{"transition"},
	)
	m.registry.MustRegister(m.operations, m.duration, m.issues)
	return m
}

// Registry returns the registry the collectors live on.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe implements MetricsRecorder.
func (m *PrometheusMetrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.operations.WithLabelValues(operation, status).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveIssues implements IssueMetricsRecorder.
func (m *PrometheusMetrics) ObserveIssues(opened, resolved int) {
	if opened > 0 {
		m.issues.WithLabelValues("opened").Add(float64(opened))
	}
	if resolved > 0 {
		m.issues.WithLabelValues("resolved").Add(float64(resolved))
	}
}

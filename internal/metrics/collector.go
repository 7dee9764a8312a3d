// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates engine and compaction metrics.
type Collector struct {
	runsTotal            *prometheus.CounterVec
	stepsTotal           *prometheus.CounterVec
	stepDuration         *prometheus.HistogramVec
	retriesTotal         *prometheus.CounterVec
	compactionsTotal     *prometheus.CounterVec
	compactionSavedUnits prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a metrics collector. A nil registerer falls back
// to the default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished workflow runs",
		},
		[]string{"status"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of finished step executions",
		},
		[]string{"capability", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of scheduled step retries",
		},
		[]string{"capability"},
	)

	c.compactionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Total number of applied compaction tiers",
		},
		[]string{"tier"},
	)

	c.compactionSavedUnits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_saved_units_total",
			Help:      "Total context units reclaimed by compaction",
		},
	)

	return c
}

// RunFinished records a terminal run status.
func (c *Collector) RunFinished(status string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
}

// StepFinished records one terminal step execution and its duration.
func (c *Collector) StepFinished(capability, status string, seconds float64) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(capability, status).Inc()
	if seconds > 0 {
		c.stepDuration.WithLabelValues(capability).Observe(seconds)
	}
}

// RetryScheduled records one scheduled retry.
func (c *Collector) RetryScheduled(capability string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(capability).Inc()
}

// CompactionApplied records one applied compaction tier and the units it
// reclaimed.
func (c *Collector) CompactionApplied(tier int, savedUnits int) {
	if c == nil {
		return
	}
	c.compactionsTotal.WithLabelValues(strconv.Itoa(tier)).Inc()
	if savedUnits > 0 {
		c.compactionSavedUnits.Add(float64(savedUnits))
	}
}

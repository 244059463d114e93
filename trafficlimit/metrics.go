/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package trafficlimit

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsLabelResult = "result"

	metricsResultAdmitted = "admitted"
	metricsResultRejected = "rejected"
)

// MetricsCollector collects metrics about admission decisions and internal failures of the limiter.
type MetricsCollector interface {
	// IncAcquisitions increments the total number of acquisitions with the given outcome.
	IncAcquisitions(admitted bool)

	// IncClockRegressions increments the number of acquisitions denied because the clock moved backwards.
	IncClockRegressions()

	// IncRetriesExhausted increments the number of acquisitions denied because the shard could not be updated.
	IncRetriesExhausted()
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with the provided labels.
	// PrometheusMetrics.MustCurryWith must be called further with the same labels.
	CurriedLabelNames []string
}

// PrometheusMetrics represents Prometheus metrics for the rate limiter.
type PrometheusMetrics struct {
	AcquisitionsTotal     *prometheus.CounterVec
	ClockRegressionsTotal *prometheus.CounterVec
	RetriesExhaustedTotal *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	acquisitionsLabels := append(append([]string{}, opts.CurriedLabelNames...), metricsLabelResult)
	acquisitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_acquisitions_total",
			Help:        "Number of acquisition attempts by result.",
			ConstLabels: opts.ConstLabels,
		},
		acquisitionsLabels,
	)

	clockRegressionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_clock_regressions_total",
			Help:        "Number of acquisitions denied because the clock moved backwards.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	retriesExhaustedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "rate_limit_retries_exhausted_total",
			Help:        "Number of acquisitions denied because the shard update lost all retries to concurrent updates.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	return &PrometheusMetrics{
		AcquisitionsTotal:     acquisitionsTotal,
		ClockRegressionsTotal: clockRegressionsTotal,
		RetriesExhaustedTotal: retriesExhaustedTotal,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		AcquisitionsTotal:     pm.AcquisitionsTotal.MustCurryWith(labels),
		ClockRegressionsTotal: pm.ClockRegressionsTotal.MustCurryWith(labels),
		RetriesExhaustedTotal: pm.RetriesExhaustedTotal.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.AcquisitionsTotal,
		pm.ClockRegressionsTotal,
		pm.RetriesExhaustedTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.AcquisitionsTotal)
	prometheus.Unregister(pm.ClockRegressionsTotal)
	prometheus.Unregister(pm.RetriesExhaustedTotal)
}

// IncAcquisitions increments the total number of acquisitions with the given outcome.
func (pm *PrometheusMetrics) IncAcquisitions(admitted bool) {
	result := metricsResultRejected
	if admitted {
		result = metricsResultAdmitted
	}
	pm.AcquisitionsTotal.With(prometheus.Labels{metricsLabelResult: result}).Inc()
}

// IncClockRegressions increments the number of acquisitions denied because the clock moved backwards.
func (pm *PrometheusMetrics) IncClockRegressions() {
	pm.ClockRegressionsTotal.With(nil).Inc()
}

// IncRetriesExhausted increments the number of acquisitions denied because the shard could not be updated.
func (pm *PrometheusMetrics) IncRetriesExhausted() {
	pm.RetriesExhaustedTotal.With(nil).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) IncAcquisitions(bool) {}
func (disabledMetrics) IncClockRegressions() {}
func (disabledMetrics) IncRetriesExhausted() {}

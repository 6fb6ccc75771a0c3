package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	operationsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "apply",
		Name:      "operations_total",
		Help:      "Provider operations by action and outcome.",
	}, []string{"action", "status"})

	operationDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "apply",
		Name:      "operation_duration_seconds",
		Help:      "Wall time of provider operations, retries included.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"action"})

	providerRetries = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "apply",
		Name:      "provider_retries_total",
		Help:      "Retried provider calls by provider.",
	}, []string{"provider"})

	lockWait = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "strata",
		Subsystem: "state",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the environment lock.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// ObserveOperation records one finished provider operation.
func ObserveOperation(action string, ok bool, d time.Duration) {
	status := "succeeded"
	if !ok {
		status = "failed"
	}
	operationsTotal.WithLabelValues(action, status).Inc()
	operationDuration.WithLabelValues(action).Observe(d.Seconds())
}

// CountRetries adds n retries for a provider. Zero or negative n is a
// no-op so callers can pass attempts-1 unconditionally.
func CountRetries(provider string, n int) {
	if n <= 0 {
		return
	}
	providerRetries.WithLabelValues(provider).Add(float64(n))
}

// ObserveLockWait records how long lock acquisition took.
func ObserveLockWait(d time.Duration) {
	lockWait.Observe(d.Seconds())
}

// Handler serves the metrics registry, for the optional --telemetry-addr
// listener during apply.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

package objectstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/captureflow/metric"
)

// storeMetrics holds Prometheus metrics for ObjectStore operations.
type storeMetrics struct {
	ops      *prometheus.CounterVec   // By operation
	latency  *prometheus.HistogramVec // By operation
	errors   *prometheus.CounterVec   // By operation
	putBytes prometheus.Counter
}

// newStoreMetrics creates and registers ObjectStore metrics with the provided registry.
func newStoreMetrics(registry *metric.MetricsRegistry, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "captureflow",
			Subsystem:   "objectstore",
			Name:        "operations_total",
			Help:        "Total number of ObjectStore operations",
			ConstLabels: labels,
		}, []string{"operation"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "captureflow",
			Subsystem:   "objectstore",
			Name:        "operation_duration_seconds",
			Help:        "ObjectStore operation latency",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"operation"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "captureflow",
			Subsystem:   "objectstore",
			Name:        "operation_errors_total",
			Help:        "Total number of failed ObjectStore operations",
			ConstLabels: labels,
		}, []string{"operation"}),

		putBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "captureflow",
			Subsystem:   "objectstore",
			Name:        "put_bytes_total",
			Help:        "Bytes written to the ObjectStore",
			ConstLabels: labels,
		}),
	}

	prefix := "objectstore_" + bucket
	if err := registry.RegisterCounterVec(prefix, "ops", m.ops); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(prefix, "latency", m.latency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(prefix, "errors", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "put_bytes", m.putBytes); err != nil {
		return nil, err
	}

	return m, nil
}

// observe records one operation.
func (m *storeMetrics) observe(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(seconds)
	if err != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

func (m *storeMetrics) addPutBytes(n uint64) {
	if m != nil {
		m.putBytes.Add(float64(n))
	}
}

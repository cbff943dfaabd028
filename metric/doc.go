// Package metric exposes captureflow's Prometheus metrics.
//
// MetricsRegistry wraps a private prometheus.Registry so tests and multiple
// consumers in one process never collide on the global default registry.
// The pipeline core metrics (runs by terminal state and error kind, stage
// durations, ack/nack dispositions, staged bytes, secondary analysis
// outcomes, broker status) are registered up front; components such as the
// worker pool register their own through the Register* methods.
//
// Server serves the registry at the configured path and the aggregated
// health.Monitor status at /health (503 when any component is unhealthy).
package metric

package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "captureflow"

// Consumer status values reported by ConsumerStatus.
const (
	StatusStopped = iota
	StatusConnecting
	StatusRunning
	StatusHalted
)

// Metrics contains the pipeline core metrics. Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	RunsTotal        *prometheus.CounterVec
	Dispositions     *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	RunDuration      prometheus.Histogram
	StagedBytes      *prometheus.CounterVec
	SubmitAttempts   *prometheus.CounterVec
	SecondaryTotal   *prometheus.CounterVec
	ArchivedTotal    *prometheus.CounterVec
	InFlight         prometheus.Gauge

	ConsumerStatus   prometheus.Gauge
	BrokerConnected  prometheus.Gauge
	BrokerReconnects prometheus.Counter
}

// NewMetrics creates the pipeline core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Deliveries taken from the broker",
			},
			[]string{"driver"},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Pipeline runs by terminal state and error kind",
			},
			[]string{"state", "kind"},
		),

		Dispositions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "dispositions_total",
				Help:      "Ack and nack decisions issued to the broker",
			},
			[]string{"disposition"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each pipeline stage",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),

		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "End-to-end pipeline run duration",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		StagedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "bytes_total",
				Help:      "Bytes written to the staging directory by artifact kind",
			},
			[]string{"kind"},
		),

		SubmitAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "submit",
				Name:      "attempts_total",
				Help:      "Inference submissions by outcome",
			},
			[]string{"outcome"},
		),

		SecondaryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "secondary",
				Name:      "tasks_total",
				Help:      "Secondary analysis tasks by outcome",
			},
			[]string{"outcome"},
		),

		ArchivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "archived_total",
				Help:      "Artifacts uploaded to the archive backend",
			},
			[]string{"backend", "status"},
		),

		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "in_flight",
				Help:      "Pipeline runs currently executing",
			},
		),

		ConsumerStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "status",
				Help:      "Consumer status (0=stopped, 1=connecting, 2=running, 3=halted)",
			},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Broker reconnection attempts",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.MessagesReceived,
		c.RunsTotal,
		c.Dispositions,
		c.StageDuration,
		c.RunDuration,
		c.StagedBytes,
		c.SubmitAttempts,
		c.SecondaryTotal,
		c.ArchivedTotal,
		c.InFlight,
		c.ConsumerStatus,
		c.BrokerConnected,
		c.BrokerReconnects,
	}
}

// RecordMessageReceived increments the delivery counter
func (c *Metrics) RecordMessageReceived(driver string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(driver).Inc()
}

// RecordRun records a terminal run. kind is empty for successful runs.
func (c *Metrics) RecordRun(state, kind string, duration time.Duration) {
	if c == nil {
		return
	}
	if kind == "" {
		kind = "none"
	}
	c.RunsTotal.WithLabelValues(state, kind).Inc()
	c.RunDuration.Observe(duration.Seconds())
}

// RecordDisposition counts an ack/nack decision
func (c *Metrics) RecordDisposition(disposition string) {
	if c == nil {
		return
	}
	c.Dispositions.WithLabelValues(disposition).Inc()
}

// RecordStage records time spent in a stage
func (c *Metrics) RecordStage(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	c.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStagedBytes adds written bytes for an artifact kind
func (c *Metrics) RecordStagedBytes(kind string, n int) {
	if c == nil {
		return
	}
	c.StagedBytes.WithLabelValues(kind).Add(float64(n))
}

// RecordSubmitAttempt counts one submission attempt
func (c *Metrics) RecordSubmitAttempt(outcome string) {
	if c == nil {
		return
	}
	c.SubmitAttempts.WithLabelValues(outcome).Inc()
}

// RecordSecondary counts a secondary analysis outcome
func (c *Metrics) RecordSecondary(outcome string) {
	if c == nil {
		return
	}
	c.SecondaryTotal.WithLabelValues(outcome).Inc()
}

// RecordArchived counts an archive upload
func (c *Metrics) RecordArchived(backend string, ok bool) {
	if c == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	c.ArchivedTotal.WithLabelValues(backend, status).Inc()
}

// RecordConsumerStatus updates the consumer status gauge
func (c *Metrics) RecordConsumerStatus(status int) {
	if c == nil {
		return
	}
	c.ConsumerStatus.Set(float64(status))
}

// RecordBrokerStatus updates broker connection status
func (c *Metrics) RecordBrokerStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BrokerConnected.Set(value)
}

// RecordBrokerReconnect increments the reconnection counter
func (c *Metrics) RecordBrokerReconnect() {
	if c == nil {
		return
	}
	c.BrokerReconnects.Inc()
}

// RecordInFlight sets the number of messages being processed
func (c *Metrics) RecordInFlight(n int) {
	if c == nil {
		return
	}
	c.InFlight.Set(float64(n))
}

package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/health"
	"github.com/c360/captureflow/metric"
	"github.com/c360/captureflow/pkg/retry"
)

const healthName = "consumer"

// ConsumerConfig controls the consume loop
type ConsumerConfig struct {
	HeartbeatInterval time.Duration
	Reconnect         retry.Config
}

// DefaultConsumerConfig returns a 10s heartbeat and persistent reconnects
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		HeartbeatInterval: 10 * time.Second,
		Reconnect:         retry.Persistent(),
	}
}

// Consumer owns the broker handle. It processes one delivery at a time.
type Consumer struct {
	broker  Broker
	source  PayloadSource
	handler Handler
	cfg     ConsumerConfig

	logger  *slog.Logger
	metrics *metric.Metrics
	health  *health.Monitor

	mu      sync.Mutex
	running bool
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithMetrics records consumer and broker metrics
func WithMetrics(m *metric.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithHealthMonitor reports consumer status
func WithHealthMonitor(m *health.Monitor) ConsumerOption {
	return func(c *Consumer) { c.health = m }
}

// NewConsumer creates a Consumer
func NewConsumer(broker Broker, source PayloadSource, handler Handler, cfg ConsumerConfig, opts ...ConsumerOption) *Consumer {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConsumerConfig().HeartbeatInterval
	}
	c := &Consumer{
		broker:  broker,
		source:  source,
		handler: handler,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "consumer", "broker", broker.Name(), "source", source.Name())
	return c
}

// Run consumes until ctx ends (nil), a handler halts (ErrHalted) or the
// broker cannot be reached within the reconnect budget.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Consumer", "Run", "start consume loop")
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				c.setStatus(metric.StatusStopped, "stopped")
				return nil
			}
			c.setStatus(metric.StatusHalted, err.Error())
			return errors.WrapFatal(err, "Consumer", "Run", "connect to broker")
		}

		err := c.consume(ctx)
		switch {
		case ctx.Err() != nil:
			c.setStatus(metric.StatusStopped, "stopped")
			return nil
		case stderrors.Is(err, ErrHalted):
			c.setStatus(metric.StatusHalted, err.Error())
			return err
		default:
			c.logger.Warn("Broker connection lost, reconnecting", "error", err)
			c.metrics.RecordBrokerStatus(false)
			c.metrics.RecordBrokerReconnect()
		}
	}
}

func (c *Consumer) connect(ctx context.Context) error {
	c.setStatus(metric.StatusConnecting, "connecting")

	cfg := c.cfg.Reconnect
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("Broker connect failed", "attempt", attempt, "retry_in", delay, "error", err)
	}
	err := retry.Do(ctx, cfg, func() error {
		return c.broker.Connect(ctx)
	})
	if err != nil {
		return err
	}

	c.metrics.RecordBrokerStatus(true)
	c.setStatus(metric.StatusRunning, "consuming")
	c.logger.Info("Consuming")
	return nil
}

// consume returns nil only when ctx ends
func (c *Consumer) consume(ctx context.Context) error {
	for {
		d, err := c.broker.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.metrics.RecordMessageReceived(c.broker.Name())

		disposition := c.process(ctx, d)
		if err := c.settle(d, disposition); err != nil {
			return fmt.Errorf("settle delivery: %w", err)
		}
		if disposition == Halt {
			return ErrHalted
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// process runs the handler on its own goroutine and heartbeats until it returns
func (c *Consumer) process(ctx context.Context, d Delivery) Disposition {
	receivedAt := time.Now().UTC()
	deliveries := d.DeliveryCount()

	c.metrics.RecordInFlight(1)
	defer c.metrics.RecordInFlight(0)

	done := make(chan Disposition, 1)
	go func() {
		msg, err := c.source.Message(d, receivedAt)
		if err != nil {
			id := d.MessageID()
			if id == "" {
				id = uuid.NewString()
			}
			done <- c.handler.Reject(ctx, id, deliveries, err)
			return
		}
		done <- c.handler.Handle(ctx, msg, deliveries)
	}()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case disposition := <-done:
			return disposition
		case <-ticker.C:
			if err := d.InProgress(); err != nil {
				c.logger.Debug("Heartbeat failed", "error", err)
			}
		}
	}
}

func (c *Consumer) settle(d Delivery, disposition Disposition) error {
	var err error
	switch disposition {
	case Ack:
		err = d.Ack()
	case NackDrop:
		err = d.Nack(false)
	case NackRequeue, Halt:
		err = d.Nack(true)
	default:
		c.logger.Error("Unknown disposition, requeueing", "disposition", disposition)
		err = d.Nack(true)
	}
	return err
}

func (c *Consumer) setStatus(status int, message string) {
	c.metrics.RecordConsumerStatus(status)
	if c.health == nil {
		return
	}
	switch status {
	case metric.StatusRunning:
		c.health.UpdateHealthy(healthName, message)
	case metric.StatusConnecting:
		c.health.UpdateDegraded(healthName, message)
	default:
		c.health.UpdateUnhealthy(healthName, message)
	}
}

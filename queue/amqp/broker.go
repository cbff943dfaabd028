// Package amqp is the RabbitMQ broker: a durable queue consumed with manual
// acknowledgement and prefetch 1.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/queue"
)

// deliveryCountHeader is set by quorum queues on redelivery
const deliveryCountHeader = "x-delivery-count"

const queueTypeArg = "x-queue-type"

// Queue types. Only quorum queues count redeliveries; a classic queue
// reports at most 2.
const (
	QueueQuorum  = "quorum"
	QueueClassic = "classic"
)

// Config describes the queue
type Config struct {
	URL         string
	Queue       string
	ConsumerTag string
	// QueueType sets x-queue-type unless QueueArgs already carries it.
	// Empty leaves the server default.
	QueueType string
	// QueueArgs are passed to QueueDeclare.
	QueueArgs amqp.Table
}

// Broker implements queue.Broker over one connection and one channel
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
}

// New creates an unconnected Broker
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "AMQPBroker", "New", "url and queue are required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "captureflow"
	}
	switch cfg.QueueType {
	case "", QueueQuorum, QueueClassic:
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown queue type %q", cfg.QueueType),
			"AMQPBroker", "New", "queue type must be quorum or classic")
	}
	if _, set := cfg.QueueArgs[queueTypeArg]; cfg.QueueType != "" && !set {
		args := make(amqp.Table, len(cfg.QueueArgs)+1)
		for k, v := range cfg.QueueArgs {
			args[k] = v
		}
		args[queueTypeArg] = cfg.QueueType
		cfg.QueueArgs = args
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:    cfg,
		logger: logger.With("component", "amqp", "queue", cfg.Queue, "url", redactURL(cfg.URL)),
	}, nil
}

// Name implements queue.Broker
func (b *Broker) Name() string { return "amqp" }

// Connect dials, declares the durable queue, sets prefetch 1 and starts consuming.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.teardown()

	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return errors.WrapTransient(err, "AMQPBroker", "Connect", "dial")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.WrapTransient(err, "AMQPBroker", "Connect", "open channel")
	}

	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, b.cfg.QueueArgs); err != nil {
		_ = conn.Close()
		return errors.WrapTransient(err, "AMQPBroker", "Connect", "declare queue")
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return errors.WrapTransient(err, "AMQPBroker", "Connect", "set prefetch")
	}

	deliveries, err := ch.Consume(b.cfg.Queue, b.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return errors.WrapTransient(err, "AMQPBroker", "Connect", "consume")
	}

	b.conn = conn
	b.ch = ch
	b.deliveries = deliveries
	b.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
	b.logger.Info("Connected")
	return nil
}

// Next implements queue.Broker
func (b *Broker) Next(ctx context.Context) (queue.Delivery, error) {
	b.mu.Lock()
	deliveries, closed := b.deliveries, b.closed
	b.mu.Unlock()

	if deliveries == nil {
		return nil, queue.ErrConnectionLost
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case amqpErr := <-closed:
		if amqpErr != nil {
			return nil, fmt.Errorf("%w: %v", queue.ErrConnectionLost, amqpErr)
		}
		return nil, queue.ErrConnectionLost
	case d, ok := <-deliveries:
		if !ok {
			return nil, queue.ErrConnectionLost
		}
		return &delivery{d: d}, nil
	}
}

// Publish implements queue.Broker. Messages are persistent.
func (b *Broker) Publish(ctx context.Context, id string, body []byte) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return errors.WrapTransient(queue.ErrConnectionLost, "AMQPBroker", "Publish", "publish")
	}

	err := ch.PublishWithContext(ctx, "", b.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  contentType(body),
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return errors.WrapTransient(err, "AMQPBroker", "Publish", "publish")
	}
	return nil
}

// Close implements queue.Broker
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardown()
	return nil
}

func (b *Broker) teardown() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil && !b.conn.IsClosed() {
		_ = b.conn.Close()
	}
	b.conn = nil
	b.deliveries = nil
	b.closed = nil
}

func contentType(body []byte) string {
	if len(body) > 0 && body[0] == '{' {
		return "application/json"
	}
	return "application/octet-stream"
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://***"
	}
	return u.Redacted()
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte      { return d.d.Body }
func (d *delivery) MessageID() string { return d.d.MessageId }

func (d *delivery) DeliveryCount() int {
	if n, ok := headerInt(d.d.Headers[deliveryCountHeader]); ok {
		return n + 1
	}
	if d.d.Redelivered {
		return 2
	}
	return 1
}

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	return d.d.Nack(false, requeue)
}

// InProgress is a no-op; RabbitMQ has no per-message lease to extend.
func (d *delivery) InProgress() error { return nil }

func headerInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

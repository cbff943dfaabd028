// Package jetstream is the NATS JetStream broker: a work-queue stream with a
// durable pull consumer, explicit acks and one message in flight.
package jetstream

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	natsjs "github.com/nats-io/nats.go/jetstream"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/natsclient"
	"github.com/c360/captureflow/queue"
)

// Config describes the stream and consumer
type Config struct {
	Stream  string
	Subject string
	Durable string
	// AckWait is how long a delivery may go without ack or heartbeat
	// before the server redelivers it.
	AckWait time.Duration
	// FetchWait bounds a single pull request.
	FetchWait time.Duration
}

// Broker implements queue.Broker on a shared natsclient.Client
type Broker struct {
	client *natsclient.Client
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	consumer natsjs.Consumer
}

// New creates a Broker. The client may be unconnected.
func New(client *natsclient.Client, cfg Config, logger *slog.Logger) (*Broker, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JetStreamBroker", "New", "client is required")
	}
	if cfg.Stream == "" || cfg.Subject == "" || cfg.Durable == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "JetStreamBroker", "New",
			"stream, subject and durable are required")
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "jetstream", "stream", cfg.Stream, "durable", cfg.Durable),
	}, nil
}

// Name implements queue.Broker
func (b *Broker) Name() string { return "jetstream" }

// StreamConfig is the stream declared on Connect
func (b *Broker) StreamConfig() natsjs.StreamConfig {
	return natsjs.StreamConfig{
		Name:        b.cfg.Stream,
		Description: "Inbound captures",
		Subjects:    []string{b.cfg.Subject},
		Retention:   natsjs.WorkQueuePolicy,
		Storage:     natsjs.FileStorage,
	}
}

// ConsumerConfig is the durable consumer declared on Connect
func (b *Broker) ConsumerConfig() natsjs.ConsumerConfig {
	return natsjs.ConsumerConfig{
		Durable:       b.cfg.Durable,
		FilterSubject: b.cfg.Subject,
		AckPolicy:     natsjs.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxAckPending: 1,
		DeliverPolicy: natsjs.DeliverAllPolicy,
	}
}

// Connect connects the client if needed and declares the stream and consumer
func (b *Broker) Connect(ctx context.Context) error {
	switch b.client.Status() {
	case natsclient.StatusConnected:
	case natsclient.StatusReconnecting:
		// The NATS library is already redialing this connection.
		return errors.WrapTransient(queue.ErrConnectionLost, "JetStreamBroker", "Connect", "wait for reconnect")
	default:
		if err := b.client.Connect(ctx); err != nil {
			return err
		}
	}

	if _, err := b.client.EnsureStream(ctx, b.StreamConfig()); err != nil {
		return err
	}
	consumer, err := b.client.EnsureConsumer(ctx, b.cfg.Stream, b.ConsumerConfig())
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.consumer = consumer
	b.mu.Unlock()
	b.logger.Info("Connected")
	return nil
}

// Next implements queue.Broker. It pulls one message at a time, repeating
// empty pulls until ctx ends.
func (b *Broker) Next(ctx context.Context) (queue.Delivery, error) {
	b.mu.Lock()
	consumer := b.consumer
	b.mu.Unlock()
	if consumer == nil {
		return nil, queue.ErrConnectionLost
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.client.Status() != natsclient.StatusConnected {
			return nil, queue.ErrConnectionLost
		}

		batch, err := consumer.Fetch(1, natsjs.FetchMaxWait(b.cfg.FetchWait))
		if err != nil {
			return nil, lost(err)
		}
		if msg, ok := <-batch.Messages(); ok {
			return &delivery{msg: msg}, nil
		}
		if err := batch.Error(); err != nil && !isEmptyPull(err) {
			return nil, lost(err)
		}
	}
}

// Publish implements queue.Broker. id becomes the Nats-Msg-Id, so the stream
// deduplicates republished messages.
func (b *Broker) Publish(ctx context.Context, id string, body []byte) error {
	var opts []natsjs.PublishOpt
	if id != "" {
		opts = append(opts, natsjs.WithMsgID(id))
	}
	_, err := b.client.PublishToStream(ctx, b.cfg.Subject, body, opts...)
	return err
}

// Close forgets the consumer. The shared client is closed by its owner.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.consumer = nil
	b.mu.Unlock()
	return nil
}

func isEmptyPull(err error) bool {
	return stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded)
}

func lost(err error) error {
	return fmt.Errorf("%w: %v", queue.ErrConnectionLost, err)
}

type delivery struct {
	msg natsjs.Msg
}

func (d *delivery) Body() []byte { return d.msg.Data() }

func (d *delivery) MessageID() string {
	return d.msg.Headers().Get(natsjs.MsgIDHeader)
}

func (d *delivery) DeliveryCount() int {
	meta, err := d.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *delivery) Ack() error { return d.msg.Ack() }

// Nack redelivers on requeue and terminates otherwise
func (d *delivery) Nack(requeue bool) error {
	if requeue {
		return d.msg.Nak()
	}
	return d.msg.Term()
}

func (d *delivery) InProgress() error { return d.msg.InProgress() }

package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/captureflow/errors"
)

// EnsureStream creates the stream or updates it to match cfg
func (m *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		m.recordFailure()
		m.jsMetrics.recordError("ensure_stream")
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", fmt.Sprintf("ensure stream %s", cfg.Name))
	}

	m.resetCircuit()
	m.jsMetrics.trackStream(cfg.Name, stream)
	return stream, nil
}

// EnsureConsumer creates or updates a durable consumer on stream
func (m *Client) EnsureConsumer(
	ctx context.Context, streamName string, cfg jetstream.ConsumerConfig,
) (jetstream.Consumer, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, cfg)
	if err != nil {
		m.recordFailure()
		m.jsMetrics.recordError("ensure_consumer")
		return nil, errors.WrapTransient(err, "Client", "EnsureConsumer",
			fmt.Sprintf("ensure consumer %s on %s", cfg.Durable, streamName))
	}

	m.resetCircuit()
	m.jsMetrics.trackConsumer(streamName, cfg.Durable, consumer)
	return consumer, nil
}

// PublishToStream publishes data and waits for the stream ack
func (m *Client) PublishToStream(
	ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt,
) (*jetstream.PubAck, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	ack, err := js.Publish(ctx, subject, data, opts...)
	if err != nil {
		m.recordFailure()
		m.jsMetrics.recordError("publish")
		return nil, errors.WrapTransient(err, "Client", "PublishToStream", fmt.Sprintf("publish to %s", subject))
	}

	m.resetCircuit()
	return ack, nil
}

// CreateObjectStore opens the bucket, creating it when missing
func (m *Client) CreateObjectStore(ctx context.Context, cfg jetstream.ObjectStoreConfig) (jetstream.ObjectStore, error) {
	js, err := m.ready()
	if err != nil {
		return nil, err
	}

	bucket, err := js.ObjectStore(ctx, cfg.Bucket)
	if err == nil {
		m.resetCircuit()
		return bucket, nil
	}
	if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateObjectStore", fmt.Sprintf("open bucket %s", cfg.Bucket))
	}

	bucket, err = js.CreateObjectStore(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			// Lost a create race with another replica
			if bucket, err = js.ObjectStore(ctx, cfg.Bucket); err == nil {
				m.resetCircuit()
				return bucket, nil
			}
		}
		m.recordFailure()
		m.jsMetrics.recordError("create_object_store")
		return nil, errors.WrapTransient(err, "Client", "CreateObjectStore", fmt.Sprintf("create bucket %s", cfg.Bucket))
	}

	m.logger.Info("Created ObjectStore bucket", "bucket", cfg.Bucket)
	m.resetCircuit()
	return bucket, nil
}

package jetstream

import (
	"context"
	"testing"
	"time"

	natsjs "github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/natsclient"
	"github.com/c360/captureflow/queue"
)

var _ queue.Broker = (*Broker)(nil)

func newClient(t *testing.T, url string) *natsclient.Client {
	t.Helper()
	c, err := natsclient.NewClient(url, natsclient.WithHealthInterval(0), natsclient.WithMaxReconnects(0),
		natsclient.WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	client := newClient(t, "nats://127.0.0.1:1")

	_, err := New(nil, Config{Stream: "S", Subject: "s", Durable: "d"}, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(client, Config{Stream: "S"}, nil)
	assert.True(t, errors.IsInvalid(err))

	b, err := New(client, Config{Stream: "CAPTURES", Subject: "captures.inbound", Durable: "captureflow"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "jetstream", b.Name())
	assert.Equal(t, 30*time.Second, b.cfg.AckWait)
}

func TestDeclaredConfig(t *testing.T) {
	b, err := New(newClient(t, "nats://127.0.0.1:1"),
		Config{Stream: "CAPTURES", Subject: "captures.inbound", Durable: "captureflow", AckWait: time.Minute}, nil)
	require.NoError(t, err)

	sc := b.StreamConfig()
	assert.Equal(t, natsjs.WorkQueuePolicy, sc.Retention)
	assert.Equal(t, []string{"captures.inbound"}, sc.Subjects)

	cc := b.ConsumerConfig()
	assert.Equal(t, natsjs.AckExplicitPolicy, cc.AckPolicy)
	assert.Equal(t, 1, cc.MaxAckPending)
	assert.Equal(t, time.Minute, cc.AckWait)
	assert.Equal(t, "captureflow", cc.Durable)
}

func TestConnect_Unreachable(t *testing.T) {
	b, err := New(newClient(t, "nats://127.0.0.1:1"),
		Config{Stream: "CAPTURES", Subject: "captures.inbound", Durable: "captureflow"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, b.Connect(ctx))

	_, err = b.Next(ctx)
	assert.ErrorIs(t, err, queue.ErrConnectionLost)
}

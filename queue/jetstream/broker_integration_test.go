//go:build integration

package jetstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/captureflow/natsclient"
)

func TestIntegration_ConsumeRedeliverTerm(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream(), natsclient.WithFastStartup())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := New(tc.Client, Config{
		Stream:    "CAPTURES",
		Subject:   "captures.inbound",
		Durable:   "captureflow",
		FetchWait: 500 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.Connect(ctx), "declaration is idempotent")

	require.NoError(t, b.Publish(ctx, "srv1", []byte(`{"id":"srv1","payload":"aGk="}`)))
	require.NoError(t, b.Publish(ctx, "srv1", []byte(`{"id":"srv1","payload":"aGk="}`)), "duplicate id")
	require.NoError(t, b.Publish(ctx, "srv2", []byte(`{"id":"srv2","payload":"aGk="}`)))

	d, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv1", d.MessageID())
	assert.Equal(t, 1, d.DeliveryCount())
	require.NoError(t, d.InProgress())
	require.NoError(t, d.Nack(true))

	d, err = b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv1", d.MessageID())
	assert.Equal(t, 2, d.DeliveryCount())
	require.NoError(t, d.Nack(false))

	d, err = b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv2", d.MessageID())
	require.NoError(t, d.Ack())

	idle, cancelIdle := context.WithTimeout(ctx, time.Second)
	defer cancelIdle()
	_, err = b.Next(idle)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

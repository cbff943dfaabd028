package queue

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/captureflow/errors"
	"github.com/c360/captureflow/health"
	"github.com/c360/captureflow/metric"
	"github.com/c360/captureflow/pkg/retry"
)

func envelope(t *testing.T, id string) []byte {
	t.Helper()
	body, err := EncodeEnvelope(id, []byte("capture"), "gzip")
	require.NoError(t, err)
	return body
}

func testConfig() ConsumerConfig {
	return ConsumerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		Reconnect: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

// runUntil runs the consumer until cond holds, then cancels it
func runUntil(t *testing.T, c *Consumer, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
		return nil
	}
}

func TestConsumer_Dispositions(t *testing.T) {
	tests := []struct {
		disposition Disposition
		acked       bool
		nacked      bool
		requeued    bool
	}{
		{Ack, true, false, false},
		{NackRequeue, false, true, true},
		{NackDrop, false, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.disposition), func(t *testing.T) {
			d := &fakeDelivery{body: envelope(t, "srv1"), deliveries: 1}
			broker := newFakeBroker(d)
			handler := newScriptedHandler(tt.disposition)
			c := NewConsumer(broker, EnvelopeSource{DefaultCompression: "gzip"}, handler, testConfig())

			err := runUntil(t, c, func() bool {
				acked, nacked, _, _ := d.state()
				return acked || nacked
			})
			require.NoError(t, err)

			acked, nacked, requeued, _ := d.state()
			assert.Equal(t, tt.acked, acked)
			assert.Equal(t, tt.nacked, nacked)
			assert.Equal(t, tt.requeued, requeued)

			h := <-handler.seen
			assert.Equal(t, "srv1", h.msg.ID)
			assert.Equal(t, "gzip", h.msg.Compression)
			assert.Equal(t, 1, h.deliveries)
			assert.False(t, h.msg.ReceivedAt.IsZero())
		})
	}
}

func TestConsumer_HaltStops(t *testing.T) {
	first := &fakeDelivery{body: envelope(t, "a"), deliveries: 1}
	second := &fakeDelivery{body: envelope(t, "b"), deliveries: 1}
	broker := newFakeBroker(first, second)
	monitor := health.NewMonitor()
	c := NewConsumer(broker, EnvelopeSource{}, newScriptedHandler(Halt), testConfig(), WithHealthMonitor(monitor))

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrHalted)

	_, nacked, requeued, _ := first.state()
	assert.True(t, nacked)
	assert.True(t, requeued)

	acked, nacked, _, _ := second.state()
	assert.False(t, acked || nacked, "nothing consumed after halt")

	status, ok := monitor.Get("consumer")
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())
}

func TestConsumer_RejectsBadEnvelope(t *testing.T) {
	d := &fakeDelivery{body: []byte("{not json"), id: "amqp-7", deliveries: 2}
	handler := newScriptedHandler(Ack)
	c := NewConsumer(newFakeBroker(d), EnvelopeSource{}, handler, testConfig())

	require.NoError(t, runUntil(t, c, func() bool {
		_, nacked, _, _ := d.state()
		return nacked
	}))

	h := <-handler.seen
	assert.Equal(t, "amqp-7", h.msg.ID)
	assert.Equal(t, 2, h.deliveries)
	kind, _ := errors.KindOf(h.rejectErr)
	assert.Equal(t, errors.KindDecode, kind)

	_, _, requeued, _ := d.state()
	assert.False(t, requeued)
}

func TestConsumer_Heartbeats(t *testing.T) {
	d := &fakeDelivery{body: envelope(t, "slow"), deliveries: 1}
	handler := newScriptedHandler(Ack)
	handler.block = func(context.Context) { time.Sleep(80 * time.Millisecond) }
	c := NewConsumer(newFakeBroker(d), EnvelopeSource{}, handler, testConfig())

	require.NoError(t, runUntil(t, c, func() bool {
		acked, _, _, _ := d.state()
		return acked
	}))

	_, _, _, heartbeats := d.state()
	assert.GreaterOrEqual(t, heartbeats, 2)
}

func TestConsumer_ReconnectsAfterConnectionLoss(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	d := &fakeDelivery{body: envelope(t, "after"), deliveries: 1}
	broker := newFakeBroker(d)
	broker.nextErrs = []error{ErrConnectionLost}
	broker.connectErrs = []error{nil, stderrors.New("dial refused")}

	c := NewConsumer(broker, EnvelopeSource{}, newScriptedHandler(Ack), testConfig(),
		WithMetrics(registry.CoreMetrics()))

	require.NoError(t, runUntil(t, c, func() bool {
		acked, _, _, _ := d.state()
		return acked
	}))

	assert.Equal(t, 3, broker.connectCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().BrokerReconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().MessagesReceived.WithLabelValues("fake")))
}

func TestConsumer_ReconnectExhausted(t *testing.T) {
	broker := newFakeBroker()
	broker.connectErrs = []error{
		stderrors.New("refused"), stderrors.New("refused"), stderrors.New("refused"),
	}
	c := NewConsumer(broker, EnvelopeSource{}, newScriptedHandler(Ack), testConfig())

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 3, broker.connectCount())
}

func TestConsumer_CancelWhileIdle(t *testing.T) {
	broker := newFakeBroker()
	c := NewConsumer(broker, EnvelopeSource{}, newScriptedHandler(Ack), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return broker.connectCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-errCh)
}

func TestConsumer_CancelDuringRunRequeues(t *testing.T) {
	d := &fakeDelivery{body: envelope(t, "inflight"), deliveries: 1}
	started := make(chan struct{})
	handler := &cancelAwareHandler{started: started}
	c := NewConsumer(newFakeBroker(d), EnvelopeSource{}, handler, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-errCh)

	_, nacked, requeued, _ := d.state()
	assert.True(t, nacked)
	assert.True(t, requeued)
}

type cancelAwareHandler struct {
	started chan struct{}
}

func (h *cancelAwareHandler) Handle(ctx context.Context, _ InboundMessage, _ int) Disposition {
	close(h.started)
	<-ctx.Done()
	return NackRequeue
}

func (h *cancelAwareHandler) Reject(context.Context, string, int, error) Disposition {
	return NackDrop
}

func TestConsumer_RunTwice(t *testing.T) {
	broker := newFakeBroker()
	c := NewConsumer(broker, EnvelopeSource{}, newScriptedHandler(Ack), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return broker.connectCount() == 1 }, time.Second, time.Millisecond)

	err := c.Run(ctx)
	assert.True(t, errors.IsInvalid(err))

	cancel()
	assert.NoError(t, <-errCh)
}

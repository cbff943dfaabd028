package queue

import (
	"context"
	"sync"
)

type fakeDelivery struct {
	body       []byte
	id         string
	deliveries int

	mu         sync.Mutex
	acked      bool
	nacked     bool
	requeued   bool
	heartbeats int
}

func (d *fakeDelivery) Body() []byte       { return d.body }
func (d *fakeDelivery) MessageID() string  { return d.id }
func (d *fakeDelivery) DeliveryCount() int { return d.deliveries }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeued = requeue
	return nil
}

func (d *fakeDelivery) InProgress() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heartbeats++
	return nil
}

func (d *fakeDelivery) state() (acked, nacked, requeued bool, heartbeats int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked, d.requeued, d.heartbeats
}

// fakeBroker serves queued deliveries, then blocks until ctx ends.
// Each entry in connectErrs is returned by one Connect call.
type fakeBroker struct {
	mu          sync.Mutex
	deliveries  chan Delivery
	nextErrs    []error
	connectErrs []error
	connects    int
	published   map[string][]byte
}

func newFakeBroker(ds ...Delivery) *fakeBroker {
	b := &fakeBroker{deliveries: make(chan Delivery, len(ds)+1), published: map[string][]byte{}}
	for _, d := range ds {
		b.deliveries <- d
	}
	return b
}

func (b *fakeBroker) Name() string { return "fake" }

func (b *fakeBroker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		return err
	}
	return nil
}

func (b *fakeBroker) Next(ctx context.Context) (Delivery, error) {
	b.mu.Lock()
	if len(b.nextErrs) > 0 {
		err := b.nextErrs[0]
		b.nextErrs = b.nextErrs[1:]
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Unlock()

	select {
	case d := <-b.deliveries:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *fakeBroker) Publish(_ context.Context, id string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[id] = body
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

type handled struct {
	msg        InboundMessage
	deliveries int
	rejectErr  error
}

// scriptedHandler returns a fixed disposition and records what it saw
type scriptedHandler struct {
	disposition Disposition
	block       func(ctx context.Context)
	seen        chan handled
}

func newScriptedHandler(d Disposition) *scriptedHandler {
	return &scriptedHandler{disposition: d, seen: make(chan handled, 16)}
}

func (h *scriptedHandler) Handle(ctx context.Context, msg InboundMessage, deliveries int) Disposition {
	if h.block != nil {
		h.block(ctx)
	}
	h.seen <- handled{msg: msg, deliveries: deliveries}
	return h.disposition
}

func (h *scriptedHandler) Reject(_ context.Context, id string, deliveries int, err error) Disposition {
	h.seen <- handled{msg: InboundMessage{ID: id}, deliveries: deliveries, rejectErr: err}
	return NackDrop
}

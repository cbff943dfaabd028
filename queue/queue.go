// Package queue drains a durable broker one delivery at a time and hands
// each message to a Handler that decides its fate.
//
// Only the Consumer acknowledges. Handlers return a Disposition and never
// touch the delivery.
package queue

import (
	"context"
	stderrors "errors"
	"time"
)

// InboundMessage is one decoded delivery. It is immutable once built.
type InboundMessage struct {
	ID          string
	Payload     []byte
	Compression string
	ReceivedAt  time.Time
}

// Disposition is what the consumer does with a delivery once its run retires
type Disposition string

// Dispositions
const (
	Ack         Disposition = "ack"
	NackRequeue Disposition = "nack_requeue"
	NackDrop    Disposition = "nack_drop"
	// Halt requeues the delivery and stops consuming.
	Halt Disposition = "halt"
)

// Handler processes messages. deliveries is 1 on first delivery.
type Handler interface {
	Handle(ctx context.Context, msg InboundMessage, deliveries int) Disposition
	// Reject is called for deliveries whose body could not be turned into
	// an InboundMessage.
	Reject(ctx context.Context, id string, deliveries int, err error) Disposition
}

// Delivery is one unacknowledged broker message
type Delivery interface {
	Body() []byte
	// MessageID is the broker-level message id, or empty.
	MessageID() string
	// DeliveryCount is 1 on first delivery. Brokers that cannot count report
	// 1 for a first delivery and 2 for any redelivery.
	DeliveryCount() int
	Ack() error
	Nack(requeue bool) error
	// InProgress tells the broker the message is still being worked on.
	InProgress() error
}

// Broker is a durable queue with manual acknowledgement and prefetch 1
type Broker interface {
	// Connect dials and declares the queue. It may be called again after a
	// connection loss.
	Connect(ctx context.Context) error
	// Next blocks until a delivery arrives, ctx ends or the connection drops.
	Next(ctx context.Context) (Delivery, error)
	// Publish sends a persistent message.
	Publish(ctx context.Context, id string, body []byte) error
	Close() error
	Name() string
}

// ErrConnectionLost is returned by Next and Connect when the broker link is gone
var ErrConnectionLost = stderrors.New("broker connection lost")

// ErrHalted is returned by Consumer.Run after a Halt disposition
var ErrHalted = stderrors.New("consumer halted")

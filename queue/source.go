package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/captureflow/codec"
	"github.com/c360/captureflow/errors"
)

// Payload source names
const (
	SourceEnvelope = "envelope"
	SourceRaw      = "raw"
)

// Envelope is the JSON message body of the envelope source
type Envelope struct {
	ID          string `json:"id"`
	Payload     string `json:"payload"`
	Compression string `json:"compression,omitempty"`
}

// PayloadSource turns a delivery body into an InboundMessage
type PayloadSource interface {
	Message(d Delivery, receivedAt time.Time) (InboundMessage, error)
	Name() string
}

// NewPayloadSource returns the named source. compression is the default for
// envelopes that do not name one.
func NewPayloadSource(name, compression string) (PayloadSource, error) {
	switch name {
	case SourceEnvelope, "":
		if compression == "" {
			compression = codec.Gzip
		}
		return EnvelopeSource{DefaultCompression: compression}, nil
	case SourceRaw:
		return RawSource{}, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown payload source %q", name),
			"queue", "NewPayloadSource", "select payload source")
	}
}

// EnvelopeSource reads {"id","payload","compression"} JSON bodies
type EnvelopeSource struct {
	DefaultCompression string
}

// Name implements PayloadSource
func (EnvelopeSource) Name() string { return SourceEnvelope }

// Message implements PayloadSource. The payload is left encoded; the
// pipeline decodes it.
func (s EnvelopeSource) Message(d Delivery, receivedAt time.Time) (InboundMessage, error) {
	var env Envelope
	if err := json.Unmarshal(d.Body(), &env); err != nil {
		return InboundMessage{}, errors.NewPipeline(errors.KindDecode, "queue.Envelope",
			fmt.Errorf("parse envelope: %w", err))
	}
	if strings.TrimSpace(env.ID) == "" {
		return InboundMessage{}, errors.NewPipeline(errors.KindDecode, "queue.Envelope",
			fmt.Errorf("envelope has no id"))
	}
	if env.Payload == "" {
		return InboundMessage{}, errors.NewPipeline(errors.KindDecode, "queue.Envelope",
			fmt.Errorf("envelope %s has no payload", env.ID))
	}

	compression := env.Compression
	if compression == "" {
		compression = s.DefaultCompression
	}
	return InboundMessage{
		ID:          env.ID,
		Payload:     []byte(env.Payload),
		Compression: compression,
		ReceivedAt:  receivedAt,
	}, nil
}

// RawSource treats the body as the capture itself. The id is the broker
// message id, or a generated UUID when the broker has none.
type RawSource struct{}

// Name implements PayloadSource
func (RawSource) Name() string { return SourceRaw }

// Message implements PayloadSource
func (RawSource) Message(d Delivery, receivedAt time.Time) (InboundMessage, error) {
	id := d.MessageID()
	if id == "" {
		id = uuid.NewString()
	}
	if len(d.Body()) == 0 {
		return InboundMessage{}, errors.NewPipeline(errors.KindDecode, "queue.Raw",
			fmt.Errorf("message %s has an empty body", id))
	}
	return InboundMessage{
		ID:          id,
		Payload:     d.Body(),
		Compression: codec.Raw,
		ReceivedAt:  receivedAt,
	}, nil
}

// EncodeEnvelope builds an envelope body for raw capture bytes
func EncodeEnvelope(id string, capture []byte, compression string) ([]byte, error) {
	text, err := codec.Encode(capture, compression)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{ID: id, Payload: string(text), Compression: compression})
}

package api

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Meta describes how an envelope was enqueued. It is present only for
// lease/retry-capable transports.
type Meta struct {
	QueueType    QueueType `json:"queueType"`
	QueueURL     string    `json:"queueUrl"`
	EnqueueUUID  string    `json:"enqueueUuid"`
	RequeueDepth int       `json:"requeueDepth"`
}

// NewMeta returns fresh delivery metadata for a first dispatch to queueURL.
func NewMeta(queueURL string) *Meta {
	return &Meta{
		QueueType:    QueueTypeSQS,
		QueueURL:     queueURL,
		EnqueueUUID:  uuid.NewString(),
		RequeueDepth: 0,
	}
}

// Requeued returns a copy of m for a re-delivery of the same envelope.
func (m Meta) Requeued() *Meta {
	m.RequeueDepth++
	return &m
}

// Envelope is the message body carried across the transport boundary.
// A single delivery carries exactly one envelope.
type Envelope[P Payload] struct {
	Task *Task[P] `json:"task"`
	Meta *Meta    `json:"meta,omitempty"`
}

// EncodeEnvelope serializes env to its JSON wire form.
func EncodeEnvelope[P Payload](env Envelope[P]) ([]byte, error) {
	if env.Task == nil {
		return nil, ErrEnvelopeMissingTask
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a message body. Bodies without a task are rejected.
func DecodeEnvelope[P Payload](body []byte) (*Envelope[P], error) {
	var env Envelope[P]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrInvariantViolation, err)
	}
	if env.Task == nil {
		return nil, ErrEnvelopeMissingTask
	}
	return &env, nil
}

// DecodeSingleEnvelope parses the only body of a delivery. Deliveries with
// zero or several records are rejected.
func DecodeSingleEnvelope[P Payload](bodies [][]byte) (*Envelope[P], error) {
	switch len(bodies) {
	case 0:
		return nil, ErrNoRecords
	case 1:
		return DecodeEnvelope[P](bodies[0])
	default:
		return nil, fmt.Errorf("%w: got %d", ErrMultipleRecords, len(bodies))
	}
}

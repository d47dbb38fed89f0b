package api

import "context"

// QueueType discriminates the supported queue contracts.
type QueueType string

const (
	// QueueTypeSQS is the lease/retry-capable contract: messages carry an
	// envelope with delivery metadata and can be sent with a delay.
	QueueTypeSQS QueueType = "SQS"
	// QueueTypeAny is the generic contract: the task is pushed as is.
	QueueTypeAny QueueType = "ANY"
)

// SendMessageInput is a single message to send to a destination.
type SendMessageInput struct {
	QueueURL     string
	MessageBody  string
	DelaySeconds int32
}

// MessageSender sends messages to a lease/retry-capable transport.
type MessageSender interface {
	SendMessage(ctx context.Context, in SendMessageInput) error
}

// DestinationFunc resolves the queue URL to send to.
type DestinationFunc func(ctx context.Context) (string, error)

// StaticDestination returns a DestinationFunc that always resolves to url.
func StaticDestination(url string) DestinationFunc {
	return func(context.Context) (string, error) {
		return url, nil
	}
}

// PushFunc pushes a task onto a generic queue.
type PushFunc[P Payload] func(ctx context.Context, task Task[P]) error

// Queue describes where enqueued tasks are dispatched to.
//
// Type selects the contract. QueueTypeSQS uses API and URL; QueueTypeAny
// uses Push. An empty Type with Push set is treated as QueueTypeAny.
type Queue[P Payload] struct {
	Type QueueType
	API  MessageSender
	URL  DestinationFunc
	Push PushFunc[P]
}

// SQSQueue returns a lease/retry-capable Queue.
func SQSQueue[P Payload](api MessageSender, url DestinationFunc) Queue[P] {
	return Queue[P]{Type: QueueTypeSQS, API: api, URL: url}
}

// PushQueue returns a generic Queue backed by push.
func PushQueue[P Payload](push PushFunc[P]) Queue[P] {
	return Queue[P]{Type: QueueTypeAny, Push: push}
}

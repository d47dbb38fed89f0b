// Package sqsevent adapts an asynctask executor to AWS Lambda SQS triggers.
//
// The event source mapping must use a batch size of one: every invocation
// carries exactly one envelope. Errors returned from the handler make Lambda
// retry the delivery, so invalid requests, which would fail the same way
// again, are logged and swallowed.
package sqsevent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/petrijr/asynctask/pkg/api"
	"github.com/petrijr/asynctask/pkg/worker"
)

// ExtractEnvelope decodes the single envelope carried by event.
func ExtractEnvelope[P api.Payload](event events.SQSEvent) (*api.Envelope[P], error) {
	bodies := make([][]byte, 0, len(event.Records))
	for _, r := range event.Records {
		bodies = append(bodies, []byte(r.Body))
	}
	return api.DecodeSingleEnvelope[P](bodies)
}

// HandlerOption configures Handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger swallowed errors are reported to.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) HandlerOption {
	return func(c *handlerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Handler returns a Lambda handler that executes the envelope in each event.
//
// Invalid requests are swallowed. Contention, invariant violations and
// execution failures are returned so the platform redelivers the message
// or moves it to the queue's dead-letter target.
func Handler[P api.Payload, R any](exec worker.Executor[P, R], opts ...HandlerOption) func(ctx context.Context, event events.SQSEvent) error {
	cfg := handlerConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(ctx context.Context, event events.SQSEvent) error {
		env, err := ExtractEnvelope[P](event)
		if err != nil {
			return err
		}

		_, err = exec.Execute(ctx, *env.Task, env.Meta)
		if errors.Is(err, api.ErrInvalidRequest) {
			cfg.logger.WarnContext(ctx, "invalid_request_swallowed",
				slog.String("task", env.Task.UniqueKey().String()),
				slog.Any("error", err),
			)
			return nil
		}
		return err
	}
}

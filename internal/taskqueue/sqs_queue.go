package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/iancoleman/strcase"

	"github.com/petrijr/asynctask/pkg/api"
)

const (
	// sqsMaxDelaySeconds is the largest DelaySeconds SQS accepts.
	sqsMaxDelaySeconds = 900
	// sqsMaxVisibilitySeconds is the largest visibility timeout SQS accepts.
	sqsMaxVisibilitySeconds = 43200
	sqsWaitTimeSeconds      = 20
)

// SQSAPI is the subset of *sqs.Client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueue is a Queue backed by Amazon SQS. Dead-lettering is left to the
// queue's redrive policy, so SQSQueue does not implement DeadLetterer.
//
// Unlike the other queues, SendMessage routes by QueueURL: any queue in the
// account can be sent to, which is how envelopes are re-sent to the URL
// recorded in their delivery metadata.
type SQSQueue struct {
	client SQSAPI
	url    string
	opts   options
}

// NewSQSQueue returns a queue receiving from url.
func NewSQSQueue(client SQSAPI, url string, opts ...Option) (*SQSQueue, error) {
	if client == nil {
		return nil, errors.New("taskqueue: nil SQS client")
	}
	if url == "" {
		return nil, errors.New("taskqueue: SQS queue URL required")
	}
	return &SQSQueue{client: client, url: url, opts: buildOptions(opts)}, nil
}

// Ensure SQSQueue implements Queue.
var _ Queue = (*SQSQueue)(nil)

func (q *SQSQueue) URL() string { return q.url }

// SendMessage sends in to in.QueueURL, or to this queue when it is empty.
// DelaySeconds is clamped to what SQS accepts.
func (q *SQSQueue) SendMessage(ctx context.Context, in api.SendMessageInput) error {
	if in.MessageBody == "" {
		return ErrEmptyBody
	}
	url := in.QueueURL
	if url == "" {
		url = q.url
	}
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(in.MessageBody),
		DelaySeconds: min(max(in.DelaySeconds, 0), sqsMaxDelaySeconds),
	})
	if err != nil {
		return fmt.Errorf("sqs send to %s: %w", url, err)
	}
	return nil
}

// Receive long-polls until a message arrives or ctx is done.
func (q *SQSQueue) Receive(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.url),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     sqsWaitTimeSeconds,
			VisibilityTimeout:   visibilitySeconds(q.opts.visibility),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
				types.MessageSystemAttributeNameSentTimestamp,
			},
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("sqs receive from %s: %w", q.url, err)
		}
		if len(out.Messages) == 0 {
			continue
		}
		return fromSQSMessage(out.Messages[0]), nil
	}
}

func fromSQSMessage(m types.Message) *Message {
	msg := &Message{
		ID:      aws.ToString(m.MessageId),
		Body:    aws.ToString(m.Body),
		Receipt: aws.ToString(m.ReceiptHandle),
	}
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		msg.ReceiveCount = n
	}
	if ms, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		msg.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return msg
}

func (q *SQSQueue) Ack(ctx context.Context, msg *Message) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	return err
}

// Nack shortens the message's visibility timeout to delay.
func (q *SQSQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	if err := requireReceipt(msg); err != nil {
		return err
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(msg.Receipt),
		VisibilityTimeout: visibilitySeconds(delay),
	})
	return err
}

// Len returns SQS's approximate count of visible and in-flight messages.
func (q *SQSQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		log.Printf("SQSQueue: Len failed: %v", err)
		return 0
	}
	total := 0
	for _, name := range []types.QueueAttributeName{
		types.QueueAttributeNameApproximateNumberOfMessages,
		types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
	} {
		n, _ := strconv.Atoi(out.Attributes[string(name)])
		total += n
	}
	return total
}

// visibilitySeconds rounds d up to whole seconds within SQS limits.
func visibilitySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	s := math.Ceil(d.Seconds())
	if s > sqsMaxVisibilitySeconds {
		return sqsMaxVisibilitySeconds
	}
	return int32(s)
}

// QueueURLConfig names the deployment a task queue belongs to.
type QueueURLConfig struct {
	// Region defaults to us-east-1.
	Region    string
	AccountID string
	Project   string
	// Env is the environment access level, e.g. prod, dev or test.
	Env string
}

// QueueURLForTask returns the conventional SQS queue URL for a task type:
//
//	https://sqs.<region>.amazonaws.com/<account>/<project>-<env>-<kebab(name)>-llq
func QueueURLForTask(name string, cfg QueueURLConfig) string {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s-%s-%s-llq",
		region, cfg.AccountID, cfg.Project, cfg.Env, strcase.ToKebab(strings.TrimSpace(name)))
}

package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Handler receives every valid trigger of one receive batch at once. One
// processor run serves the whole batch.
type Handler func(ctx context.Context, triggers []ProcessTrigger) error

func (c *Consumer) Poll(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sqs receive message failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		c.handleBatch(ctx, out.Messages, handler)
	}
}

func (c *Consumer) handleBatch(ctx context.Context, msgs []types.Message, handler Handler) {
	if len(msgs) == 0 {
		return
	}

	var triggers []ProcessTrigger
	var valid []types.Message
	for _, m := range msgs {
		var t ProcessTrigger
		if m.Body == nil || json.Unmarshal([]byte(*m.Body), &t) != nil {
			// bad payload => delete to avoid endless redrive
			c.delete(ctx, m)
			continue
		}
		triggers = append(triggers, t)
		valid = append(valid, m)
	}
	if len(triggers) == 0 {
		return
	}

	if err := handler(ctx, triggers); err != nil {
		// not deleted => redelivered after the visibility timeout
		slog.Error("sqs handler error", "err", err, "messages", len(valid))
		return
	}
	for _, m := range valid {
		c.delete(ctx, m)
	}
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	if _, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Warn("sqs delete message failed", "err", err)
	}
}

package sqsqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of *sqs.Client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// ProcessTrigger asks a worker to drain pending events. It carries no event data;
// the database is the source of truth.
type ProcessTrigger struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

const (
	triggerGroupID = "process-pending"
	// Triggers published within one window share a FIFO dedup id.
	dedupWindow = 5 * time.Second
)

type Producer struct {
	SQS      API
	QueueURL string
	Now      func() time.Time
}

func (p *Producer) TriggerProcessing(ctx context.Context, reason string) error {
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now()
	}
	body, err := json.Marshal(ProcessTrigger{Reason: reason, RequestedAt: now})
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		in.MessageGroupId = str(triggerGroupID)
		in.MessageDeduplicationId = str(dedupID(reason, now))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func dedupID(reason string, now time.Time) string {
	return reason + ":" + strconv.FormatInt(now.Truncate(dedupWindow).Unix(), 10)
}

func isFIFO(queueURL string) bool { return strings.HasSuffix(queueURL, ".fifo") }

func str(s string) *string { return &s }

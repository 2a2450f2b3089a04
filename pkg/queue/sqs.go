package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
)

// SQSAPI is the subset of the SQS client the broker needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// SQS is the production broker over an SQS FIFO queue. The ordering key
// maps to the message group id, which gives per-key FIFO; the redrive
// policy on the queue supplies the dead-letter path.
type SQS struct {
	client       SQSAPI
	queueURL     string
	receiveBatch int32
	waitSeconds  int32
}

// NewSQS wires a broker onto an existing queue URL. receiveBatch is
// capped at the SQS maximum of 10.
func NewSQS(client SQSAPI, queueURL string, receiveBatch int) *SQS {
	if receiveBatch < 1 || receiveBatch > 10 {
		receiveBatch = 10
	}
	return &SQS{
		client:       client,
		queueURL:     queueURL,
		receiveBatch: int32(receiveBatch),
		waitSeconds:  20, // long-poll maximum
	}
}

// Name returns the queue name portion of the URL.
func (q *SQS) Name() string {
	parts := strings.Split(q.queueURL, "/")
	return parts[len(parts)-1]
}

func (q *SQS) Send(ctx context.Context, key, body string) error {
	sum := sha256.Sum256([]byte(key + "\x00" + body))
	_, err := q.client.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:               aws.String(q.queueURL),
		MessageBody:            aws.String(body),
		MessageGroupId:         aws.String(key),
		MessageDeduplicationId: aws.String(hex.EncodeToString(sum[:])),
	})
	if err != nil {
		return fmt.Errorf("sending to %s: %w", q.Name(), errs.ClassifyAWS(err))
	}
	return nil
}

func (q *SQS) Receive(ctx context.Context, max int) ([]Message, error) {
	batch := q.receiveBatch
	if max > 0 && int32(max) < batch {
		batch = int32(max)
	}
	out, err := q.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: batch,
		WaitTimeSeconds:     q.waitSeconds,
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeName("ApproximateReceiveCount"),
			types.QueueAttributeName("MessageGroupId"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receiving from %s: %w", q.Name(), errs.ClassifyAWS(err))
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries, _ := strconv.Atoi(m.Attributes["ApproximateReceiveCount"])
		msgs = append(msgs, Message{
			ID:         aws.ToString(m.MessageId),
			Key:        m.Attributes["MessageGroupId"],
			Body:       aws.ToString(m.Body),
			Receipt:    aws.ToString(m.ReceiptHandle),
			Deliveries: deliveries,
		})
	}
	return msgs, nil
}

func (q *SQS) Delete(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", q.Name(), errs.ClassifyAWS(err))
	}
	return nil
}

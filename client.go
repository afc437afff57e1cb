package sqsrun

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/google/uuid"
)

const (
	// the SQS protocol caps a delete batch at 10 entries
	maxBatchEntries = 10
	// the SQS protocol caps a visibility timeout at 12 hours
	maxVisibilitySeconds = 43200
)

// QueueAPI is the subset of the SQS API the runtime depends on. *sqs.SQS
// satisfies it, and sqstesting.StubQueue provides an in-memory double so
// consumers can be exercised without an emulator.
type QueueAPI interface {
	ReceiveMessage(*sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(*sqs.DeleteMessageBatchInput) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibility(*sqs.ChangeMessageVisibilityInput) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(*sqs.SendMessageInput) (*sqs.SendMessageOutput, error)
	GetQueueUrl(*sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error)
}

// queueClient binds a QueueAPI to a single queue URL and carries the
// receive, batched delete and visibility operations the polling loop uses
type queueClient struct {
	api      QueueAPI
	queueURL string
	logger   Logger
}

// receive long-polls the queue for up to max messages, blocking at most
// waitSeconds. Received messages stay hidden from other consumers for
// visibilitySeconds. An empty result is not an error
func (q *queueClient) receive(max, waitSeconds, visibilitySeconds int64) ([]*sqs.Message, error) {
	out, err := q.api.ReceiveMessage(&sqs.ReceiveMessageInput{
		QueueUrl:              &q.queueURL,
		MaxNumberOfMessages:   aws.Int64(max),
		WaitTimeSeconds:       aws.Int64(waitSeconds),
		VisibilityTimeout:     aws.Int64(visibilitySeconds),
		AttributeNames:        aws.StringSlice([]string{sqs.QueueAttributeNameAll}),
		MessageAttributeNames: aws.StringSlice([]string{"All"}),
	})
	if err != nil {
		return nil, ErrReceive.Context(err)
	}

	return out.Messages, nil
}

// deleteBatch removes every message in ms from the queue, splitting the set
// into protocol-sized chunks. Deletion is best effort: request errors and
// per-entry failures are logged, never propagated, because an undeleted
// message simply redelivers
func (q *queueClient) deleteBatch(ms []*message) {
	for start := 0; start < len(ms); start += maxBatchEntries {
		end := start + maxBatchEntries
		if end > len(ms) {
			end = len(ms)
		}

		chunk := ms[start:end]
		entries := make([]*sqs.DeleteMessageBatchRequestEntry, 0, len(chunk))
		for _, m := range chunk {
			entries = append(entries, &sqs.DeleteMessageBatchRequestEntry{
				Id:            aws.String(uuid.NewString()),
				ReceiptHandle: m.ReceiptHandle,
			})
		}

		out, err := q.api.DeleteMessageBatch(&sqs.DeleteMessageBatchInput{
			QueueUrl: &q.queueURL,
			Entries:  entries,
		})
		if err != nil {
			q.logger.Println(ErrDeleteBatch.Context(err).Error())
			continue
		}

		for _, f := range out.Failed {
			q.logger.Printf("%s: entry %s failed with code %s", ErrDeleteBatch.Error(), aws.StringValue(f.Id), aws.StringValue(f.Code))
		}
	}
}

// changeVisibility resets the visibility timeout of a single message,
// clamped to the protocol range. A failure is logged; the queue's own
// visibility timeout then governs redelivery pacing
func (q *queueClient) changeVisibility(m *message, seconds int64) {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxVisibilitySeconds {
		seconds = maxVisibilitySeconds
	}

	_, err := q.api.ChangeMessageVisibility(&sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &q.queueURL,
		ReceiptHandle:     m.ReceiptHandle,
		VisibilityTimeout: aws.Int64(seconds),
	})
	if err != nil {
		q.logger.Println(ErrChangeVisibility.Context(err).Error())
	}
}

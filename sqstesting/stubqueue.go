package sqstesting

import (
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
)

// StubQueue is an in-memory double for the sqsrun.QueueAPI interface.
// Receive batches are scripted with AddBatch and handed out one batch per
// ReceiveMessage call; deletes, visibility changes and sends are recorded
// for assertions. All methods are safe for concurrent use, so a running
// consumer can poll it directly.
type StubQueue struct {
	// QueueURL is handed back by GetQueueUrl regardless of queue name
	QueueURL string

	mu            sync.Mutex
	batches       [][]*sqs.Message
	receiveErrs   []error
	deleteBatches [][]*sqs.DeleteMessageBatchRequestEntry
	visibility    []*sqs.ChangeMessageVisibilityInput
	sent          []*sqs.SendMessageInput
}

// NewStubQueue provides a stub queue ready to be injected through
// sqsrun.NewConsumerWithQueue
func NewStubQueue() *StubQueue {
	return &StubQueue{QueueURL: "http://localhost:4100/queue/test"}
}

// AddBatch scripts one receive batch. Each ReceiveMessage call consumes one
// scripted batch; once the script is exhausted receives come back empty
func (q *StubQueue) AddBatch(msgs ...*sqs.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.batches = append(q.batches, msgs)
}

// FailNextReceive scripts a transport error for the next ReceiveMessage call
func (q *StubQueue) FailNextReceive(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.receiveErrs = append(q.receiveErrs, err)
}

// ReceiveMessage satisfies QueueAPI
func (q *StubQueue) ReceiveMessage(_ *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.receiveErrs) > 0 {
		err := q.receiveErrs[0]
		q.receiveErrs = q.receiveErrs[1:]
		return nil, err
	}

	if len(q.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}

	batch := q.batches[0]
	q.batches = q.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

// DeleteMessageBatch satisfies QueueAPI, recording the entries and
// reporting every one of them successful
func (q *StubQueue) DeleteMessageBatch(in *sqs.DeleteMessageBatchInput) (*sqs.DeleteMessageBatchOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleteBatches = append(q.deleteBatches, in.Entries)

	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range in.Entries {
		out.Successful = append(out.Successful, &sqs.DeleteMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

// ChangeMessageVisibility satisfies QueueAPI, recording the call
func (q *StubQueue) ChangeMessageVisibility(in *sqs.ChangeMessageVisibilityInput) (*sqs.ChangeMessageVisibilityOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.visibility = append(q.visibility, in)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

// SendMessage satisfies QueueAPI, recording the call
func (q *StubQueue) SendMessage(in *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sent = append(q.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

// GetQueueUrl satisfies QueueAPI
func (q *StubQueue) GetQueueUrl(_ *sqs.GetQueueUrlInput) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(q.QueueURL)}, nil
}

// DeleteCalls returns how many DeleteMessageBatch requests were issued
func (q *StubQueue) DeleteCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.deleteBatches)
}

// DeletedReceipts returns the receipt handles of every deleted entry, in
// request order
func (q *StubQueue) DeletedReceipts() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var receipts []string
	for _, batch := range q.deleteBatches {
		for _, e := range batch {
			receipts = append(receipts, aws.StringValue(e.ReceiptHandle))
		}
	}
	return receipts
}

// DeleteBatchSizes returns the entry count of each delete request issued
func (q *StubQueue) DeleteBatchSizes() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	sizes := make([]int, 0, len(q.deleteBatches))
	for _, batch := range q.deleteBatches {
		sizes = append(sizes, len(batch))
	}
	return sizes
}

// VisibilityChanges returns every recorded ChangeMessageVisibility input
func (q *StubQueue) VisibilityChanges() []*sqs.ChangeMessageVisibilityInput {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]*sqs.ChangeMessageVisibilityInput(nil), q.visibility...)
}

// Sent returns every recorded SendMessage input
func (q *StubQueue) Sent() []*sqs.SendMessageInput {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]*sqs.SendMessageInput(nil), q.sent...)
}

// NewSQSMessage builds a raw SQS message with the given id, body and
// receive count for scripting StubQueue batches. A zero receiveCount omits
// the attribute the way a first delivery without attributes would
func NewSQSMessage(id, body string, receiveCount int) *sqs.Message {
	m := &sqs.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("receipt-" + id),
		Body:          aws.String(body),
	}

	if receiveCount > 0 {
		m.Attributes = map[string]*string{
			sqs.MessageSystemAttributeNameApproximateReceiveCount: aws.String(strconv.Itoa(receiveCount)),
		}
	}
	return m
}

// NewRoutedSQSMessage is NewSQSMessage with a route message attribute set
func NewRoutedSQSMessage(id, route, body string, receiveCount int) *sqs.Message {
	m := NewSQSMessage(id, body, receiveCount)
	m.MessageAttributes = map[string]*sqs.MessageAttributeValue{
		"route": {DataType: aws.String("String"), StringValue: aws.String(route)},
	}
	return m
}

package sqstesting

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/fieldline/sqsrun"
)

// StubMessage provides a stub framework for handler unit tests
type StubMessage struct {
	body []byte
	// Endpoint is handed back by Route
	Endpoint string
	// MessageID is handed back by ID
	MessageID string
	// Meta is handed back by Metadata
	Meta sqsrun.Metadata
	// Err records the last handler error when the stub is used manually
	Err error
}

// NewStubMessage returns an encoded stubmessage that is ready to emulate the sqs messenger
func NewStubMessage(t *testing.T, in interface{}) *StubMessage {
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("error while marshalling data %v", err)
	}

	return &StubMessage{body: data}
}

// NewStubModified returns an encoded stubmessage that is ready to emulate the sqs messenger for modification messages
func NewStubModified(t *testing.T, in interface{}, changes interface{}) *StubMessage {
	payload := struct {
		Body    interface{}
		Changes interface{}
	}{
		Body:    in,
		Changes: changes,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("error while marshalling data %v", err)
	}

	return &StubMessage{body: data}
}

// ID returns the configured message id
func (sm *StubMessage) ID() string {
	return sm.MessageID
}

// Body returns the encoded payload
func (sm *StubMessage) Body() []byte {
	return sm.body
}

// Route returns the target endpoint of the message
func (sm *StubMessage) Route() string {
	return sm.Endpoint
}

// Metadata returns the configured delivery metadata
func (sm *StubMessage) Metadata() sqsrun.Metadata {
	return sm.Meta
}

// Decode decodes the message into the provided interface
func (sm *StubMessage) Decode(out interface{}) error {
	return json.Unmarshal(sm.body, &out)
}

// DecodeModified decodes the message into a provided interface along with changed values
func (sm *StubMessage) DecodeModified(body interface{}, changes interface{}) error {
	s := struct {
		Body    interface{}
		Changes interface{}
	}{
		Body:    body,
		Changes: changes,
	}
	return sm.Decode(&s)
}

// Attribute returns a fake attribute
func (sm *StubMessage) Attribute(key string) string {
	return ""
}

// SentMessage records one message captured by a stub consumer or publisher
type SentMessage struct {
	QueueName string
	Event     string
	Body      interface{}
}

// StubConsumer provides a stub framework for consumer unit tests
//
// Direct Messages to SQS will go into the DirectMessages slice, which
// defines the queueName and the event. If a message is being sent to
// itself, then the queue name will be "self"
type StubConsumer struct {
	DirectMessages []SentMessage
	EventList      []string
}

// NewStubConsumer provides a stub consumer to place into the handler or context
func NewStubConsumer() *StubConsumer {
	return &StubConsumer{
		DirectMessages: make([]SentMessage, 0),
		EventList:      make([]string, 0),
	}
}

// Start satisfies the Consumer interface
func (c *StubConsumer) Start() {}

// Stop satisfies the Consumer interface
func (c *StubConsumer) Stop() {}

// RegisterHandler satisfies the Consumer interface
func (c *StubConsumer) RegisterHandler(name string, h sqsrun.Handler, a ...sqsrun.Adapter) {}

// MessageSelf saves the message into the local slice with the queue name listed as "self"
// satisfies the Consumer interface
func (c *StubConsumer) MessageSelf(ctx context.Context, event string, body interface{}) {
	sm := SentMessage{
		QueueName: "self",
		Event:     event,
		Body:      body,
	}
	c.DirectMessages = append(c.DirectMessages, sm)
	c.EventList = append(c.EventList, sm.Event)
}

// Message saves the message into the local slice and satisfies the Consumer interface
func (c *StubConsumer) Message(ctx context.Context, queue, event string, body interface{}) {
	sm := SentMessage{
		QueueName: queue,
		Event:     event,
		Body:      body,
	}
	c.DirectMessages = append(c.DirectMessages, sm)
	c.EventList = append(c.EventList, sm.Event)
}

// StubPublisher provides a stub framework for service unit tests
//
// Notifier events go into the DispatcherMessages slice; direct messages go
// into DirectMessages with the queueName and the event
type StubPublisher struct {
	DirectMessages     []SentMessage
	DispatcherMessages []SentMessage
	EventList          []string
}

// NewStubDispatcher provides a stub publisher to place into the handler or context
func NewStubDispatcher() *StubPublisher {
	return &StubPublisher{
		DispatcherMessages: make([]SentMessage, 0),
		EventList:          make([]string, 0),
		DirectMessages:     make([]SentMessage, 0),
	}
}

// Create saves the message in the dispatcher slice and satisfies the Publisher interface
func (c *StubPublisher) Create(n sqsrun.Notifier) {
	c.record(n, fmt.Sprintf("%s_%s", n.ModelName(), "created"))
}

// Delete saves the message in the dispatcher slice and satisfies the Publisher interface
func (c *StubPublisher) Delete(n sqsrun.Notifier) {
	c.record(n, fmt.Sprintf("%s_%s", n.ModelName(), "deleted"))
}

// Update saves the message in the dispatcher slice and satisfies the Publisher interface
func (c *StubPublisher) Update(n sqsrun.Notifier) {
	c.record(n, fmt.Sprintf("%s_%s", n.ModelName(), "updated"))
}

// Modify saves the message in the dispatcher slice and satisfies the Publisher interface
func (c *StubPublisher) Modify(n sqsrun.Notifier, changes interface{}) {
	c.record(n, fmt.Sprintf("%s_%s", n.ModelName(), "modified"))
}

// Dispatch saves the message in the dispatcher slice and satisfies the Publisher interface
func (c *StubPublisher) Dispatch(n sqsrun.Notifier, event string) {
	c.record(n, fmt.Sprintf("%s_%s", n.ModelName(), event))
}

func (c *StubPublisher) record(n sqsrun.Notifier, event string) {
	sm := SentMessage{
		Event: event,
		Body:  n,
	}
	c.DispatcherMessages = append(c.DispatcherMessages, sm)
	c.EventList = append(c.EventList, sm.Event)
}

// Message saves the message into the local slice and satisfies the Publisher interface
func (c *StubPublisher) Message(queue, event string, body interface{}) {
	sm := SentMessage{
		QueueName: queue,
		Event:     event,
		Body:      body,
	}
	c.DirectMessages = append(c.DirectMessages, sm)
	c.EventList = append(c.EventList, sm.Event)
}

package sqsrun

import (
	"encoding/json"
	"strconv"

	"github.com/aws/aws-sdk-go/service/sqs"
)

// Metadata describes a single delivery of a message
type Metadata struct {
	// RetryCount is the queue's ApproximateReceiveCount for this delivery,
	// 0 when the attribute is absent
	RetryCount int
	// IsLastAttempt is true when a MaxReceiveCount is configured and this
	// delivery has reached it. Handlers can use it to divert a message to
	// secondary storage before the queue's redrive policy drops it
	IsLastAttempt bool
}

// Message serves as the message interface for handling the message
type Message interface {
	// ID returns the queue-assigned message identifier
	ID() string
	// Body returns the raw message payload. The runtime never parses it
	Body() []byte
	// Route returns the event name that is used for routing within a worker, e.g. post_published
	Route() string
	// Metadata returns the delivery metadata derived at receive time
	Metadata() Metadata
	// Decode will unmarshal the message into a supplied output using json
	Decode(out interface{}) error
	// DecodeModified is used for decoding the modification message, it will populate the body with the actual message and a
	// map[string]interface{} to view original values from that message
	DecodeModified(out interface{}, changes interface{}) error
	// Attribute will return the custom attribute that was sent through out the request.
	Attribute(key string) string
}

// message wraps sqs.Message together with the metadata computed for this delivery
type message struct {
	*sqs.Message
	meta Metadata
}

func newMessage(m *sqs.Message, maxReceiveCount int) *message {
	var count int
	if v, ok := m.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]; ok && v != nil {
		if n, err := strconv.Atoi(*v); err == nil {
			count = n
		}
	}

	return &message{m, Metadata{
		RetryCount:    count,
		IsLastAttempt: maxReceiveCount > 0 && count >= maxReceiveCount,
	}}
}

// ID returns the queue-assigned message identifier
func (m *message) ID() string {
	if m.MessageId == nil {
		return ""
	}
	return *m.MessageId
}

// Body returns the raw payload bytes
func (m *message) Body() []byte {
	if m.Message.Body == nil {
		return nil
	}
	return []byte(*m.Message.Body)
}

// Metadata returns the delivery metadata derived at receive time
func (m *message) Metadata() Metadata {
	return m.meta
}

// Route returns the event name that is used for routing within a worker.
// Messages published without a route attribute land on the empty route,
// which allows running a queue without routing
func (m *message) Route() string {
	if m.MessageAttributes == nil {
		return ""
	}
	attr, ok := m.MessageAttributes["route"]
	if !ok || attr.StringValue == nil {
		return ""
	}
	return *attr.StringValue
}

// Decode will unmarshal the message into a supplied output using json
func (m *message) Decode(out interface{}) error {
	return json.Unmarshal(m.Body(), &out)
}

// DecodeModified is used for decoding the modification message, it will populate the body with the actual message and a
// map[string]interface{} to view original values from that message
func (m *message) DecodeModified(body, changes interface{}) error {
	s := struct {
		Body    interface{}
		Changes interface{}
	}{
		Body:    body,
		Changes: changes,
	}

	return m.Decode(&s)
}

// Attribute will return the attribute that was sent with the request.
func (m *message) Attribute(key string) string {
	if m.MessageAttributes == nil {
		return ""
	}
	attr, ok := m.MessageAttributes[key]
	if !ok || attr.StringValue == nil {
		return ""
	}

	return *attr.StringValue
}

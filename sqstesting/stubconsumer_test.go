package sqstesting

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/sqsrun"
)

type testPayload struct {
	Val string `json:"val"`
}

func (testPayload) ModelName() string { return "payload" }

func TestStubMessageDecode(t *testing.T) {
	sm := NewStubMessage(t, testPayload{Val: "hello"})
	sm.Endpoint = "payload_created"
	sm.MessageID = "msg-1"
	sm.Meta = sqsrun.Metadata{RetryCount: 2, IsLastAttempt: false}

	var out testPayload
	require.NoError(t, sm.Decode(&out))
	assert.Equal(t, "hello", out.Val)

	assert.Equal(t, "payload_created", sm.Route())
	assert.Equal(t, "msg-1", sm.ID())
	assert.Equal(t, 2, sm.Metadata().RetryCount)
	assert.NotEmpty(t, sm.Body())
}

func TestStubModifiedDecode(t *testing.T) {
	changes := map[string]interface{}{"val": "old"}
	sm := NewStubModified(t, testPayload{Val: "new"}, changes)

	var body testPayload
	var got map[string]interface{}
	require.NoError(t, sm.DecodeModified(&body, &got))

	assert.Equal(t, "new", body.Val)
	assert.Equal(t, "old", got["val"])
}

func TestStubConsumerRecordsMessages(t *testing.T) {
	c := NewStubConsumer()

	c.MessageSelf(context.Background(), "payload_created", testPayload{Val: "a"})
	c.Message(context.Background(), "other-worker", "payload_updated", testPayload{Val: "b"})

	require.Len(t, c.DirectMessages, 2)
	assert.Equal(t, "self", c.DirectMessages[0].QueueName)
	assert.Equal(t, "other-worker", c.DirectMessages[1].QueueName)
	assert.Equal(t, []string{"payload_created", "payload_updated"}, c.EventList)
}

func TestStubPublisherRecordsEvents(t *testing.T) {
	p := NewStubDispatcher()
	n := testPayload{Val: "a"}

	p.Create(n)
	p.Delete(n)
	p.Update(n)
	p.Modify(n, map[string]string{"val": "old"})
	p.Dispatch(n, "published")
	p.Message("post-worker", "payload_viewed", n)

	assert.Equal(t, []string{
		"payload_created",
		"payload_deleted",
		"payload_updated",
		"payload_modified",
		"payload_published",
		"payload_viewed",
	}, p.EventList)
	require.Len(t, p.DispatcherMessages, 5)
	require.Len(t, p.DirectMessages, 1)
}

func TestStubQueueScript(t *testing.T) {
	q := NewStubQueue()
	q.AddBatch(NewSQSMessage("a", "{}", 1), NewSQSMessage("b", "{}", 2))

	out, err := q.ReceiveMessage(nil)
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "a", aws.StringValue(out.Messages[0].MessageId))

	// the script is exhausted, further receives are empty
	out, err = q.ReceiveMessage(nil)
	require.NoError(t, err)
	assert.Empty(t, out.Messages)
}

func TestStubQueueImplementsQueueAPI(t *testing.T) {
	var _ sqsrun.QueueAPI = NewStubQueue()
}

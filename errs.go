package sqsrun

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger provides a simple interface to implement your own logging platform or use the default
type Logger interface {
	Println(v ...interface{})
	Printf(format string, v ...interface{})
}

// defaultLogger writes through logrus
type defaultLogger struct {
	log *logrus.Logger
}

func newDefaultLogger() *defaultLogger {
	return &defaultLogger{log: logrus.New()}
}

func (dl *defaultLogger) Println(v ...interface{}) {
	dl.log.Println(v...)
}

func (dl *defaultLogger) Printf(format string, v ...interface{}) {
	dl.log.Printf(format, v...)
}

// SQSError defines the error handler for the sqsrun package. SQSError satisfies the error interface and can be
// used safely with other error handlers
type SQSError struct {
	Err string `json:"err"`
	// contextErr passes the actual error as part of the error message
	contextErr error
}

// Error is used for implementing the error interface, and for creating
// a proper error string
func (e *SQSError) Error() string {
	if e.contextErr != nil {
		return fmt.Sprintf("%s: %s", e.Err, e.contextErr.Error())
	}

	return e.Err
}

// Context is used for creating a new instance of the error with the contextual error attached
func (e *SQSError) Context(err error) *SQSError {
	ctxErr := new(SQSError)
	*ctxErr = *e
	ctxErr.contextErr = err

	return ctxErr
}

// Unwrap exposes the contextual error to errors.Is and errors.As
func (e *SQSError) Unwrap() error {
	return e.contextErr
}

// Is matches a contextualized error against its package-level sentinel
func (e *SQSError) Is(target error) bool {
	t, ok := target.(*SQSError)
	return ok && t.Err == e.Err
}

// newSQSErr creates a new SQS Error
func newSQSErr(msg string) *SQSError {
	e := new(SQSError)
	e.Err = msg
	return e
}

// ErrInvalidCreds invalid credentials
var ErrInvalidCreds = newSQSErr("invalid aws credentials")

// ErrInvalidConfig the consumer or aggregator configuration failed validation and the runtime refuses to start
var ErrInvalidConfig = newSQSErr("invalid configuration")

// ErrQueueURL undefined queueURL
var ErrQueueURL = newSQSErr("undefined queueURL")

// ErrReceive fires when a request to retrieve messages from sqs fails
var ErrReceive = newSQSErr("unable to receive messages")

// ErrDeleteBatch fires when a batched delete request fails in whole or in part
var ErrDeleteBatch = newSQSErr("unable to delete message batch")

// ErrChangeVisibility fires when a visibility timeout reset fails for a single message
var ErrChangeVisibility = newSQSErr("unable to change message visibility")

// ErrIdempotencyStore fires when the idempotency store cannot be read or written
var ErrIdempotencyStore = newSQSErr("idempotency store failure")

// ErrBackoffStore fires when the backoff store cannot be read or written
var ErrBackoffStore = newSQSErr("backoff store failure")

// ErrNoHandler message received with a route no handler was registered for
var ErrNoHandler = newSQSErr("no handler registered for route")

// ErrUndefinedPublisher no publisher was found in the context
var ErrUndefinedPublisher = newSQSErr("sqs publisher is undefined")

// ErrMarshal unable to marshal request
var ErrMarshal = newSQSErr("unable to marshal request")

// ErrPublish If there is an error publishing a message. sqsrun will wait and try again a fixed number of times
var ErrPublish = newSQSErr("message publish failure. Retrying...")

// ErrBodyOverflow AWS SQS can only hold payloads of 262144 bytes. Messages must either be routed to s3 or truncated
var ErrBodyOverflow = newSQSErr("message surpasses sqs limit of 262144, please truncate body")

// ErrAggregatorStopped a write was attempted after Stop completed the final flush
var ErrAggregatorStopped = newSQSErr("aggregator is stopped")

// ErrFlush the aggregator flush callback returned an error; the buffered keys were returned to the active buffer
var ErrFlush = newSQSErr("aggregator flush failed")

package sqsrun

import "errors"

// Result classifies the terminal outcome of one message delivery. The
// runtime produces exactly one Result per dispatched message.
type Result int

const (
	// ResultSuccess deletes the message from the queue and records it in
	// the idempotency store.
	ResultSuccess Result = iota
	// ResultRetry leaves the message undeleted so the queue redelivers it
	// once the visibility timeout and any backoff window have elapsed.
	ResultRetry
	// ResultFailure deletes the message and keeps the idempotency mark so
	// redeliveries of the same id are suppressed.
	ResultFailure
)

// String implements fmt.Stringer for log output
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetry:
		return "retry"
	default:
		return "failure"
	}
}

// RetryableError signals a transient fault. The message is not deleted and
// a failure is recorded in the backoff store.
type RetryableError struct {
	Reason string
}

func (e *RetryableError) Error() string {
	if e.Reason == "" {
		return "transient processing failure"
	}
	return e.Reason
}

// PermanentError signals a fault that no retry can resolve, such as a
// malformed payload. The message is deleted without reprocessing.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	if e.Reason == "" {
		return "permanent processing failure"
	}
	return e.Reason
}

// Retry builds the handler return value for a transient fault
func Retry(reason string) error {
	return &RetryableError{Reason: reason}
}

// Permanent builds the handler return value for an unrecoverable fault
func Permanent(reason string) error {
	return &PermanentError{Reason: reason}
}

// classify maps a handler return value onto the outcome vocabulary. nil is
// success and a PermanentError anywhere in the chain is failure. Everything
// else, including errors the runtime does not recognize, is retry.
func classify(err error) Result {
	if err == nil {
		return ResultSuccess
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return ResultFailure
	}

	return ResultRetry
}

package sqsrun

import (
	"context"
)

const (
	dispatcherKey = contextKey("dispatcher")
)

type contextKey string

// Handler processes one delivery of a message. Returning nil classifies the
// delivery as success, a PermanentError as failure, and any other error as
// retry. Delivery details such as the retry count and the last-attempt flag
// are available through m.Metadata()
type Handler func(ctx context.Context, m Message) error

// Adapter implements adapters in the context
type Adapter func(Handler) Handler

// WithRecovery is an adapter that defers the supplied recovery function around the handler. The adapter
// itself neither recovers nor logs; the supplied function has to call recover and log the panic
func WithRecovery(recovery func()) Adapter {
	return func(fn Handler) Handler {
		return func(ctx context.Context, m Message) error {
			defer recovery()

			return fn(ctx, m)
		}
	}
}

// WithMiddleware add middleware to the consumer service
func WithMiddleware(f func(ctx context.Context, m Message) error) Adapter {
	return func(fn Handler) Handler {
		return func(ctx context.Context, m Message) error {
			f(ctx, m)

			return fn(ctx, m)
		}
	}
}

// WithDispatcher sets an adapter to support sending async messages
func WithDispatcher(ctx context.Context, pub Publisher) context.Context {
	return context.WithValue(ctx, dispatcherKey, pub)
}

// Dispatcher retrieves the sqs dispatcher from the context for sending messages
func Dispatcher(ctx context.Context) (Publisher, error) {
	if p, ok := ctx.Value(dispatcherKey).(Publisher); ok {
		return p, nil
	}

	return nil, ErrUndefinedPublisher
}

// MustDispatcher retrieves the sqs dispatcher from the context for sending messages or panics if
// the Dispatcher does not exist in the context
func MustDispatcher(ctx context.Context) Publisher {
	if p, ok := ctx.Value(dispatcherKey).(Publisher); ok {
		return p
	}

	panic(ErrUndefinedPublisher.Error())
}

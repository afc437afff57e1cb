package sqsrun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/service/sqs"
)

// consumer lifecycle states
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
)

// Consumer pulls messages from an SQS queue, dispatches them to registered
// handlers and applies the per-message lifecycle contracts: duplicate
// suppression through the idempotency store, cool-down gating through the
// backoff store, and batched deletion of terminal messages.
type Consumer interface {
	// Start spawns the polling loop and returns immediately. Starting a
	// running consumer is a no-op
	Start()
	// Stop asks the polling loop to exit and blocks until the in-flight
	// batch has been classified and its delete attempted. Messages received
	// during the transition are either classified or left undeleted, in
	// which case the queue redelivers them
	Stop()
	// RegisterHandler registers an event listener and an associated handler. If the event matches, the handler will
	// be run along with any included middleware
	RegisterHandler(name string, h Handler, adapters ...Adapter)
	// Message serves as the direct messaging capability within the consumer. A worker can send direct messages to other workers
	Message(ctx context.Context, queue, event string, body interface{})
	// MessageSelf serves as the self messaging capability within the consumer, a worker can send messages to itself for continued
	// processing and resiliency
	MessageSelf(ctx context.Context, event string, body interface{})
}

// disposition is the bucket a processed message falls into
type disposition int

const (
	// dispositionSkip leaves the message untouched; the queue will
	// redeliver it once its visibility timeout lapses
	dispositionSkip disposition = iota
	dispositionSuccess
	dispositionRetry
	dispositionFailure
)

// consumer is the runtime behind the Consumer interface
type consumer struct {
	client   *queueClient
	handlers map[string]Handler
	env      string

	maxMessages       int64
	waitSeconds       int64
	visibilityTimeout int64
	maxReceiveCount   int
	pollInterval      time.Duration
	parallel          bool

	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	backoff        BackoffStore
	baseDelay      time.Duration
	strategy       RetryStrategy
	markEarly      bool

	attributes []customAttribute
	logger     Logger

	lcMu  sync.Mutex
	state int32
	stop  chan struct{}
	done  chan struct{}
}

// NewConsumer creates a new SQS instance and provides a configured consumer for
// receiving and sending messages. The queue URL is resolved from the
// environment and queue name when not set explicitly
func NewConsumer(c Config, queueName string) (Consumer, error) {
	sessionProvider := newSession
	if c.SessionProvider != nil {
		sessionProvider = c.SessionProvider
	}

	sess, err := sessionProvider(c)
	if err != nil {
		return nil, err
	}

	return newConsumer(c, sqs.New(sess), queueName)
}

// NewConsumerWithQueue builds a consumer around an injected QueueAPI. It is
// the constructor tests and emulator-free environments use; Config.QueueURL
// must be set since there is no session to resolve it with
func NewConsumerWithQueue(c Config, q QueueAPI) (Consumer, error) {
	if c.QueueURL == "" {
		return nil, ErrQueueURL
	}

	return newConsumer(c, q, "")
}

func newConsumer(c Config, api QueueAPI, queueName string) (*consumer, error) {
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	queueURL := c.QueueURL
	// custom QueueURLs can be provided for testing and mocking purposes
	if queueURL == "" {
		name := fmt.Sprintf("%s-%s", c.Env, queueName)
		o, err := api.GetQueueUrl(&sqs.GetQueueUrlInput{QueueName: &name})
		if err != nil {
			return nil, ErrQueueURL.Context(err)
		}
		queueURL = *o.QueueUrl
	}

	return &consumer{
		client: &queueClient{
			api:      api,
			queueURL: queueURL,
			logger:   c.Logger,
		},
		handlers:          make(map[string]Handler),
		env:               c.Env,
		maxMessages:       int64(c.MaxNumberOfMessages),
		waitSeconds:       int64(*c.WaitTimeSeconds),
		visibilityTimeout: int64(*c.VisibilityTimeout),
		maxReceiveCount:   c.MaxReceiveCount,
		pollInterval:      c.PollInterval,
		parallel:          c.ProcessInParallel,
		idempotency:       c.Idempotency,
		idempotencyTTL:    c.IdempotencyTTL,
		backoff:           c.Backoff,
		baseDelay:         c.BackoffBaseDelayUnit.duration(c.BackoffBaseDelay),
		strategy:          c.RetryStrategy,
		markEarly:         c.MarkBeforeProcessing,
		attributes:        c.Attributes,
		logger:            c.Logger,
	}, nil
}

// RegisterHandler registers an event listener and an associated handler. If the event matches, the handler will
// be run along with any included middleware
func (c *consumer) RegisterHandler(name string, h Handler, adapters ...Adapter) {
	for i := len(adapters) - 1; i >= 0; i-- {
		h = adapters[i](h)
	}

	c.handlers[name] = h
}

// Start spawns the polling loop
func (c *consumer) Start() {
	c.lcMu.Lock()
	defer c.lcMu.Unlock()

	if !atomic.CompareAndSwapInt32(&c.state, stateIdle, stateRunning) {
		c.logger.Println("consumer already running, ignoring start")
		return
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.poll()
}

// Stop flips the running flag and waits for the polling loop to drain
func (c *consumer) Stop() {
	c.lcMu.Lock()
	if !atomic.CompareAndSwapInt32(&c.state, stateRunning, stateStopping) {
		c.lcMu.Unlock()
		return
	}
	stop, done := c.stop, c.done
	c.lcMu.Unlock()

	close(stop)
	<-done
	atomic.StoreInt32(&c.state, stateIdle)
}

// poll is the consumer's single logical task. It long-polls the queue,
// hands full batches to the batch pipeline and recovers every transport
// error locally: a receive failure is never fatal
func (c *consumer) poll() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		msgs, err := c.client.receive(c.maxMessages, c.waitSeconds, c.visibilityTimeout)
		if err != nil {
			c.logger.Println(err.Error())
			if !c.sleep(receiveErrorDelay) {
				return
			}
			continue
		}

		if len(msgs) == 0 {
			if !c.sleep(c.pollInterval) {
				return
			}
			continue
		}

		c.processBatch(msgs)
	}
}

// sleep waits for d, returning false when the consumer is stopped first
func (c *consumer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-c.stop:
		return false
	case <-t.C:
		return true
	}
}

// processBatch runs the per-message pipeline over one received batch and
// issues a single batched delete for the terminal messages. Dispatch is
// sequential in arrival order unless ProcessInParallel is set, in which
// case the bucket collector serializes the outcomes behind a mutex. The
// next receive is not issued until this batch's delete has been attempted
func (c *consumer) processBatch(raw []*sqs.Message) {
	msgs := make([]*message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, newMessage(m, c.maxReceiveCount))
	}

	var mu sync.Mutex
	var successful, retries, failed []*message
	delays := make(map[string]time.Duration)

	record := func(m *message, d disposition, delay time.Duration) {
		mu.Lock()
		defer mu.Unlock()

		switch d {
		case dispositionSuccess:
			successful = append(successful, m)
		case dispositionRetry:
			retries = append(retries, m)
			if delay > 0 {
				delays[m.ID()] = delay
			}
		case dispositionFailure:
			failed = append(failed, m)
		}
	}

	if c.parallel {
		var wg sync.WaitGroup
		for _, m := range msgs {
			wg.Add(1)
			go func(m *message) {
				defer wg.Done()
				d, delay := c.process(m)
				record(m, d, delay)
			}(m)
		}
		wg.Wait()
	} else {
		for _, m := range msgs {
			d, delay := c.process(m)
			record(m, d, delay)
		}
	}

	terminal := make([]*message, 0, len(successful)+len(failed))
	terminal = append(terminal, successful...)
	terminal = append(terminal, failed...)
	if len(terminal) > 0 {
		c.client.deleteBatch(terminal)
	}

	// with a backoff store in play the cool-down is pushed down into the
	// queue itself, so the redelivery lands when the gate reopens instead
	// of spinning against it
	if c.backoff != nil {
		for _, m := range retries {
			if delay, ok := delays[m.ID()]; ok {
				c.client.changeVisibility(m, int64(delay/time.Second))
			}
		}
	}
}

// process runs the pipeline for a single delivery and returns its bucket
// together with the backoff delay for retries
func (c *consumer) process(m *message) (disposition, time.Duration) {
	ctx := context.Background()
	id := m.ID()

	if c.backoff != nil {
		ok, err := c.backoff.CanProcess(ctx, id)
		if err != nil {
			c.logger.Println(ErrBackoffStore.Context(err).Error())
		} else if !ok {
			// cooling down: no delete, no dispatch. The queue redelivers
			// and the gate is checked again
			return dispositionSkip, 0
		}
	}

	if c.idempotency != nil {
		seen, err := c.idempotency.HasProcessed(ctx, id)
		if err != nil {
			c.logger.Println(ErrIdempotencyStore.Context(err).Error())
		} else if seen {
			// duplicate delivery: delete it without invoking the handler
			return dispositionSuccess, 0
		}

		if c.markEarly {
			if err := c.idempotency.MarkProcessed(ctx, id, c.idempotencyTTL); err != nil {
				c.logger.Println(ErrIdempotencyStore.Context(err).Error())
			}
		}
	}

	h, ok := c.handlers[m.Route()]
	if !ok {
		// nothing will ever consume this route; treat it as a permanent
		// failure so the message does not redeliver forever
		c.logger.Println(ErrNoHandler.Error(), m.Route())
		return c.fail(ctx, id)
	}

	err := c.dispatch(h, m)
	switch classify(err) {
	case ResultSuccess:
		return c.succeed(ctx, id)
	case ResultFailure:
		c.logger.Printf("message %s failed permanently: %v", id, err)
		return c.fail(ctx, id)
	default:
		c.logger.Printf("message %s will be retried: %v", id, err)
		return c.retry(ctx, id)
	}
}

// dispatch invokes the handler exactly once for this delivery, converting a
// panic into an error so it classifies as retry
func (c *consumer) dispatch(h Handler, m *message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(context.Background(), m)
}

// succeed records the terminal success: remember the id, forget its failures
func (c *consumer) succeed(ctx context.Context, id string) (disposition, time.Duration) {
	if c.idempotency != nil {
		if err := c.idempotency.MarkProcessed(ctx, id, c.idempotencyTTL); err != nil {
			c.logger.Println(ErrIdempotencyStore.Context(err).Error())
		}
	}
	if c.backoff != nil {
		if err := c.backoff.Clear(ctx, id); err != nil {
			c.logger.Println(ErrBackoffStore.Context(err).Error())
		}
	}

	return dispositionSuccess, 0
}

// retry rolls back an early idempotency mark and opens the cool-down window
func (c *consumer) retry(ctx context.Context, id string) (disposition, time.Duration) {
	if c.idempotency != nil && c.markEarly {
		if err := c.idempotency.Remove(ctx, id); err != nil {
			c.logger.Println(ErrIdempotencyStore.Context(err).Error())
		}
	}

	var delay time.Duration
	if c.backoff != nil {
		next, err := c.backoff.RecordFailure(ctx, id, c.baseDelay, c.strategy)
		if err != nil {
			c.logger.Println(ErrBackoffStore.Context(err).Error())
		} else {
			delay = time.Until(next)
		}
	}

	return dispositionRetry, delay
}

// fail keeps (or sets) the idempotency mark so redeliveries of a poisoned
// message are suppressed, then hands it to the delete batch
func (c *consumer) fail(ctx context.Context, id string) (disposition, time.Duration) {
	if c.idempotency != nil {
		if err := c.idempotency.MarkProcessed(ctx, id, c.idempotencyTTL); err != nil {
			c.logger.Println(ErrIdempotencyStore.Context(err).Error())
		}
	}

	return dispositionFailure, 0
}

// MessageSelf serves as the self messaging capability within the consumer, a worker can send messages to itself for continued
// processing and resiliency
func (c *consumer) MessageSelf(ctx context.Context, event string, body interface{}) {
	o, err := json.Marshal(body)
	if err != nil {
		c.logger.Println(ErrMarshal.Context(err).Error(), event)
		return
	}

	out := string(o)
	input := &sqs.SendMessageInput{
		MessageBody:       &out,
		MessageAttributes: defaultSQSAttributes(event, c.attributes...),
		QueueUrl:          &c.client.queueURL,
	}

	go c.sendDirectMessage(input, event)
}

// Message serves as the direct messaging capability within the consumer. A worker can send direct messages to other workers
func (c *consumer) Message(ctx context.Context, queue, event string, body interface{}) {
	name := fmt.Sprintf("%s-%s", c.env, queue)

	queueResp, err := c.client.api.GetQueueUrl(&sqs.GetQueueUrlInput{QueueName: &name})
	if err != nil {
		c.logger.Printf("%s, queue: %s", ErrQueueURL.Context(err).Error(), name)
		return
	}

	o, err := json.Marshal(body)
	if err != nil {
		c.logger.Println(ErrMarshal.Context(err).Error(), event)
		return
	}

	out := string(o)
	input := &sqs.SendMessageInput{
		MessageBody:       &out,
		MessageAttributes: defaultSQSAttributes(event, c.attributes...),
		QueueUrl:          queueResp.QueueUrl,
	}

	go c.sendDirectMessage(input, event)
}

// sendDirectMessage is a helper that should be run concurrently since it will block the calling goroutine if there is a connection issue
func (c *consumer) sendDirectMessage(input *sqs.SendMessageInput, event string, retryCount ...int) {
	var count int
	if len(retryCount) != 0 {
		count = retryCount[0]
	}

	if count > publishRetryLimit {
		return
	}

	if _, err := c.client.api.SendMessage(input); err != nil {
		c.logger.Printf("%s, event: %s, retrying in %s", ErrPublish.Context(err).Error(), event, publishRetryDelay)
		time.Sleep(publishRetryDelay)
		c.sendDirectMessage(input, event, count+1)
	}
}

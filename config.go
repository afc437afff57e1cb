package sqsrun

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
)

type SessionProviderFunc func(c Config) (*session.Session, error)

const (
	defaultMaxNumberOfMessages = 10
	defaultWaitTimeSeconds     = 20
	defaultVisibilityTimeout   = 30
	defaultPollInterval        = time.Second
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultBackoffBaseDelay    = 5

	// receiveErrorDelay is how long the polling loop pauses after a
	// transport error before trying again
	receiveErrorDelay = 5 * time.Second
)

// Config defines the sqsrun configuration
type Config struct {
	// a way to provide custom session setup. A default based on key/secret will be used if not provided
	SessionProvider SessionProviderFunc
	// private key to access aws
	Key string
	// secret to access aws
	Secret string
	// region for aws and used for determining the topic ARN
	Region string
	// provided automatically by aws, but must be set for emulators or local testing
	Hostname string
	// account ID of the aws account, used for determining the topic ARN
	AWSAccountID string
	// environment name, used for determining the topic ARN and queue names
	Env string
	// prefix of the topic, this is set as a prefix to the environment
	TopicPrefix string
	// optional address of the topic, if this is not provided it will be created using other variables
	TopicARN string
	// optional address of queue, if this is not provided it will be retrieved during setup
	QueueURL string

	// MaxNumberOfMessages caps how many messages one receive call returns, between 1 and 10
	MaxNumberOfMessages int
	// WaitTimeSeconds is the long-poll window in seconds, between 0 and 20. Defaults to 20
	WaitTimeSeconds *int
	// VisibilityTimeout hides a received message from other consumers for this many seconds. Defaults to 30
	VisibilityTimeout *int
	// MaxReceiveCount mirrors the queue's redrive threshold and is used only to
	// compute Metadata.IsLastAttempt. Zero disables the flag
	MaxReceiveCount int
	// PollInterval is the idle sleep between empty receives. Defaults to 1s
	PollInterval time.Duration
	// ProcessInParallel dispatches every message of a received batch concurrently.
	// The default processes sequentially in arrival order, which protects handlers
	// that are not safe for concurrent use
	ProcessInParallel bool

	// Idempotency suppresses redeliveries of already-processed message ids.
	// When nil no deduplication is performed
	Idempotency IdempotencyStore
	// IdempotencyTTL bounds how long a processed mark is remembered. Defaults to 24h
	IdempotencyTTL time.Duration
	// Backoff gates redeliveries of failed messages behind a cool-down window.
	// When nil backoff is not consulted and visibility timeouts are never reset
	Backoff BackoffStore
	// BackoffBaseDelay is the first cool-down, expressed in BackoffBaseDelayUnit. Defaults to 5
	BackoffBaseDelay float64
	// BackoffBaseDelayUnit is one of ms, sec, min, hour. Defaults to sec
	BackoffBaseDelayUnit DelayUnit
	// RetryStrategy selects fixed or exponential cool-down growth. Defaults to exponential
	RetryStrategy RetryStrategy
	// MarkBeforeProcessing marks the message id processed before the handler runs,
	// forming a deduplication barrier against concurrent deliveries of the same id
	// across replicas. The mark is removed again on any non-terminal outcome.
	// The default marks only after the handler succeeds
	MarkBeforeProcessing bool

	// used to determine how many attempts exponential backoff should use before logging an error
	RetryCount int

	// Add custom attributes to the message. This might be a correlationId or client meta information
	// custom attributes will be viewable on the sqs dashboard as meta data
	Attributes []customAttribute

	// Add a custom logger, the default writes through logrus
	Logger Logger
}

// applyDefaults fills the zero values the constructors rely on
func (c *Config) applyDefaults() {
	if c.MaxNumberOfMessages == 0 {
		c.MaxNumberOfMessages = defaultMaxNumberOfMessages
	}
	if c.WaitTimeSeconds == nil {
		w := defaultWaitTimeSeconds
		c.WaitTimeSeconds = &w
	}
	if c.VisibilityTimeout == nil {
		v := defaultVisibilityTimeout
		c.VisibilityTimeout = &v
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = defaultIdempotencyTTL
	}
	if c.BackoffBaseDelay == 0 {
		c.BackoffBaseDelay = defaultBackoffBaseDelay
	}
	if c.BackoffBaseDelayUnit == "" {
		c.BackoffBaseDelayUnit = UnitSecond
	}
	if c.RetryStrategy == "" {
		c.RetryStrategy = StrategyExponential
	}
	if c.Logger == nil {
		c.Logger = newDefaultLogger()
	}
}

// validate rejects out-of-range settings. Validation failures are fatal at
// startup; the constructors refuse to build a consumer from a bad Config
func (c *Config) validate() error {
	if c.MaxNumberOfMessages < 1 || c.MaxNumberOfMessages > 10 {
		return ErrInvalidConfig.Context(fmt.Errorf("maxNumberOfMessages must be within [1,10], got %d", c.MaxNumberOfMessages))
	}
	if *c.WaitTimeSeconds < 0 || *c.WaitTimeSeconds > 20 {
		return ErrInvalidConfig.Context(fmt.Errorf("waitTimeSeconds must be within [0,20], got %d", *c.WaitTimeSeconds))
	}
	if *c.VisibilityTimeout < 0 {
		return ErrInvalidConfig.Context(fmt.Errorf("visibilityTimeout must not be negative, got %d", *c.VisibilityTimeout))
	}
	if c.MaxReceiveCount < 0 {
		return ErrInvalidConfig.Context(fmt.Errorf("maxReceiveCount must not be negative, got %d", c.MaxReceiveCount))
	}
	if c.PollInterval < 0 {
		return ErrInvalidConfig.Context(fmt.Errorf("pollInterval must be positive, got %s", c.PollInterval))
	}
	if c.IdempotencyTTL < 0 {
		return ErrInvalidConfig.Context(fmt.Errorf("idempotencyTTL must be positive, got %s", c.IdempotencyTTL))
	}
	if c.BackoffBaseDelay < 0 {
		return ErrInvalidConfig.Context(fmt.Errorf("backoffBaseDelay must be positive, got %s", strconv.FormatFloat(c.BackoffBaseDelay, 'f', -1, 64)))
	}
	switch c.BackoffBaseDelayUnit {
	case UnitMillisecond, UnitSecond, UnitMinute, UnitHour:
	default:
		return ErrInvalidConfig.Context(fmt.Errorf("unknown backoff delay unit %q", c.BackoffBaseDelayUnit))
	}
	switch c.RetryStrategy {
	case StrategyExponential, StrategyFixed:
	default:
		return ErrInvalidConfig.Context(fmt.Errorf("unknown retry strategy %q", c.RetryStrategy))
	}
	if c.QueueURL != "" {
		if _, err := url.ParseRequestURI(c.QueueURL); err != nil {
			return ErrInvalidConfig.Context(fmt.Errorf("malformed queue URL %q: %w", c.QueueURL, err))
		}
	}
	return nil
}

// customAttribute add custom attributes to SNS and SQS messages. This can include correlationIds, or any additional information you would like
// separate from the payload body. These attributes can be easily seen from the SQS console.
type customAttribute struct {
	Title string
	// Use sqsrun.DataTypeNumber or sqsrun.DataTypeString
	DataType string
	// Value represents the value
	Value string
}

// NewCustomAttribute adds a custom attribute to SNS and SQS messages. This can include correlationIds, logIds, or any additional information you would like
// separate from the payload body. These attributes can be easily seen from the SQS console.
//
// must use sqsrun.DataTypeNumber or sqsrun.DataTypeString for the datatype, the value must match the type provided
func (c *Config) NewCustomAttribute(dataType dataType, title string, value interface{}) error {
	if dataType == DataTypeNumber {
		val, ok := value.(int)
		if !ok {
			return ErrMarshal
		}

		c.Attributes = append(c.Attributes, customAttribute{title, dataType.String(), strconv.Itoa(val)})
		return nil
	}

	val, ok := value.(string)
	if !ok {
		return ErrMarshal
	}
	c.Attributes = append(c.Attributes, customAttribute{title, dataType.String(), val})
	return nil
}

type dataType string

func (dt dataType) String() string {
	return string(dt)
}

// DataTypeNumber represents the Number datatype, use it when creating custom attributes
const DataTypeNumber = dataType("Number")

// DataTypeString represents the String datatype, use it when creating custom attributes
const DataTypeString = dataType("String")

type retryer struct {
	client.DefaultRetryer
	retryCount int
}

// MaxRetries returns the configured RetryCount, or 10 retries when none is set
func (r retryer) MaxRetries() int {
	if r.retryCount > 0 {
		return r.retryCount
	}

	return 10
}

// newSession creates a new aws session.
// This will be used as the default SessionProvider if one is not set
func newSession(c Config) (*session.Session, error) {
	//sets credentials
	creds := credentials.NewStaticCredentials(c.Key, c.Secret, "")
	_, err := creds.Get()
	if err != nil {
		return nil, ErrInvalidCreds.Context(err)
	}

	r := &retryer{retryCount: c.RetryCount}

	cfg := request.WithRetryer(aws.NewConfig().WithRegion(c.Region).WithCredentials(creds), r)

	//if an optional hostname config is provided, then replace the default one
	//
	// This will set the default AWS URL to a hostname of your choice. Perfect for testing, or mocking functionality
	if c.Hostname != "" {
		cfg.Endpoint = &c.Hostname
	}

	return session.NewSession(cfg)
}

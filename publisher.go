package sqsrun

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
)

const (
	publishRetryLimit = 5
	publishRetryDelay = 10 * time.Second
)

// Notifier used for broadcasting messages
type Notifier interface {
	ModelName() string
}

// Publisher provides an interface for sending messages through AWS SQS and SNS
type Publisher interface {
	// Create sends a message using a notifier, the modelname will be prepended to the static event, e.g card_created
	Create(n Notifier)
	// Delete sends a message using a notifier, the modelname will be prepended to the static event, e.g card_deleted
	Delete(n Notifier)
	// Update sends a message using a notifier, the modelname will be prepended to the static event, e.g card_updated
	Update(n Notifier)
	// Modify sends a message using a notifier, as a map of changes. The modelname will be prepended to the static event, e.g card_modified
	//
	// a special decoder will need to be used to process these events
	Modify(n Notifier, changes interface{})
	// Dispatch sends a message using a notifier, the modelname will be prepended to the provided event, e.g card_published
	Dispatch(n Notifier, event string)
	// Message sends a direct message to an individual queue, the queueName(receiver) must be provided. The event will be sent
	// as is, no prepending will take place. No other queues will receive this message.
	Message(queue, event string, body interface{})
}

type publisher struct {
	sqs *sqs.SQS
	sns *sns.SNS

	arn    string
	env    string
	sqsURL string

	attributes []customAttribute
	logger     Logger
}

// NewPublisher creates a new SQS/SNS publisher instance
func NewPublisher(c Config) (Publisher, error) {
	sessionProvider := newSession
	if c.SessionProvider != nil {
		sessionProvider = c.SessionProvider
	}

	sess, err := sessionProvider(c)
	if err != nil {
		return nil, err
	}

	arn := c.TopicARN
	if arn == "" {
		arn = fmt.Sprintf("arn:aws:sns:%s:%s:%s-%s", c.Region, c.AWSAccountID, c.TopicPrefix, c.Env)
	}

	sqsURL := fmt.Sprintf("%s/", c.Hostname)
	if c.Hostname == "" {
		sqsURL = fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/", c.Region, c.AWSAccountID)
	}

	logger := c.Logger
	if logger == nil {
		logger = newDefaultLogger()
	}

	return &publisher{
		sqs:        sqs.New(sess),
		sns:        sns.New(sess),
		arn:        arn,
		env:        c.Env,
		sqsURL:     sqsURL,
		attributes: c.Attributes,
		logger:     logger,
	}, nil
}

// event builds the routed event name, e.g. post_created
func (p *publisher) event(n Notifier, action string) string {
	return fmt.Sprintf("%s_%s", n.ModelName(), action)
}

// Create sends a message using a notifier, the modelname will be prepended to the static event, e.g card_created
func (p *publisher) Create(n Notifier) {
	go p.send(n, p.event(n, "created"))
}

// Delete sends a message using a notifier, the modelname will be prepended to the static event, e.g card_deleted
func (p *publisher) Delete(n Notifier) {
	go p.send(n, p.event(n, "deleted"))
}

// Update sends a message using a notifier, the modelname will be prepended to the static event, e.g card_updated
func (p *publisher) Update(n Notifier) {
	go p.send(n, p.event(n, "updated"))
}

type modify struct {
	Notifier `json:"body"`
	Changes  interface{} `json:"changes"`
}

// Modify sends a message using a notifier, as a map of changes. The modelname will be prepended to the static event, e.g card_modified
//
// a special decoder will need to be used to process these events
func (p *publisher) Modify(n Notifier, changes interface{}) {
	go p.send(&modify{Notifier: n, Changes: changes}, p.event(n, "modified"))
}

// Dispatch sends a message using a notifier, the modelname will be prepended to the provided event, e.g card_published
func (p *publisher) Dispatch(n Notifier, event string) {
	go p.send(n, p.event(n, event))
}

// Message sends a direct message to an individual queue, the queueName(receiver) must be provided. The event will be sent
// as is, no prepending will take place. No other queues will receive this message.
func (p *publisher) Message(queue, event string, body interface{}) {
	o, err := json.Marshal(body)
	if err != nil {
		p.logger.Println(ErrMarshal.Context(err).Error())
		return
	}

	out := string(o)
	u := p.sqsURL + fmt.Sprintf("%s-%s", p.env, queue)

	input := &sqs.SendMessageInput{
		MessageBody:       &out,
		MessageAttributes: defaultSQSAttributes(event, p.attributes...),
		QueueUrl:          &u,
	}

	go p.sendDirect(input, event)
}

// sendDirect delivers a direct SQS message, leaning on the SDK's own
// retrying first and waiting out a fixed delay between further attempts
func (p *publisher) sendDirect(input *sqs.SendMessageInput, event string) {
	for attempt := 0; attempt <= publishRetryLimit; attempt++ {
		_, err := p.sqs.SendMessage(input)
		if err == nil {
			return
		}

		if strings.Contains(err.Error(), "Message must be shorter") {
			p.logger.Println(ErrBodyOverflow.Context(err).Error())
			return
		}

		p.logger.Printf("%s, event: %s, retrying in %s", ErrPublish.Context(err).Error(), event, publishRetryDelay)
		time.Sleep(publishRetryDelay)
	}
}

// send broadcasts an event through the SNS topic with the same retry
// discipline as direct messages
func (p *publisher) send(body interface{}, event string) {
	o, err := json.Marshal(body)
	if err != nil {
		p.logger.Println(ErrMarshal.Context(err).Error())
		return
	}

	out := string(o)
	input := &sns.PublishInput{
		Message:           &out,
		MessageAttributes: defaultSNSAttributes(event, p.attributes...),
		TopicArn:          &p.arn,
	}

	for attempt := 0; attempt <= publishRetryLimit; attempt++ {
		_, err := p.sns.Publish(input)
		if err == nil {
			return
		}

		if strings.Contains(err.Error(), "Message must be shorter") {
			p.logger.Println(ErrBodyOverflow.Context(err).Error())
			return
		}

		p.logger.Printf("%s, event: %s, retrying in %s", ErrPublish.Context(err).Error(), event, publishRetryDelay)
		time.Sleep(publishRetryDelay)
	}
}

// defaultSNSAttributes provides general SNS attributes that we need for every message
func defaultSNSAttributes(event string, ca ...customAttribute) map[string]*sns.MessageAttributeValue {
	st := "String"
	m := map[string]*sns.MessageAttributeValue{
		"route": {DataType: &st, StringValue: &event},
	}

	for i := range ca {
		m[ca[i].Title] = &sns.MessageAttributeValue{DataType: &ca[i].DataType, StringValue: &ca[i].Value}
	}

	return m
}

// defaultSQSAttributes provides general SQS attributes that we need for every message
func defaultSQSAttributes(event string, ca ...customAttribute) map[string]*sqs.MessageAttributeValue {
	st := "String"
	m := map[string]*sqs.MessageAttributeValue{
		"route": {DataType: &st, StringValue: &event},
	}

	for i := range ca {
		m[ca[i].Title] = &sqs.MessageAttributeValue{DataType: &ca[i].DataType, StringValue: &ca[i].Value}
	}

	return m
}

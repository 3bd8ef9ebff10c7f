// Package sns publishes outbox messages to AWS SNS topics.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/fortium/eventserver"
)

// DestinationPrefix is the routing prefix handled by the publisher.
// Destination format: "sns:arn:aws:sns:region:account:topic".
const DestinationPrefix = "sns"

var _ eventserver.Publisher = (*Publisher)(nil)

// SNSClient defines the subset of the SNS API used by the publisher.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes outbox messages to SNS topics.
//
// FIFO topics (ARN ending in ".fifo") get the stream id as message group and
// the outbox message id as deduplication id, so one aggregate's events are
// delivered in commit order and redeliveries collapse.
type Publisher struct {
	client         SNSClient
	messageGroupID string
}

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithSNSClient sets the SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithMessageGroupID pins every FIFO message to one group instead of
// grouping by stream.
func WithMessageGroupID(groupID string) Option {
	return func(p *Publisher) {
		p.messageGroupID = groupID
	}
}

// New creates a new SNS Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return DestinationPrefix
}

// Publish sends each message to the topic named in its destination.
// All messages are attempted; errors are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*eventserver.OutboxMessage) error {
	if p.client == nil {
		return errors.New("eventserver/sns: client not configured")
	}

	var errs []error
	for _, msg := range messages {
		topicARN := extractTopicARN(msg.Destination)
		if topicARN == "" {
			errs = append(errs, fmt.Errorf("eventserver/sns: invalid destination %q: missing topic ARN", msg.Destination))
			continue
		}

		if _, err := p.client.Publish(ctx, p.buildInput(topicARN, msg)); err != nil {
			errs = append(errs, fmt.Errorf("eventserver/sns: publish %s to %s: %w", msg.ID, topicARN, err))
		}
	}

	return errors.Join(errs...)
}

func (p *Publisher) buildInput(topicARN string, msg *eventserver.OutboxMessage) *sns.PublishInput {
	input := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(msg.Payload)),
	}

	for k, v := range msg.Headers {
		if v == "" {
			continue
		}
		if input.MessageAttributes == nil {
			input.MessageAttributes = make(map[string]types.MessageAttributeValue)
		}
		input.MessageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	if strings.HasSuffix(topicARN, ".fifo") {
		group := p.messageGroupID
		if group == "" {
			group = msg.AggregateID
		}
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(msg.ID)
	} else if p.messageGroupID != "" {
		input.MessageGroupId = aws.String(p.messageGroupID)
	}

	return input
}

func extractTopicARN(destination string) string {
	arn, ok := strings.CutPrefix(destination, DestinationPrefix+":")
	if !ok {
		return ""
	}
	return arn
}

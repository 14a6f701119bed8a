// Package sns forwards committed stoat events to AWS SNS topics.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// SNSClient defines the subset of the SNS API used by the publisher.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes committed events to SNS, one message per event.
// Stream types are mapped to topic ARNs; events of unmapped stream types go
// to the default topic, or are reported as errors when there is none.
type Publisher struct {
	client       SNSClient
	topics       map[string]string
	defaultTopic string
	fifo         bool
}

var _ stoat.Publisher = (*Publisher)(nil)

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithSNSClient sets a custom SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTopic routes events of streamType to topicARN.
func WithTopic(streamType, topicARN string) Option {
	return func(p *Publisher) {
		p.topics[streamType] = topicARN
	}
}

// WithDefaultTopic sets the topic for stream types without a route.
func WithDefaultTopic(topicARN string) Option {
	return func(p *Publisher) {
		p.defaultTopic = topicARN
	}
}

// WithFIFO sets the message group to the stream ID and the deduplication ID
// to the event ID, as FIFO topics require.
func WithFIFO() Option {
	return func(p *Publisher) {
		p.fifo = true
	}
}

// New creates a new SNS Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{topics: make(map[string]string)}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish sends each committed event to its stream type's topic.
// All messages are attempted even if some fail; errors are collected and returned as a joined error.
func (p *Publisher) Publish(ctx context.Context, batches []stoat.CommittedStream) error {
	if p.client == nil {
		return fmt.Errorf("sns: client not configured")
	}

	var errs []error
	for _, batch := range batches {
		topicARN := p.topicFor(batch.StreamType)
		if topicARN == "" {
			errs = append(errs, fmt.Errorf("sns: no topic for stream type %q", batch.StreamType))
			continue
		}

		for _, e := range batch.Events {
			input := &sns.PublishInput{
				TopicArn: stringPtr(topicARN),
				Message:  stringPtr(string(e.Data)),
				MessageAttributes: map[string]types.MessageAttributeValue{
					"event-id":    stringAttribute(e.ID),
					"event-type":  stringAttribute(e.Type),
					"stream-id":   stringAttribute(batch.StreamID),
					"stream-type": stringAttribute(batch.StreamType),
					"version": {
						DataType:    stringPtr("Number"),
						StringValue: stringPtr(strconv.FormatInt(e.Version, 10)),
					},
				},
			}
			if e.Metadata.CorrelationID != "" {
				input.MessageAttributes["correlation-id"] = stringAttribute(e.Metadata.CorrelationID)
			}

			if p.fifo {
				input.MessageGroupId = stringPtr(batch.StreamID)
				input.MessageDeduplicationId = stringPtr(e.ID)
			}

			if _, err := p.client.Publish(ctx, input); err != nil {
				errs = append(errs, fmt.Errorf("sns: failed to publish %s v%d to %s: %w", batch.StreamID, e.Version, topicARN, err))
			}
		}
	}

	return errors.Join(errs...)
}

func (p *Publisher) topicFor(streamType string) string {
	if arn, ok := p.topics[streamType]; ok {
		return arn
	}
	return p.defaultTopic
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    stringPtr("String"),
		StringValue: stringPtr(v),
	}
}

func stringPtr(s string) *string {
	return &s
}

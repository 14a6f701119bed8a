// Package kafka forwards committed stoat events to Kafka topics using
// github.com/segmentio/kafka-go.
//
// Each stream type maps to a topic; every event becomes one message keyed by
// its stream ID so that a stream's events stay ordered within a partition.
//
//	publisher := kafka.New(kafka.WithBrokers("localhost:9092"))
//	defer publisher.Close()
//	store := stoat.New(adapter, stoat.WithPublisher(publisher))
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// Header keys set on every message.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderStreamID      = "stream-id"
	HeaderStreamType    = "stream-type"
	HeaderVersion       = "version"
	HeaderCorrelationID = "correlation-id"
	HeaderCausationID   = "causation-id"
)

// MessageWriter is the part of *kafkago.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// TopicFunc maps a stream type to a topic name.
type TopicFunc func(streamType string) string

// Publisher forwards committed events to Kafka.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper
	topic        TopicFunc
	newWriter    func(topic string) MessageWriter

	mu      sync.RWMutex
	writers map[string]MessageWriter
}

var _ stoat.Publisher = (*Publisher)(nil)

// Option configures a Kafka Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the message balancer (partitioner).
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for the writer.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTopicPrefix routes each stream type to prefix + lower-cased stream type.
func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.topic = PrefixTopics(prefix)
	}
}

// WithTopicFunc sets a custom stream type to topic mapping.
func WithTopicFunc(fn TopicFunc) Option {
	return func(p *Publisher) {
		p.topic = fn
	}
}

// WithWriterFactory replaces the kafka-go writer, typically in tests.
func WithWriterFactory(fn func(topic string) MessageWriter) Option {
	return func(p *Publisher) {
		p.newWriter = fn
	}
}

// PrefixTopics returns a TopicFunc producing prefix + lower-cased stream type.
func PrefixTopics(prefix string) TopicFunc {
	return func(streamType string) string {
		return prefix + strings.ToLower(streamType)
	}
}

// New creates a new Kafka Publisher. Topics default to "stoat.<streamtype>".
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		topic:        PrefixTopics("stoat."),
		writers:      make(map[string]MessageWriter),
	}

	for _, opt := range opts {
		opt(p)
	}
	if p.newWriter == nil {
		p.newWriter = p.kafkaWriter
	}

	return p
}

// Publish writes committed events to their stream type's topic.
// All topics are attempted even if some fail; errors are collected and returned as a joined error.
func (p *Publisher) Publish(ctx context.Context, batches []stoat.CommittedStream) error {
	grouped, errs := p.messages(batches)

	topics := make([]string, 0, len(grouped))
	for topic := range grouped {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		writer := p.getWriter(topic)
		if err := writer.WriteMessages(ctx, grouped[topic]...); err != nil {
			errs = append(errs, fmt.Errorf("kafka: failed to write to topic %s: %w", topic, err))
		}
	}

	return errors.Join(errs...)
}

// messages converts batches to Kafka messages grouped by topic.
func (p *Publisher) messages(batches []stoat.CommittedStream) (map[string][]kafkago.Message, []error) {
	grouped := make(map[string][]kafkago.Message)
	var errs []error
	for _, batch := range batches {
		topic := p.topic(batch.StreamType)
		if topic == "" {
			errs = append(errs, fmt.Errorf("kafka: no topic for stream type %q", batch.StreamType))
			continue
		}

		for _, e := range batch.Events {
			msg := kafkago.Message{
				Key:   []byte(batch.StreamID),
				Value: e.Data,
				Time:  e.Timestamp,
				Headers: []kafkago.Header{
					{Key: HeaderEventID, Value: []byte(e.ID)},
					{Key: HeaderEventType, Value: []byte(e.Type)},
					{Key: HeaderStreamID, Value: []byte(batch.StreamID)},
					{Key: HeaderStreamType, Value: []byte(batch.StreamType)},
					{Key: HeaderVersion, Value: []byte(strconv.FormatInt(e.Version, 10))},
				},
			}
			if e.Metadata.CorrelationID != "" {
				msg.Headers = append(msg.Headers, kafkago.Header{Key: HeaderCorrelationID, Value: []byte(e.Metadata.CorrelationID)})
			}
			if e.Metadata.CausationID != "" {
				msg.Headers = append(msg.Headers, kafkago.Header{Key: HeaderCausationID, Value: []byte(e.Metadata.CausationID)})
			}
			grouped[topic] = append(grouped[topic], msg)
		}
	}
	return grouped, errs
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			return err
		}
		delete(p.writers, topic)
	}
	return nil
}

// getWriter returns or creates a writer for the given topic.
func (p *Publisher) getWriter(topic string) MessageWriter {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

func (p *Publisher) kafkaWriter(topic string) MessageWriter {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}
}

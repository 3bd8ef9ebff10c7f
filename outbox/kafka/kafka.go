// Package kafka publishes outbox messages to Kafka topics using
// github.com/segmentio/kafka-go.
//
// Messages are keyed by stream id so every event of one aggregate lands on the
// same partition and keeps its commit order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/fortium/eventserver"
)

// DestinationPrefix is the routing prefix handled by the publisher.
// Destination format: "kafka:topic-name".
const DestinationPrefix = "kafka"

// HeaderMessageID carries the outbox message id for consumer-side dedup.
const HeaderMessageID = "message-id"

var _ eventserver.Publisher = (*Publisher)(nil)

// Publisher publishes outbox messages to Kafka topics.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	requiredAcks kafkago.RequiredAcks
	transport    kafkago.RoundTripper
	mu           sync.RWMutex
	writers      map[string]*kafkago.Writer
}

// Option configures a Kafka Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the partitioner. The default hashes the message key.
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

// WithRequiredAcks sets how many replicas must acknowledge a write.
func WithRequiredAcks(acks kafkago.RequiredAcks) Option {
	return func(p *Publisher) {
		p.requiredAcks = acks
	}
}

// New creates a new Kafka Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		requiredAcks: kafkago.RequireAll,
		writers:      make(map[string]*kafkago.Writer),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return DestinationPrefix
}

// Publish writes outbox messages to the topic named in each destination.
// All topics are attempted; errors are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*eventserver.OutboxMessage) error {
	grouped := make(map[string][]kafkago.Message)
	var errs []error
	for _, msg := range messages {
		topic := extractTopic(msg.Destination)
		if topic == "" {
			errs = append(errs, fmt.Errorf("eventserver/kafka: invalid destination %q: missing topic", msg.Destination))
			continue
		}
		grouped[topic] = append(grouped[topic], toKafkaMessage(msg))
	}

	for topic, msgs := range grouped {
		if err := p.getWriter(topic).WriteMessages(ctx, msgs...); err != nil {
			errs = append(errs, fmt.Errorf("eventserver/kafka: write to topic %s: %w", topic, err))
		}
	}

	return errors.Join(errs...)
}

// Close closes all Kafka writers. Calling Close twice is safe.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("eventserver/kafka: close writer %s: %w", topic, err))
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

func toKafkaMessage(msg *eventserver.OutboxMessage) kafkago.Message {
	km := kafkago.Message{
		Key:   []byte(msg.AggregateID),
		Value: msg.Payload,
		Headers: []kafkago.Header{
			{Key: HeaderMessageID, Value: []byte(msg.ID)},
		},
	}
	for k, v := range msg.Headers {
		if v == "" {
			continue
		}
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return km
}

// getWriter returns or creates the writer for a topic.
func (p *Publisher) getWriter(topic string) *kafkago.Writer {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		RequiredAcks:           p.requiredAcks,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = w
	return w
}

func extractTopic(destination string) string {
	topic, ok := strings.CutPrefix(destination, DestinationPrefix+":")
	if !ok {
		return ""
	}
	return topic
}

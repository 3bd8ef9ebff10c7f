package kafka

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters/memory"
	"github.com/fortium/eventserver/testing/testutil"
)

func TestPublisher_Destination(t *testing.T) {
	assert.Equal(t, "kafka", New().Destination())
}

func TestExtractTopic(t *testing.T) {
	tests := []struct {
		destination string
		want        string
	}{
		{"kafka:partners", "partners"},
		{"kafka:events.payment.captured", "events.payment.captured"},
		{"webhook:https://example.com", ""},
		{"invalid", ""},
		{"kafka:", ""},
	}

	for _, tt := range tests {
		t.Run(tt.destination, func(t *testing.T) {
			assert.Equal(t, tt.want, extractTopic(tt.destination))
		})
	}
}

func TestNew_Options(t *testing.T) {
	p := New()
	assert.Equal(t, []string{"localhost:9092"}, p.brokers)
	assert.IsType(t, &kafkago.Hash{}, p.balancer)
	assert.Equal(t, kafkago.RequireAll, p.requiredAcks)

	balancer := &kafkago.RoundRobin{}
	p = New(
		WithBrokers("broker1:9092", "broker2:9092"),
		WithBatchTimeout(500*time.Millisecond),
		WithBalancer(balancer),
		WithRequiredAcks(kafkago.RequireOne),
	)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, p.brokers)
	assert.Equal(t, 500*time.Millisecond, p.batchTimeout)
	assert.Same(t, balancer, p.balancer)
	assert.Equal(t, kafkago.RequireOne, p.requiredAcks)
}

func TestToKafkaMessage(t *testing.T) {
	km := toKafkaMessage(&eventserver.OutboxMessage{
		ID:          "msg-1",
		AggregateID: "payment-p1",
		Payload:     []byte(`{"type":"PaymentCaptured"}`),
		Headers: map[string]string{
			"event-type":     "PaymentCaptured",
			"correlation-id": "",
		},
	})

	assert.Equal(t, []byte("payment-p1"), km.Key)
	assert.Equal(t, []byte(`{"type":"PaymentCaptured"}`), km.Value)

	headers := make(map[string]string)
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		HeaderMessageID: "msg-1",
		"event-type":    "PaymentCaptured",
	}, headers)
}

func TestPublisher_Publish_EmptyTopic(t *testing.T) {
	err := New().Publish(context.Background(), []*eventserver.OutboxMessage{
		{ID: "msg-1", Destination: "kafka:", Payload: []byte(`{}`)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing topic")
}

func TestPublisher_Close_WithoutWriters(t *testing.T) {
	p := New()
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

// =============================================================================
// Integration
// =============================================================================

type integrationEnv struct {
	brokers   []string
	topic     string
	publisher *Publisher
}

func setupIntegration(t *testing.T) *integrationEnv {
	t.Helper()
	brokers := testutil.RequireKafka(t)

	topic := uniqueTopic(t)
	createTopic(t, brokers[0], topic)

	p := New(WithBrokers(brokers...), WithBatchTimeout(10*time.Millisecond))
	p.transport = &kafkago.Transport{}
	t.Cleanup(func() { _ = p.Close() })

	return &integrationEnv{brokers: brokers, topic: topic, publisher: p}
}

func uniqueTopic(t *testing.T) string {
	name := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
	return fmt.Sprintf("test-%s-%d", name, time.Now().UnixNano())
}

func (e *integrationEnv) readMessage(t *testing.T, topic string) kafkago.Message {
	t.Helper()
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   e.brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   5 * time.Second,
	})
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := reader.ReadMessage(ctx)
	require.NoError(t, err)
	return msg
}

// createTopic pre-creates a single-partition topic and waits for it.
func createTopic(t *testing.T, broker string, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()

	require.NoError(t, controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		partitions, err := conn.ReadPartitions(topic)
		if err == nil && len(partitions) > 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("topic %s not available after 10s", topic)
}

func TestPublisher_Publish_Integration(t *testing.T) {
	env := setupIntegration(t)

	err := env.publisher.Publish(context.Background(), []*eventserver.OutboxMessage{{
		ID:          "msg-1",
		AggregateID: "partner-leo@x.com",
		Destination: "kafka:" + env.topic,
		Payload:     []byte(`{"type":"PartnerCreated"}`),
		Headers:     map[string]string{"correlation-id": "cor-1", "event-type": "PartnerCreated"},
	}})
	require.NoError(t, err)

	msg := env.readMessage(t, env.topic)
	assert.Equal(t, []byte("partner-leo@x.com"), msg.Key)
	assert.Equal(t, []byte(`{"type":"PartnerCreated"}`), msg.Value)

	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "msg-1", headers[HeaderMessageID])
	assert.Equal(t, "cor-1", headers["correlation-id"])
	assert.Equal(t, "PartnerCreated", headers["event-type"])
}

func TestPublisher_Publish_MultipleTopics_Integration(t *testing.T) {
	env := setupIntegration(t)
	second := env.topic + "-b"
	createTopic(t, env.brokers[0], second)

	err := env.publisher.Publish(context.Background(), []*eventserver.OutboxMessage{
		{ID: "msg-1", AggregateID: "payment-p1", Destination: "kafka:" + env.topic, Payload: []byte(`{"n":1}`)},
		{ID: "msg-2", AggregateID: "payment-p2", Destination: "kafka:" + second, Payload: []byte(`{"n":2}`)},
	})
	require.NoError(t, err)

	assert.Equal(t, []byte(`{"n":1}`), env.readMessage(t, env.topic).Value)
	assert.Equal(t, []byte(`{"n":2}`), env.readMessage(t, second).Value)

	assert.Same(t, env.publisher.getWriter(env.topic), env.publisher.getWriter(env.topic))
	assert.NotSame(t, env.publisher.getWriter(env.topic), env.publisher.getWriter(second))
}

func TestPublisher_WithProcessor_Integration(t *testing.T) {
	env := setupIntegration(t)
	ctx := context.Background()

	store := memory.NewOutboxStore()
	require.NoError(t, store.Schedule(ctx, []*eventserver.OutboxMessage{{
		ID:          "msg-1",
		AggregateID: "partner-leo@x.com",
		EventType:   "PartnerCreated",
		Destination: "kafka:" + env.topic,
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
	}}))

	processor := eventserver.NewOutboxProcessor(store, eventserver.WithPublisher(env.publisher))
	delivered, err := processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	assert.Equal(t, []byte("partner-leo@x.com"), env.readMessage(t, env.topic).Key)
}

package eventserver

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/fortium/eventserver/adapters"
	"github.com/fortium/eventserver/internal/idgen"
)

// OutboxStatus represents the current status of an outbox message.
type OutboxStatus = adapters.OutboxStatus

// Outbox status constants.
const (
	OutboxPending    = adapters.OutboxPending
	OutboxProcessing = adapters.OutboxProcessing
	OutboxCompleted  = adapters.OutboxCompleted
	OutboxFailed     = adapters.OutboxFailed
	OutboxDeadLetter = adapters.OutboxDeadLetter
)

// OutboxMessage represents a committed event waiting for delivery.
type OutboxMessage = adapters.OutboxMessage

// OutboxStore defines the interface for outbox message persistence.
type OutboxStore = adapters.OutboxStore

// Publisher delivers outbox messages to an external system.
type Publisher interface {
	// Publish sends one or more messages to the external system.
	Publish(ctx context.Context, messages []*OutboxMessage) error

	// Destination returns the destination prefix this publisher handles
	// ("kafka", "sns", "nats", "webhook").
	Destination() string
}

// OutboxRoute selects committed events for one destination.
type OutboxRoute struct {
	// EventTypes is the list of event types this route matches. Empty matches all.
	EventTypes []string

	// Destination is the target, e.g. "kafka:partners" or "webhook:https://example.com/hooks".
	Destination string

	// Transform optionally replaces the default integration payload.
	Transform func(event Event) ([]byte, error)

	// Filter optionally filters events. Return true to include the event.
	Filter func(event Event) bool
}

func (r *OutboxRoute) matchesEvent(eventType string) bool {
	if len(r.EventTypes) == 0 {
		return true
	}
	for _, et := range r.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// IntegrationEvent is the default payload published for a committed event.
type IntegrationEvent struct {
	EventID        string          `json:"eventId"`
	StreamID       string          `json:"streamId"`
	AggregateType  string          `json:"aggregateType"`
	AggregateID    string          `json:"aggregateId"`
	Type           string          `json:"type"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Data           json.RawMessage `json:"data"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	CausationID    string          `json:"causationId,omitempty"`
	CommittedAt    time.Time       `json:"committedAt"`
}

// NewIntegrationEvent builds the default payload for e.
func NewIntegrationEvent(e Event) IntegrationEvent {
	data := json.RawMessage(e.Payload)
	if !json.Valid(data) {
		data, _ = json.Marshal(e.Data)
	}
	return IntegrationEvent{
		EventID:        e.ID,
		StreamID:       e.StreamID,
		AggregateType:  e.AggregateType(),
		AggregateID:    e.AggregateID(),
		Type:           e.Type,
		SequenceNumber: e.Sequence,
		Data:           data,
		CorrelationID:  e.Metadata.CorrelationID,
		CausationID:    e.Metadata.CausationID,
		CommittedAt:    e.CommittedAt,
	}
}

// OutboxMetrics collects metrics about outbox processing.
type OutboxMetrics interface {
	RecordMessageProcessed(destination string, success bool)
	RecordMessageFailed(destination string)
	RecordMessageDeadLettered()
	RecordBatchDuration(duration time.Duration)
}

// noopOutboxMetrics is a no-op implementation of OutboxMetrics.
type noopOutboxMetrics struct{}

func (m *noopOutboxMetrics) RecordMessageProcessed(destination string, success bool) {}
func (m *noopOutboxMetrics) RecordMessageFailed(destination string)                  {}
func (m *noopOutboxMetrics) RecordMessageDeadLettered()                              {}
func (m *noopOutboxMetrics) RecordBatchDuration(duration time.Duration)              {}

// OutboxScheduler turns committed events into outbox messages according to
// its routes. Register it as a CommitObserver on the router.
type OutboxScheduler struct {
	outbox      OutboxStore
	routes      []OutboxRoute
	logger      Logger
	maxAttempts int
	now         func() time.Time
}

// OutboxOption configures an OutboxScheduler.
type OutboxOption func(*OutboxScheduler)

// WithOutboxLogger sets a logger for the scheduler.
func WithOutboxLogger(l Logger) OutboxOption {
	return func(s *OutboxScheduler) {
		s.logger = l
	}
}

// WithOutboxMaxAttempts sets the default max attempts for outbox messages.
func WithOutboxMaxAttempts(n int) OutboxOption {
	return func(s *OutboxScheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewOutboxScheduler creates a scheduler writing to outboxStore.
func NewOutboxScheduler(outboxStore OutboxStore, routes []OutboxRoute, opts ...OutboxOption) *OutboxScheduler {
	s := &OutboxScheduler{
		outbox:      outboxStore,
		routes:      routes,
		logger:      &noopLogger{},
		maxAttempts: 5,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured routes.
func (s *OutboxScheduler) Routes() []OutboxRoute {
	return s.routes
}

// Committed implements CommitObserver.
func (s *OutboxScheduler) Committed(ctx context.Context, _ Command, events []Event) {
	messages := s.Build(events)
	if len(messages) == 0 {
		return
	}
	if err := s.outbox.Schedule(ctx, messages); err != nil {
		s.logger.Error("Failed to schedule outbox messages",
			"streamId", events[0].StreamID,
			"messages", len(messages),
			"error", err)
		return
	}
	s.logger.Debug("Outbox messages scheduled", "streamId", events[0].StreamID, "messages", len(messages))
}

// Build creates one message per matching (event, route) pair.
func (s *OutboxScheduler) Build(events []Event) []*OutboxMessage {
	var messages []*OutboxMessage
	now := s.now()

	for _, e := range events {
		for _, route := range s.routes {
			if msg := s.buildMessage(route, e, now); msg != nil {
				messages = append(messages, msg)
			}
		}
	}
	return messages
}

func (s *OutboxScheduler) buildMessage(route OutboxRoute, e Event, now time.Time) *OutboxMessage {
	if !route.matchesEvent(e.Type) {
		return nil
	}
	if route.Filter != nil && !route.Filter(e) {
		return nil
	}

	var (
		payload []byte
		err     error
	)
	if route.Transform != nil {
		payload, err = route.Transform(e)
	} else {
		payload, err = json.Marshal(NewIntegrationEvent(e))
	}
	if err != nil {
		s.logger.Error("Failed to build outbox payload",
			"eventType", e.Type, "destination", route.Destination, "error", err)
		return nil
	}

	return &OutboxMessage{
		ID:          idgen.Outbox(),
		AggregateID: e.StreamID,
		EventType:   e.Type,
		Destination: route.Destination,
		Payload:     payload,
		Headers: map[string]string{
			"event-id":        e.ID,
			"stream-id":       e.StreamID,
			"event-type":      e.Type,
			"sequence-number": strconv.FormatInt(e.Sequence, 10),
			"correlation-id":  e.Metadata.CorrelationID,
			"causation-id":    e.Metadata.CausationID,
		},
		Status:      OutboxPending,
		MaxAttempts: s.maxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
	}
}

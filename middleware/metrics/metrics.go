// Package metrics provides Prometheus collectors for eventserver.
//
// One Metrics value implements the command, projection and outbox metric
// hooks of the service, and can wrap an event store adapter:
//
//	m := metrics.New(metrics.WithMetricsServiceName("eventserver"))
//	prometheus.MustRegister(m.Collectors()...)
//
//	svc := eventserver.NewService(m.WrapEventStore(adapter), docs,
//		eventserver.WithMiddleware(eventserver.MetricsMiddleware(m)),
//		eventserver.WithProjectionEngineOptions(eventserver.WithProjectionMetrics(m)),
//	)
//
//	http.Handle("/metrics", promhttp.Handler())
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters"
)

// Default metric labels.
const (
	LabelCommandType    = "command_type"
	LabelAggregateType  = "aggregate_type"
	LabelEventType      = "event_type"
	LabelProjectionName = "projection_name"
	LabelOperation      = "operation"
	LabelStatus         = "status"
	LabelErrorKind      = "error_kind"
	LabelDestination    = "destination"
	LabelService        = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Operation values.
const (
	OperationAppend  = "append"
	OperationLoad    = "load"
	OperationReadAll = "read_all"
)

var (
	_ eventserver.MetricsCollector  = (*Metrics)(nil)
	_ eventserver.ProjectionMetrics = (*Metrics)(nil)
	_ eventserver.OutboxMetrics     = (*Metrics)(nil)
	_ adapters.EventStoreAdapter    = (*EventStoreMiddleware)(nil)
	_ adapters.StreamPager          = (*EventStoreMiddleware)(nil)
)

// Metrics holds all Prometheus metrics for eventserver.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Command metrics
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	commandRetries  *prometheus.CounterVec

	// Event store metrics
	eventStoreOperationsTotal   *prometheus.CounterVec
	eventStoreOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal         *prometheus.CounterVec
	eventsLoadedTotal           *prometheus.CounterVec

	// Projection metrics
	projectionEventsTotal *prometheus.CounterVec
	projectionDuration    *prometheus.HistogramVec
	projectionErrorsTotal *prometheus.CounterVec

	// Outbox metrics
	outboxMessagesTotal    *prometheus.CounterVec
	outboxDeadLettersTotal *prometheus.CounterVec
	outboxBatchDuration    *prometheus.HistogramVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "eventserver",
		serviceName: "unknown",
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initMetrics()
	return m
}

func (m *Metrics) initMetrics() {
	durationBuckets := []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

	m.commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "commands_total",
			Help:      "Total number of submitted commands by outcome.",
		},
		[]string{LabelService, LabelAggregateType, LabelCommandType, LabelStatus, LabelErrorKind},
	)

	m.commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "command_duration_seconds",
			Help:      "Time from submission to result, queueing included.",
			Buckets:   durationBuckets,
		},
		[]string{LabelService, LabelAggregateType, LabelCommandType},
	)

	m.commandRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "command_conflict_retries_total",
			Help:      "Commands re-evaluated after losing an append race.",
		},
		[]string{LabelService, LabelAggregateType, LabelCommandType},
	)

	m.eventStoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "eventstore_operations_total",
			Help:      "Total number of event log operations.",
		},
		[]string{LabelService, LabelOperation, LabelStatus},
	)

	m.eventStoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "eventstore_operation_duration_seconds",
			Help:      "Duration of event log operations.",
			Buckets:   durationBuckets,
		},
		[]string{LabelService, LabelOperation},
	)

	m.eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_appended_total",
			Help:      "Total number of events appended, by stream category.",
		},
		[]string{LabelService, LabelAggregateType},
	)

	m.eventsLoadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_loaded_total",
			Help:      "Total number of events read back from the log.",
		},
		[]string{LabelService, LabelOperation},
	)

	m.projectionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_events_total",
			Help:      "Events handled by projections, by outcome.",
		},
		[]string{LabelService, LabelProjectionName, LabelEventType, LabelStatus},
	)

	m.projectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_apply_duration_seconds",
			Help:      "Duration of a projection document update.",
			Buckets:   durationBuckets,
		},
		[]string{LabelService, LabelProjectionName, LabelEventType},
	)

	m.projectionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_errors_total",
			Help:      "Projection failures by error kind.",
		},
		[]string{LabelService, LabelProjectionName, LabelErrorKind},
	)

	m.outboxMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "outbox_messages_total",
			Help:      "Outbox delivery attempts by destination and outcome.",
		},
		[]string{LabelService, LabelDestination, LabelStatus},
	)

	m.outboxDeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "outbox_dead_letters_total",
			Help:      "Outbox messages moved to the dead letter state.",
		},
		[]string{LabelService},
	)

	m.outboxBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "outbox_batch_duration_seconds",
			Help:      "Duration of one outbox processing batch.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService},
	)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandRetries,
		m.eventStoreOperationsTotal,
		m.eventStoreOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.projectionEventsTotal,
		m.projectionDuration,
		m.projectionErrorsTotal,
		m.outboxMessagesTotal,
		m.outboxDeadLettersTotal,
		m.outboxBatchDuration,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Commands
// =============================================================================

// RecordCommand implements eventserver.MetricsCollector.
func (m *Metrics) RecordCommand(aggregateType, cmdType string, duration time.Duration, kind eventserver.ErrorKind, retried bool) {
	status := StatusSuccess
	if kind != "" {
		status = StatusError
	}
	m.commandsTotal.WithLabelValues(m.serviceName, aggregateType, cmdType, status, string(kind)).Inc()
	m.commandDuration.WithLabelValues(m.serviceName, aggregateType, cmdType).Observe(duration.Seconds())
	if retried {
		m.commandRetries.WithLabelValues(m.serviceName, aggregateType, cmdType).Inc()
	}
}

// =============================================================================
// Projections
// =============================================================================

// RecordEventProcessed implements eventserver.ProjectionMetrics.
func (m *Metrics) RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.projectionEventsTotal.WithLabelValues(m.serviceName, projectionName, eventType, status).Inc()
	m.projectionDuration.WithLabelValues(m.serviceName, projectionName, eventType).Observe(duration.Seconds())
}

// RecordEventSkipped counts an event that was already reflected in the document.
func (m *Metrics) RecordEventSkipped(projectionName string) {
	m.projectionEventsTotal.WithLabelValues(m.serviceName, projectionName, "", StatusSkipped).Inc()
}

// RecordError implements eventserver.ProjectionMetrics.
func (m *Metrics) RecordError(projectionName string, err error) {
	kind := eventserver.KindOf(err)
	if kind == "" {
		kind = eventserver.KindInternal
	}
	m.projectionErrorsTotal.WithLabelValues(m.serviceName, projectionName, string(kind)).Inc()
}

// =============================================================================
// Outbox
// =============================================================================

// RecordMessageProcessed implements eventserver.OutboxMetrics.
func (m *Metrics) RecordMessageProcessed(destination string, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.outboxMessagesTotal.WithLabelValues(m.serviceName, destination, status).Inc()
}

// RecordMessageFailed implements eventserver.OutboxMetrics.
func (m *Metrics) RecordMessageFailed(destination string) {
	m.outboxMessagesTotal.WithLabelValues(m.serviceName, destination, StatusError).Inc()
}

// RecordMessageDeadLettered implements eventserver.OutboxMetrics.
func (m *Metrics) RecordMessageDeadLettered() {
	m.outboxDeadLettersTotal.WithLabelValues(m.serviceName).Inc()
}

// RecordBatchDuration implements eventserver.OutboxMetrics.
func (m *Metrics) RecordBatchDuration(duration time.Duration) {
	m.outboxBatchDuration.WithLabelValues(m.serviceName).Observe(duration.Seconds())
}

// =============================================================================
// Event Store Middleware
// =============================================================================

// EventStoreMiddleware wraps an EventStoreAdapter with metrics.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

// WrapEventStore wraps an adapter with metrics collection.
func (m *Metrics) WrapEventStore(adapter adapters.EventStoreAdapter) *EventStoreMiddleware {
	return &EventStoreMiddleware{adapter: adapter, metrics: m}
}

func (em *EventStoreMiddleware) observe(op string, start time.Time, err error) {
	m := em.metrics
	m.eventStoreOperationDuration.WithLabelValues(m.serviceName, op).Observe(time.Since(start).Seconds())
	status := StatusSuccess
	// A lost append race is normal operation, not an error of the store.
	if err != nil && !errors.Is(err, adapters.ErrConcurrencyConflict) {
		status = StatusError
	}
	m.eventStoreOperationsTotal.WithLabelValues(m.serviceName, op, status).Inc()
}

// Append stores events with metrics.
func (em *EventStoreMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.adapter.Append(ctx, streamID, events, expectedVersion)
	em.observe(OperationAppend, start, err)
	if err == nil {
		em.metrics.eventsAppendedTotal.WithLabelValues(em.metrics.serviceName, adapters.ExtractCategory(streamID)).Add(float64(len(stored)))
	}
	return stored, err
}

// Load retrieves events with metrics.
func (em *EventStoreMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.Load(ctx, streamID, fromVersion)
	em.observe(OperationLoad, start, err)
	em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName, OperationLoad).Add(float64(len(events)))
	return events, err
}

// LoadPage reads a page through the wrapped adapter, or trims a full Load
// when the adapter cannot page.
func (em *EventStoreMiddleware) LoadPage(ctx context.Context, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	pager, ok := em.adapter.(adapters.StreamPager)
	if !ok {
		events, err := em.Load(ctx, streamID, fromVersion)
		if err == nil && limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		return events, err
	}

	start := time.Now()
	events, err := pager.LoadPage(ctx, streamID, fromVersion, limit)
	em.observe(OperationLoad, start, err)
	em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName, OperationLoad).Add(float64(len(events)))
	return events, err
}

// ReadAll reads the global log with metrics.
func (em *EventStoreMiddleware) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.ReadAll(ctx, fromPosition, limit)
	em.observe(OperationReadAll, start, err)
	em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName, OperationReadAll).Add(float64(len(events)))
	return events, err
}

// GetStreamInfo returns stream metadata.
func (em *EventStoreMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	return em.adapter.GetStreamInfo(ctx, streamID)
}

// GetLastPosition returns the last global position.
func (em *EventStoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	return em.adapter.GetLastPosition(ctx)
}

// Initialize initializes the wrapped adapter.
func (em *EventStoreMiddleware) Initialize(ctx context.Context) error {
	return em.adapter.Initialize(ctx)
}

// Close closes the wrapped adapter.
func (em *EventStoreMiddleware) Close() error {
	return em.adapter.Close()
}

// Unwrap returns the wrapped adapter.
func (em *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return em.adapter
}

// =============================================================================
// Getters for testing
// =============================================================================

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec {
	return m.commandsTotal
}

// CommandRetries returns the conflict retry counter.
func (m *Metrics) CommandRetries() *prometheus.CounterVec {
	return m.commandRetries
}

// EventStoreOperationsTotal returns the event store operations counter.
func (m *Metrics) EventStoreOperationsTotal() *prometheus.CounterVec {
	return m.eventStoreOperationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec {
	return m.eventsAppendedTotal
}

// ProjectionEventsTotal returns the projection events counter.
func (m *Metrics) ProjectionEventsTotal() *prometheus.CounterVec {
	return m.projectionEventsTotal
}

// ProjectionErrorsTotal returns the projection errors counter.
func (m *Metrics) ProjectionErrorsTotal() *prometheus.CounterVec {
	return m.projectionErrorsTotal
}

// OutboxMessagesTotal returns the outbox messages counter.
func (m *Metrics) OutboxMessagesTotal() *prometheus.CounterVec {
	return m.outboxMessagesTotal
}

// OutboxDeadLettersTotal returns the dead letter counter.
func (m *Metrics) OutboxDeadLettersTotal() *prometheus.CounterVec {
	return m.outboxDeadLettersTotal
}

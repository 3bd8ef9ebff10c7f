// Package tracing provides OpenTelemetry integration for eventserver.
//
// Spans cover command submission and event log access. Committed events are
// recorded as span events on the submitting command's span:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	svc := eventserver.NewService(tracing.NewEventStoreMiddleware(adapter, tracer), docs,
//		eventserver.WithMiddleware(tracing.CommandMiddleware(tracer)),
//		eventserver.WithObserver(tracing.CommitObserver(tracer)),
//	)
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters"
)

const (
	// TracerName is the name of the eventserver tracer.
	TracerName = "github.com/fortium/eventserver"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "eventserver"
)

// Attribute keys.
const (
	AttrService         = attribute.Key("eventserver.service")
	AttrAggregateType   = attribute.Key("eventserver.aggregate.type")
	AttrAggregateID     = attribute.Key("eventserver.aggregate.id")
	AttrCommandType     = attribute.Key("eventserver.command.type")
	AttrCorrelationID   = attribute.Key("eventserver.correlation_id")
	AttrErrorKind       = attribute.Key("eventserver.error.kind")
	AttrVersion         = attribute.Key("eventserver.result.version")
	AttrRetried         = attribute.Key("eventserver.result.retried")
	AttrStreamID        = attribute.Key("eventserver.stream_id")
	AttrExpectedVersion = attribute.Key("eventserver.expected_version")
	AttrEventCount      = attribute.Key("eventserver.events.count")
	AttrEventTypes      = attribute.Key("eventserver.events.types")
)

// Tracer wraps OpenTelemetry tracer for eventserver operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	span.SetAttributes(AttrService.String(t.serviceName))
	return ctx, span
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// NewStdoutProvider returns a provider that writes finished spans to w as
// JSON. Spans are exported synchronously, so call Shutdown before exit.
func NewStdoutProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("eventserver/tracing: create exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)), nil
}

func endWith(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// =============================================================================
// Command Middleware
// =============================================================================

// CommandMiddleware creates middleware that traces command execution.
func CommandMiddleware(tracer *Tracer) eventserver.Middleware {
	return func(next eventserver.MiddlewareFunc) eventserver.MiddlewareFunc {
		return func(ctx context.Context, cmd eventserver.Command) (*eventserver.CommandResult, error) {
			ctx, span := tracer.StartSpan(ctx, "command."+cmd.Type,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					AttrAggregateType.String(cmd.AggregateType),
					AttrAggregateID.String(cmd.AggregateID),
					AttrCommandType.String(cmd.Type),
				),
			)
			defer span.End()

			correlationID := cmd.Metadata.CorrelationID
			if correlationID == "" {
				correlationID = eventserver.CorrelationIDFromContext(ctx)
			}
			if correlationID != "" {
				span.SetAttributes(AttrCorrelationID.String(correlationID))
			}

			result, err := next(ctx, cmd)

			if err != nil {
				span.SetAttributes(AttrErrorKind.String(string(eventserver.KindOf(err))))
			} else if result != nil {
				span.SetAttributes(
					AttrVersion.Int64(result.Version),
					AttrRetried.Bool(result.Retried),
					AttrEventCount.Int(len(result.Events)),
				)
			}
			endWith(span, err)

			return result, err
		}
	}
}

// CommitObserver returns an observer that adds one span event per committed
// batch to the span active in the committing context.
func CommitObserver(tracer *Tracer) eventserver.CommitObserver {
	return eventserver.CommitObserverFunc(func(ctx context.Context, cmd eventserver.Command, events []eventserver.Event) {
		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() || len(events) == 0 {
			return
		}
		span.AddEvent("events.committed", trace.WithAttributes(
			AttrService.String(tracer.serviceName),
			AttrStreamID.String(events[0].StreamID),
			AttrEventTypes.StringSlice(eventTypes(events)),
			attribute.Int64("eventserver.events.first_sequence", events[0].Sequence),
			attribute.Int64("eventserver.events.last_sequence", events[len(events)-1].Sequence),
		))
	})
}

func eventTypes(events []eventserver.Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// =============================================================================
// Event Store Middleware
// =============================================================================

var (
	_ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)
	_ adapters.StreamPager       = (*EventStoreMiddleware)(nil)
)

// EventStoreMiddleware wraps an EventStoreAdapter with tracing.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

// NewEventStoreMiddleware wraps an adapter with tracing.
func NewEventStoreMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		tracer:  tracer,
	}
}

func (m *EventStoreMiddleware) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// Append stores events with tracing.
func (m *EventStoreMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	ctx, span := m.start(ctx, "eventstore.append",
		AttrStreamID.String(streamID),
		AttrExpectedVersion.Int64(expectedVersion),
		AttrEventCount.Int(len(events)),
		AttrEventTypes.StringSlice(types),
	)
	defer span.End()

	stored, err := m.adapter.Append(ctx, streamID, events, expectedVersion)
	if errors.Is(err, adapters.ErrConcurrencyConflict) {
		// Conflicts are retried by the caller; keep the span successful.
		span.AddEvent("concurrency_conflict")
		span.SetStatus(codes.Unset, "")
		return stored, err
	}
	if err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		span.SetAttributes(
			attribute.Int64("eventserver.stored.version", last.Version),
			attribute.Int64("eventserver.stored.global_position", int64(last.GlobalPosition)),
		)
	}
	endWith(span, err)
	return stored, err
}

// Load retrieves events with tracing.
func (m *EventStoreMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "eventstore.load",
		AttrStreamID.String(streamID),
		attribute.Int64("eventserver.from_version", fromVersion),
	)
	defer span.End()

	events, err := m.adapter.Load(ctx, streamID, fromVersion)
	span.SetAttributes(attribute.Int("eventserver.events.loaded", len(events)))
	endWith(span, err)
	return events, err
}

// LoadPage reads a page of a stream with tracing.
func (m *EventStoreMiddleware) LoadPage(ctx context.Context, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	pager, ok := m.adapter.(adapters.StreamPager)
	if !ok {
		events, err := m.Load(ctx, streamID, fromVersion)
		if err == nil && limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		return events, err
	}

	ctx, span := m.start(ctx, "eventstore.load_page",
		AttrStreamID.String(streamID),
		attribute.Int64("eventserver.from_version", fromVersion),
		attribute.Int("eventserver.limit", limit),
	)
	defer span.End()

	events, err := pager.LoadPage(ctx, streamID, fromVersion, limit)
	span.SetAttributes(attribute.Int("eventserver.events.loaded", len(events)))
	endWith(span, err)
	return events, err
}

// ReadAll reads the global log with tracing.
func (m *EventStoreMiddleware) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "eventstore.read_all",
		attribute.Int64("eventserver.from_position", int64(fromPosition)),
		attribute.Int("eventserver.limit", limit),
	)
	defer span.End()

	events, err := m.adapter.ReadAll(ctx, fromPosition, limit)
	span.SetAttributes(attribute.Int("eventserver.events.loaded", len(events)))
	endWith(span, err)
	return events, err
}

// GetStreamInfo returns stream metadata with tracing.
func (m *EventStoreMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	ctx, span := m.start(ctx, "eventstore.get_stream_info", AttrStreamID.String(streamID))
	defer span.End()

	info, err := m.adapter.GetStreamInfo(ctx, streamID)
	if err == nil {
		span.SetAttributes(attribute.Int64("eventserver.stream.version", info.Version))
	}
	endWith(span, err)
	return info, err
}

// GetLastPosition returns the last global position with tracing.
func (m *EventStoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	ctx, span := m.start(ctx, "eventstore.get_last_position")
	defer span.End()

	pos, err := m.adapter.GetLastPosition(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int64("eventserver.last_position", int64(pos)))
	}
	endWith(span, err)
	return pos, err
}

// Initialize initializes the adapter with tracing.
func (m *EventStoreMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.start(ctx, "eventstore.initialize")
	defer span.End()

	err := m.adapter.Initialize(ctx)
	endWith(span, err)
	return err
}

// Close closes the adapter.
func (m *EventStoreMiddleware) Close() error {
	return m.adapter.Close()
}

// =============================================================================
// Span Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError sets an error on the current span.
func SetError(ctx context.Context, err error) {
	endWith(trace.SpanFromContext(ctx), err)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

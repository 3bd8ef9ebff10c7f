package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters"
	"github.com/fortium/eventserver/adapters/memory"
	"github.com/fortium/eventserver/aggregates"
	"github.com/fortium/eventserver/aggregates/partner"
	"github.com/fortium/eventserver/testing/testutil"
)

func newRecorder() (*tracetest.SpanRecorder, *Tracer) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return recorder, NewTracer(WithTracerProvider(tp), WithServiceName("test"))
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func spanNamed(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("span %s not recorded", name)
	return nil
}

// =============================================================================
// Tracer Tests
// =============================================================================

func TestNewTracer(t *testing.T) {
	tracer := NewTracer()
	assert.Equal(t, DefaultServiceName, tracer.ServiceName())
	assert.NotNil(t, tracer.Tracer())

	_, tracer = newRecorder()
	assert.Equal(t, "test", tracer.ServiceName())
}

func TestNewStdoutProvider(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewStdoutProvider(&buf)
	require.NoError(t, err)

	tracer := NewTracer(WithTracerProvider(tp))
	_, span := tracer.StartSpan(context.Background(), "probe")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"probe"`)
}

// =============================================================================
// Command Middleware Tests
// =============================================================================

func TestCommandMiddleware(t *testing.T) {
	cmd := eventserver.NewCommand("partner", "leo@x.com", "CreatePartner", []byte(`{}`))
	cmd.Metadata.CorrelationID = "cor-1"

	t.Run("records success", func(t *testing.T) {
		recorder, tracer := newRecorder()
		handler := CommandMiddleware(tracer)(func(ctx context.Context, cmd eventserver.Command) (*eventserver.CommandResult, error) {
			return &eventserver.CommandResult{AggregateType: "partner", AggregateID: "leo@x.com", Version: 3, Retried: true}, nil
		})

		_, err := handler(context.Background(), cmd)
		require.NoError(t, err)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		span := spans[0]
		assert.Equal(t, "command.CreatePartner", span.Name())
		assert.Equal(t, codes.Ok, span.Status().Code)

		a := attrs(span)
		assert.Equal(t, "test", a[AttrService].AsString())
		assert.Equal(t, "partner", a[AttrAggregateType].AsString())
		assert.Equal(t, "leo@x.com", a[AttrAggregateID].AsString())
		assert.Equal(t, "cor-1", a[AttrCorrelationID].AsString())
		assert.Equal(t, int64(3), a[AttrVersion].AsInt64())
		assert.True(t, a[AttrRetried].AsBool())
	})

	t.Run("records error kind", func(t *testing.T) {
		recorder, tracer := newRecorder()
		handler := CommandMiddleware(tracer)(func(ctx context.Context, cmd eventserver.Command) (*eventserver.CommandResult, error) {
			return nil, eventserver.NewBusinessRuleError("Partner already exists")
		})

		_, err := handler(context.Background(), cmd)
		require.Error(t, err)

		span := recorder.Ended()[0]
		assert.Equal(t, codes.Error, span.Status().Code)
		assert.Equal(t, string(eventserver.KindBusinessRule), attrs(span)[AttrErrorKind].AsString())
		require.NotEmpty(t, span.Events())
		assert.Equal(t, "exception", span.Events()[0].Name)
	})

	t.Run("falls back to context correlation", func(t *testing.T) {
		recorder, tracer := newRecorder()
		handler := CommandMiddleware(tracer)(func(ctx context.Context, cmd eventserver.Command) (*eventserver.CommandResult, error) {
			return &eventserver.CommandResult{}, nil
		})

		bare := eventserver.NewCommand("partner", "leo@x.com", "LogIn", nil)
		_, err := handler(eventserver.WithCorrelationID(context.Background(), "cor-ctx"), bare)
		require.NoError(t, err)
		assert.Equal(t, "cor-ctx", attrs(recorder.Ended()[0])[AttrCorrelationID].AsString())
	})
}

// =============================================================================
// Event Store Middleware Tests
// =============================================================================

func TestEventStoreMiddleware(t *testing.T) {
	ctx := context.Background()
	records := []adapters.EventRecord{{Type: "PartnerCreated", Data: []byte(`{}`)}}

	t.Run("traces append and reads", func(t *testing.T) {
		recorder, tracer := newRecorder()
		store := NewEventStoreMiddleware(testutil.NewMockAdapter(), tracer)

		_, err := store.Append(ctx, "partner-leo@x.com", records, adapters.NoStream)
		require.NoError(t, err)
		_, err = store.LoadPage(ctx, "partner-leo@x.com", 0, 10)
		require.NoError(t, err)
		_, err = store.ReadAll(ctx, 0, 10)
		require.NoError(t, err)
		_, err = store.GetLastPosition(ctx)
		require.NoError(t, err)
		_, err = store.GetStreamInfo(ctx, "partner-leo@x.com")
		require.NoError(t, err)

		spans := recorder.Ended()
		assert.Len(t, spans, 5)

		appendSpan := spanNamed(t, spans, "eventstore.append")
		a := attrs(appendSpan)
		assert.Equal(t, "partner-leo@x.com", a[AttrStreamID].AsString())
		assert.Equal(t, []string{"PartnerCreated"}, a[AttrEventTypes].AsStringSlice())
		assert.Equal(t, int64(1), a["eventserver.stored.version"].AsInt64())

		read := spanNamed(t, spans, "eventstore.read_all")
		assert.Equal(t, int64(1), attrs(read)["eventserver.events.loaded"].AsInt64())
	})

	t.Run("conflict is not an error", func(t *testing.T) {
		recorder, tracer := newRecorder()
		store := NewEventStoreMiddleware(testutil.NewMockAdapter(), tracer)

		_, err := store.Append(ctx, "partner-leo@x.com", records, adapters.NoStream)
		require.NoError(t, err)
		_, err = store.Append(ctx, "partner-leo@x.com", records, adapters.NoStream)
		require.ErrorIs(t, err, adapters.ErrConcurrencyConflict)

		span := recorder.Ended()[1]
		assert.NotEqual(t, codes.Error, span.Status().Code)
		assert.Equal(t, "concurrency_conflict", span.Events()[0].Name)
	})

	t.Run("storage error", func(t *testing.T) {
		recorder, tracer := newRecorder()
		store := NewEventStoreMiddleware(&testutil.MockAdapter{LoadErr: errors.New("down")}, tracer)

		_, err := store.Load(ctx, "partner-leo@x.com", 0)
		require.Error(t, err)
		assert.Equal(t, codes.Error, recorder.Ended()[0].Status().Code)
	})
}

// =============================================================================
// Service Wiring
// =============================================================================

func TestService_TracesCommandAndCommit(t *testing.T) {
	ctx := context.Background()
	recorder, tracer := newRecorder()

	svc := eventserver.NewService(NewEventStoreMiddleware(memory.NewAdapter(), tracer), memory.NewDocumentStore(),
		eventserver.WithMiddleware(CommandMiddleware(tracer)),
		eventserver.WithObserver(CommitObserver(tracer)),
	)
	require.NoError(t, aggregates.Register(svc))
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	payload, err := json.Marshal(partner.CreatePartner{FirstName: "Leo", EmailAddress: "leo@x.com"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, partner.AggregateType, "leo@x.com", partner.CreatePartnerCommand, payload)
	require.NoError(t, err)

	spans := recorder.Ended()
	cmdSpan := spanNamed(t, spans, "command.CreatePartner")
	appendSpan := spanNamed(t, spans, "eventstore.append")
	assert.Equal(t, cmdSpan.SpanContext().TraceID(), appendSpan.SpanContext().TraceID())

	var committed bool
	for _, ev := range cmdSpan.Events() {
		if ev.Name == "events.committed" {
			committed = true
		}
	}
	assert.True(t, committed)
}

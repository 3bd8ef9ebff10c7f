package eventserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver/adapters"
	"github.com/fortium/eventserver/adapters/memory"
)

type recordingMetrics struct {
	mu        sync.Mutex
	processed int
	failed    int
	skipped   int
	errors    int
}

func (m *recordingMetrics) RecordEventProcessed(_, _ string, _ time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.processed++
	} else {
		m.failed++
	}
}

func (m *recordingMetrics) RecordEventSkipped(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped++
}

func (m *recordingMetrics) RecordError(string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// seedCounter commits increments for id and returns the committed events.
func seedCounter(t *testing.T, store *EventStore, id string, by ...int) []Event {
	t.Helper()
	ctx := context.Background()
	stream := BuildStreamID(counterType, id)
	version, err := store.Version(ctx, stream)
	require.NoError(t, err)

	var out []Event
	for _, n := range by {
		events, err := store.Append(ctx, stream, version, Events(Incremented{By: n}), Metadata{})
		require.NoError(t, err)
		version = events[len(events)-1].Sequence
		out = append(out, events...)
	}
	return out
}

func readCounterDoc(t *testing.T, docs adapters.DocumentStore, id string) counterDoc {
	t.Helper()
	rec, err := docs.GetDocument(context.Background(), "counters", id)
	require.NoError(t, err)
	var d counterDoc
	require.NoError(t, json.Unmarshal(rec.Data, &d))
	return d
}

func newTestEngine(t *testing.T, opts ...ProjectionEngineOption) (*ProjectionEngine, *EventStore, *memory.DocumentStore) {
	t.Helper()
	store := newCounterStore(memory.NewAdapter())
	docs := memory.NewDocumentStore()
	engine := NewProjectionEngine(store, docs, opts...)
	require.NoError(t, engine.Register(counterProjection()))
	return engine, store, docs
}

func TestProjectionEngine_Register(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	err := engine.Register(counterProjection())
	assert.ErrorIs(t, err, ErrProjectionAlreadyRegistered)
	assert.Error(t, engine.Register(nil))
	assert.Error(t, engine.Register(NewDocumentProjection[counterDoc]("", nil)))

	assert.Equal(t, []string{"counters"}, engine.Names())
	_, ok := engine.Projection("counters")
	assert.True(t, ok)

	err = engine.Apply(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownProjection)
	_, err = engine.Status("missing")
	assert.ErrorIs(t, err, ErrUnknownProjection)
}

func TestProjectionEngine_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	engine, store, docs := newTestEngine(t, WithProjectionMetrics(metrics))
	events := seedCounter(t, store, "c1", 2, 3)

	require.NoError(t, engine.Apply(ctx, "counters", events))
	first := readCounterDoc(t, docs, "c1")
	assert.Equal(t, counterDoc{ID: "c1", Total: 5, Updates: 2}, first)

	require.NoError(t, engine.Apply(ctx, "counters", events))
	require.NoError(t, engine.Apply(ctx, "counters", events[:1]))
	assert.Equal(t, first, readCounterDoc(t, docs, "c1"))

	status, err := engine.Status("counters")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.EventsApplied)
	assert.Equal(t, uint64(3), status.EventsSkipped)
	assert.Equal(t, ProjectionStateIdle, status.State)
	assert.Equal(t, 2, metrics.processed)
	assert.Equal(t, 3, metrics.skipped)

	pos, err := docs.StreamPosition(ctx, "counters", "counter-c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
}

func TestProjectionEngine_IgnoresUnhandledEvents(t *testing.T) {
	ctx := context.Background()
	engine, store, docs := newTestEngine(t)

	events, err := store.Append(ctx, "counter-c1", NoStream, Events(Labelled{Label: "x"}), Metadata{})
	require.NoError(t, err)
	require.NoError(t, engine.Apply(ctx, "counters", events))

	count, err := docs.CountDocuments(ctx, "counters")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProjectionEngine_NotifyAndDrain(t *testing.T) {
	ctx := context.Background()
	engine, store, docs := newTestEngine(t, WithCatchUpInterval(10*time.Millisecond))
	require.NoError(t, engine.Start(ctx))
	defer func() { _ = engine.Stop(ctx) }()
	assert.True(t, engine.IsRunning())
	assert.Error(t, engine.Start(ctx))

	engine.Notify(seedCounter(t, store, "c1", 1, 1, 1))
	engine.Committed(ctx, Command{}, seedCounter(t, store, "c2", 7))
	require.NoError(t, engine.Drain(ctx))

	assert.Equal(t, 3, readCounterDoc(t, docs, "c1").Total)
	assert.Equal(t, 7, readCounterDoc(t, docs, "c2").Total)
}

func TestProjectionEngine_CatchUp(t *testing.T) {
	ctx := context.Background()
	engine, store, docs := newTestEngine(t)
	events := seedCounter(t, store, "c1", 1, 2, 3)

	require.NoError(t, engine.Apply(ctx, "counters", events[:1]))
	require.NoError(t, engine.CatchUp(ctx, "counter-c1"))

	assert.Equal(t, counterDoc{ID: "c1", Total: 6, Updates: 3}, readCounterDoc(t, docs, "c1"))

	status, err := engine.Status("counters")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), status.EventsApplied)
	assert.Zero(t, status.EventsSkipped)
}

func TestProjectionEngine_NotifyWhileStoppedDefersToCatchUp(t *testing.T) {
	ctx := context.Background()
	engine, store, docs := newTestEngine(t, WithCatchUpInterval(5*time.Millisecond))

	engine.Notify(seedCounter(t, store, "c1", 4))
	_, err := docs.GetDocument(ctx, "counters", "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, engine.Start(ctx))
	defer func() { _ = engine.Stop(ctx) }()
	require.NoError(t, engine.Drain(ctx))

	assert.Equal(t, 4, readCounterDoc(t, docs, "c1").Total)
}

func TestProjectionEngine_Bootstrap(t *testing.T) {
	ctx := context.Background()
	engine, store, docs := newTestEngine(t, WithReplayBatchSize(2))
	seedCounter(t, store, "c1", 1, 2)
	seedCounter(t, store, "c2", 5)
	_, err := store.Append(ctx, "counter-c3", NoStream, Events(Labelled{Label: "x"}), Metadata{})
	require.NoError(t, err)

	require.NoError(t, engine.Bootstrap(ctx))
	assert.Equal(t, 3, readCounterDoc(t, docs, "c1").Total)
	assert.Equal(t, 5, readCounterDoc(t, docs, "c2").Total)
	assert.ElementsMatch(t, []string{"c1", "c2"}, docs.Keys("counters"))

	// A populated projection is left alone.
	seedCounter(t, store, "c4", 9)
	require.NoError(t, engine.Bootstrap(ctx))
	_, err = docs.GetDocument(ctx, "counters", "c4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectionEngine_FaultsAfterRetries(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	logger := &testLogger{}
	engine, store, docs := newTestEngine(t,
		WithProjectionMetrics(metrics),
		WithProjectionLogger(logger),
		WithProjectionRetry(ExponentialBackoffRetry(2, time.Millisecond, 2*time.Millisecond)))
	events := seedCounter(t, store, "c1", 1)

	docs.FailWith(errors.New("connection refused"))
	err := engine.Apply(ctx, "counters", events)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	status, err := engine.Status("counters")
	require.NoError(t, err)
	assert.Equal(t, ProjectionStateFaulted, status.State)
	assert.Equal(t, uint64(1), status.Failures)
	assert.Contains(t, status.Error, "connection refused")
	assert.Equal(t, 3, metrics.failed)
	assert.Equal(t, 1, metrics.errors)
	assert.Contains(t, logger.errorMessages(), "Projection apply failed")

	docs.FailWith(nil)
	require.NoError(t, engine.CatchUp(ctx, "counter-c1"))
	statuses := engine.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, ProjectionStateIdle, statuses[0].State)
	assert.Empty(t, statuses[0].Error)
	assert.Equal(t, 1, readCounterDoc(t, docs, "c1").Total)
}

func TestProjectionEngine_FailedEventIsNotSkipped(t *testing.T) {
	ctx := context.Background()
	engine, store, docs := newTestEngine(t, WithProjectionRetry(NoRetry()))
	events := seedCounter(t, store, "c1", 1, 2, 4)

	require.NoError(t, engine.Apply(ctx, "counters", events[:1]))

	docs.FailWith(errors.New("connection refused"))
	require.Error(t, engine.Apply(ctx, "counters", events[1:2]))
	docs.FailWith(nil)

	// The failed event is read back from the log before the later one.
	require.NoError(t, engine.Apply(ctx, "counters", events[2:]))
	assert.Equal(t, counterDoc{ID: "c1", Total: 7, Updates: 3}, readCounterDoc(t, docs, "c1"))

	require.NoError(t, engine.CatchUp(ctx, "counter-c1"))
	assert.Equal(t, counterDoc{ID: "c1", Total: 7, Updates: 3}, readCounterDoc(t, docs, "c1"))

	pos, err := docs.StreamPosition(ctx, "counters", "counter-c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)
}

func TestProjectionEngine_NotifyAfterFailureKeepsOrder(t *testing.T) {
	ctx := context.Background()
	engine, store, docs := newTestEngine(t,
		WithProjectionRetry(NoRetry()),
		WithCatchUpInterval(10*time.Millisecond))
	require.NoError(t, engine.Start(ctx))
	defer func() { _ = engine.Stop(ctx) }()

	events := seedCounter(t, store, "c1", 1, 2, 4)
	engine.Notify(events[:1])
	require.NoError(t, engine.Drain(ctx))

	docs.FailWith(errors.New("connection refused"))
	engine.Notify(events[1:2])
	require.Eventually(t, func() bool {
		status, err := engine.Status("counters")
		return err == nil && status.Failures > 0
	}, time.Second, 5*time.Millisecond)

	docs.FailWith(nil)
	engine.Notify(events[2:])

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Drain(drainCtx))
	assert.Equal(t, counterDoc{ID: "c1", Total: 7, Updates: 3}, readCounterDoc(t, docs, "c1"))
}

func TestProjectionEngine_GapAcrossUnhandledEvents(t *testing.T) {
	ctx := context.Background()
	engine, store, docs := newTestEngine(t)

	first := seedCounter(t, store, "c1", 1)
	_, err := store.Append(ctx, "counter-c1", 1, Events(Labelled{Label: "x"}), Metadata{})
	require.NoError(t, err)
	last := seedCounter(t, store, "c1", 5)

	require.NoError(t, engine.Apply(ctx, "counters", first))
	require.NoError(t, engine.Apply(ctx, "counters", last))
	assert.Equal(t, counterDoc{ID: "c1", Total: 6, Updates: 2}, readCounterDoc(t, docs, "c1"))

	status, err := engine.Status("counters")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), status.EventsApplied)
}

func TestProjectionEngine_PanickingFold(t *testing.T) {
	ctx := context.Background()
	store := newCounterStore(memory.NewAdapter())
	docs := memory.NewDocumentStore()
	engine := NewProjectionEngine(store, docs, WithProjectionRetry(NoRetry()))

	p := NewDocumentProjection[counterDoc]("fragile", func(e Event) string { return e.AggregateID() })
	When(p, func(*counterDoc, Incremented, Event) { panic("bad fold") })
	require.NoError(t, engine.Register(p))

	err := engine.Apply(ctx, "fragile", seedCounter(t, store, "c1", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRetryPolicies(t *testing.T) {
	storage := adapters.NewStorageError("save", errors.New("x"))

	p := ExponentialBackoffRetry(3, 10*time.Millisecond, 50*time.Millisecond)
	assert.True(t, p.ShouldRetry(0, storage))
	assert.True(t, p.ShouldRetry(2, storage))
	assert.False(t, p.ShouldRetry(3, storage))
	assert.False(t, p.ShouldRetry(0, errors.New("decode")))
	assert.False(t, p.ShouldRetry(0, nil))

	assert.Equal(t, 10*time.Millisecond, p.Delay(0))
	assert.Equal(t, 40*time.Millisecond, p.Delay(2))
	assert.Equal(t, 50*time.Millisecond, p.Delay(5))
	assert.Equal(t, 50*time.Millisecond, p.Delay(100))

	n := NoRetry()
	assert.False(t, n.ShouldRetry(0, storage))
	assert.Zero(t, n.Delay(1))
}

func TestProjectionRebuilder(t *testing.T) {
	ctx := context.Background()
	engine, store, docs := newTestEngine(t, WithReplayBatchSize(2))
	seedCounter(t, store, "c1", 1, 2, 3)
	seedCounter(t, store, "c2", 4)
	require.NoError(t, engine.Bootstrap(ctx))

	// Corrupt the stored document; a rebuild must restore it from the log.
	require.NoError(t, docs.DeleteProjection(ctx, "counters"))
	require.NoError(t, docs.SaveDocument(ctx, adapters.DocumentWrite{
		Projection: "counters", Key: "c1", Data: []byte(`{"total":999}`), StreamID: "counter-c1", Sequence: 3,
	}))

	var mu sync.Mutex
	var updates []RebuildProgress
	rebuilder := NewProjectionRebuilder(engine, WithProgressCallback(func(p RebuildProgress) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, p)
	}))

	require.NoError(t, rebuilder.Rebuild(ctx, "counters"))
	assert.Equal(t, counterDoc{ID: "c1", Total: 6, Updates: 3}, readCounterDoc(t, docs, "c1"))
	assert.Equal(t, 4, readCounterDoc(t, docs, "c2").Total)

	mu.Lock()
	require.NotEmpty(t, updates)
	final := updates[len(updates)-1]
	mu.Unlock()
	assert.True(t, final.Completed)
	assert.NoError(t, final.Error)
	assert.Equal(t, uint64(4), final.ProcessedEvents)
	assert.Equal(t, "counters", final.ProjectionName)

	t.Run("unknown projection", func(t *testing.T) {
		err := rebuilder.Rebuild(ctx, "missing")
		assert.ErrorIs(t, err, ErrUnknownProjection)
		assert.ErrorIs(t, rebuilder.RebuildAll(ctx, "counters", "missing"), ErrUnknownProjection)
	})

	t.Run("rebuild all", func(t *testing.T) {
		r := NewProjectionRebuilder(engine, WithRebuildConcurrency(2))
		require.NoError(t, r.RebuildAll(ctx))
		assert.Equal(t, 6, readCounterDoc(t, docs, "c1").Total)
	})
}

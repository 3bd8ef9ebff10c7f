// Package projections provides a fixture for testing projections in
// isolation. Events go through a real ProjectionEngine backed by memory
// stores, so position tracking and duplicate skipping behave as in production.
package projections

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters"
	"github.com/fortium/eventserver/adapters/memory"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// Fixture applies events to one projection and inspects its documents,
// decoded as D.
type Fixture[D any] struct {
	t          TB
	ctx        context.Context
	projection eventserver.Projection
	engine     *eventserver.ProjectionEngine
	docs       *memory.DocumentStore
	sequences  map[string]int64
	position   uint64
	events     []eventserver.Event
	clock      func() time.Time
}

// TestProjection creates a fixture for projection.
func TestProjection[D any](t TB, projection eventserver.Projection) *Fixture[D] {
	t.Helper()

	docs := memory.NewDocumentStore()
	engine := eventserver.NewProjectionEngine(
		eventserver.NewEventStore(memory.NewAdapter()),
		docs,
		eventserver.WithProjectionRetry(eventserver.NoRetry()),
	)
	if err := engine.Register(projection); err != nil {
		t.Fatalf("Failed to register projection: %v", err)
	}

	return &Fixture[D]{
		t:          t,
		ctx:        context.Background(),
		projection: projection,
		engine:     engine,
		docs:       docs,
		sequences:  make(map[string]int64),
		clock:      time.Now,
	}
}

// WithContext sets a custom context.
func (f *Fixture[D]) WithContext(ctx context.Context) *Fixture[D] {
	f.ctx = ctx
	return f
}

// WithClock sets the commit time stamped on events built by GivenEvents.
func (f *Fixture[D]) WithClock(now func() time.Time) *Fixture[D] {
	f.clock = now
	return f
}

// GivenEvents appends payloads to streamID with consecutive sequences and
// applies them. Event types are the payload struct names.
func (f *Fixture[D]) GivenEvents(streamID string, payloads ...interface{}) *Fixture[D] {
	f.t.Helper()

	events := make([]eventserver.Event, 0, len(payloads))
	for _, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			f.t.Fatalf("Failed to marshal event: %v", err)
		}
		f.sequences[streamID]++
		f.position++
		events = append(events, eventserver.Event{
			ID:             streamID + "/" + eventserver.GetEventType(payload),
			StreamID:       streamID,
			Type:           eventserver.GetEventType(payload),
			Sequence:       f.sequences[streamID],
			GlobalPosition: f.position,
			Data:           payload,
			Payload:        data,
			Metadata:       eventserver.Metadata{},
			CommittedAt:    f.clock(),
		})
	}
	return f.apply(events)
}

// GivenStoredEvents applies events exactly as given. Use it to redeliver
// events that were already applied.
func (f *Fixture[D]) GivenStoredEvents(events ...eventserver.Event) *Fixture[D] {
	f.t.Helper()
	return f.apply(events)
}

func (f *Fixture[D]) apply(events []eventserver.Event) *Fixture[D] {
	f.t.Helper()
	if err := f.engine.Apply(f.ctx, f.projection.Name(), events); err != nil {
		f.t.Fatalf("Failed to apply events: %v", err)
	}
	f.events = append(f.events, events...)
	return f
}

// Document returns the decoded document for key.
func (f *Fixture[D]) Document(key string) (*D, bool) {
	f.t.Helper()

	rec, err := f.docs.GetDocument(f.ctx, f.projection.Name(), key)
	if errors.Is(err, adapters.ErrDocumentNotFound) {
		return nil, false
	}
	if err != nil {
		f.t.Fatalf("Failed to get document %s: %v", key, err)
	}

	var doc D
	if err := json.Unmarshal(rec.Data, &doc); err != nil {
		f.t.Fatalf("Failed to decode document %s: %v", key, err)
	}
	return &doc, true
}

// ThenDocument asserts the document matches expected.
func (f *Fixture[D]) ThenDocument(key string, expected D) {
	f.t.Helper()

	actual := f.ThenDocumentExists(key)
	if actual == nil {
		return
	}
	if !reflect.DeepEqual(*actual, expected) {
		f.t.Errorf("Document mismatch:\nExpected: %+v\nActual: %+v", expected, *actual)
	}
}

// ThenDocumentExists asserts that a document exists and returns it.
func (f *Fixture[D]) ThenDocumentExists(key string) *D {
	f.t.Helper()

	doc, ok := f.Document(key)
	if !ok {
		f.t.Fatalf("Document %s not found", key)
		return nil
	}
	return doc
}

// ThenNoDocument asserts that no document exists for key.
func (f *Fixture[D]) ThenNoDocument(key string) {
	f.t.Helper()

	if doc, ok := f.Document(key); ok {
		f.t.Errorf("Expected document %s to not exist, but found: %+v", key, *doc)
	}
}

// ThenDocumentCount asserts the number of documents.
func (f *Fixture[D]) ThenDocumentCount(expected int) {
	f.t.Helper()

	n, err := f.docs.CountDocuments(f.ctx, f.projection.Name())
	if err != nil {
		f.t.Fatalf("Failed to count documents: %v", err)
	}
	if int(n) != expected {
		f.t.Errorf("Expected %d documents, got %d", expected, n)
	}
}

// ThenDocumentMatches runs check against the document.
func (f *Fixture[D]) ThenDocumentMatches(key string, check func(t TB, doc *D)) {
	f.t.Helper()

	if doc := f.ThenDocumentExists(key); doc != nil {
		check(f.t, doc)
	}
}

// ThenPosition asserts the highest sequence of streamID the projection has applied.
func (f *Fixture[D]) ThenPosition(streamID string, expected int64) {
	f.t.Helper()

	pos, err := f.docs.StreamPosition(f.ctx, f.projection.Name(), streamID)
	if err != nil {
		f.t.Fatalf("Failed to read position: %v", err)
	}
	if pos != expected {
		f.t.Errorf("Expected position %d for %s, got %d", expected, streamID, pos)
	}
}

// Events returns every event given to the fixture.
func (f *Fixture[D]) Events() []eventserver.Event {
	return f.events
}

// Engine returns the underlying engine.
func (f *Fixture[D]) Engine() *eventserver.ProjectionEngine {
	return f.engine
}

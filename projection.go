package eventserver

import (
	"encoding/json"
	"fmt"
	"time"
)

// Projection folds committed events into keyed read-model documents.
type Projection interface {
	// Name returns the unique identifier of the document collection.
	Name() string

	// HandledEvents returns the event types this projection consumes.
	// An empty list means every event type.
	HandledEvents() []string

	// Key returns the document key an event updates. ok is false for events
	// this projection ignores.
	Key(event Event) (key string, ok bool)

	// Apply folds event into the current document. doc is nil when the key
	// has no document yet. It must be deterministic.
	Apply(doc []byte, event Event) ([]byte, error)
}

// ProjectionState represents the current state of a projection.
type ProjectionState string

const (
	// ProjectionStateIdle indicates the projection is up to date.
	ProjectionStateIdle ProjectionState = "idle"

	// ProjectionStateRunning indicates the projection is applying events.
	ProjectionStateRunning ProjectionState = "running"

	// ProjectionStateFaulted indicates the last application failed after retries.
	ProjectionStateFaulted ProjectionState = "faulted"

	// ProjectionStateRebuilding indicates the projection is being rebuilt.
	ProjectionStateRebuilding ProjectionState = "rebuilding"

	// ProjectionStateCatchingUp indicates a catch-up or bootstrap replay.
	ProjectionStateCatchingUp ProjectionState = "catching_up"
)

// ProjectionStatus provides detailed information about a projection's current state.
type ProjectionStatus struct {
	// Name is the projection name.
	Name string

	// State is the current state of the projection.
	State ProjectionState

	// EventsApplied counts events folded into a document.
	EventsApplied uint64

	// EventsSkipped counts events already reflected in their document.
	EventsSkipped uint64

	// Failures counts events that could not be applied after retries.
	Failures uint64

	// LastAppliedAt is when the last event was applied.
	LastAppliedAt time.Time

	// Error contains the last error message if the projection is faulted.
	Error string
}

// ProjectionMetrics collects metrics about projection processing.
type ProjectionMetrics interface {
	// RecordEventProcessed records that an event was applied or failed.
	RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool)

	// RecordEventSkipped records an event ignored by the idempotence check.
	RecordEventSkipped(projectionName string)

	// RecordError records a projection error.
	RecordError(projectionName string, err error)
}

// noopProjectionMetrics is a no-op implementation of ProjectionMetrics.
type noopProjectionMetrics struct{}

func (m *noopProjectionMetrics) RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool) {
}

func (m *noopProjectionMetrics) RecordEventSkipped(projectionName string) {}

func (m *noopProjectionMetrics) RecordError(projectionName string, err error) {}

// ProjectionBase provides Name and HandledEvents.
// Embed this struct in your projection types to get common functionality.
type ProjectionBase struct {
	name          string
	handledEvents []string
}

// NewProjectionBase creates a new ProjectionBase.
func NewProjectionBase(name string, handledEvents ...string) ProjectionBase {
	return ProjectionBase{
		name:          name,
		handledEvents: handledEvents,
	}
}

// Name returns the projection name.
func (p *ProjectionBase) Name() string {
	return p.name
}

// HandledEvents returns the list of event types this projection handles.
func (p *ProjectionBase) HandledEvents() []string {
	return p.handledEvents
}

// HandlesEvent returns true if this projection handles the given event type.
func (p *ProjectionBase) HandlesEvent(eventType string) bool {
	if len(p.handledEvents) == 0 {
		return true
	}
	for _, et := range p.handledEvents {
		if et == eventType {
			return true
		}
	}
	return false
}

// DocumentProjection is a Projection over JSON documents of type D.
// Register folds per event type with When.
type DocumentProjection[D any] struct {
	ProjectionBase
	key   func(Event) string
	folds map[string]func(doc *D, event Event)
}

// NewDocumentProjection creates a projection named name. key returns the
// document key for an event, or "" to ignore it.
func NewDocumentProjection[D any](name string, key func(Event) string) *DocumentProjection[D] {
	return &DocumentProjection[D]{
		ProjectionBase: NewProjectionBase(name),
		key:            key,
		folds:          make(map[string]func(*D, Event)),
	}
}

// When registers the fold for events with payload type E.
func When[D, E any](p *DocumentProjection[D], fn func(doc *D, data E, event Event)) {
	var zero E
	eventType := GetEventType(zero)
	p.handledEvents = append(p.handledEvents, eventType)
	p.folds[eventType] = func(doc *D, event Event) {
		if data, ok := event.Data.(E); ok {
			fn(doc, data, event)
		}
	}
}

// Key returns the document key for events this projection folds.
func (p *DocumentProjection[D]) Key(event Event) (string, bool) {
	if _, ok := p.folds[event.Type]; !ok {
		return "", false
	}
	k := p.key(event)
	return k, k != ""
}

// Apply decodes doc, folds event into it and encodes it again.
func (p *DocumentProjection[D]) Apply(doc []byte, event Event) ([]byte, error) {
	fold, ok := p.folds[event.Type]
	if !ok {
		return doc, nil
	}

	var d D
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("eventserver: projection %s: decode document: %w", p.name, err)
		}
	}
	fold(&d, event)

	out, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("eventserver: projection %s: encode document: %w", p.name, err)
	}
	return out, nil
}

package eventserver

import (
	"reflect"
	"time"

	"github.com/fortium/eventserver/adapters"
)

// Metadata contains contextual information about an event.
type Metadata = adapters.Metadata

// EventData is an event proposed by a command handler, not yet committed.
type EventData struct {
	// Type is the event type name (the payload's struct name).
	Type string

	// Data is the typed payload.
	Data interface{}
}

// NewEventData wraps a typed payload, deriving the type from its struct name.
func NewEventData(data interface{}) EventData {
	return EventData{Type: GetEventType(data), Data: data}
}

// Events is a convenience for handlers returning one or more events.
func Events(data ...interface{}) []EventData {
	out := make([]EventData, len(data))
	for i, d := range data {
		out[i] = NewEventData(d)
	}
	return out
}

// Event is a committed, immutable event.
type Event struct {
	// ID is the unique event identifier.
	ID string

	// StreamID identifies the aggregate stream.
	StreamID string

	// Type is the event type name.
	Type string

	// Sequence is the 1-based, gapless position within the stream.
	Sequence int64

	// GlobalPosition orders events across all streams.
	GlobalPosition uint64

	// Data is the decoded, typed payload.
	Data interface{}

	// Payload is the serialized payload as stored.
	Payload []byte

	// Metadata carries correlation and causation identifiers.
	Metadata Metadata

	// CommittedAt is when the event log accepted the event.
	CommittedAt time.Time
}

// AggregateID returns the id portion of the stream ID.
func (e Event) AggregateID() string {
	category := adapters.ExtractCategory(e.StreamID)
	if len(e.StreamID) <= len(category)+1 {
		return ""
	}
	return e.StreamID[len(category)+1:]
}

// AggregateType returns the type portion of the stream ID.
func (e Event) AggregateType() string {
	return adapters.ExtractCategory(e.StreamID)
}

// GetEventType returns the struct name used as event type for data.
func GetEventType(data interface{}) string {
	if data == nil {
		return ""
	}
	t := reflect.TypeOf(data)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

func eventFromStored(se adapters.StoredEvent, data interface{}) Event {
	return Event{
		ID:             se.ID,
		StreamID:       se.StreamID,
		Type:           se.Type,
		Sequence:       se.Version,
		GlobalPosition: se.GlobalPosition,
		Data:           data,
		Payload:        se.Data,
		Metadata:       se.Metadata,
		CommittedAt:    se.Timestamp,
	}
}

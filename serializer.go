package eventserver

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Serializer handles event payload serialization and deserialization.
type Serializer interface {
	// Register maps eventType to the Go type of example.
	Register(eventType string, example interface{})

	// Serialize converts an event payload to bytes.
	Serialize(event interface{}) ([]byte, error)

	// Deserialize converts bytes back to a value of the registered type.
	// Unregistered types fail with ErrUnknownEventType.
	Deserialize(data []byte, eventType string) (interface{}, error)
}

// EventRegistry maps event type names to Go types.
type EventRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewEventRegistry creates a new empty EventRegistry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{types: make(map[string]reflect.Type)}
}

// Register adds a mapping from eventType to the Go type of the example.
func (r *EventRegistry) Register(eventType string, example interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(example)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.types[eventType] = t
}

// Lookup returns the Go type for the given event type name.
func (r *EventRegistry) Lookup(eventType string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[eventType]
	return t, ok
}

// RegisteredTypes returns the sorted registered event type names.
func (r *EventRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for t := range r.types {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct {
	registry *EventRegistry
}

// NewJSONSerializer creates a new JSONSerializer with an empty registry.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{registry: NewEventRegistry()}
}

// Register adds an event type to the serializer's registry.
func (s *JSONSerializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// Registry returns the underlying EventRegistry.
func (s *JSONSerializer) Registry() *EventRegistry {
	return s.registry
}

// Serialize converts an event to JSON bytes.
func (s *JSONSerializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, NewSerializationError(GetEventType(event), "serialize", err)
	}
	return data, nil
}

// Deserialize converts JSON bytes back to a value of the registered type.
func (s *JSONSerializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, NewUnknownEventTypeError("", eventType)
	}
	if len(data) == 0 {
		return nil, NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}

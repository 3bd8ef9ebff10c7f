// Package msgpack provides a MessagePack Serializer for event payloads.
//
// MessagePack payloads are smaller than JSON and keep the same field names:
// the encoder reads `json` struct tags, so domain events need no extra tags.
//
//	s := msgpack.NewSerializer()
//	svc := eventserver.NewService(adapter, docs, eventserver.WithServiceSerializer(s))
package msgpack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/fortium/eventserver"
)

const structTag = "json"

var _ eventserver.Serializer = (*Serializer)(nil)

// Serializer is a MessagePack implementation of eventserver.Serializer.
type Serializer struct {
	registry *eventserver.EventRegistry
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer() *Serializer {
	return &Serializer{registry: eventserver.NewEventRegistry()}
}

// Register maps eventType to the Go type of example.
func (s *Serializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// Registry returns the underlying registry.
func (s *Serializer) Registry() *eventserver.EventRegistry {
	return s.registry
}

// Serialize converts an event payload to MessagePack bytes.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, eventserver.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag(structTag)
	if err := enc.Encode(event); err != nil {
		return nil, eventserver.NewSerializationError(eventserver.GetEventType(event), "serialize", err)
	}
	return buf.Bytes(), nil
}

// Deserialize converts MessagePack bytes back to a value of the registered type.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, eventserver.NewUnknownEventTypeError("", eventType)
	}
	if len(data) == 0 {
		return nil, eventserver.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	ptr := reflect.New(t)
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag(structTag)
	if err := dec.Decode(ptr.Interface()); err != nil {
		return nil, eventserver.NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}

// ToJSON re-encodes a payload as JSON for display. JSON input is returned
// unchanged.
func ToJSON(data []byte) (json.RawMessage, error) {
	if json.Valid(data) {
		return data, nil
	}
	var v interface{}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag(structTag)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("eventserver/msgpack: decode payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("eventserver/msgpack: encode json: %w", err)
	}
	return out, nil
}

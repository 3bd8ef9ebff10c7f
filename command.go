package eventserver

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command is an immutable request to change one aggregate. It is never
// persisted, and a rejected command leaves no trace in the event log.
type Command struct {
	// AggregateType selects the Definition ("partner", "payment", ...).
	AggregateType string

	// AggregateID is the target instance.
	AggregateID string

	// Type is the command type ("CreatePartner", "AddSkill", ...).
	Type string

	// Payload is the encoded command body.
	Payload []byte

	// ExpectedVersion, when set, is a client precondition on the stream
	// version checked before the handler runs.
	ExpectedVersion *int64

	// Metadata is copied onto every event the command produces.
	Metadata Metadata
}

// NewCommand creates a command for aggregateType/aggregateID.
func NewCommand(aggregateType, aggregateID, cmdType string, payload []byte) Command {
	return Command{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          cmdType,
		Payload:       payload,
	}
}

// NewJSONCommand marshals payload and builds a command from it.
func NewJSONCommand(aggregateType, aggregateID, cmdType string, payload interface{}) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("eventserver: encode %s payload: %w", cmdType, err)
	}
	return NewCommand(aggregateType, aggregateID, cmdType, data), nil
}

// WithExpectedVersion returns a copy of the command with a version precondition.
func (c Command) WithExpectedVersion(v int64) Command {
	c.ExpectedVersion = &v
	return c
}

// StreamID returns the stream the command targets.
func (c Command) StreamID() string {
	return BuildStreamID(c.AggregateType, c.AggregateID)
}

// Validate checks the envelope, not the payload.
func (c Command) Validate() error {
	v := NewValidationError(c.Type)
	v.Require("aggregateType", c.AggregateType)
	v.Require("aggregateId", c.AggregateID)
	v.Require("commandType", c.Type)
	return v.Err()
}

// Decode unmarshals the JSON payload into target. A malformed document is
// reported as a ValidationError. An empty payload decodes as "{}".
func (c Command) Decode(target interface{}) error {
	payload := c.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	if err := json.Unmarshal(payload, target); err != nil {
		v := NewValidationError(c.Type)
		v.Add("payload", "is malformed: "+err.Error())
		return v
	}
	return nil
}

// Validator is implemented by command payloads that check their own fields.
type Validator interface {
	Validate() error
}

// CommandResult is the outcome of a successfully handled command.
type CommandResult struct {
	// AggregateType and AggregateID identify the aggregate.
	AggregateType string
	AggregateID   string

	// Version is the stream version after the command.
	Version int64

	// Events are the events committed by this command, in commit order.
	// Empty when the handler decided the command was a no-op.
	Events []Event

	// Retried is true when the command was re-evaluated after a conflict.
	Retried bool

	// Replayed is true when the result came from the idempotency store
	// instead of a fresh evaluation.
	Replayed bool
}

// NoOp reports whether the command committed nothing.
func (r *CommandResult) NoOp() bool {
	return len(r.Events) == 0
}

// AcceptedEvent is the boundary view of a committed event.
type AcceptedEvent struct {
	Type           string `json:"type"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// Accepted lists the committed events as type/sequence pairs.
func (r *CommandResult) Accepted() []AcceptedEvent {
	out := make([]AcceptedEvent, len(r.Events))
	for i, e := range r.Events {
		out[i] = AcceptedEvent{Type: e.Type, SequenceNumber: e.Sequence}
	}
	return out
}

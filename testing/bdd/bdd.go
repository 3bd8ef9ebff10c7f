// Package bdd provides BDD-style test fixtures for aggregate definitions.
// It enables expressive Given-When-Then testing of command handling
// without an event log, and of full submissions through a Service.
package bdd

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/fortium/eventserver"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// TestFixture evaluates commands against a definition's pure tables.
type TestFixture[S any] struct {
	t           TB
	def         *eventserver.Definition[S]
	id          string
	givenEvents []interface{}
	state       eventserver.AggregateState[S]
	produced    []eventserver.EventData
	result      error
	executed    bool
}

// Given sets up aggregate id with optional historical events.
// This establishes the "Given" state before executing a command.
func Given[S any](t TB, def *eventserver.Definition[S], id string, events ...interface{}) *TestFixture[S] {
	t.Helper()
	return &TestFixture[S]{
		t:           t,
		def:         def,
		id:          id,
		givenEvents: events,
	}
}

// When evaluates a command. payload is encoded as JSON unless it is already
// a []byte.
func (f *TestFixture[S]) When(cmdType string, payload interface{}) *TestFixture[S] {
	f.t.Helper()

	f.state = f.def.New(f.id)
	for i, data := range f.givenEvents {
		event := eventserver.Event{
			StreamID: eventserver.BuildStreamID(f.def.Name(), f.id),
			Type:     eventserver.GetEventType(data),
			Sequence: int64(i + 1),
			Data:     data,
		}
		next, err := f.def.Apply(f.state, event)
		if err != nil {
			f.t.Fatalf("Failed to apply given event %T: %v", data, err)
		}
		f.state = next
	}

	raw, ok := payload.([]byte)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			f.t.Fatalf("Failed to encode %s payload: %v", cmdType, err)
		}
	}

	cmd := eventserver.NewCommand(f.def.Name(), f.id, cmdType, raw)
	f.produced, f.result = f.def.Evaluate(f.state, cmd)
	f.executed = true
	return f
}

// Then asserts that the command produced exactly the expected events.
func (f *TestFixture[S]) Then(expectedEvents ...interface{}) {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: Then() must be called after When() - no command was executed")
	}

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	if len(f.produced) != len(expectedEvents) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expectedEvents), len(f.produced), expectedEvents, f.produced)
	}

	for i, expected := range expectedEvents {
		if !reflect.DeepEqual(f.produced[i].Data, expected) {
			f.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v",
				i, expected, f.produced[i].Data)
		}
	}
}

// ThenError asserts that the command produced the expected error.
func (f *TestFixture[S]) ThenError(expectedErr error) {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenError() must be called after When() - no command was executed")
	}

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}

	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.result)
	}
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *TestFixture[S]) ThenErrorContains(substring string) {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenErrorContains() must be called after When() - no command was executed")
	}

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}

	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.result.Error())
	}
}

// ThenRuleViolated asserts a business rule violation with exactly message.
func (f *TestFixture[S]) ThenRuleViolated(message string) {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenRuleViolated() must be called after When() - no command was executed")
	}

	var rule *eventserver.BusinessRuleError
	if !errors.As(f.result, &rule) {
		f.t.Fatalf("Expected business rule %q, got %v", message, f.result)
	}
	if rule.Message != message {
		f.t.Errorf("Expected business rule %q, got %q", message, rule.Message)
	}
}

// ThenInvalid asserts a validation error naming every listed field.
func (f *TestFixture[S]) ThenInvalid(fields ...string) {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenInvalid() must be called after When() - no command was executed")
	}

	var ve *eventserver.ValidationError
	if !errors.As(f.result, &ve) {
		f.t.Fatalf("Expected validation error, got %v", f.result)
	}
	for _, field := range fields {
		found := false
		for _, fe := range ve.Errors {
			if fe.Field == field {
				found = true
				break
			}
		}
		if !found {
			f.t.Errorf("Expected field %q to fail validation, got %v", field, ve.Errors)
		}
	}
}

// ThenNoEvents asserts that the command was accepted as a no-op.
func (f *TestFixture[S]) ThenNoEvents() {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenNoEvents() must be called after When() - no command was executed")
	}

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	if len(f.produced) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(f.produced), f.produced)
	}
}

// ThenState folds the produced events into the given state and passes the
// result to check.
func (f *TestFixture[S]) ThenState(check func(state eventserver.AggregateState[S])) {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenState() must be called after When() - no command was executed")
	}

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	state := f.state
	for i, ed := range f.produced {
		next, err := f.def.Apply(state, eventserver.Event{
			StreamID: eventserver.BuildStreamID(f.def.Name(), f.id),
			Type:     ed.Type,
			Sequence: f.state.Version + int64(i+1),
			Data:     ed.Data,
		})
		if err != nil {
			f.t.Fatalf("Failed to apply produced event %s: %v", ed.Type, err)
		}
		state = next
	}
	check(state)
}

// Produced returns the events of the last When.
func (f *TestFixture[S]) Produced() []eventserver.EventData {
	return f.produced
}

// SubmitTestFixture provides BDD-style testing through a Service.
type SubmitTestFixture struct {
	t           TB
	ctx         context.Context
	svc         *eventserver.Service
	givenEvents []givenEvent
	result      *eventserver.SubmitResult
	err         error
	executed    bool
}

type givenEvent struct {
	aggregateType string
	aggregateID   string
	data          interface{}
}

// GivenService creates a submission fixture over svc.
func GivenService(t TB, svc *eventserver.Service) *SubmitTestFixture {
	t.Helper()
	return &SubmitTestFixture{
		t:   t,
		ctx: context.Background(),
		svc: svc,
	}
}

// WithContext sets a custom context for the submission.
func (f *SubmitTestFixture) WithContext(ctx context.Context) *SubmitTestFixture {
	f.ctx = ctx
	return f
}

// WithExistingEvents appends events to the aggregate's stream before When.
func (f *SubmitTestFixture) WithExistingEvents(aggregateType, aggregateID string, events ...interface{}) *SubmitTestFixture {
	for _, event := range events {
		f.givenEvents = append(f.givenEvents, givenEvent{
			aggregateType: aggregateType,
			aggregateID:   aggregateID,
			data:          event,
		})
	}
	return f
}

// When submits the command.
func (f *SubmitTestFixture) When(aggregateType, aggregateID, cmdType string, payload interface{}) *SubmitTestFixture {
	f.t.Helper()

	for _, ge := range f.givenEvents {
		streamID := eventserver.BuildStreamID(ge.aggregateType, ge.aggregateID)
		_, err := f.svc.Store().Append(f.ctx, streamID, eventserver.AnyVersion,
			eventserver.Events(ge.data), eventserver.Metadata{})
		if err != nil {
			f.t.Fatalf("Failed to store given event: %v", err)
		}
	}

	raw, ok := payload.([]byte)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			f.t.Fatalf("Failed to encode %s payload: %v", cmdType, err)
		}
	}

	f.result, f.err = f.svc.Submit(f.ctx, aggregateType, aggregateID, cmdType, raw)
	f.executed = true
	return f
}

// ThenSucceeds asserts the submission succeeded.
func (f *SubmitTestFixture) ThenSucceeds() *SubmitTestFixture {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenSucceeds() must be called after When() - no command was submitted")
	}

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}

	return f
}

// ThenFails asserts the submission failed with the expected kind.
func (f *SubmitTestFixture) ThenFails(kind eventserver.ErrorKind) *SubmitTestFixture {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenFails() must be called after When() - no command was submitted")
	}

	if f.err == nil {
		f.t.Fatal("Expected failure but got success")
	}

	if f.result.ErrorKind != kind {
		f.t.Errorf("Expected error kind %s, got %s (%v)", kind, f.result.ErrorKind, f.err)
	}

	return f
}

// ThenMessage asserts the caller-facing error message.
func (f *SubmitTestFixture) ThenMessage(expected string) *SubmitTestFixture {
	f.t.Helper()

	if f.result == nil || f.result.Message != expected {
		f.t.Errorf("Expected message %q, got %+v", expected, f.result)
	}

	return f
}

// ThenAccepted asserts the accepted event types in order.
func (f *SubmitTestFixture) ThenAccepted(eventTypes ...string) *SubmitTestFixture {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenAccepted() must be called after When() - no command was submitted")
	}

	got := make([]string, len(f.result.AcceptedEvents))
	for i, a := range f.result.AcceptedEvents {
		got[i] = a.Type
	}
	if !reflect.DeepEqual(got, append([]string{}, eventTypes...)) {
		f.t.Errorf("Expected accepted events %v, got %v", eventTypes, got)
	}

	return f
}

// ThenReturnsVersion asserts the stream version after the submission.
func (f *SubmitTestFixture) ThenReturnsVersion(expected int64) *SubmitTestFixture {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenReturnsVersion() must be called after When() - no command was submitted")
	}

	if f.result.Version != expected {
		f.t.Errorf("Expected version %d, got %d", expected, f.result.Version)
	}

	return f
}

// Result returns the boundary result of the last When.
func (f *SubmitTestFixture) Result() *eventserver.SubmitResult {
	return f.result
}

// Package assertions checks committed events in tests: their types and
// payloads, stream sequencing, and metadata propagation.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/fortium/eventserver"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// AssertEventTypes checks that the events have the expected types in order.
func AssertEventTypes(t TB, events []eventserver.Event, types ...string) {
	t.Helper()

	if len(events) != len(types) {
		t.Fatalf("Expected %d events, got %d", len(types), len(events))
	}

	for i, expectedType := range types {
		if events[i].Type != expectedType {
			t.Errorf("Event %d: expected type %s, got %s", i, expectedType, events[i].Type)
		}
	}
}

// AssertEventData checks that the payload of event equals expected.
func AssertEventData[T any](t TB, event eventserver.Event, expected T) {
	t.Helper()

	actual, ok := event.Data.(T)
	if !ok {
		t.Fatalf("Event payload is not of expected type %T, got %T", expected, event.Data)
	}

	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("Event data mismatch:\nExpected: %+v\nActual: %+v", expected, actual)
	}
}

// AssertEventAtIndex checks the payload of the event at index.
func AssertEventAtIndex[T any](t TB, events []eventserver.Event, index int, expected T) {
	t.Helper()

	if index < 0 || index >= len(events) {
		t.Fatalf("Index %d out of bounds, have %d events", index, len(events))
	}

	AssertEventData(t, events[index], expected)
}

// AssertNoEvents checks that no events were produced.
func AssertNoEvents(t TB, events []eventserver.Event) {
	t.Helper()

	if len(events) > 0 {
		t.Errorf("Expected no events, got %d: %s", len(events), typeList(events))
	}
}

// AssertContainsEvent checks that some event carries expected as payload.
func AssertContainsEvent[T any](t TB, events []eventserver.Event, expected T) {
	t.Helper()

	if CountMatches(events, MatchEvent(expected)) == 0 {
		t.Errorf("Events do not contain expected event: %+v", expected)
	}
}

// AssertStreamSequence checks that events belong to streamID and carry the
// consecutive sequences from, from+1, ...
func AssertStreamSequence(t TB, events []eventserver.Event, streamID string, from int64) {
	t.Helper()

	for i, e := range events {
		if e.StreamID != streamID {
			t.Errorf("Event %d: expected stream %s, got %s", i, streamID, e.StreamID)
		}
		if want := from + int64(i); e.Sequence != want {
			t.Errorf("Event %d: expected sequence %d, got %d", i, want, e.Sequence)
		}
	}
}

// AssertGlobalOrder checks that global positions strictly increase.
func AssertGlobalOrder(t TB, events []eventserver.Event) {
	t.Helper()

	for i := 1; i < len(events); i++ {
		if events[i].GlobalPosition <= events[i-1].GlobalPosition {
			t.Errorf("Event %d: global position %d does not follow %d",
				i, events[i].GlobalPosition, events[i-1].GlobalPosition)
		}
	}
}

// AssertCorrelated checks that every event carries correlationID.
func AssertCorrelated(t TB, events []eventserver.Event, correlationID string) {
	t.Helper()

	for i, e := range events {
		if e.Metadata.CorrelationID != correlationID {
			t.Errorf("Event %d (%s): expected correlation %q, got %q",
				i, e.Type, correlationID, e.Metadata.CorrelationID)
		}
	}
}

func typeList(events []eventserver.Event) string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return strings.Join(types, ", ")
}

// EventDiff represents a difference between expected and actual payloads.
type EventDiff struct {
	Index    int
	Expected interface{}
	Actual   interface{}
	Type     DiffType
}

// DiffType represents the type of difference.
type DiffType int

const (
	// DiffMissing indicates an expected event was not present.
	DiffMissing DiffType = iota
	// DiffExtra indicates an unexpected event was present.
	DiffExtra
	// DiffMismatch indicates event data did not match.
	DiffMismatch
)

// String returns a human-readable representation of the diff type.
func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// DiffEvents compares expected payloads with the payloads of actual.
func DiffEvents(expected []interface{}, actual []eventserver.Event) []EventDiff {
	var diffs []EventDiff

	for i := 0; i < max(len(expected), len(actual)); i++ {
		switch {
		case i >= len(expected):
			diffs = append(diffs, EventDiff{Index: i, Actual: actual[i].Data, Type: DiffExtra})
		case i >= len(actual):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Type: DiffMissing})
		case !reflect.DeepEqual(expected[i], actual[i].Data):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Actual: actual[i].Data, Type: DiffMismatch})
		}
	}

	return diffs
}

// FormatDiffs formats event diffs as a human-readable string.
func FormatDiffs(diffs []EventDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("Event differences:\n")
	for _, diff := range diffs {
		fmt.Fprintf(&buf, "  Event %d (%s):\n", diff.Index, diff.Type)
		switch diff.Type {
		case DiffExtra:
			fmt.Fprintf(&buf, "    + %T %+v (unexpected)\n", diff.Actual, diff.Actual)
		case DiffMissing:
			fmt.Fprintf(&buf, "    - %T %+v (missing)\n", diff.Expected, diff.Expected)
		case DiffMismatch:
			fmt.Fprintf(&buf, "    - %T %+v\n", diff.Expected, diff.Expected)
			fmt.Fprintf(&buf, "    + %T %+v\n", diff.Actual, diff.Actual)
		}
	}
	return buf.String()
}

// AssertEventsEqual fails if the payloads of actual differ from expected.
func AssertEventsEqual(t TB, expected []interface{}, actual []eventserver.Event) {
	t.Helper()

	if diffs := DiffEvents(expected, actual); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// EventMatcher is a function that checks if an event matches certain criteria.
type EventMatcher func(event eventserver.Event) bool

// MatchEventType returns a matcher that checks for a specific event type.
func MatchEventType(typeName string) EventMatcher {
	return func(event eventserver.Event) bool {
		return event.Type == typeName
	}
}

// MatchEvent returns a matcher that checks for an exact payload.
func MatchEvent[T any](expected T) EventMatcher {
	return func(event eventserver.Event) bool {
		actual, ok := event.Data.(T)
		return ok && reflect.DeepEqual(actual, expected)
	}
}

// MatchStream returns a matcher for events of streamID.
func MatchStream(streamID string) EventMatcher {
	return func(event eventserver.Event) bool {
		return event.StreamID == streamID
	}
}

// AssertAnyMatch checks that at least one event matches the matcher.
func AssertAnyMatch(t TB, events []eventserver.Event, matcher EventMatcher) {
	t.Helper()

	if CountMatches(events, matcher) == 0 {
		t.Error("No event matched the criteria")
	}
}

// AssertNoneMatch checks that no events match the matcher.
func AssertNoneMatch(t TB, events []eventserver.Event, matcher EventMatcher) {
	t.Helper()

	for i, event := range events {
		if matcher(event) {
			t.Errorf("Event %d unexpectedly matched: %s", i, event.Type)
		}
	}
}

// CountMatches returns the number of events that match the matcher.
func CountMatches(events []eventserver.Event, matcher EventMatcher) int {
	count := 0
	for _, event := range events {
		if matcher(event) {
			count++
		}
	}
	return count
}

// FilterEvents returns events that match the matcher.
func FilterEvents(events []eventserver.Event, matcher EventMatcher) []eventserver.Event {
	var result []eventserver.Event
	for _, event := range events {
		if matcher(event) {
			result = append(result, event)
		}
	}
	return result
}

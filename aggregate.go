package eventserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AggregateState is the materialized state of one aggregate instance.
// Version equals the sequence number of the last applied event.
type AggregateState[S any] struct {
	ID      string
	Version int64
	Data    S
}

// Exists reports whether at least one event has been applied.
func (s AggregateState[S]) Exists() bool {
	return s.Version > 0
}

type reducerFunc[S any] func(S, Event) (S, error)

type handlerFunc[S any] func(AggregateState[S], Command) ([]EventData, error)

// Definition describes one aggregate type: its zero state, the reducer
// table keyed by event type and the handler table keyed by command type.
// Tables are filled at startup with On and Handle and are read-only after
// the definition is registered.
type Definition[S any] struct {
	name     string
	initial  func() S
	reducers map[string]reducerFunc[S]
	examples map[string]interface{}
	handlers map[string]handlerFunc[S]

	declaredEvents   []string
	declaredCommands []string
}

// NewDefinition creates an empty definition for aggregateType.
func NewDefinition[S any](aggregateType string, initial func() S) *Definition[S] {
	return &Definition[S]{
		name:     aggregateType,
		initial:  initial,
		reducers: make(map[string]reducerFunc[S]),
		examples: make(map[string]interface{}),
		handlers: make(map[string]handlerFunc[S]),
	}
}

// DeclareEvents records the event types this aggregate produces.
func (d *Definition[S]) DeclareEvents(examples ...interface{}) *Definition[S] {
	for _, ex := range examples {
		d.declaredEvents = append(d.declaredEvents, GetEventType(ex))
	}
	return d
}

// DeclareCommands records the command types this aggregate accepts.
func (d *Definition[S]) DeclareCommands(types ...string) *Definition[S] {
	d.declaredCommands = append(d.declaredCommands, types...)
	return d
}

// On registers the reducer for events of type E. The event type name is the
// struct name of E.
func On[S, E any](d *Definition[S], fn func(state S, data E, event Event) S) {
	var zero E
	eventType := GetEventType(zero)
	d.examples[eventType] = zero
	d.reducers[eventType] = func(state S, event Event) (S, error) {
		data, ok := event.Data.(E)
		if !ok {
			return state, NewSerializationError(eventType, "apply",
				fmt.Errorf("payload has type %T", event.Data))
		}
		return fn(state, data, event), nil
	}
}

// Handle registers the handler for cmdType. The payload is decoded into C
// and validated when C implements Validator before fn runs.
func Handle[S, C any](d *Definition[S], cmdType string, fn func(state AggregateState[S], cmd C) ([]EventData, error)) {
	d.handlers[cmdType] = func(state AggregateState[S], cmd Command) ([]EventData, error) {
		var payload C
		if err := cmd.Decode(&payload); err != nil {
			return nil, err
		}
		if v, ok := any(payload).(Validator); ok {
			if err := v.Validate(); err != nil {
				var ve *ValidationError
				if errors.As(err, &ve) && ve.CommandType == "" {
					ve.CommandType = cmdType
				}
				return nil, err
			}
		}
		return fn(state, payload)
	}
}

// Name returns the aggregate type.
func (d *Definition[S]) Name() string {
	return d.name
}

// EventTypes returns the sorted event types with a reducer.
func (d *Definition[S]) EventTypes() []string {
	return sortedKeys(d.reducers)
}

// CommandTypes returns the sorted command types with a handler.
func (d *Definition[S]) CommandTypes() []string {
	return sortedKeys(d.handlers)
}

// RegisterEvents registers every reducer payload type with s.
func (d *Definition[S]) RegisterEvents(s Serializer) {
	for eventType, example := range d.examples {
		s.Register(eventType, example)
	}
}

// Validate checks the tables against the declared event and command sets.
func (d *Definition[S]) Validate() error {
	var problems []string
	if d.name == "" {
		problems = append(problems, "aggregate type is required")
	}
	if strings.Contains(d.name, "-") {
		problems = append(problems, "aggregate type must not contain '-'")
	}
	if d.initial == nil {
		problems = append(problems, "initial state constructor is required")
	}
	if len(d.declaredEvents) == 0 {
		problems = append(problems, "no events declared")
	}
	if len(d.declaredCommands) == 0 {
		problems = append(problems, "no commands declared")
	}

	declaredEvents := make(map[string]bool, len(d.declaredEvents))
	for _, e := range d.declaredEvents {
		declaredEvents[e] = true
		if _, ok := d.reducers[e]; !ok {
			problems = append(problems, fmt.Sprintf("event %s has no reducer", e))
		}
	}
	for _, e := range d.EventTypes() {
		if !declaredEvents[e] {
			problems = append(problems, fmt.Sprintf("reducer for undeclared event %s", e))
		}
	}

	declaredCommands := make(map[string]bool, len(d.declaredCommands))
	for _, c := range d.declaredCommands {
		declaredCommands[c] = true
		if _, ok := d.handlers[c]; !ok {
			problems = append(problems, fmt.Sprintf("command %s has no handler", c))
		}
	}
	for _, c := range d.CommandTypes() {
		if !declaredCommands[c] {
			problems = append(problems, fmt.Sprintf("handler for undeclared command %s", c))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidDefinition, d.name, strings.Join(problems, "; "))
	}
	return nil
}

// New returns the empty state for id.
func (d *Definition[S]) New(id string) AggregateState[S] {
	return AggregateState[S]{ID: id, Data: d.initial()}
}

// Apply folds one committed event into state. The event must be the next
// one in the stream.
func (d *Definition[S]) Apply(state AggregateState[S], event Event) (AggregateState[S], error) {
	fn, ok := d.reducers[event.Type]
	if !ok {
		return state, NewUnknownEventTypeError(d.name, event.Type)
	}
	if event.Sequence != state.Version+1 {
		return state, fmt.Errorf("eventserver: %s event %d applied at version %d", event.StreamID, event.Sequence, state.Version)
	}
	next, err := fn(state.Data, event)
	if err != nil {
		return state, err
	}
	state.Data = next
	state.Version = event.Sequence
	return state, nil
}

// Replay folds events in order from the empty state.
func (d *Definition[S]) Replay(id string, events []Event) (AggregateState[S], error) {
	state := d.New(id)
	for _, e := range events {
		var err error
		if state, err = d.Apply(state, e); err != nil {
			return state, err
		}
	}
	return state, nil
}

// Evaluate runs the handler for cmd against state and returns the proposed
// events. It never touches the event log.
func (d *Definition[S]) Evaluate(state AggregateState[S], cmd Command) ([]EventData, error) {
	fn, ok := d.handlers[cmd.Type]
	if !ok {
		return nil, &HandlerNotFoundError{AggregateType: d.name, CommandType: cmd.Type}
	}
	events, err := fn(state, cmd)
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].Type == "" {
			events[i].Type = GetEventType(events[i].Data)
		}
		if _, ok := d.reducers[events[i].Type]; !ok {
			return nil, NewUnknownEventTypeError(d.name, events[i].Type)
		}
	}
	return events, nil
}

// AggregateDefinition is the type-erased view of a Definition used by the
// router and actors.
type AggregateDefinition interface {
	Name() string
	EventTypes() []string
	CommandTypes() []string
	RegisterEvents(s Serializer)
	Validate() error
	newInstance(id string) aggregateInstance
}

// aggregateInstance is the mutable holder an actor keeps for one id.
type aggregateInstance interface {
	version() int64
	apply(event Event) error
	evaluate(cmd Command) ([]EventData, error)
	reset()
}

func (d *Definition[S]) newInstance(id string) aggregateInstance {
	return &boundAggregate[S]{def: d, state: d.New(id)}
}

type boundAggregate[S any] struct {
	def   *Definition[S]
	state AggregateState[S]
}

func (b *boundAggregate[S]) version() int64 {
	return b.state.Version
}

func (b *boundAggregate[S]) apply(event Event) error {
	next, err := b.def.Apply(b.state, event)
	if err != nil {
		return err
	}
	b.state = next
	return nil
}

func (b *boundAggregate[S]) evaluate(cmd Command) ([]EventData, error) {
	return b.def.Evaluate(b.state, cmd)
}

func (b *boundAggregate[S]) reset() {
	b.state = b.def.New(b.state.ID)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

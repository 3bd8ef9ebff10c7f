package eventserver

// Shared test doubles: a small "counter" aggregate, a projection over it and
// a recording logger.

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver/adapters"
	"github.com/fortium/eventserver/adapters/memory"
)

const counterType = "counter"

type counter struct {
	Total  int
	Labels []string
}

type Incremented struct {
	By int `json:"by"`
}

type Labelled struct {
	Label string `json:"label"`
}

type increment struct {
	By int `json:"by"`
}

func (c increment) Validate() error {
	v := NewValidationError("")
	if c.By <= 0 {
		v.Add("by", "must be positive")
	}
	return v.Err()
}

type label struct {
	Label string `json:"label"`
}

func counterDefinition() *Definition[counter] {
	d := NewDefinition(counterType, func() counter { return counter{} })

	On(d, func(s counter, e Incremented, _ Event) counter {
		s.Total += e.By
		return s
	})
	On(d, func(s counter, e Labelled, _ Event) counter {
		s.Labels = append(append([]string(nil), s.Labels...), e.Label)
		return s
	})

	Handle(d, "Increment", func(s AggregateState[counter], c increment) ([]EventData, error) {
		if s.Data.Total+c.By > 100 {
			return nil, NewBusinessRuleError("Counter limit reached")
		}
		return Events(Incremented{By: c.By}), nil
	})
	Handle(d, "Label", func(s AggregateState[counter], c label) ([]EventData, error) {
		for _, l := range s.Data.Labels {
			if l == c.Label {
				return nil, nil
			}
		}
		return Events(Labelled{Label: c.Label}), nil
	})
	Handle(d, "Panic", func(AggregateState[counter], struct{}) ([]EventData, error) {
		panic("boom")
	})

	d.DeclareEvents(Incremented{}, Labelled{})
	d.DeclareCommands("Increment", "Label", "Panic")
	return d
}

type counterDoc struct {
	ID      string `json:"id"`
	Total   int    `json:"total"`
	Updates int    `json:"updates"`
}

func counterProjection() *DocumentProjection[counterDoc] {
	p := NewDocumentProjection[counterDoc]("counters", func(e Event) string {
		return e.AggregateID()
	})
	When(p, func(d *counterDoc, e Incremented, ev Event) {
		d.ID = ev.AggregateID()
		d.Total += e.By
		d.Updates++
	})
	return p
}

func incrementCmd(t *testing.T, id string, by int) Command {
	t.Helper()
	cmd, err := NewJSONCommand(counterType, id, "Increment", increment{By: by})
	require.NoError(t, err)
	return cmd
}

func labelCmd(t *testing.T, id, l string) Command {
	t.Helper()
	cmd, err := NewJSONCommand(counterType, id, "Label", label{Label: l})
	require.NoError(t, err)
	return cmd
}

// newTestRouter returns a router over adapter with the counter aggregate
// registered. The router is closed when the test ends.
func newTestRouter(t *testing.T, adapter adapters.EventStoreAdapter, opts ...RouterOption) *Router {
	t.Helper()
	r := NewRouter(NewEventStore(adapter), opts...)
	require.NoError(t, r.Register(counterDefinition()))
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

// newTestService returns a started service with the counter aggregate and
// projection registered.
func newTestService(t *testing.T, adapter adapters.EventStoreAdapter, docs adapters.DocumentStore, opts ...ServiceOption) *Service {
	t.Helper()
	svc := NewService(adapter, docs, opts...)
	require.NoError(t, svc.RegisterAggregate(counterDefinition()))
	require.NoError(t, svc.RegisterProjection(counterProjection()))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

// appendRaw writes an Incremented event straight to the adapter, bypassing
// every actor.
func appendRaw(t *testing.T, a adapters.EventStoreAdapter, streamID string, by int, expected int64) {
	t.Helper()
	data, err := NewJSONSerializer().Serialize(Incremented{By: by})
	require.NoError(t, err)
	_, err = a.Append(context.Background(), streamID, []adapters.EventRecord{{Type: "Incremented", Data: data}}, expected)
	require.NoError(t, err)
}

// competingWriter is an append hook that commits a rival event before the
// actor's own append, times times.
func competingWriter(adapter **memory.MemoryAdapter, times int32) memory.AppendHook {
	var n atomic.Int32
	return func(ctx context.Context, streamID string, expected int64) error {
		if expected == AnyVersion || n.Add(1) > times {
			return nil
		}
		_, err := (*adapter).Append(ctx, streamID, []adapters.EventRecord{
			{Type: "Incremented", Data: []byte(`{"by":1}`)},
		}, AnyVersion)
		return err
	}
}

type testLogger struct {
	mu     sync.Mutex
	debugs []string
	infos  []string
	warns  []string
	errors []string
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *testLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func (l *testLogger) warnMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

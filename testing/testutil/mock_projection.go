package testutil

import (
	"strconv"
	"sync"

	"github.com/fortium/eventserver"
)

var _ eventserver.Projection = (*MockProjection)(nil)

// MockProjection keys documents by stream ID and stores the number of events
// applied to each one as a decimal JSON number.
type MockProjection struct {
	ProjectionName string
	EventTypes     []string
	ApplyErr       error

	mu      sync.Mutex
	applied []eventserver.Event
}

// Name implements eventserver.Projection.
func (p *MockProjection) Name() string {
	return p.ProjectionName
}

// HandledEvents implements eventserver.Projection.
func (p *MockProjection) HandledEvents() []string {
	return p.EventTypes
}

// Key implements eventserver.Projection.
func (p *MockProjection) Key(event eventserver.Event) (string, bool) {
	return event.StreamID, true
}

// Apply implements eventserver.Projection.
func (p *MockProjection) Apply(doc []byte, event eventserver.Event) ([]byte, error) {
	p.mu.Lock()
	p.applied = append(p.applied, event)
	p.mu.Unlock()
	if p.ApplyErr != nil {
		return nil, p.ApplyErr
	}

	var n int
	if len(doc) > 0 {
		var err error
		if n, err = strconv.Atoi(string(doc)); err != nil {
			return nil, err
		}
	}
	return []byte(strconv.Itoa(n + 1)), nil
}

// Applied returns a copy of every event passed to Apply.
func (p *MockProjection) Applied() []eventserver.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventserver.Event(nil), p.applied...)
}

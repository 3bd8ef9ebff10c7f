// Package testutil provides test doubles and integration helpers for
// eventserver packages.
package testutil

import (
	"context"
	"sync"

	"github.com/fortium/eventserver/adapters"
	"github.com/fortium/eventserver/adapters/memory"
)

var (
	_ adapters.EventStoreAdapter = (*MockAdapter)(nil)
	_ adapters.StreamPager       = (*MockAdapter)(nil)
)

// MockAdapter is an in-memory event store whose operations can be made to fail.
// Errors are returned before the call reaches the underlying store.
type MockAdapter struct {
	AppendErr          error
	LoadErr            error
	ReadAllErr         error
	GetStreamInfoErr   error
	GetLastPositionErr error

	mu      sync.Mutex
	appends int
	inner   *memory.MemoryAdapter
}

// NewMockAdapter creates a MockAdapter over a fresh memory store.
func NewMockAdapter(opts ...memory.Option) *MockAdapter {
	return &MockAdapter{inner: memory.NewAdapter(opts...)}
}

func (m *MockAdapter) store() *memory.MemoryAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inner == nil {
		m.inner = memory.NewAdapter()
	}
	return m.inner
}

// Appends returns how many Append calls reached the adapter.
func (m *MockAdapter) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}

// Append implements adapters.EventStoreAdapter.
func (m *MockAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	m.mu.Lock()
	m.appends++
	m.mu.Unlock()
	if m.AppendErr != nil {
		return nil, m.AppendErr
	}
	return m.store().Append(ctx, streamID, events, expectedVersion)
}

// Load implements adapters.EventStoreAdapter.
func (m *MockAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.store().Load(ctx, streamID, fromVersion)
}

// LoadPage implements adapters.StreamPager.
func (m *MockAdapter) LoadPage(ctx context.Context, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.store().LoadPage(ctx, streamID, fromVersion, limit)
}

// ReadAll implements adapters.EventStoreAdapter.
func (m *MockAdapter) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if m.ReadAllErr != nil {
		return nil, m.ReadAllErr
	}
	return m.store().ReadAll(ctx, fromPosition, limit)
}

// GetStreamInfo implements adapters.EventStoreAdapter.
func (m *MockAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if m.GetStreamInfoErr != nil {
		return nil, m.GetStreamInfoErr
	}
	return m.store().GetStreamInfo(ctx, streamID)
}

// GetLastPosition implements adapters.EventStoreAdapter.
func (m *MockAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if m.GetLastPositionErr != nil {
		return 0, m.GetLastPositionErr
	}
	return m.store().GetLastPosition(ctx)
}

// Initialize implements adapters.EventStoreAdapter.
func (m *MockAdapter) Initialize(ctx context.Context) error {
	return m.store().Initialize(ctx)
}

// Close implements adapters.EventStoreAdapter.
func (m *MockAdapter) Close() error {
	return m.store().Close()
}

// Package memory provides in-memory implementations of the storage contracts.
// They are thread-safe and intended for tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fortium/eventserver/adapters"
	"github.com/google/uuid"
)

// Version constants re-exported for convenience.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

var (
	_ adapters.EventStoreAdapter  = (*MemoryAdapter)(nil)
	_ adapters.StreamQueryAdapter = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker      = (*MemoryAdapter)(nil)
)

// AppendHook runs before every Append, outside the adapter lock. Returning
// an error aborts the append without touching the log.
type AppendHook func(ctx context.Context, streamID string, expectedVersion int64) error

// MemoryAdapter is an in-memory event log.
type MemoryAdapter struct {
	mu             sync.RWMutex
	streams        map[string]*streamData
	globalEvents   []adapters.StoredEvent
	globalPosition uint64
	closed         bool
	beforeAppend   AppendHook
	now            func() time.Time
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// WithAppendHook installs a hook that runs before every append.
func WithAppendHook(hook AppendHook) Option {
	return func(a *MemoryAdapter) {
		a.beforeAppend = hook
	}
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *MemoryAdapter) {
		a.now = now
	}
}

// NewAdapter creates a new in-memory event log.
func NewAdapter(opts ...Option) *MemoryAdapter {
	a := &MemoryAdapter{
		streams: make(map[string]*streamData),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// Append stores events to the specified stream with optimistic concurrency control.
func (a *MemoryAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, adapters.ErrNoEvents
	}

	if a.beforeAppend != nil {
		if err := a.beforeAppend(ctx, streamID, expectedVersion); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[streamID]
	currentVersion := int64(0)
	if exists {
		currentVersion = stream.info.Version
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, exists); err != nil {
		return nil, err
	}

	now := a.now()
	if !exists {
		stream = &streamData{
			info: adapters.StreamInfo{
				StreamID:  streamID,
				Category:  adapters.ExtractCategory(streamID),
				CreatedAt: now,
			},
		}
		a.streams[streamID] = stream
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		a.globalPosition++
		currentVersion++

		stored[i] = adapters.StoredEvent{
			ID:             uuid.New().String(),
			StreamID:       streamID,
			Type:           event.Type,
			Data:           append([]byte(nil), event.Data...),
			Metadata:       event.Metadata,
			Version:        currentVersion,
			GlobalPosition: a.globalPosition,
			Timestamp:      now,
		}
	}

	stream.events = append(stream.events, stored...)
	a.globalEvents = append(a.globalEvents, stored...)
	stream.info.Version = currentVersion
	stream.info.EventCount = int64(len(stream.events))
	stream.info.UpdatedAt = now

	return copyEvents(stored), nil
}

// Load retrieves events with a version greater than fromVersion.
func (a *MemoryAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[streamID]
	if !exists {
		return []adapters.StoredEvent{}, nil
	}

	events := make([]adapters.StoredEvent, 0, len(stream.events))
	for _, event := range stream.events {
		if event.Version > fromVersion {
			events = append(events, event)
		}
	}
	return copyEvents(events), nil
}

// LoadPage retrieves up to limit events of streamID after fromVersion.
func (a *MemoryAdapter) LoadPage(ctx context.Context, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	events, err := a.Load(ctx, streamID, fromVersion)
	if err != nil {
		return nil, err
	}
	limit = adapters.DefaultLimit(limit, 1000)
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// ReadAll retrieves events across all streams in global order.
func (a *MemoryAdapter) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	limit = adapters.DefaultLimit(limit, 1000)

	// globalEvents is ordered by position, starting at 1
	start := int(fromPosition)
	if start >= len(a.globalEvents) {
		return []adapters.StoredEvent{}, nil
	}
	end := start + limit
	if end > len(a.globalEvents) {
		end = len(a.globalEvents)
	}
	return copyEvents(a.globalEvents[start:end]), nil
}

// GetStreamInfo returns metadata about a stream.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[streamID]
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}

	info := stream.info
	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *MemoryAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}
	return a.globalPosition, nil
}

// ListStreams returns stream summaries ordered by stream ID.
func (a *MemoryAdapter) ListStreams(ctx context.Context, prefix string, limit int) ([]adapters.StreamSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	summaries := make([]adapters.StreamSummary, 0, len(a.streams))
	for id, stream := range a.streams {
		if prefix != "" && !strings.HasPrefix(id, prefix) {
			continue
		}
		last := stream.events[len(stream.events)-1]
		summaries = append(summaries, adapters.StreamSummary{
			StreamID:      id,
			EventCount:    stream.info.EventCount,
			LastEventType: last.Type,
			LastUpdated:   stream.info.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StreamID < summaries[j].StreamID
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Ping reports whether the adapter is open.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

// Close marks the adapter closed.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Reset clears all streams (useful for testing).
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams = make(map[string]*streamData)
	a.globalEvents = nil
	a.globalPosition = 0
}

// EventCount returns the number of events across all streams.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.globalEvents)
}

func copyEvents(events []adapters.StoredEvent) []adapters.StoredEvent {
	out := make([]adapters.StoredEvent, len(events))
	for i, e := range events {
		out[i] = e
		out[i].Data = append([]byte(nil), e.Data...)
	}
	return out
}

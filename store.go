package eventserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortium/eventserver/adapters"
)

// EventStore is the event log: optimistic append and ordered, lazy reads of
// a stream. Payloads are encoded and decoded with one shared Serializer.
type EventStore struct {
	adapter    adapters.EventStoreAdapter
	serializer Serializer
	logger     Logger
	pageSize   int
}

// Logger defines the logging interface used across the engine.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// Option configures an EventStore.
type Option func(*EventStore)

// WithSerializer sets a custom serializer.
func WithSerializer(s Serializer) Option {
	return func(es *EventStore) {
		es.serializer = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// WithPageSize sets how many events ReadStream fetches per round trip.
func WithPageSize(n int) Option {
	return func(es *EventStore) {
		if n > 0 {
			es.pageSize = n
		}
	}
}

// NewEventStore creates an EventStore over adapter.
func NewEventStore(adapter adapters.EventStoreAdapter, opts ...Option) *EventStore {
	es := &EventStore{
		adapter:    adapter,
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
		pageSize:   256,
	}

	for _, opt := range opts {
		opt(es)
	}

	return es
}

// Serializer returns the event store's serializer.
func (s *EventStore) Serializer() Serializer {
	return s.serializer
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// Append atomically adds events to streamID when its current version equals
// expectedVersion. Use NoStream for a stream that must not exist yet. The
// returned events are decoded from their stored form.
func (s *EventStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []EventData, md Metadata) ([]Event, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	records := make([]adapters.EventRecord, len(events))
	for i, e := range events {
		eventType := e.Type
		if eventType == "" {
			eventType = GetEventType(e.Data)
		}
		data, err := s.serializer.Serialize(e.Data)
		if err != nil {
			return nil, fmt.Errorf("eventserver: failed to serialize event %d: %w", i, err)
		}
		records[i] = adapters.EventRecord{Type: eventType, Data: data, Metadata: md}
	}

	stored, err := s.adapter.Append(ctx, streamID, records, expectedVersion)
	if err != nil {
		return nil, classifyStorageError("append", err)
	}

	s.logger.Debug("Events appended",
		"streamId", streamID,
		"count", len(stored),
		"version", stored[len(stored)-1].Version)

	return s.decodeAll(stored)
}

// Load reads every event of streamID with a sequence greater than fromVersion.
// A missing stream yields an empty slice.
func (s *EventStore) Load(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	it := s.ReadStream(ctx, streamID, fromVersion)
	var events []Event
	for it.Next() {
		events = append(events, it.Event())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadStream returns an iterator over streamID in ascending sequence order.
// Pages are fetched on demand and each payload is decoded as it is reached,
// so a consumer that stops early never touches the rest of the stream.
func (s *EventStore) ReadStream(ctx context.Context, streamID string, fromVersion int64) *EventIterator {
	return &EventIterator{ctx: ctx, store: s, streamID: streamID, after: fromVersion}
}

// ReadAll reads up to limit events across all streams after fromPosition.
func (s *EventStore) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]Event, error) {
	stored, err := s.adapter.ReadAll(ctx, fromPosition, limit)
	if err != nil {
		return nil, classifyStorageError("read all", err)
	}
	return s.decodeAll(stored)
}

// Version returns the current version of streamID, 0 when it does not exist.
func (s *EventStore) Version(ctx context.Context, streamID string) (int64, error) {
	info, err := s.adapter.GetStreamInfo(ctx, streamID)
	if err != nil {
		if errors.Is(err, ErrStreamNotFound) {
			return 0, nil
		}
		return 0, classifyStorageError("stream info", err)
	}
	return info.Version, nil
}

// GetStreamInfo returns metadata about a stream.
func (s *EventStore) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}
	info, err := s.adapter.GetStreamInfo(ctx, streamID)
	if err != nil {
		return nil, classifyStorageError("stream info", err)
	}
	return info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (s *EventStore) GetLastPosition(ctx context.Context) (uint64, error) {
	pos, err := s.adapter.GetLastPosition(ctx)
	if err != nil {
		return 0, classifyStorageError("last position", err)
	}
	return pos, nil
}

// Initialize sets up the required storage schema.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close releases resources held by the event store.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}

// Decode turns a stored event into a committed Event.
func (s *EventStore) Decode(se adapters.StoredEvent) (Event, error) {
	data, err := s.serializer.Deserialize(se.Data, se.Type)
	if err != nil {
		return Event{}, err
	}
	return eventFromStored(se, data), nil
}

func (s *EventStore) decodeAll(stored []adapters.StoredEvent) ([]Event, error) {
	events := make([]Event, len(stored))
	for i, se := range stored {
		e, err := s.Decode(se)
		if err != nil {
			return nil, fmt.Errorf("eventserver: event %s/%d: %w", se.StreamID, se.Version, err)
		}
		events[i] = e
	}
	return events, nil
}

func (s *EventStore) loadPage(ctx context.Context, streamID string, after int64) ([]adapters.StoredEvent, bool, error) {
	if pager, ok := s.adapter.(adapters.StreamPager); ok {
		page, err := pager.LoadPage(ctx, streamID, after, s.pageSize)
		if err != nil {
			return nil, false, classifyStorageError("load", err)
		}
		return page, len(page) < s.pageSize, nil
	}
	all, err := s.adapter.Load(ctx, streamID, after)
	if err != nil {
		return nil, false, classifyStorageError("load", err)
	}
	return all, true, nil
}

// EventIterator walks one stream. Call Next until it returns false, then
// check Err.
type EventIterator struct {
	ctx      context.Context
	store    *EventStore
	streamID string
	after    int64

	page    []adapters.StoredEvent
	idx     int
	last    bool
	started bool
	current Event
	err     error
}

// Next advances to the next event.
func (it *EventIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.streamID == "" {
		it.err = ErrEmptyStreamID
		return false
	}
	for it.idx >= len(it.page) {
		if it.started && it.last {
			return false
		}
		page, last, err := it.store.loadPage(it.ctx, it.streamID, it.after)
		if err != nil {
			it.err = err
			return false
		}
		it.started = true
		it.page, it.idx, it.last = page, 0, last
		if len(page) == 0 {
			return false
		}
	}

	se := it.page[it.idx]
	it.idx++
	e, err := it.store.Decode(se)
	if err != nil {
		it.err = fmt.Errorf("eventserver: event %s/%d: %w", se.StreamID, se.Version, err)
		return false
	}
	it.after = se.Version
	it.current = e
	return true
}

// Event returns the event Next advanced to.
func (it *EventIterator) Event() Event {
	return it.current
}

// Err returns the first error encountered.
func (it *EventIterator) Err() error {
	return it.err
}

// classifyStorageError leaves domain-meaningful adapter errors alone and
// marks everything else as a storage outage.
func classifyStorageError(op string, err error) error {
	switch {
	case errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrStreamNotFound),
		errors.Is(err, ErrEmptyStreamID),
		errors.Is(err, ErrNoEvents),
		errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return adapters.NewStorageError(op, err)
	}
}

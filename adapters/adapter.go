// Package adapters provides the storage contracts behind the event log and
// the projection document store.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// to enable consistent error handling across different backends.
var (
	// ErrConcurrencyConflict is returned when optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("eventserver: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("eventserver: stream not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("eventserver: stream ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("eventserver: no events to append")

	// ErrInvalidVersion is returned when an invalid version is specified.
	ErrInvalidVersion = errors.New("eventserver: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("eventserver: adapter is closed")

	// ErrStorageUnavailable marks failures of the backing store itself
	// (connection refused, timeouts, driver errors).
	ErrStorageUnavailable = errors.New("eventserver: storage unavailable")

	// ErrDocumentNotFound is returned when a projection document does not exist.
	ErrDocumentNotFound = errors.New("eventserver: document not found")

	// ErrStalePosition is returned by SaveDocument when the stored position for
	// the source stream is already at or past the written sequence number.
	ErrStalePosition = errors.New("eventserver: stale projection position")

	// ErrOutboxMessageNotFound is returned when an outbox message does not exist.
	ErrOutboxMessageNotFound = errors.New("eventserver: outbox message not found")
)

// Metadata contains event context for tracing.
type Metadata struct {
	// CorrelationID links related events across aggregates.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the command or event that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies who triggered this event.
	UserID string `json:"userId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// StoredEvent represents a persisted event with its storage metadata.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// StreamID is the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the sequence number within the stream (1-based, gapless).
	Version int64

	// GlobalPosition is the global ordering position across all streams.
	GlobalPosition uint64

	// Timestamp is when the event was committed.
	Timestamp time.Time
}

// StreamInfo contains metadata about an event stream.
type StreamInfo struct {
	StreamID   string
	Category   string
	Version    int64
	EventCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventRecord represents an event to be appended to a stream.
type EventRecord struct {
	Type     string
	Data     []byte
	Metadata Metadata
}

// EventStoreAdapter is the append-only event log contract.
type EventStoreAdapter interface {
	// Append stores events to the specified stream with optimistic concurrency control.
	// expectedVersion specifies the expected current version of the stream:
	//   - AnyVersion (-1): Skip version check
	//   - NoStream (0): Stream must not exist
	//   - StreamExists (-2): Stream must exist
	//   - Any positive number: Stream must be at this exact version
	// Either every event is stored or none is.
	Append(ctx context.Context, streamID string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Load retrieves events with a version greater than fromVersion.
	// A stream that does not exist yields an empty slice.
	Load(ctx context.Context, streamID string, fromVersion int64) ([]StoredEvent, error)

	// ReadAll retrieves up to limit events across all streams with a global
	// position greater than fromPosition, in global order.
	ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)

	// GetLastPosition returns the global position of the last stored event.
	GetLastPosition(ctx context.Context) (uint64, error)

	// Initialize sets up the required schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// StreamPager is implemented by adapters that can read a stream in pages,
// letting callers iterate long streams without loading them whole.
type StreamPager interface {
	// LoadPage retrieves up to limit events with a version greater than fromVersion.
	LoadPage(ctx context.Context, streamID string, fromVersion int64, limit int) ([]StoredEvent, error)
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// StreamSummary contains summary information about a stream for listing.
type StreamSummary struct {
	StreamID      string
	EventCount    int64
	LastEventType string
	LastUpdated   time.Time
}

// StreamQueryAdapter lets tooling list streams without direct storage access.
type StreamQueryAdapter interface {
	// ListStreams returns stream summaries filtered by ID prefix.
	// limit caps the number of results (0 for unlimited).
	ListStreams(ctx context.Context, prefix string, limit int) ([]StreamSummary, error)
}

// DocumentRecord is a stored projection document together with the
// last-applied sequence number of every source stream folded into it.
type DocumentRecord struct {
	Projection string
	Key        string
	Data       []byte
	Positions  map[string]int64
	UpdatedAt  time.Time
}

// Position returns the last-applied sequence number for streamID.
func (d *DocumentRecord) Position(streamID string) int64 {
	if d == nil || d.Positions == nil {
		return 0
	}
	return d.Positions[streamID]
}

// DocumentWrite describes one atomic document update.
type DocumentWrite struct {
	Projection string
	Key        string
	Data       []byte
	StreamID   string
	Sequence   int64
}

// DocumentStore is the projection store contract: upsert-by-key with an
// atomic last-applied sequence number update alongside the content.
type DocumentStore interface {
	// GetDocument returns ErrDocumentNotFound when the key has no document.
	GetDocument(ctx context.Context, projection, key string) (*DocumentRecord, error)

	// SaveDocument writes Data and sets the position of StreamID to Sequence
	// in one step. It returns ErrStalePosition, leaving the document
	// untouched, when the stored position is already >= Sequence.
	SaveDocument(ctx context.Context, w DocumentWrite) error

	// StreamPosition returns the highest sequence of streamID applied to any
	// document of the projection, or 0.
	StreamPosition(ctx context.Context, projection, streamID string) (int64, error)

	// CountDocuments returns the number of documents in the projection.
	CountDocuments(ctx context.Context, projection string) (int64, error)

	// DeleteProjection removes every document and position of the projection.
	DeleteProjection(ctx context.Context, projection string) error

	// Close releases any resources held by the store.
	Close() error
}

// IdempotencyStore tracks processed submissions to prevent duplicate processing.
type IdempotencyStore interface {
	// Exists checks if a submission with the given key was already processed.
	Exists(ctx context.Context, key string) (bool, error)

	// Store records that a submission was processed.
	Store(ctx context.Context, record *IdempotencyRecord) error

	// Get retrieves the idempotency record for a key.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)

	// Delete removes an idempotency record.
	Delete(ctx context.Context, key string) error

	// Cleanup removes expired records.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyRecord stores information about a processed submission.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	CommandType string    `json:"commandType"`
	AggregateID string    `json:"aggregateId,omitempty"`
	Version     int64     `json:"version,omitempty"`
	Response    []byte    `json:"response,omitempty"`
	Error       string    `json:"error,omitempty"`
	Success     bool      `json:"success"`
	ProcessedAt time.Time `json:"processedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IsExpired returns true if the record has expired.
func (r *IdempotencyRecord) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// OutboxStatus represents the delivery state of an outbox message.
type OutboxStatus int

const (
	OutboxPending OutboxStatus = iota
	OutboxProcessing
	OutboxCompleted
	OutboxFailed
	OutboxDeadLetter
)

// String returns the string representation of the status.
func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "pending"
	case OutboxProcessing:
		return "processing"
	case OutboxCompleted:
		return "completed"
	case OutboxFailed:
		return "failed"
	case OutboxDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// OutboxMessage is a committed event scheduled for delivery to an external system.
type OutboxMessage struct {
	ID            string
	AggregateID   string
	EventType     string
	Destination   string
	Payload       []byte
	Headers       map[string]string
	Status        OutboxStatus
	Attempts      int
	MaxAttempts   int
	LastError     string
	ScheduledAt   time.Time
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// OutboxStore persists outbox messages between commit and delivery.
type OutboxStore interface {
	// Schedule stores messages as pending.
	Schedule(ctx context.Context, messages []*OutboxMessage) error

	// FetchPending claims up to limit due messages and marks them processing.
	FetchPending(ctx context.Context, limit int) ([]*OutboxMessage, error)

	// MarkCompleted marks messages as delivered.
	MarkCompleted(ctx context.Context, ids []string) error

	// MarkFailed records a delivery failure.
	MarkFailed(ctx context.Context, id string, lastErr error) error

	// RetryFailed resets failed messages below maxAttempts to pending.
	RetryFailed(ctx context.Context, maxAttempts int) (int64, error)

	// MoveToDeadLetter parks failed messages that reached maxAttempts.
	MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error)

	// Cleanup removes completed messages older than the given age.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

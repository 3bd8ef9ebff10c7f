package adapters

import (
	"fmt"
	"strings"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking. Only tooling should use it.
	AnyVersion int64 = -1

	// NoStream requires the stream to not exist.
	NoStream int64 = 0

	// StreamExists requires the stream to exist.
	StreamExists int64 = -2
)

// ExtractCategory extracts the aggregate type from a stream ID.
// Stream IDs follow "type-id"; the category is the portion before the first
// hyphen, so ids that contain hyphens themselves are preserved.
//
//   - "partner-leo@x.com" returns "partner"
//   - "payment-7f1c-44aa" returns "payment"
//   - "NoHyphen" returns "NoHyphen"
func ExtractCategory(streamID string) string {
	if streamID == "" {
		return ""
	}
	parts := strings.SplitN(streamID, "-", 2)
	return parts[0]
}

// ConcurrencyError provides details about a failed optimistic append.
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{
		StreamID:        streamID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("eventserver: concurrency conflict on stream %q: expected version %d, got %d",
		e.StreamID, e.ExpectedVersion, e.ActualVersion)
}

// Is reports whether target is ErrConcurrencyConflict.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamNotFoundError provides details about a missing stream.
type StreamNotFoundError struct {
	StreamID string
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(streamID string) *StreamNotFoundError {
	return &StreamNotFoundError{StreamID: streamID}
}

// Error implements the error interface.
func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("eventserver: stream %q not found", e.StreamID)
}

// Is reports whether target is ErrStreamNotFound.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// StorageError wraps a backend failure so callers can match it with
// errors.Is(err, ErrStorageUnavailable) while keeping the driver error.
type StorageError struct {
	Op    string
	Cause error
}

// NewStorageError wraps cause as a storage failure of op.
func NewStorageError(op string, cause error) *StorageError {
	return &StorageError{Op: op, Cause: cause}
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("eventserver: storage unavailable during %s: %v", e.Op, e.Cause)
}

// Is reports whether target is ErrStorageUnavailable.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// Unwrap returns the driver error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// CheckVersion validates the expected version against the current version.
// It implements the optimistic concurrency logic shared by all adapters.
func CheckVersion(streamID string, expected, current int64, exists bool) error {
	switch expected {
	case AnyVersion:
		return nil
	case NoStream:
		if exists {
			return NewConcurrencyError(streamID, expected, current)
		}
		return nil
	case StreamExists:
		if !exists {
			return NewStreamNotFoundError(streamID)
		}
		return nil
	default:
		if expected < 0 {
			return ErrInvalidVersion
		}
		if current != expected {
			return NewConcurrencyError(streamID, expected, current)
		}
		return nil
	}
}

// CopyIdempotencyRecord creates a deep copy of an IdempotencyRecord.
func CopyIdempotencyRecord(record *IdempotencyRecord) *IdempotencyRecord {
	if record == nil {
		return nil
	}
	cp := *record
	if record.Response != nil {
		cp.Response = append([]byte(nil), record.Response...)
	}
	return &cp
}

// CopyDocument creates a deep copy of a DocumentRecord.
func CopyDocument(doc *DocumentRecord) *DocumentRecord {
	if doc == nil {
		return nil
	}
	cp := *doc
	if doc.Data != nil {
		cp.Data = append([]byte(nil), doc.Data...)
	}
	cp.Positions = make(map[string]int64, len(doc.Positions))
	for k, v := range doc.Positions {
		cp.Positions[k] = v
	}
	return &cp
}

// DefaultLimit returns defaultValue when limit is not positive.
func DefaultLimit(limit, defaultValue int) int {
	if limit <= 0 {
		return defaultValue
	}
	return limit
}

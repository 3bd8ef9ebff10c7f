package eventserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fortium/eventserver/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrConcurrencyConflict indicates an optimistic concurrency violation.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrStorageUnavailable indicates the event log or projection store failed.
	ErrStorageUnavailable = adapters.ErrStorageUnavailable

	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrEmptyStreamID indicates an empty stream ID was provided.
	ErrEmptyStreamID = adapters.ErrEmptyStreamID

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrNotFound indicates a projection document does not exist.
	ErrNotFound = adapters.ErrDocumentNotFound

	// ErrValidation indicates a malformed command.
	ErrValidation = errors.New("eventserver: validation failed")

	// ErrBusinessRule indicates a well-formed command that violates a domain rule.
	ErrBusinessRule = errors.New("eventserver: business rule violated")

	// ErrUnknownEventType indicates an event type with no reducer or decoder.
	ErrUnknownEventType = errors.New("eventserver: unknown event type")

	// ErrSerializationFailed indicates payload encoding or decoding failed.
	ErrSerializationFailed = errors.New("eventserver: serialization failed")

	// ErrHandlerNotFound indicates no handler is registered for a command type.
	ErrHandlerNotFound = errors.New("eventserver: handler not found")

	// ErrUnknownAggregateType indicates no definition is registered for an aggregate type.
	ErrUnknownAggregateType = errors.New("eventserver: unknown aggregate type")

	// ErrUnknownProjection indicates no projection is registered under a name.
	ErrUnknownProjection = errors.New("eventserver: unknown projection")

	// ErrProjectionAlreadyRegistered indicates a duplicate projection name.
	ErrProjectionAlreadyRegistered = errors.New("eventserver: projection already registered")

	// ErrAggregateHalted indicates an aggregate type stopped after a reducer gap.
	ErrAggregateHalted = errors.New("eventserver: aggregate type halted")

	// ErrHandlerPanicked indicates a handler panicked during execution.
	ErrHandlerPanicked = errors.New("eventserver: handler panicked")

	// ErrRouterClosed indicates the router no longer accepts commands.
	ErrRouterClosed = errors.New("eventserver: router closed")

	// ErrInvalidDefinition indicates an incomplete aggregate definition.
	ErrInvalidDefinition = errors.New("eventserver: invalid aggregate definition")
)

// ConcurrencyError provides detailed information about a concurrency conflict.
type ConcurrencyError = adapters.ConcurrencyError

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return adapters.NewConcurrencyError(streamID, expected, actual)
}

// FieldError is a single failing field of a command payload.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every failing field of a command payload.
type ValidationError struct {
	CommandType string
	Errors      []FieldError
}

// NewValidationError creates an empty ValidationError for cmdType.
func NewValidationError(cmdType string) *ValidationError {
	return &ValidationError{CommandType: cmdType}
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		if fe.Field == "" {
			parts[i] = fe.Message
			continue
		}
		parts[i] = fe.Field + " " + fe.Message
	}
	if e.CommandType == "" {
		return "eventserver: validation failed: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("eventserver: validation failed for command %q: %s",
		e.CommandType, strings.Join(parts, "; "))
}

// Is reports whether this error matches the target error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Add records a failing field.
func (e *ValidationError) Add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// Require records "is required" for field when value is blank.
func (e *ValidationError) Require(field, value string) {
	if strings.TrimSpace(value) == "" {
		e.Add(field, "is required")
	}
}

// HasErrors returns true if any field failed.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Err returns e when it holds failures and nil otherwise, so validators can
// end with `return v.Err()`.
func (e *ValidationError) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// BusinessRuleError is a domain invariant violated by a well-formed command.
// Message is surfaced to the caller verbatim.
type BusinessRuleError struct {
	Message string
}

// NewBusinessRuleError creates a new BusinessRuleError.
func NewBusinessRuleError(message string) *BusinessRuleError {
	return &BusinessRuleError{Message: message}
}

// Error returns the rule message.
func (e *BusinessRuleError) Error() string {
	return e.Message
}

// Is reports whether this error matches the target error.
func (e *BusinessRuleError) Is(target error) bool {
	return target == ErrBusinessRule
}

// UnknownEventTypeError reports an event that an aggregate type or the
// serializer cannot handle.
type UnknownEventTypeError struct {
	AggregateType string
	EventType     string
}

// NewUnknownEventTypeError creates a new UnknownEventTypeError.
func NewUnknownEventTypeError(aggregateType, eventType string) *UnknownEventTypeError {
	return &UnknownEventTypeError{AggregateType: aggregateType, EventType: eventType}
}

// Error returns the error message.
func (e *UnknownEventTypeError) Error() string {
	if e.AggregateType == "" {
		return fmt.Sprintf("eventserver: event type %q not registered", e.EventType)
	}
	return fmt.Sprintf("eventserver: aggregate %q has no reducer for event type %q", e.AggregateType, e.EventType)
}

// Is reports whether this error matches the target error.
func (e *UnknownEventTypeError) Is(target error) bool {
	return target == ErrUnknownEventType
}

// SerializationError provides detailed information about a serialization failure.
type SerializationError struct {
	EventType string
	Operation string // "serialize" or "deserialize"
	Cause     error
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{EventType: eventType, Operation: operation, Cause: cause}
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("eventserver: failed to %s %q: %v", e.Operation, e.EventType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// HandlerNotFoundError provides detailed information about a missing handler.
type HandlerNotFoundError struct {
	AggregateType string
	CommandType   string
}

// Error returns the error message.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("eventserver: aggregate %q has no handler for command %q", e.AggregateType, e.CommandType)
}

// Is reports whether this error matches the target error.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// PanicError provides detailed information about a handler panic.
type PanicError struct {
	CommandType string
	Value       interface{}
	Stack       string
}

// NewPanicError creates a new PanicError.
func NewPanicError(cmdType string, value interface{}, stack string) *PanicError {
	return &PanicError{CommandType: cmdType, Value: value, Stack: stack}
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("eventserver: handler panicked while processing %q: %v", e.CommandType, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// ErrorKind classifies an error for callers across the submission boundary.
type ErrorKind string

// Error kinds.
const (
	KindValidation       ErrorKind = "ValidationError"
	KindBusinessRule     ErrorKind = "BusinessRuleViolation"
	KindConcurrency      ErrorKind = "ConcurrencyConflict"
	KindStorage          ErrorKind = "StorageUnavailable"
	KindUnknownEventType ErrorKind = "UnknownEventType"
	KindCancelled        ErrorKind = "Cancelled"
	KindInternal         ErrorKind = "Internal"
)

// KindOf classifies err. A nil error has an empty kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrHandlerNotFound),
		errors.Is(err, ErrUnknownAggregateType):
		return KindValidation
	case errors.Is(err, ErrBusinessRule):
		return KindBusinessRule
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrency
	case errors.Is(err, ErrUnknownEventType), errors.Is(err, ErrAggregateHalted):
		return KindUnknownEventType
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the caller may safely resubmit the command.
// Only concurrency conflicts and storage outages qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConcurrency, KindStorage:
		return true
	default:
		return false
	}
}

package eventserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fortium/eventserver/adapters"
)

// Re-export types from adapters package for convenience
type (
	// IdempotencyStore tracks processed submissions to prevent duplicate processing.
	IdempotencyStore = adapters.IdempotencyStore

	// IdempotencyRecord stores information about a processed submission.
	IdempotencyRecord = adapters.IdempotencyRecord
)

type idempotencyKey struct{}

// WithIdempotencyKey marks the submission in ctx with a client-chosen key.
// A second submission with the same key returns the first outcome.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFromContext returns the idempotency key in ctx, if any.
func IdempotencyKeyFromContext(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKey{}).(string); ok {
		return key
	}
	return ""
}

// NewIdempotencyRecord creates a record from a successful result.
func NewIdempotencyRecord(key string, cmd Command, result *CommandResult, ttl time.Duration) (*IdempotencyRecord, error) {
	response, err := json.Marshal(result.Accepted())
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &IdempotencyRecord{
		Key:         key,
		CommandType: cmd.Type,
		AggregateID: cmd.StreamID(),
		Version:     result.Version,
		Response:    response,
		Success:     true,
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// IdempotencyRecordToResult rebuilds the result a record was made from.
// Replayed events carry type and sequence only.
func IdempotencyRecordToResult(r *IdempotencyRecord, cmd Command) (*CommandResult, error) {
	var accepted []AcceptedEvent
	if len(r.Response) > 0 {
		if err := json.Unmarshal(r.Response, &accepted); err != nil {
			return nil, err
		}
	}
	result := &CommandResult{
		AggregateType: cmd.AggregateType,
		AggregateID:   cmd.AggregateID,
		Version:       r.Version,
		Replayed:      true,
	}
	for _, a := range accepted {
		result.Events = append(result.Events, Event{
			StreamID: cmd.StreamID(),
			Type:     a.Type,
			Sequence: a.SequenceNumber,
		})
	}
	return result, nil
}

// IdempotencyConfig configures the idempotency middleware.
type IdempotencyConfig struct {
	// Store is the idempotency store to use.
	Store IdempotencyStore

	// TTL is how long to keep idempotency records.
	// Default is 24 hours.
	TTL time.Duration

	// Logger receives store failures, which never fail the command.
	Logger Logger
}

// DefaultIdempotencyConfig returns a default idempotency configuration.
func DefaultIdempotencyConfig(store IdempotencyStore) IdempotencyConfig {
	return IdempotencyConfig{
		Store:  store,
		TTL:    24 * time.Hour,
		Logger: &noopLogger{},
	}
}

// IdempotencyMiddleware returns the recorded outcome for a submission whose
// idempotency key was already processed successfully. Submissions without a
// key pass through. Failures are not recorded, so they can be retried.
func IdempotencyMiddleware(config IdempotencyConfig) Middleware {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (*CommandResult, error) {
			clientKey := IdempotencyKeyFromContext(ctx)
			if clientKey == "" {
				return next(ctx, cmd)
			}
			key := cmd.StreamID() + ":" + cmd.Type + ":" + clientKey

			record, err := config.Store.Get(ctx, key)
			if err != nil {
				config.Logger.Warn("Idempotency lookup failed", "key", key, "error", err)
				return next(ctx, cmd)
			}
			if record != nil && !record.IsExpired() && record.Success {
				result, err := IdempotencyRecordToResult(record, cmd)
				if err == nil {
					return result, nil
				}
				config.Logger.Warn("Idempotency record unreadable", "key", key, "error", err)
			}

			result, cmdErr := next(ctx, cmd)
			if cmdErr != nil {
				return result, cmdErr
			}

			rec, err := NewIdempotencyRecord(key, cmd, result, config.TTL)
			if err == nil {
				err = config.Store.Store(ctx, rec)
			}
			if err != nil {
				config.Logger.Warn("Idempotency record not stored", "key", key, "error", err)
			}
			return result, nil
		}
	}
}

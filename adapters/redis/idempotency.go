package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fortium/eventserver/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore keeps submission records as JSON strings that expire
// with the record's ExpiresAt, so Cleanup has nothing to do.
type IdempotencyStore struct {
	rdb  goredis.UniversalClient
	opts options
}

// NewIdempotencyStore creates an idempotency store on rdb.
func NewIdempotencyStore(rdb goredis.UniversalClient, opts ...Option) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, opts: newOptions(opts)}
}

func (s *IdempotencyStore) recordKey(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.opts.prefix, key)
}

// Exists checks if a record with the given key exists.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.recordKey(key)).Result()
	if err != nil {
		return false, adapters.NewStorageError("idempotency exists", err)
	}
	return n > 0, nil
}

// Store saves the record until its ExpiresAt.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("eventserver/redis: failed to marshal record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.recordKey(record.Key), data, ttl).Err(); err != nil {
		return adapters.NewStorageError("idempotency store", err)
	}
	return nil
}

// Get returns the record for key, or nil, nil.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, adapters.NewStorageError("idempotency get", err)
	}

	var record adapters.IdempotencyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("eventserver/redis: failed to unmarshal record %s: %w", key, err)
	}
	return &record, nil
}

// Delete removes a record by key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.recordKey(key)).Err(); err != nil {
		return adapters.NewStorageError("idempotency delete", err)
	}
	return nil
}

// Cleanup is a no-op; Redis expires records itself.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fortium/eventserver/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore remembers submission outcomes by idempotency key.
// Records do not survive a restart.
type IdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*adapters.IdempotencyRecord

	sweepEvery time.Duration
	maxAge     time.Duration
	stop       chan struct{}
	closeOnce  sync.Once
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithSweepInterval starts a background sweep of expired records.
// Zero disables it.
func WithSweepInterval(interval time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.sweepEvery = interval
	}
}

// WithMaxAge sets how long processed records are kept by the sweep.
func WithMaxAge(maxAge time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.maxAge = maxAge
	}
}

// NewIdempotencyStore creates a new in-memory IdempotencyStore.
func NewIdempotencyStore(opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		records: make(map[string]*adapters.IdempotencyRecord),
		maxAge:  24 * time.Hour,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepEvery > 0 {
		go s.sweep()
	}
	return s
}

func (s *IdempotencyStore) sweep() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), s.maxAge)
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (s *IdempotencyStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// Exists reports whether an unexpired record exists for key.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	return ok && !record.IsExpired(), nil
}

// Store saves a copy of the record.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Key] = adapters.CopyIdempotencyRecord(record)
	return nil
}

// Get returns nil, nil for missing or expired keys.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok || record.IsExpired() {
		return nil, nil
	}
	return adapters.CopyIdempotencyRecord(record), nil
}

// Delete removes a record.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Cleanup removes records processed before now-olderThan and expired ones.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var count int64
	for key, record := range s.records {
		if record.ProcessedAt.Before(cutoff) || record.IsExpired() {
			delete(s.records, key)
			count++
		}
	}
	return count, nil
}

// Len returns the number of stored records.
func (s *IdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

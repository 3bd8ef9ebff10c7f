package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fortium/eventserver/adapters"
)

var _ adapters.DocumentStore = (*DocumentStore)(nil)

// DocumentStore keeps projection documents in nested maps:
// projection -> key -> document.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*adapters.DocumentRecord
	// positions mirrors the highest applied sequence per source stream
	positions map[string]map[string]int64
	failWith  error
}

// NewDocumentStore creates an empty in-memory document store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		collections: make(map[string]map[string]*adapters.DocumentRecord),
		positions:   make(map[string]map[string]int64),
	}
}

// FailWith makes every subsequent call return err until it is called with nil.
// Tests use it to simulate an unreachable store.
func (s *DocumentStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// GetDocument returns a copy of the stored document.
func (s *DocumentStore) GetDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failWith != nil {
		return nil, adapters.NewStorageError("get document", s.failWith)
	}

	doc, ok := s.collections[projection][key]
	if !ok {
		return nil, adapters.ErrDocumentNotFound
	}
	return adapters.CopyDocument(doc), nil
}

// SaveDocument upserts the document and advances the stream position atomically.
func (s *DocumentStore) SaveDocument(ctx context.Context, w adapters.DocumentWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return adapters.NewStorageError("save document", s.failWith)
	}

	coll, ok := s.collections[w.Projection]
	if !ok {
		coll = make(map[string]*adapters.DocumentRecord)
		s.collections[w.Projection] = coll
	}

	doc, ok := coll[w.Key]
	if !ok {
		doc = &adapters.DocumentRecord{
			Projection: w.Projection,
			Key:        w.Key,
			Positions:  make(map[string]int64),
		}
	}
	if doc.Positions[w.StreamID] >= w.Sequence {
		return adapters.ErrStalePosition
	}

	doc.Data = append([]byte(nil), w.Data...)
	doc.Positions[w.StreamID] = w.Sequence
	doc.UpdatedAt = time.Now()
	coll[w.Key] = doc

	pos, ok := s.positions[w.Projection]
	if !ok {
		pos = make(map[string]int64)
		s.positions[w.Projection] = pos
	}
	if w.Sequence > pos[w.StreamID] {
		pos[w.StreamID] = w.Sequence
	}
	return nil
}

// StreamPosition returns the highest applied sequence of streamID in the projection.
func (s *DocumentStore) StreamPosition(ctx context.Context, projection, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failWith != nil {
		return 0, adapters.NewStorageError("stream position", s.failWith)
	}
	return s.positions[projection][streamID], nil
}

// CountDocuments returns the number of documents in the projection.
func (s *DocumentStore) CountDocuments(ctx context.Context, projection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.collections[projection])), nil
}

// DeleteProjection drops the collection and its positions.
func (s *DocumentStore) DeleteProjection(ctx context.Context, projection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, projection)
	delete(s.positions, projection)
	return nil
}

// Keys returns the document keys of a projection (useful for testing).
func (s *DocumentStore) Keys(projection string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.collections[projection]))
	for k := range s.collections[projection] {
		keys = append(keys, k)
	}
	return keys
}

// Close is a no-op.
func (s *DocumentStore) Close() error {
	return nil
}

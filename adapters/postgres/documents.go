package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortium/eventserver/adapters"
)

var _ adapters.DocumentStore = (*DocumentStore)(nil)

// DocumentStore keeps projection documents in one table keyed by
// (projection, key). Positions live in a JSONB column next to the content so
// both change in the same statement.
type DocumentStore struct {
	db *sql.DB
}

// NewDocumentStore creates a document store on db.
func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// NewDocumentStoreFromAdapter shares the adapter's connection pool.
func NewDocumentStoreFromAdapter(adapter *PostgresAdapter) *DocumentStore {
	return NewDocumentStore(adapter.db)
}

// GetDocument returns the stored document or ErrDocumentNotFound.
func (s *DocumentStore) GetDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	doc := &adapters.DocumentRecord{Projection: projection, Key: key}
	var positions []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data, positions, updated_at
		FROM projection_documents
		WHERE projection = $1 AND key = $2`, projection, key).Scan(&doc.Data, &positions, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.ErrDocumentNotFound
	}
	if err != nil {
		return nil, adapters.NewStorageError("get document", err)
	}

	if err := json.Unmarshal(positions, &doc.Positions); err != nil {
		return nil, fmt.Errorf("eventserver/postgres: failed to unmarshal positions: %w", err)
	}
	return doc, nil
}

// SaveDocument upserts the document only while the stored position of the
// source stream is below the written sequence number.
func (s *DocumentStore) SaveDocument(ctx context.Context, w adapters.DocumentWrite) error {
	positions, err := json.Marshal(map[string]int64{w.StreamID: w.Sequence})
	if err != nil {
		return fmt.Errorf("eventserver/postgres: failed to marshal positions: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_documents (projection, key, data, positions, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (projection, key) DO UPDATE SET
			data = EXCLUDED.data,
			positions = projection_documents.positions || EXCLUDED.positions,
			updated_at = NOW()
		WHERE COALESCE((projection_documents.positions ->> $5)::BIGINT, 0) < $6`,
		w.Projection, w.Key, w.Data, positions, w.StreamID, w.Sequence)
	if err != nil {
		return adapters.NewStorageError("save document", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return adapters.NewStorageError("save document", err)
	}
	if n == 0 {
		return adapters.ErrStalePosition
	}
	return nil
}

// StreamPosition returns the highest applied sequence of streamID in the projection.
func (s *DocumentStore) StreamPosition(ctx context.Context, projection, streamID string) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX((positions ->> $2)::BIGINT), 0)
		FROM projection_documents
		WHERE projection = $1 AND positions ? $2`, projection, streamID).Scan(&pos)
	if err != nil {
		return 0, adapters.NewStorageError("stream position", err)
	}
	return pos, nil
}

// CountDocuments returns the number of documents in the projection.
func (s *DocumentStore) CountDocuments(ctx context.Context, projection string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projection_documents WHERE projection = $1`, projection).Scan(&n)
	if err != nil {
		return 0, adapters.NewStorageError("count documents", err)
	}
	return n, nil
}

// DeleteProjection removes every document of the projection.
func (s *DocumentStore) DeleteProjection(ctx context.Context, projection string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM projection_documents WHERE projection = $1`, projection); err != nil {
		return adapters.NewStorageError("delete projection", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *DocumentStore) Close() error {
	return nil
}

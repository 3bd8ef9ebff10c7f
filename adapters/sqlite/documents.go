package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fortium/eventserver/adapters"
)

var _ adapters.DocumentStore = (*DocumentStore)(nil)

// DocumentStore keeps projection documents next to the event log. Positions
// live in their own table and change in the same transaction as the content.
type DocumentStore struct {
	db *sql.DB
}

// NewDocumentStore shares the adapter's database handle.
func NewDocumentStore(a *Adapter) *DocumentStore {
	return &DocumentStore{db: a.db}
}

// GetDocument returns the stored document or ErrDocumentNotFound.
func (s *DocumentStore) GetDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	doc := &adapters.DocumentRecord{Projection: projection, Key: key, Positions: make(map[string]int64)}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM projection_documents WHERE projection = ? AND key = ?`,
		projection, key).Scan(&doc.Data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.ErrDocumentNotFound
	}
	if err != nil {
		return nil, adapters.NewStorageError("get document", err)
	}
	doc.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, sequence FROM document_positions WHERE projection = ? AND key = ?`,
		projection, key)
	if err != nil {
		return nil, adapters.NewStorageError("get document", err)
	}
	defer rows.Close()
	for rows.Next() {
		var streamID string
		var seq int64
		if err := rows.Scan(&streamID, &seq); err != nil {
			return nil, adapters.NewStorageError("get document", err)
		}
		doc.Positions[streamID] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, adapters.NewStorageError("get document", err)
	}
	return doc, nil
}

// SaveDocument upserts the document and the stream position in one transaction.
func (s *DocumentStore) SaveDocument(ctx context.Context, w adapters.DocumentWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return adapters.NewStorageError("save document", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT sequence FROM document_positions
		WHERE projection = ? AND key = ? AND stream_id = ?`,
		w.Projection, w.Key, w.StreamID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return adapters.NewStorageError("save document", err)
	}
	if current >= w.Sequence {
		return adapters.ErrStalePosition
	}

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projection_documents (projection, key, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (projection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		w.Projection, w.Key, w.Data, now); err != nil {
		return adapters.NewStorageError("save document", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_positions (projection, key, stream_id, sequence) VALUES (?, ?, ?, ?)
		ON CONFLICT (projection, key, stream_id) DO UPDATE SET sequence = excluded.sequence`,
		w.Projection, w.Key, w.StreamID, w.Sequence); err != nil {
		return adapters.NewStorageError("save document", err)
	}

	if err := tx.Commit(); err != nil {
		return adapters.NewStorageError("save document", err)
	}
	return nil
}

// StreamPosition returns the highest applied sequence of streamID in the projection.
func (s *DocumentStore) StreamPosition(ctx context.Context, projection, streamID string) (int64, error) {
	var pos sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM document_positions WHERE projection = ? AND stream_id = ?`,
		projection, streamID).Scan(&pos)
	if err != nil {
		return 0, adapters.NewStorageError("stream position", err)
	}
	return pos.Int64, nil
}

// CountDocuments returns the number of documents in the projection.
func (s *DocumentStore) CountDocuments(ctx context.Context, projection string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projection_documents WHERE projection = ?`, projection).Scan(&n); err != nil {
		return 0, adapters.NewStorageError("count documents", err)
	}
	return n, nil
}

// DeleteProjection removes every document and position of the projection.
func (s *DocumentStore) DeleteProjection(ctx context.Context, projection string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return adapters.NewStorageError("delete projection", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM document_positions WHERE projection = ?`,
		`DELETE FROM projection_documents WHERE projection = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, projection); err != nil {
			return adapters.NewStorageError("delete projection", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return adapters.NewStorageError("delete projection", err)
	}
	return nil
}

// Close is a no-op; the handle belongs to the adapter.
func (s *DocumentStore) Close() error {
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fortium/eventserver/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore records processed submissions in the idempotency_keys table.
type IdempotencyStore struct {
	db *sql.DB
}

// NewIdempotencyStore creates an idempotency store on db.
func NewIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// NewIdempotencyStoreFromAdapter shares the adapter's connection pool.
func NewIdempotencyStoreFromAdapter(adapter *PostgresAdapter) *IdempotencyStore {
	return NewIdempotencyStore(adapter.db)
}

// Exists checks if an unexpired record with the given key exists.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM idempotency_keys
			WHERE key = $1 AND expires_at > NOW()
		)`, key).Scan(&exists)
	if err != nil {
		return false, adapters.NewStorageError("idempotency exists", err)
	}
	return exists, nil
}

// Store upserts a record.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (
			key, command_type, aggregate_id, version, response, error, success, processed_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			command_type = EXCLUDED.command_type,
			aggregate_id = EXCLUDED.aggregate_id,
			version = EXCLUDED.version,
			response = EXCLUDED.response,
			error = EXCLUDED.error,
			success = EXCLUDED.success,
			processed_at = EXCLUDED.processed_at,
			expires_at = EXCLUDED.expires_at`,
		record.Key,
		record.CommandType,
		nullString(record.AggregateID),
		nullInt64(record.Version),
		record.Response,
		nullString(record.Error),
		record.Success,
		record.ProcessedAt,
		record.ExpiresAt,
	)
	if err != nil {
		return adapters.NewStorageError("idempotency store", err)
	}
	return nil
}

// Get returns the unexpired record for key, or nil, nil.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	var record adapters.IdempotencyRecord
	var aggregateID, errorMsg sql.NullString
	var version sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT key, command_type, aggregate_id, version, response, error, success, processed_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > NOW()`, key).Scan(
		&record.Key,
		&record.CommandType,
		&aggregateID,
		&version,
		&record.Response,
		&errorMsg,
		&record.Success,
		&record.ProcessedAt,
		&record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, adapters.NewStorageError("idempotency get", err)
	}

	record.AggregateID = aggregateID.String
	record.Version = version.Int64
	record.Error = errorMsg.String
	return &record, nil
}

// Delete removes a record by key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return adapters.NewStorageError("idempotency delete", err)
	}
	return nil
}

// Cleanup removes records processed before the cutoff and any expired ones.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE processed_at < $1 OR expires_at < NOW()`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, adapters.NewStorageError("idempotency cleanup", err)
	}
	return result.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

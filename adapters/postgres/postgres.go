// Package postgres provides PostgreSQL implementations of the storage
// contracts: the event log, projection documents, idempotency records and
// the outbox. Tables are unqualified; pick a schema with search_path in the
// connection string.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/fortium/eventserver/adapters"
)

// Version constants re-exported for convenience.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

var (
	_ adapters.EventStoreAdapter  = (*PostgresAdapter)(nil)
	_ adapters.StreamPager        = (*PostgresAdapter)(nil)
	_ adapters.StreamQueryAdapter = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker      = (*PostgresAdapter)(nil)
)

// PostgresAdapter is a PostgreSQL event log.
type PostgresAdapter struct {
	db     *sql.DB
	driver string
	dsn    string
	closed bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithDriverName selects the database/sql driver. The default is "pgx";
// "postgres" uses lib/pq.
func WithDriverName(name string) Option {
	return func(a *PostgresAdapter) {
		a.driver = name
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		if a.db != nil {
			a.db.SetMaxOpenConns(n)
		}
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		if a.db != nil {
			a.db.SetMaxIdleConns(n)
		}
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		if a.db != nil {
			a.db.SetConnMaxLifetime(d)
		}
	}
}

// NewAdapter opens a connection pool for connStr. Pool options are applied
// after the pool is opened.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	a := &PostgresAdapter{driver: "pgx", dsn: connStr}
	for _, opt := range opts {
		opt(a)
	}

	db, err := sql.Open(a.driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("eventserver/postgres: failed to open database: %w", err)
	}
	a.db = db
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NewAdapterWithDB wraps an existing connection pool.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	a := &PostgresAdapter{db: db, driver: "pgx"}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize applies pending schema migrations. It needs the connection
// string, so adapters built with NewAdapterWithDB must be migrated with
// MigrateUp instead.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	if a.dsn == "" {
		return nil
	}
	return MigrateUp(a.dsn)
}

// Append stores events to the specified stream with optimistic concurrency control.
func (a *PostgresAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, adapters.ErrNoEvents
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, adapters.NewStorageError("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	streamExists := true
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM streams WHERE stream_id = $1 FOR UPDATE`, streamID).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
	} else if err != nil {
		return nil, adapters.NewStorageError("append", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, streamExists); err != nil {
		return nil, err
	}

	if !streamExists {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (stream_id, category, version) VALUES ($1, $2, 0)`,
			streamID, adapters.ExtractCategory(streamID))
		if err != nil {
			return nil, a.appendError(streamID, expectedVersion, currentVersion, err)
		}
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		currentVersion++

		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("eventserver/postgres: failed to marshal metadata: %w", err)
		}

		eventID := uuid.New().String()
		var globalPosition int64
		var committedAt time.Time
		err = tx.QueryRowContext(ctx, `
			INSERT INTO events (event_id, stream_id, version, event_type, data, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING global_position, committed_at`,
			eventID, streamID, currentVersion, event.Type, event.Data, metadataJSON,
		).Scan(&globalPosition, &committedAt)
		if err != nil {
			return nil, a.appendError(streamID, expectedVersion, currentVersion-1, err)
		}

		stored[i] = adapters.StoredEvent{
			ID:             eventID,
			StreamID:       streamID,
			Type:           event.Type,
			Data:           event.Data,
			Metadata:       event.Metadata,
			Version:        currentVersion,
			GlobalPosition: uint64(globalPosition),
			Timestamp:      committedAt,
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE streams
		SET version = $1, event_count = event_count + $2, last_type = $3, updated_at = NOW()
		WHERE stream_id = $4`,
		currentVersion, len(events), events[len(events)-1].Type, streamID)
	if err != nil {
		return nil, adapters.NewStorageError("append", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, a.appendError(streamID, expectedVersion, currentVersion, err)
	}
	return stored, nil
}

// appendError turns a unique violation from a racing writer into a
// concurrency conflict and anything else into a storage failure.
func (a *PostgresAdapter) appendError(streamID string, expected, actual int64, err error) error {
	if isUniqueViolation(err) {
		return adapters.NewConcurrencyError(streamID, expected, actual)
	}
	return adapters.NewStorageError("append", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

// Load retrieves events with a version greater than fromVersion.
func (a *PostgresAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	return a.LoadPage(ctx, streamID, fromVersion, 0)
}

// LoadPage retrieves up to limit events after fromVersion. A limit of 0
// reads to the end of the stream.
func (a *PostgresAdapter) LoadPage(ctx context.Context, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	query := `
		SELECT global_position, event_id, stream_id, version, event_type, data, metadata, committed_at
		FROM events
		WHERE stream_id = $1 AND version > $2
		ORDER BY version`
	args := []interface{}{streamID, fromVersion}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, adapters.NewStorageError("load", err)
	}
	defer rows.Close()
	return scanEvents(rows, "load")
}

// ReadAll retrieves events across all streams in global order.
func (a *PostgresAdapter) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT global_position, event_id, stream_id, version, event_type, data, metadata, committed_at
		FROM events
		WHERE global_position > $1
		ORDER BY global_position
		LIMIT $2`, int64(fromPosition), adapters.DefaultLimit(limit, 1000))
	if err != nil {
		return nil, adapters.NewStorageError("read all", err)
	}
	defer rows.Close()
	return scanEvents(rows, "read all")
}

func scanEvents(rows *sql.Rows, op string) ([]adapters.StoredEvent, error) {
	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var event adapters.StoredEvent
		var globalPosition int64
		var metadataJSON []byte

		err := rows.Scan(
			&globalPosition,
			&event.ID,
			&event.StreamID,
			&event.Version,
			&event.Type,
			&event.Data,
			&metadataJSON,
			&event.Timestamp,
		)
		if err != nil {
			return nil, adapters.NewStorageError(op, err)
		}
		event.GlobalPosition = uint64(globalPosition)

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("eventserver/postgres: failed to unmarshal metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, adapters.NewStorageError(op, err)
	}
	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx, `
		SELECT stream_id, category, version, event_count, created_at, updated_at
		FROM streams
		WHERE stream_id = $1`, streamID).Scan(
		&info.StreamID,
		&info.Category,
		&info.Version,
		&info.EventCount,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, adapters.NewStorageError("stream info", err)
	}
	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *PostgresAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}

	var pos sql.NullInt64
	if err := a.db.QueryRowContext(ctx, `SELECT MAX(global_position) FROM events`).Scan(&pos); err != nil {
		return 0, adapters.NewStorageError("last position", err)
	}
	if pos.Valid {
		return uint64(pos.Int64), nil
	}
	return 0, nil
}

// ListStreams returns stream summaries ordered by stream ID.
func (a *PostgresAdapter) ListStreams(ctx context.Context, prefix string, limit int) ([]adapters.StreamSummary, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	query := `
		SELECT stream_id, event_count, last_type, updated_at
		FROM streams
		WHERE stream_id LIKE $1
		ORDER BY stream_id`
	args := []interface{}{escapeLike(prefix) + "%"}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, adapters.NewStorageError("list streams", err)
	}
	defer rows.Close()

	summaries := make([]adapters.StreamSummary, 0)
	for rows.Next() {
		var s adapters.StreamSummary
		if err := rows.Scan(&s.StreamID, &s.EventCount, &s.LastEventType, &s.LastUpdated); err != nil {
			return nil, adapters.NewStorageError("list streams", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, adapters.NewStorageError("list streams", err)
	}
	return summaries, nil
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	if err := a.db.PingContext(ctx); err != nil {
		return adapters.NewStorageError("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (a *PostgresAdapter) Close() error {
	a.closed = true
	return a.db.Close()
}

// DB returns the underlying connection pool.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

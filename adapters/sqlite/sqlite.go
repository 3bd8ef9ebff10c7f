// Package sqlite provides an embedded event log and projection document
// store on modernc.org/sqlite, for single-node deployments and local runs.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fortium/eventserver/adapters"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ adapters.EventStoreAdapter  = (*Adapter)(nil)
	_ adapters.StreamPager        = (*Adapter)(nil)
	_ adapters.StreamQueryAdapter = (*Adapter)(nil)
	_ adapters.HealthChecker      = (*Adapter)(nil)
)

// Adapter is a SQLite event log. All access goes through one connection,
// which serializes writers.
type Adapter struct {
	db     *sql.DB
	closed bool
	now    func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// Open opens (creating if needed) the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func Open(path string, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("eventserver/sqlite: storage path is required")
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventserver/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, adapters.NewStorageError("open", err)
	}

	a := &Adapter{db: db, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.Initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// Initialize applies pending migrations.
func (a *Adapter) Initialize(ctx context.Context) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("eventserver/sqlite: create migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(a.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("eventserver/sqlite: create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("eventserver/sqlite: create migrator: %w", err)
	}
	// m.Close would close the shared pool.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("eventserver/sqlite: apply migrations: %w", err)
	}
	return nil
}

// Append stores events to the specified stream with optimistic concurrency control.
func (a *Adapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
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
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT version FROM streams WHERE stream_id = ?`, streamID).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, adapters.NewStorageError("append", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, exists); err != nil {
		return nil, err
	}

	now := a.now().UTC()
	if !exists {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (stream_id, category, version, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
			streamID, adapters.ExtractCategory(streamID), now.UnixNano(), now.UnixNano())
		if err != nil {
			return nil, appendError(streamID, expectedVersion, currentVersion, err)
		}
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		currentVersion++
		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("eventserver/sqlite: failed to marshal metadata: %w", err)
		}

		eventID := uuid.New().String()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, stream_id, version, event_type, data, metadata, committed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			eventID, streamID, currentVersion, event.Type, event.Data, string(metadataJSON), now.UnixNano())
		if err != nil {
			return nil, appendError(streamID, expectedVersion, currentVersion-1, err)
		}
		pos, err := res.LastInsertId()
		if err != nil {
			return nil, adapters.NewStorageError("append", err)
		}

		stored[i] = adapters.StoredEvent{
			ID:             eventID,
			StreamID:       streamID,
			Type:           event.Type,
			Data:           append([]byte(nil), event.Data...),
			Metadata:       event.Metadata,
			Version:        currentVersion,
			GlobalPosition: uint64(pos),
			Timestamp:      now,
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE streams SET version = ?, event_count = event_count + ?, last_type = ?, updated_at = ?
		WHERE stream_id = ?`,
		currentVersion, len(events), events[len(events)-1].Type, now.UnixNano(), streamID)
	if err != nil {
		return nil, adapters.NewStorageError("append", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, adapters.NewStorageError("append", err)
	}
	return stored, nil
}

func appendError(streamID string, expected, actual int64, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return adapters.NewConcurrencyError(streamID, expected, actual)
		}
	}
	return adapters.NewStorageError("append", err)
}

// Load retrieves events with a version greater than fromVersion.
func (a *Adapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	return a.LoadPage(ctx, streamID, fromVersion, -1)
}

// LoadPage retrieves up to limit events after fromVersion. A negative limit
// reads to the end of the stream.
func (a *Adapter) LoadPage(ctx context.Context, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if limit == 0 {
		limit = 1000
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT global_position, event_id, stream_id, version, event_type, data, metadata, committed_at
		FROM events
		WHERE stream_id = ? AND version > ?
		ORDER BY version
		LIMIT ?`, streamID, fromVersion, limit)
	if err != nil {
		return nil, adapters.NewStorageError("load", err)
	}
	defer rows.Close()
	return scanEvents(rows, "load")
}

// ReadAll retrieves events across all streams in global order.
func (a *Adapter) ReadAll(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT global_position, event_id, stream_id, version, event_type, data, metadata, committed_at
		FROM events
		WHERE global_position > ?
		ORDER BY global_position
		LIMIT ?`, int64(fromPosition), adapters.DefaultLimit(limit, 1000))
	if err != nil {
		return nil, adapters.NewStorageError("read all", err)
	}
	defer rows.Close()
	return scanEvents(rows, "read all")
}

func scanEvents(rows *sql.Rows, op string) ([]adapters.StoredEvent, error) {
	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var e adapters.StoredEvent
		var pos, committed int64
		var metadata sql.NullString
		if err := rows.Scan(&pos, &e.ID, &e.StreamID, &e.Version, &e.Type, &e.Data, &metadata, &committed); err != nil {
			return nil, adapters.NewStorageError(op, err)
		}
		e.GlobalPosition = uint64(pos)
		e.Timestamp = time.Unix(0, committed).UTC()
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("eventserver/sqlite: failed to unmarshal metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, adapters.NewStorageError(op, err)
	}
	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *Adapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	var info adapters.StreamInfo
	var created, updated int64
	err := a.db.QueryRowContext(ctx, `
		SELECT stream_id, category, version, event_count, created_at, updated_at
		FROM streams WHERE stream_id = ?`, streamID).
		Scan(&info.StreamID, &info.Category, &info.Version, &info.EventCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, adapters.NewStorageError("stream info", err)
	}
	info.CreatedAt = time.Unix(0, created).UTC()
	info.UpdatedAt = time.Unix(0, updated).UTC()
	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *Adapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}
	var pos sql.NullInt64
	if err := a.db.QueryRowContext(ctx, `SELECT MAX(global_position) FROM events`).Scan(&pos); err != nil {
		return 0, adapters.NewStorageError("last position", err)
	}
	return uint64(pos.Int64), nil
}

// ListStreams returns stream summaries ordered by stream ID.
func (a *Adapter) ListStreams(ctx context.Context, prefix string, limit int) ([]adapters.StreamSummary, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT stream_id, event_count, last_type, updated_at
		FROM streams
		WHERE substr(stream_id, 1, length(?)) = ?
		ORDER BY stream_id
		LIMIT ?`, prefix, prefix, limit)
	if err != nil {
		return nil, adapters.NewStorageError("list streams", err)
	}
	defer rows.Close()

	summaries := make([]adapters.StreamSummary, 0)
	for rows.Next() {
		var s adapters.StreamSummary
		var updated int64
		if err := rows.Scan(&s.StreamID, &s.EventCount, &s.LastEventType, &updated); err != nil {
			return nil, adapters.NewStorageError("list streams", err)
		}
		s.LastUpdated = time.Unix(0, updated).UTC()
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, adapters.NewStorageError("list streams", err)
	}
	return summaries, nil
}

// Ping checks the database handle.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	if err := a.db.PingContext(ctx); err != nil {
		return adapters.NewStorageError("ping", err)
	}
	return nil
}

// Close releases the database handle.
func (a *Adapter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// DB returns the underlying handle, shared with the document store.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fortium/eventserver/adapters"
)

var _ adapters.OutboxStore = (*OutboxStore)(nil)

const outboxColumns = `id, aggregate_id, event_type, destination, payload, headers,
	status, attempts, max_attempts, last_error, scheduled_at,
	last_attempt_at, processed_at, created_at`

// OutboxStore persists outbox messages in the outbox_messages table.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore creates an outbox store on db.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// NewOutboxStoreFromAdapter shares the adapter's connection pool.
func NewOutboxStoreFromAdapter(adapter *PostgresAdapter) *OutboxStore {
	return NewOutboxStore(adapter.db)
}

// Schedule stores messages as pending in one transaction.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return adapters.NewStorageError("outbox schedule", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, msg := range messages {
		headersJSON, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("eventserver/postgres: failed to marshal headers: %w", err)
		}
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if msg.ScheduledAt.IsZero() {
			msg.ScheduledAt = now
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.MaxAttempts == 0 {
			msg.MaxAttempts = 5
		}
		msg.Status = adapters.OutboxPending

		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox_messages (
				id, aggregate_id, event_type, destination, payload, headers,
				status, attempts, max_attempts, scheduled_at, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)`,
			msg.ID,
			msg.AggregateID,
			msg.EventType,
			msg.Destination,
			msg.Payload,
			headersJSON,
			int(adapters.OutboxPending),
			msg.MaxAttempts,
			msg.ScheduledAt,
			msg.CreatedAt,
		)
		if err != nil {
			return adapters.NewStorageError("outbox schedule", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return adapters.NewStorageError("outbox schedule", err)
	}
	return nil
}

// FetchPending claims up to limit due messages. SKIP LOCKED keeps two
// processors from claiming the same row.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_messages SET
			status = $1,
			last_attempt_at = NOW(),
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = $2 AND scheduled_at <= NOW()
			ORDER BY scheduled_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		int(adapters.OutboxProcessing), int(adapters.OutboxPending), adapters.DefaultLimit(limit, 100))
	if err != nil {
		return nil, adapters.NewStorageError("outbox fetch", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkCompleted marks messages as delivered.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]interface{}, len(ids)+1)
	args[0] = int(adapters.OutboxCompleted)
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args[i+1] = id
		placeholders[i] = fmt.Sprintf("$%d", i+2)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages SET status = $1, processed_at = NOW()
		WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return adapters.NewStorageError("outbox complete", err)
	}
	return nil
}

// MarkFailed records a delivery failure.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = $1, last_error = $2 WHERE id = $3`,
		int(adapters.OutboxFailed), errMsg, id)
	if err != nil {
		return adapters.NewStorageError("outbox fail", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return adapters.NewStorageError("outbox fail", err)
	}
	if n == 0 {
		return adapters.ErrOutboxMessageNotFound
	}
	return nil
}

// RetryFailed resets failed messages below maxAttempts to pending.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = $1 WHERE status = $2 AND attempts < $3`,
		int(adapters.OutboxPending), int(adapters.OutboxFailed), maxAttempts)
	if err != nil {
		return 0, adapters.NewStorageError("outbox retry", err)
	}
	return result.RowsAffected()
}

// MoveToDeadLetter parks failed messages that reached maxAttempts.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = $1 WHERE status = $2 AND attempts >= $3`,
		int(adapters.OutboxDeadLetter), int(adapters.OutboxFailed), maxAttempts)
	if err != nil {
		return 0, adapters.NewStorageError("outbox dead letter", err)
	}
	return result.RowsAffected()
}

// DeadLetters returns up to limit dead-lettered messages, newest first.
func (s *OutboxStore) DeadLetters(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, int(adapters.OutboxDeadLetter), adapters.DefaultLimit(limit, 100))
	if err != nil {
		return nil, adapters.NewStorageError("outbox dead letters", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Cleanup removes completed messages processed before the cutoff.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_messages
		WHERE status = $1 AND processed_at IS NOT NULL AND processed_at < $2`,
		int(adapters.OutboxCompleted), time.Now().Add(-olderThan))
	if err != nil {
		return 0, adapters.NewStorageError("outbox cleanup", err)
	}
	return result.RowsAffected()
}

// messageScanTargets holds the nullable columns of an outbox row.
type messageScanTargets struct {
	headersJSON   []byte
	status        int
	lastError     sql.NullString
	lastAttemptAt sql.NullTime
	processedAt   sql.NullTime
}

func (t *messageScanTargets) dest(msg *adapters.OutboxMessage) []interface{} {
	return []interface{}{
		&msg.ID, &msg.AggregateID, &msg.EventType, &msg.Destination,
		&msg.Payload, &t.headersJSON, &t.status, &msg.Attempts,
		&msg.MaxAttempts, &t.lastError, &msg.ScheduledAt,
		&t.lastAttemptAt, &t.processedAt, &msg.CreatedAt,
	}
}

func (t *messageScanTargets) populate(msg *adapters.OutboxMessage) error {
	msg.Status = adapters.OutboxStatus(t.status)
	msg.LastError = t.lastError.String
	if t.lastAttemptAt.Valid {
		msg.LastAttemptAt = &t.lastAttemptAt.Time
	}
	if t.processedAt.Valid {
		msg.ProcessedAt = &t.processedAt.Time
	}
	if len(t.headersJSON) > 0 && string(t.headersJSON) != "null" {
		if err := json.Unmarshal(t.headersJSON, &msg.Headers); err != nil {
			return fmt.Errorf("eventserver/postgres: failed to unmarshal headers: %w", err)
		}
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*adapters.OutboxMessage, error) {
	var messages []*adapters.OutboxMessage
	for rows.Next() {
		msg := &adapters.OutboxMessage{}
		var targets messageScanTargets
		if err := rows.Scan(targets.dest(msg)...); err != nil {
			return nil, adapters.NewStorageError("outbox scan", err)
		}
		if err := targets.populate(msg); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, adapters.NewStorageError("outbox scan", err)
	}
	return messages, nil
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fortium/eventserver/adapters"
	"github.com/google/uuid"
)

var _ adapters.OutboxStore = (*OutboxStore)(nil)

// OutboxStore keeps outbox messages in memory.
type OutboxStore struct {
	mu       sync.Mutex
	messages map[string]*adapters.OutboxMessage
}

// NewOutboxStore creates an empty in-memory outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{messages: make(map[string]*adapters.OutboxMessage)}
}

// Schedule stores messages as pending, filling in defaults.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.ScheduledAt.IsZero() {
			msg.ScheduledAt = now
		}
		if msg.MaxAttempts == 0 {
			msg.MaxAttempts = 5
		}
		msg.Status = adapters.OutboxPending
		s.messages[msg.ID] = copyMessage(msg)
	}
	return nil
}

// FetchPending claims due messages, oldest schedule first.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*adapters.OutboxMessage
	for _, msg := range s.messages {
		if msg.Status == adapters.OutboxPending && !msg.ScheduledAt.After(now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*adapters.OutboxMessage, len(due))
	for i, msg := range due {
		msg.Status = adapters.OutboxProcessing
		msg.Attempts++
		at := now
		msg.LastAttemptAt = &at
		claimed[i] = copyMessage(msg)
	}
	return claimed, nil
}

// MarkCompleted marks messages as delivered. Unknown ids are ignored.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			msg.Status = adapters.OutboxCompleted
			at := now
			msg.ProcessedAt = &at
		}
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return adapters.ErrOutboxMessageNotFound
	}
	msg.Status = adapters.OutboxFailed
	if lastErr != nil {
		msg.LastError = lastErr.Error()
	}
	return nil
}

// RetryFailed moves failed messages with attempts left back to pending.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	return s.transition(adapters.OutboxPending, func(m *adapters.OutboxMessage) bool {
		return m.Status == adapters.OutboxFailed && m.Attempts < maxAttempts
	}), nil
}

// MoveToDeadLetter parks failed messages without attempts left.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error) {
	return s.transition(adapters.OutboxDeadLetter, func(m *adapters.OutboxMessage) bool {
		return m.Status == adapters.OutboxFailed && m.Attempts >= maxAttempts
	}), nil
}

func (s *OutboxStore) transition(to adapters.OutboxStatus, match func(*adapters.OutboxMessage) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, msg := range s.messages {
		if match(msg) {
			msg.Status = to
			n++
		}
	}
	return n
}

// Cleanup removes completed messages processed before now-olderThan.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var n int64
	for id, msg := range s.messages {
		if msg.Status == adapters.OutboxCompleted && msg.ProcessedAt != nil && msg.ProcessedAt.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

// CountByStatus returns message counts per status (useful for testing).
func (s *OutboxStore) CountByStatus() map[adapters.OutboxStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[adapters.OutboxStatus]int)
	for _, msg := range s.messages {
		counts[msg.Status]++
	}
	return counts
}

// Messages returns copies of every stored message.
func (s *OutboxStore) Messages() []*adapters.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*adapters.OutboxMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		out = append(out, copyMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyMessage(msg *adapters.OutboxMessage) *adapters.OutboxMessage {
	cp := *msg
	cp.Payload = append([]byte(nil), msg.Payload...)
	if msg.Headers != nil {
		cp.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			cp.Headers[k] = v
		}
	}
	if msg.LastAttemptAt != nil {
		t := *msg.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if msg.ProcessedAt != nil {
		t := *msg.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

package eventserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrOutboxProcessorRunning indicates Start was called twice.
	ErrOutboxProcessorRunning = errors.New("eventserver: outbox processor already running")

	// ErrPublisherNotFound indicates no publisher handles a destination prefix.
	ErrPublisherNotFound = errors.New("eventserver: no publisher for destination")
)

// ProcessorOption configures an OutboxProcessor.
type ProcessorOption func(*OutboxProcessor)

// WithBatchSize sets the maximum number of messages to process in a single batch.
func WithBatchSize(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPollInterval sets how often the processor polls for pending messages.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithMaxRetries sets the maximum number of delivery attempts.
func WithMaxRetries(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the duration between retry cycles.
func WithRetryBackoff(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.retryBackoff = d
		}
	}
}

// WithCleanupInterval sets how often completed messages are cleaned up.
func WithCleanupInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupInterval = d
		}
	}
}

// WithCleanupAge sets the age threshold for cleaning up completed messages.
func WithCleanupAge(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupAge = d
		}
	}
}

// WithPublisher registers a publisher for a given destination prefix.
func WithPublisher(publisher Publisher) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.publishers[publisher.Destination()] = publisher
	}
}

// WithOutboxMetrics sets the metrics collector for the processor.
func WithOutboxMetrics(metrics OutboxMetrics) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.metrics = metrics
	}
}

// WithProcessorLogger sets the logger for the processor.
func WithProcessorLogger(logger Logger) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.logger = logger
	}
}

// OutboxProcessor delivers scheduled outbox messages through the publisher
// registered for each destination prefix. Failed messages are retried on
// the maintenance tick until they reach the attempt limit and are parked
// as dead letters.
type OutboxProcessor struct {
	store      OutboxStore
	publishers map[string]Publisher
	metrics    OutboxMetrics
	logger     Logger

	batchSize       int
	pollInterval    time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	cleanupInterval time.Duration
	cleanupAge      time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutboxProcessor creates a new OutboxProcessor.
func NewOutboxProcessor(store OutboxStore, opts ...ProcessorOption) *OutboxProcessor {
	p := &OutboxProcessor{
		store:           store,
		publishers:      make(map[string]Publisher),
		metrics:         &noopOutboxMetrics{},
		logger:          &noopLogger{},
		batchSize:       100,
		pollInterval:    time.Second,
		maxRetries:      5,
		retryBackoff:    5 * time.Second,
		cleanupInterval: time.Hour,
		cleanupAge:      7 * 24 * time.Hour,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start runs delivery, retries and cleanup in one background goroutine
// until Stop is called or ctx ends.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrOutboxProcessorRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx, p.done)

	p.logger.Info("Outbox processor started", "publishers", strings.Join(p.Publishers(), ","))
	return nil
}

// Stop cancels the loop and waits for the batch in flight, or for ctx.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		p.logger.Info("Outbox processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the processor is running.
func (p *OutboxProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Publishers returns the registered destination prefixes.
func (p *OutboxProcessor) Publishers() []string {
	return sortedKeys(p.publishers)
}

func (p *OutboxProcessor) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	poll := time.NewTicker(p.pollInterval)
	defer poll.Stop()
	retry := time.NewTicker(p.retryBackoff)
	defer retry.Stop()
	cleanup := time.NewTicker(p.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if _, err := p.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Outbox batch failed", "error", err)
			}
		case <-retry.C:
			p.RunMaintenance(ctx)
		case <-cleanup.C:
			p.runCleanup(ctx)
		}
	}
}

// ProcessBatch claims one batch of due messages, publishes it and records
// the outcome per message. It returns the number of messages delivered.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	start := time.Now()

	messages, err := p.store.FetchPending(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("eventserver: fetch pending outbox messages: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	byPrefix := make(map[string][]*OutboxMessage)
	for _, msg := range messages {
		prefix := destinationPrefix(msg.Destination)
		byPrefix[prefix] = append(byPrefix[prefix], msg)
	}

	delivered := 0
	for _, prefix := range sortedKeys(byPrefix) {
		delivered += p.deliver(ctx, prefix, byPrefix[prefix])
	}

	p.metrics.RecordBatchDuration(time.Since(start))
	return delivered, nil
}

// deliver publishes msgs, which share one destination prefix, and marks
// them completed or failed.
func (p *OutboxProcessor) deliver(ctx context.Context, prefix string, msgs []*OutboxMessage) int {
	publisher, ok := p.publishers[prefix]
	if !ok {
		p.logger.Error("No publisher for destination", "prefix", prefix, "count", len(msgs))
		p.fail(ctx, msgs, fmt.Errorf("%w: %s", ErrPublisherNotFound, prefix), false)
		return 0
	}

	if err := publisher.Publish(ctx, msgs); err != nil {
		p.logger.Warn("Outbox publish failed", "prefix", prefix, "count", len(msgs), "error", err)
		p.fail(ctx, msgs, err, true)
		return 0
	}

	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
		p.metrics.RecordMessageProcessed(msg.Destination, true)
	}
	if err := p.store.MarkCompleted(ctx, ids); err != nil {
		p.logger.Error("Failed to mark outbox messages completed", "count", len(ids), "error", err)
	}
	return len(msgs)
}

// fail records cause on every message. attempted is false when no
// publisher was tried.
func (p *OutboxProcessor) fail(ctx context.Context, msgs []*OutboxMessage, cause error, attempted bool) {
	for _, msg := range msgs {
		if err := p.store.MarkFailed(ctx, msg.ID, cause); err != nil {
			p.logger.Error("Failed to mark outbox message failed", "id", msg.ID, "error", err)
		}
		if attempted {
			p.metrics.RecordMessageProcessed(msg.Destination, false)
		}
		p.metrics.RecordMessageFailed(msg.Destination)
	}
}

// RunMaintenance resets retryable failures to pending and parks messages
// that used up their attempts.
func (p *OutboxProcessor) RunMaintenance(ctx context.Context) {
	if n, err := p.store.RetryFailed(ctx, p.maxRetries); err != nil {
		p.logger.Error("Outbox retry failed", "error", err)
	} else if n > 0 {
		p.logger.Info("Outbox messages queued for retry", "count", n)
	}

	n, err := p.store.MoveToDeadLetter(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("Outbox dead-lettering failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Warn("Outbox messages dead-lettered", "count", n, "maxAttempts", p.maxRetries)
	}
	for ; n > 0; n-- {
		p.metrics.RecordMessageDeadLettered()
	}
}

func (p *OutboxProcessor) runCleanup(ctx context.Context) {
	n, err := p.store.Cleanup(ctx, p.cleanupAge)
	if err != nil {
		p.logger.Error("Outbox cleanup failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("Completed outbox messages removed", "count", n, "olderThan", p.cleanupAge)
	}
}

// destinationPrefix returns the part of destination before the first colon,
// e.g. "webhook" for "webhook:https://example.com". A destination without a
// prefix is returned whole.
func destinationPrefix(destination string) string {
	if prefix, _, ok := strings.Cut(destination, ":"); ok && prefix != "" {
		return prefix
	}
	return destination
}

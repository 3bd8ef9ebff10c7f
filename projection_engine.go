package eventserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortium/eventserver/adapters"
)

// ProjectionEngine keeps projection documents in step with the event log.
// Each projection has one worker so events of a stream are applied in commit
// order. Every document carries the last applied sequence number of each
// source stream, which makes redelivery harmless.
type ProjectionEngine struct {
	store      *EventStore
	docs       adapters.DocumentStore
	metrics    ProjectionMetrics
	logger     Logger
	retry      RetryPolicy
	bufferSize int
	sweepEvery time.Duration
	batchSize  int

	mu      sync.RWMutex
	workers map[string]*projectionWorker
	order   []string

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// ProjectionEngineOption configures a ProjectionEngine.
type ProjectionEngineOption func(*ProjectionEngine)

// WithProjectionMetrics sets the metrics collector for the engine.
func WithProjectionMetrics(metrics ProjectionMetrics) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.metrics = metrics
	}
}

// WithProjectionLogger sets the logger for the engine.
func WithProjectionLogger(logger Logger) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.logger = logger
	}
}

// WithProjectionRetry sets the retry policy for storage failures.
func WithProjectionRetry(policy RetryPolicy) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.retry = policy
	}
}

// WithNotifyBuffer sets how many committed batches a worker queues before
// falling back to catch-up.
func WithNotifyBuffer(n int) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		if n > 0 {
			e.bufferSize = n
		}
	}
}

// WithCatchUpInterval sets how often workers catch up streams whose
// notifications were dropped or failed.
func WithCatchUpInterval(d time.Duration) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		if d > 0 {
			e.sweepEvery = d
		}
	}
}

// WithReplayBatchSize sets the page size of bootstrap and rebuild replays.
func WithReplayBatchSize(n int) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// NewProjectionEngine creates a new ProjectionEngine.
func NewProjectionEngine(store *EventStore, docs adapters.DocumentStore, opts ...ProjectionEngineOption) *ProjectionEngine {
	e := &ProjectionEngine{
		store:      store,
		docs:       docs,
		metrics:    &noopProjectionMetrics{},
		logger:     &noopLogger{},
		retry:      ExponentialBackoffRetry(3, 50*time.Millisecond, 2*time.Second),
		bufferSize: 1024,
		sweepEvery: time.Second,
		batchSize:  500,
		workers:    make(map[string]*projectionWorker),
		stopCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RetryPolicy defines how to handle retries for failed operations.
type RetryPolicy interface {
	// ShouldRetry returns true if the operation should be retried.
	ShouldRetry(attempt int, err error) bool

	// Delay returns the duration to wait before the next retry.
	Delay(attempt int) time.Duration
}

// exponentialBackoffRetry implements RetryPolicy with exponential backoff.
// Only storage outages are retried.
type exponentialBackoffRetry struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ExponentialBackoffRetry creates a new retry policy with exponential backoff.
func ExponentialBackoffRetry(maxRetries int, baseDelay, maxDelay time.Duration) RetryPolicy {
	return &exponentialBackoffRetry{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (r *exponentialBackoffRetry) ShouldRetry(attempt int, err error) bool {
	if err == nil || !errors.Is(err, ErrStorageUnavailable) {
		return false
	}
	return attempt < r.maxRetries
}

func (r *exponentialBackoffRetry) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 62 {
		return r.maxDelay
	}
	delay := r.baseDelay * (1 << uint(attempt)) // #nosec G115 - attempt is clamped to 0-62
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	return delay
}

// noRetry is a retry policy that never retries.
type noRetry struct{}

// NoRetry returns a retry policy that never retries.
func NoRetry() RetryPolicy {
	return &noRetry{}
}

func (r *noRetry) ShouldRetry(attempt int, err error) bool {
	return false
}

func (r *noRetry) Delay(attempt int) time.Duration {
	return 0
}

// projectionWorker serializes all writes of one projection. mu is held for
// every application so rebuilds and catch-ups never interleave with live
// delivery.
type projectionWorker struct {
	projection Projection
	queue      chan []Event
	pending    atomic.Int64

	mu sync.Mutex
	// through records, per stream, the sequence up to which every event has
	// been applied or found irrelevant. Guarded by mu.
	through map[string]int64

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	stateMu       sync.RWMutex
	state         ProjectionState
	applied       uint64
	skipped       uint64
	failures      uint64
	lastAppliedAt time.Time
	lastError     error
}

func (w *projectionWorker) status() *ProjectionStatus {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()

	status := &ProjectionStatus{
		Name:          w.projection.Name(),
		State:         w.state,
		EventsApplied: w.applied,
		EventsSkipped: w.skipped,
		Failures:      w.failures,
		LastAppliedAt: w.lastAppliedAt,
	}
	if w.lastError != nil {
		status.Error = w.lastError.Error()
	}
	return status
}

func (w *projectionWorker) setState(state ProjectionState) {
	w.stateMu.Lock()
	w.state = state
	w.stateMu.Unlock()
}

func (w *projectionWorker) recordApplied() {
	w.stateMu.Lock()
	w.applied++
	w.lastAppliedAt = time.Now()
	w.stateMu.Unlock()
}

func (w *projectionWorker) recordSkipped() {
	w.stateMu.Lock()
	w.skipped++
	w.stateMu.Unlock()
}

func (w *projectionWorker) recordFailure(err error) {
	w.stateMu.Lock()
	w.failures++
	w.lastError = err
	w.state = ProjectionStateFaulted
	w.stateMu.Unlock()
}

func (w *projectionWorker) clearError() {
	w.stateMu.Lock()
	if w.state == ProjectionStateFaulted {
		w.state = ProjectionStateIdle
	}
	w.lastError = nil
	w.stateMu.Unlock()
}

func (w *projectionWorker) markDirty(streamIDs ...string) {
	w.dirtyMu.Lock()
	for _, id := range streamIDs {
		w.dirty[id] = struct{}{}
	}
	w.dirtyMu.Unlock()
}

func (w *projectionWorker) takeDirty() []string {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	if len(w.dirty) == 0 {
		return nil
	}
	ids := make([]string, 0, len(w.dirty))
	for id := range w.dirty {
		ids = append(ids, id)
	}
	w.dirty = make(map[string]struct{})
	sort.Strings(ids)
	return ids
}

func (w *projectionWorker) hasDirty() bool {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	return len(w.dirty) > 0
}

func (w *projectionWorker) anyDirty(streamIDs []string) bool {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	for _, id := range streamIDs {
		if _, ok := w.dirty[id]; ok {
			return true
		}
	}
	return false
}

// advance records that sequence of streamID is done. Out-of-order
// sequences leave the mark alone.
func (w *projectionWorker) advance(streamID string, sequence int64) {
	if w.through[streamID] == sequence-1 {
		w.through[streamID] = sequence
	}
}

func (w *projectionWorker) handles(eventType string) bool {
	handled := w.projection.HandledEvents()
	if len(handled) == 0 {
		return true
	}
	for _, t := range handled {
		if t == eventType {
			return true
		}
	}
	return false
}

// validateProjection checks if a projection is valid for registration.
func validateProjection(projection Projection) error {
	if projection == nil {
		return errors.New("eventserver: projection cannot be nil")
	}
	if projection.Name() == "" {
		return errors.New("eventserver: projection name cannot be empty")
	}
	return nil
}

// Register adds a projection. Projections must be registered before Start.
func (e *ProjectionEngine) Register(projection Projection) error {
	if err := validateProjection(projection); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	name := projection.Name()
	if _, exists := e.workers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProjectionAlreadyRegistered, name)
	}
	e.workers[name] = &projectionWorker{
		projection: projection,
		queue:      make(chan []Event, e.bufferSize),
		through:    make(map[string]int64),
		dirty:      make(map[string]struct{}),
		state:      ProjectionStateIdle,
	}
	e.order = append(e.order, name)
	return nil
}

// Projection returns the projection registered under name.
func (e *ProjectionEngine) Projection(name string) (Projection, bool) {
	w, ok := e.worker(name)
	if !ok {
		return nil, false
	}
	return w.projection, true
}

// Names returns the registered projection names in registration order.
func (e *ProjectionEngine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.order))
	copy(names, e.order)
	return names
}

// Documents returns the document store behind the engine.
func (e *ProjectionEngine) Documents() adapters.DocumentStore {
	return e.docs
}

func (e *ProjectionEngine) worker(name string) (*projectionWorker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workers[name]
	return w, ok
}

func (e *ProjectionEngine) allWorkers() []*projectionWorker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	workers := make([]*projectionWorker, 0, len(e.order))
	for _, name := range e.order {
		workers = append(workers, e.workers[name])
	}
	return workers
}

// Start launches one background worker per projection.
func (e *ProjectionEngine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("eventserver: projection engine already running")
	}
	e.stopCh = make(chan struct{})

	for _, w := range e.allWorkers() {
		e.wg.Add(1)
		go e.run(ctx, w)
	}

	e.logger.Info("Projection engine started", "projections", len(e.order))
	return nil
}

// Stop stops the workers and waits for them or for ctx to end.
func (e *ProjectionEngine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Projection engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the engine is running.
func (e *ProjectionEngine) IsRunning() bool {
	return e.running.Load()
}

// Committed implements CommitObserver.
func (e *ProjectionEngine) Committed(_ context.Context, _ Command, events []Event) {
	e.Notify(events)
}

// Notify hands committed events to the workers. It never blocks: when a
// worker's queue is full the affected streams are caught up from the log
// instead.
func (e *ProjectionEngine) Notify(events []Event) {
	if len(events) == 0 {
		return
	}
	for _, w := range e.allWorkers() {
		var relevant []Event
		for _, ev := range events {
			if w.handles(ev.Type) {
				relevant = append(relevant, ev)
			}
		}
		if len(relevant) == 0 {
			continue
		}

		if !e.running.Load() {
			w.markDirty(streamIDs(relevant)...)
			continue
		}

		w.pending.Add(1)
		select {
		case w.queue <- relevant:
		default:
			w.pending.Add(-1)
			w.markDirty(streamIDs(relevant)...)
			e.logger.Warn("Projection queue full, deferring to catch-up",
				"projection", w.projection.Name(),
				"events", len(relevant))
		}
	}
}

func (e *ProjectionEngine) run(ctx context.Context, w *projectionWorker) {
	defer e.wg.Done()

	sweep := time.NewTicker(e.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case batch := <-w.queue:
			ids := streamIDs(batch)
			switch {
			case w.anyDirty(ids):
				// Earlier events of these streams failed; the sweep applies
				// everything in order.
				w.markDirty(ids...)
			default:
				if err := e.applyLocked(ctx, w, batch); err != nil {
					w.markDirty(ids...)
				}
			}
			w.pending.Add(-1)
		case <-sweep.C:
			w.pending.Add(1)
			for _, streamID := range w.takeDirty() {
				if err := e.catchUpWorker(ctx, w, streamID); err != nil {
					w.markDirty(streamID)
					e.logger.Error("Projection catch-up failed",
						"projection", w.projection.Name(),
						"streamId", streamID,
						"error", err)
				}
			}
			w.pending.Add(-1)
		}
	}
}

// Apply synchronously folds events into the named projection. Events
// already reflected in their document are skipped, so applying the same
// events twice leaves the documents unchanged. Earlier events of a stream
// that were never applied are read from the log and applied first.
func (e *ProjectionEngine) Apply(ctx context.Context, name string, events []Event) error {
	w, ok := e.worker(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	err := e.applyLocked(ctx, w, events)
	if err != nil {
		w.markDirty(streamIDs(events)...)
	}
	return err
}

func (e *ProjectionEngine) applyLocked(ctx context.Context, w *projectionWorker, events []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ev := range events {
		if err := e.fillGap(ctx, w, ev.StreamID, ev.Sequence-1); err != nil {
			return err
		}
		if err := e.applyWithRetry(ctx, w, ev); err != nil {
			return err
		}
		w.advance(ev.StreamID, ev.Sequence)
	}
	return nil
}

// fillGap applies the events of streamID up to and including upTo that w
// has not seen yet. Callers hold w.mu.
func (e *ProjectionEngine) fillGap(ctx context.Context, w *projectionWorker, streamID string, upTo int64) error {
	if w.through[streamID] >= upTo {
		return nil
	}
	stored, err := e.docs.StreamPosition(ctx, w.projection.Name(), streamID)
	if err != nil {
		return err
	}
	from := max(stored, w.through[streamID])
	if from >= upTo {
		w.through[streamID] = from
		return nil
	}
	w.through[streamID] = from

	e.logger.Debug("Projection filling gap",
		"projection", w.projection.Name(),
		"streamId", streamID,
		"from", from,
		"to", upTo)

	it := e.store.ReadStream(ctx, streamID, from)
	for it.Next() {
		ev := it.Event()
		if ev.Sequence > upTo {
			break
		}
		if w.handles(ev.Type) {
			if err := e.applyWithRetry(ctx, w, ev); err != nil {
				return err
			}
		}
		w.advance(streamID, ev.Sequence)
	}
	return it.Err()
}

func (e *ProjectionEngine) applyWithRetry(ctx context.Context, w *projectionWorker, ev Event) error {
	name := w.projection.Name()
	for attempt := 0; ; attempt++ {
		start := time.Now()
		applied, err := e.applyOne(ctx, w.projection, ev)
		if err == nil {
			if applied {
				w.recordApplied()
				e.metrics.RecordEventProcessed(name, ev.Type, time.Since(start), true)
			} else {
				w.recordSkipped()
				e.metrics.RecordEventSkipped(name)
			}
			w.clearError()
			return nil
		}

		e.metrics.RecordEventProcessed(name, ev.Type, time.Since(start), false)
		if !e.retry.ShouldRetry(attempt, err) {
			w.recordFailure(err)
			e.metrics.RecordError(name, err)
			e.logger.Error("Projection apply failed",
				"projection", name,
				"streamId", ev.StreamID,
				"sequence", ev.Sequence,
				"eventType", ev.Type,
				"error", err)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retry.Delay(attempt)):
		}
	}
}

// applyOne reports whether the event changed a document.
func (e *ProjectionEngine) applyOne(ctx context.Context, p Projection, ev Event) (applied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventserver: projection %s panicked on %s %s/%d: %v",
				p.Name(), ev.Type, ev.StreamID, ev.Sequence, r)
		}
	}()

	key, ok := p.Key(ev)
	if !ok {
		return false, nil
	}

	var current []byte
	doc, err := e.docs.GetDocument(ctx, p.Name(), key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return false, err
	default:
		if doc.Position(ev.StreamID) >= ev.Sequence {
			return false, nil
		}
		current = doc.Data
	}

	next, err := p.Apply(current, ev)
	if err != nil {
		return false, err
	}

	err = e.docs.SaveDocument(ctx, adapters.DocumentWrite{
		Projection: p.Name(),
		Key:        key,
		Data:       next,
		StreamID:   ev.StreamID,
		Sequence:   ev.Sequence,
	})
	if errors.Is(err, adapters.ErrStalePosition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CatchUp applies every event of streamID newer than what each projection
// has already recorded for it.
func (e *ProjectionEngine) CatchUp(ctx context.Context, streamID string) error {
	var errs []error
	for _, w := range e.allWorkers() {
		if err := e.catchUpWorker(ctx, w, streamID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.projection.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (e *ProjectionEngine) catchUpWorker(ctx context.Context, w *projectionWorker, streamID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.setState(ProjectionStateCatchingUp)
	defer w.setState(ProjectionStateIdle)

	from, err := e.docs.StreamPosition(ctx, w.projection.Name(), streamID)
	if err != nil {
		return err
	}
	// Resume from the first event not known to be done.
	if from < w.through[streamID] {
		w.through[streamID] = from
	}

	it := e.store.ReadStream(ctx, streamID, from)
	for it.Next() {
		ev := it.Event()
		if w.handles(ev.Type) {
			if err := e.applyWithRetry(ctx, w, ev); err != nil {
				return err
			}
		}
		w.advance(streamID, ev.Sequence)
	}
	return it.Err()
}

// Bootstrap replays the whole log into every projection that has no
// documents yet. It is the only full replay outside an explicit rebuild.
func (e *ProjectionEngine) Bootstrap(ctx context.Context) error {
	for _, w := range e.allWorkers() {
		name := w.projection.Name()
		count, err := e.docs.CountDocuments(ctx, name)
		if err != nil {
			return fmt.Errorf("eventserver: count %s documents: %w", name, err)
		}
		if count > 0 {
			continue
		}

		e.logger.Info("Bootstrapping projection", "projection", name)
		if _, err := e.replay(ctx, w, ProjectionStateCatchingUp, false, nil); err != nil {
			return fmt.Errorf("eventserver: bootstrap %s: %w", name, err)
		}
	}
	return nil
}

// replay folds the whole log into w in global order and returns the number
// of events applied. With drop set the projection's documents are dropped
// first. progress, when set, receives the running count and the current
// global position.
func (e *ProjectionEngine) replay(ctx context.Context, w *projectionWorker, state ProjectionState, drop bool, progress func(count, position uint64)) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if drop {
		if err := e.docs.DeleteProjection(ctx, w.projection.Name()); err != nil {
			return 0, fmt.Errorf("clear projection: %w", err)
		}
	}
	w.through = make(map[string]int64)

	w.setState(state)
	defer w.setState(ProjectionStateIdle)

	var position, count uint64
	for {
		batch, err := e.store.ReadAll(ctx, position, e.batchSize)
		if err != nil {
			return count, err
		}
		if len(batch) == 0 {
			return count, nil
		}
		for _, ev := range batch {
			position = ev.GlobalPosition
			if w.handles(ev.Type) {
				if err := e.applyWithRetry(ctx, w, ev); err != nil {
					return count, err
				}
				count++
			}
			w.advance(ev.StreamID, ev.Sequence)
		}
		if progress != nil {
			progress(count, position)
		}
		if len(batch) < e.batchSize {
			return count, nil
		}
	}
}

// Status returns the status of a projection by name.
func (e *ProjectionEngine) Status(name string) (*ProjectionStatus, error) {
	w, ok := e.worker(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return w.status(), nil
}

// Statuses returns the status of all registered projections.
func (e *ProjectionEngine) Statuses() []*ProjectionStatus {
	workers := e.allWorkers()
	statuses := make([]*ProjectionStatus, len(workers))
	for i, w := range workers {
		statuses[i] = w.status()
	}
	return statuses
}

// Drain waits until every queued notification has been applied and no
// stream is waiting for catch-up.
func (e *ProjectionEngine) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := false
		for _, w := range e.allWorkers() {
			if w.pending.Load() > 0 || (e.running.Load() && w.hasDirty()) {
				busy = true
				break
			}
		}
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func streamIDs(events []Event) []string {
	seen := make(map[string]struct{}, len(events))
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.StreamID]; ok {
			continue
		}
		seen[ev.StreamID] = struct{}{}
		ids = append(ids, ev.StreamID)
	}
	return ids
}

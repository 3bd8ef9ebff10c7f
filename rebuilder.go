package eventserver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// RebuildProgress tracks the progress of a projection rebuild.
type RebuildProgress struct {
	// ProjectionName is the name of the projection being rebuilt.
	ProjectionName string

	// ProcessedEvents is the number of events applied so far.
	ProcessedEvents uint64

	// CurrentPosition is the current global position.
	CurrentPosition uint64

	// StartedAt is when the rebuild started.
	StartedAt time.Time

	// Duration is the elapsed time.
	Duration time.Duration

	// EventsPerSecond is the processing rate.
	EventsPerSecond float64

	// Completed indicates if the rebuild is complete.
	Completed bool

	// Error contains any error that occurred.
	Error error
}

// ProgressCallback is called after every replayed page.
type ProgressCallback func(progress RebuildProgress)

// ProjectionRebuilder drops projection documents and replays the whole log.
type ProjectionRebuilder struct {
	engine      *ProjectionEngine
	logger      Logger
	concurrency int
	progress    ProgressCallback
}

// ProjectionRebuilderOption configures a ProjectionRebuilder.
type ProjectionRebuilderOption func(*ProjectionRebuilder)

// WithRebuilderLogger sets the logger for the rebuilder.
func WithRebuilderLogger(logger Logger) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.logger = logger
	}
}

// WithRebuildConcurrency caps how many projections RebuildAll replays at once.
func WithRebuildConcurrency(n int) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithProgressCallback sets a callback receiving progress updates.
func WithProgressCallback(cb ProgressCallback) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.progress = cb
	}
}

// NewProjectionRebuilder creates a rebuilder for the engine's projections.
func NewProjectionRebuilder(engine *ProjectionEngine, opts ...ProjectionRebuilderOption) *ProjectionRebuilder {
	r := &ProjectionRebuilder{
		engine:      engine,
		logger:      &noopLogger{},
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rebuild clears the named projection and replays every event into it.
// Live delivery to the projection waits until the rebuild finishes.
func (r *ProjectionRebuilder) Rebuild(ctx context.Context, name string) error {
	w, ok := r.engine.worker(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}

	startedAt := time.Now()
	r.logger.Info("Rebuilding projection", "projection", name)

	var report func(count, position uint64)
	if r.progress != nil {
		report = func(count, position uint64) {
			r.progress(buildProgress(name, count, position, startedAt, false, nil))
		}
	}

	count, err := r.engine.replay(ctx, w, ProjectionStateRebuilding, true, report)
	if r.progress != nil {
		r.progress(buildProgress(name, count, 0, startedAt, true, err))
	}
	if err != nil {
		return fmt.Errorf("eventserver: rebuild %s: %w", name, err)
	}

	r.logger.Info("Projection rebuilt",
		"projection", name,
		"events", count,
		"duration", time.Since(startedAt))
	return nil
}

// RebuildAll rebuilds the named projections in parallel, or every
// registered projection when names is empty. The first failure cancels the
// rest.
func (r *ProjectionRebuilder) RebuildAll(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = r.engine.Names()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, name := range names {
		g.Go(func() error {
			return r.Rebuild(gctx, name)
		})
	}
	return g.Wait()
}

func buildProgress(name string, processed, position uint64, startedAt time.Time, completed bool, err error) RebuildProgress {
	elapsed := time.Since(startedAt)
	var rate float64
	if elapsed > 0 {
		rate = float64(processed) / elapsed.Seconds()
	}
	return RebuildProgress{
		ProjectionName:  name,
		ProcessedEvents: processed,
		CurrentPosition: position,
		StartedAt:       startedAt,
		Duration:        elapsed,
		EventsPerSecond: rate,
		Completed:       completed,
		Error:           err,
	}
}

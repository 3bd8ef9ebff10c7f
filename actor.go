package eventserver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ActorState is the lifecycle phase of an aggregate actor.
type ActorState int32

const (
	// ActorUnloaded means no command has arrived yet and state is not in memory.
	ActorUnloaded ActorState = iota

	// ActorLoading means the stream is being replayed.
	ActorLoading

	// ActorIdle means state is loaded and the mailbox is empty.
	ActorIdle

	// ActorProcessing means a command is being evaluated and appended.
	ActorProcessing

	// ActorEvicted means the actor has stopped and released its state.
	ActorEvicted
)

// String returns the string representation of the state.
func (s ActorState) String() string {
	switch s {
	case ActorUnloaded:
		return "unloaded"
	case ActorLoading:
		return "loading"
	case ActorIdle:
		return "idle"
	case ActorProcessing:
		return "processing"
	case ActorEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// CommitObserver is told about every batch of events an actor commits.
// Observers run on the actor goroutine after the append succeeded and must
// not block for long; failures are theirs to log.
type CommitObserver interface {
	Committed(ctx context.Context, cmd Command, events []Event)
}

// CommitObserverFunc adapts a function to CommitObserver.
type CommitObserverFunc func(ctx context.Context, cmd Command, events []Event)

// Committed calls f.
func (f CommitObserverFunc) Committed(ctx context.Context, cmd Command, events []Event) {
	f(ctx, cmd, events)
}

type actorReply struct {
	result *CommandResult
	err    error
}

type envelope struct {
	ctx   context.Context
	cmd   Command
	reply chan actorReply
}

// actor owns one aggregate instance. Only its goroutine touches agg.
type actor struct {
	key      string
	streamID string
	def      AggregateDefinition
	router   *Router

	mu    sync.Mutex
	queue []envelope

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}

	state  atomic.Int32
	agg    aggregateInstance
	loaded bool
}

func newActor(r *Router, def AggregateDefinition, aggregateType, aggregateID string) *actor {
	streamID := BuildStreamID(aggregateType, aggregateID)
	return &actor{
		key:      streamID,
		streamID: streamID,
		def:      def,
		router:   r,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		agg:      def.newInstance(aggregateID),
	}
}

// State returns the current lifecycle phase.
func (a *actor) State() ActorState {
	return ActorState(a.state.Load())
}

func (a *actor) setState(s ActorState) {
	a.state.Store(int32(s))
}

// enqueue never blocks. The router calls it while holding its lock so that
// eviction can see every accepted envelope.
func (a *actor) enqueue(env envelope) {
	a.mu.Lock()
	a.queue = append(a.queue, env)
	a.mu.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

func (a *actor) dequeue() (envelope, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return envelope{}, false
	}
	env := a.queue[0]
	a.queue[0] = envelope{}
	a.queue = a.queue[1:]
	return env, true
}

func (a *actor) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *actor) run(idleTimeout time.Duration) {
	defer close(a.done)

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		if env, ok := a.dequeue(); ok {
			a.serve(env)
			continue
		}

		idle.Reset(idleTimeout)
		select {
		case <-a.signal:
		case <-idle.C:
			if a.router.release(a) {
				a.setState(ActorEvicted)
				a.router.logger.Debug("Actor evicted", "streamId", a.streamID)
				return
			}
		case <-a.stop:
			for env, ok := a.dequeue(); ok; env, ok = a.dequeue() {
				a.serve(env)
			}
			a.setState(ActorEvicted)
			return
		}
	}
}

func (a *actor) serve(env envelope) {
	result, err := a.handle(env)
	env.reply <- actorReply{result: result, err: err}
}

func (a *actor) handle(env envelope) (*CommandResult, error) {
	// Cancelled while queued: drop without touching the log.
	if err := env.ctx.Err(); err != nil {
		return nil, err
	}

	// From here on the command runs to completion even if the caller leaves.
	ctx := context.WithoutCancel(env.ctx)

	if !a.loaded {
		if err := a.load(ctx); err != nil {
			return nil, err
		}
	}

	a.setState(ActorProcessing)
	defer a.setState(ActorIdle)

	return a.process(ctx, env.cmd)
}

// load replays the full stream into a fresh instance.
func (a *actor) load(ctx context.Context) error {
	a.setState(ActorLoading)
	a.agg.reset()
	a.loaded = false

	it := a.router.store.ReadStream(ctx, a.streamID, 0)
	for it.Next() {
		if err := a.agg.apply(it.Event()); err != nil {
			a.setState(ActorUnloaded)
			return a.fatal(err)
		}
	}
	if err := it.Err(); err != nil {
		a.setState(ActorUnloaded)
		return a.fatal(err)
	}

	a.loaded = true
	a.setState(ActorIdle)
	a.router.logger.Debug("Aggregate loaded", "streamId", a.streamID, "version", a.agg.version())
	return nil
}

func (a *actor) process(ctx context.Context, cmd Command) (*CommandResult, error) {
	result := &CommandResult{AggregateType: cmd.AggregateType, AggregateID: cmd.AggregateID}

	for attempt := 0; ; attempt++ {
		version := a.agg.version()
		if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != version {
			// Another writer may have appended since the last load; only a
			// mismatch against fresh state is a conflict.
			if attempt > 0 || *cmd.ExpectedVersion < version {
				return nil, NewConcurrencyError(a.streamID, *cmd.ExpectedVersion, version)
			}
			a.router.logger.Debug("Expected version ahead of cached state, reloading",
				"streamId", a.streamID,
				"commandType", cmd.Type,
				"expected", *cmd.ExpectedVersion,
				"version", version)
			if err := a.load(ctx); err != nil {
				return nil, err
			}
			a.setState(ActorProcessing)
			continue
		}

		proposed, err := a.evaluate(cmd)
		if err != nil {
			return nil, err
		}
		if len(proposed) == 0 {
			result.Version = version
			return result, nil
		}

		committed, err := a.router.store.Append(ctx, a.streamID, version, proposed, cmd.Metadata)
		if err == nil {
			for _, e := range committed {
				if err := a.agg.apply(e); err != nil {
					a.loaded = false
					return nil, a.fatal(err)
				}
			}
			result.Version = a.agg.version()
			result.Events = committed
			a.router.notify(ctx, cmd, committed)
			return result, nil
		}

		if !errors.Is(err, ErrConcurrencyConflict) {
			// The write may or may not have landed; rebuild from the log next time.
			a.loaded = false
			return nil, err
		}
		if attempt > 0 {
			return nil, err
		}

		a.router.logger.Debug("Concurrency conflict, reloading",
			"streamId", a.streamID,
			"commandType", cmd.Type,
			"version", version)
		result.Retried = true
		if err := a.load(ctx); err != nil {
			return nil, err
		}
		a.setState(ActorProcessing)
	}
}

// evaluate runs the handler and turns a panic into a PanicError so one bad
// command cannot take the actor down.
func (a *actor) evaluate(cmd Command) (events []EventData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(cmd.Type, r, string(debug.Stack()))
		}
	}()
	return a.agg.evaluate(cmd)
}

// fatal halts the aggregate type when a reducer or decoder is missing.
func (a *actor) fatal(err error) error {
	if errors.Is(err, ErrUnknownEventType) {
		a.router.halt(a.def.Name(), err)
		return fmt.Errorf("%w: %w", ErrAggregateHalted, err)
	}
	return err
}

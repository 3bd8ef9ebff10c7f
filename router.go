package eventserver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long an actor waits for work before eviction.
const DefaultIdleTimeout = 5 * time.Minute

// Router delivers commands to aggregate actors. It keeps at most one live
// actor per stream and creates actors on first use.
type Router struct {
	store       *EventStore
	logger      Logger
	idleTimeout time.Duration

	mu          sync.Mutex
	definitions map[string]AggregateDefinition
	actors      map[string]*actor
	halted      map[string]error
	observers   []CommitObserver
	closed      bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithIdleTimeout sets how long an idle actor is kept in memory.
func WithIdleTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.idleTimeout = d
		}
	}
}

// WithRouterLogger sets the router logger.
func WithRouterLogger(l Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// WithCommitObserver adds an observer for committed events.
func WithCommitObserver(o CommitObserver) RouterOption {
	return func(r *Router) {
		r.observers = append(r.observers, o)
	}
}

// NewRouter creates a router writing through store.
func NewRouter(store *EventStore, opts ...RouterOption) *Router {
	r := &Router{
		store:       store,
		logger:      &noopLogger{},
		idleTimeout: DefaultIdleTimeout,
		definitions: make(map[string]AggregateDefinition),
		actors:      make(map[string]*actor),
		halted:      make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates def and registers its event types with the store's
// serializer. Registering the same aggregate type twice is an error.
func (r *Router) Register(def AggregateDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Name()]; exists {
		return fmt.Errorf("%w: aggregate type %q already registered", ErrInvalidDefinition, def.Name())
	}
	def.RegisterEvents(r.store.Serializer())
	r.definitions[def.Name()] = def
	return nil
}

// AddObserver adds a commit observer. Observers added after the first
// dispatch still see every later commit.
func (r *Router) AddObserver(o CommitObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Definition returns the registered definition for aggregateType.
func (r *Router) Definition(aggregateType string) (AggregateDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.definitions[aggregateType]
	return def, ok
}

// AggregateTypes returns the sorted registered aggregate types.
func (r *Router) AggregateTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.definitions)
}

// Dispatch sends cmd to the actor owning its stream and waits for the
// outcome. If ctx ends while the command is still queued it is dropped
// without side effects. If it ends later the command still completes but
// Dispatch returns ctx.Err() without the result.
func (r *Router) Dispatch(ctx context.Context, cmd Command) (*CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	reply := make(chan actorReply, 1)
	if err := r.enqueue(envelope{ctx: ctx, cmd: cmd, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case rep := <-reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Router) enqueue(env envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}

	aggregateType := env.cmd.AggregateType
	def, ok := r.definitions[aggregateType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAggregateType, aggregateType)
	}
	if cause, halted := r.halted[aggregateType]; halted {
		return fmt.Errorf("%w: %s: %w", ErrAggregateHalted, aggregateType, cause)
	}

	key := BuildStreamID(aggregateType, env.cmd.AggregateID)
	a, ok := r.actors[key]
	if !ok {
		a = newActor(r, def, aggregateType, env.cmd.AggregateID)
		r.actors[key] = a
		go a.run(r.idleTimeout)
	}
	a.enqueue(env)
	return nil
}

// release removes an idle actor. It refuses when a dispatch slipped in
// since the actor last looked at its queue.
func (r *Router) release(a *actor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || a.pending() > 0 {
		return false
	}
	if r.actors[a.key] == a {
		delete(r.actors, a.key)
	}
	return true
}

func (r *Router) halt(aggregateType string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, already := r.halted[aggregateType]; already {
		return
	}
	r.halted[aggregateType] = cause
	r.logger.Error("Aggregate type halted", "aggregateType", aggregateType, "error", cause)
}

// HaltCause returns the error that halted aggregateType, or nil.
func (r *Router) HaltCause(aggregateType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted[aggregateType]
}

// Resume lets a halted aggregate type accept commands again, typically
// after a reducer for the missing event type was deployed.
func (r *Router) Resume(aggregateType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.halted, aggregateType)
}

func (r *Router) notify(ctx context.Context, cmd Command, events []Event) {
	r.mu.Lock()
	observers := make([]CommitObserver, len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, o := range observers {
		o.Committed(ctx, cmd, events)
	}
}

// ActorState returns the lifecycle phase of the actor for a stream.
// Streams without a live actor report ActorUnloaded.
func (r *Router) ActorState(aggregateType, aggregateID string) ActorState {
	r.mu.Lock()
	a, ok := r.actors[BuildStreamID(aggregateType, aggregateID)]
	r.mu.Unlock()
	if !ok {
		return ActorUnloaded
	}
	return a.State()
}

// ActiveActors returns the number of live actors.
func (r *Router) ActiveActors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// ActiveStreams returns the sorted stream IDs with a live actor.
func (r *Router) ActiveStreams() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.actors))
	for k := range r.actors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close stops accepting commands, lets every actor drain its queue and
// waits for them to stop or for ctx to end.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	actors := make([]*actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*actor)
	r.mu.Unlock()

	for _, a := range actors {
		close(a.stop)
	}
	for _, a := range actors {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

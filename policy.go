package eventserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Policy reacts to committed events with follow-up commands for other
// aggregates. Follow-ups are separate submissions: there is no transaction
// spanning the triggering stream and the targets.
type Policy interface {
	// Name identifies the policy in logs.
	Name() string

	// React returns the commands to submit for event, possibly none.
	React(event Event) ([]Command, error)
}

type policyFunc struct {
	name       string
	eventTypes map[string]bool
	fn         func(Event) ([]Command, error)
}

// NewPolicy creates a policy that calls fn for the listed event types.
func NewPolicy(name string, fn func(Event) ([]Command, error), eventTypes ...string) Policy {
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	return &policyFunc{name: name, eventTypes: types, fn: fn}
}

func (p *policyFunc) Name() string {
	return p.name
}

func (p *policyFunc) React(event Event) ([]Command, error) {
	if len(p.eventTypes) > 0 && !p.eventTypes[event.Type] {
		return nil, nil
	}
	return p.fn(event)
}

// PolicyRunner runs policies for committed events on its own goroutine and
// submits their follow-up commands. Follow-ups inherit the correlation ID
// of the triggering event and record its ID as causation.
type PolicyRunner struct {
	policies []Policy
	submit   MiddlewareFunc
	logger   Logger
	timeout  time.Duration

	queue   chan []Event
	pending atomic.Int64
	wg      sync.WaitGroup

	// mu orders queue sends against Stop so nothing lands in the queue
	// after the loop has drained it.
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// PolicyRunnerOption configures a PolicyRunner.
type PolicyRunnerOption func(*PolicyRunner)

// WithPolicyLogger sets the logger for the runner.
func WithPolicyLogger(l Logger) PolicyRunnerOption {
	return func(r *PolicyRunner) {
		r.logger = l
	}
}

// WithPolicyTimeout bounds each follow-up submission.
func WithPolicyTimeout(d time.Duration) PolicyRunnerOption {
	return func(r *PolicyRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewPolicyRunner creates a runner that submits follow-ups through submit.
// Retryable failures are retried with the default RetryConfig.
func NewPolicyRunner(submit MiddlewareFunc, policies []Policy, opts ...PolicyRunnerOption) *PolicyRunner {
	r := &PolicyRunner{
		policies: policies,
		submit:   RetryMiddleware(DefaultRetryConfig())(submit),
		logger:   &noopLogger{},
		timeout:  30 * time.Second,
		queue:    make(chan []Event, 1024),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the runner goroutine.
func (r *PolicyRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop(ctx, r.stopCh)
}

// Stop processes what is already queued and stops the runner.
func (r *PolicyRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Committed implements CommitObserver.
func (r *PolicyRunner) Committed(ctx context.Context, _ Command, events []Event) {
	if len(r.policies) == 0 || len(events) == 0 {
		return
	}

	r.pending.Add(1)

	r.mu.Lock()
	tracked := r.running
	if tracked {
		select {
		case r.queue <- events:
			r.mu.Unlock()
			return
		default:
		}
		r.wg.Add(1)
	}
	r.mu.Unlock()

	// Not running or queue full: never run on the actor goroutine, a policy
	// may target the stream that triggered it.
	go func() {
		if tracked {
			defer r.wg.Done()
		}
		defer r.pending.Add(-1)
		r.run(context.WithoutCancel(ctx), events)
	}()
}

func (r *PolicyRunner) loop(ctx context.Context, stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case events := <-r.queue:
			r.run(ctx, events)
			r.pending.Add(-1)
		case <-stop:
			for {
				select {
				case events := <-r.queue:
					r.run(ctx, events)
					r.pending.Add(-1)
				default:
					return
				}
			}
		}
	}
}

func (r *PolicyRunner) run(ctx context.Context, events []Event) {
	for _, e := range events {
		for _, p := range r.policies {
			cmds, err := p.React(e)
			if err != nil {
				r.logger.Error("Policy failed", "policy", p.Name(), "eventType", e.Type, "streamId", e.StreamID, "error", err)
				continue
			}
			for _, cmd := range cmds {
				r.dispatch(ctx, p, e, cmd)
			}
		}
	}
}

func (r *PolicyRunner) dispatch(ctx context.Context, p Policy, e Event, cmd Command) {
	if cmd.Metadata.CorrelationID == "" {
		cmd.Metadata.CorrelationID = e.Metadata.CorrelationID
	}
	if cmd.Metadata.CausationID == "" {
		cmd.Metadata.CausationID = e.ID
	}

	ctx = WithCausationID(ctx, e.ID)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.submit(ctx, cmd)
	if err != nil {
		r.logger.Error("Follow-up command failed",
			"policy", p.Name(),
			"commandType", cmd.Type,
			"streamId", cmd.StreamID(),
			"causationId", e.ID,
			"kind", KindOf(err),
			"error", err)
		return
	}
	r.logger.Debug("Follow-up command handled",
		"policy", p.Name(),
		"commandType", cmd.Type,
		"streamId", cmd.StreamID(),
		"version", result.Version)
}

// Drain waits until the queue is empty.
func (r *PolicyRunner) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for r.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

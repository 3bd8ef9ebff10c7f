package eventserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortium/eventserver/adapters"
)

// SubmitResult is the boundary outcome of a submission: either the accepted
// events or an error kind with a message.
type SubmitResult struct {
	AcceptedEvents []AcceptedEvent `json:"acceptedEvents"`
	Version        int64           `json:"version"`
	ErrorKind      ErrorKind       `json:"errorKind,omitempty"`
	Message        string          `json:"message,omitempty"`
	Retryable      bool            `json:"retryable,omitempty"`
}

// OK reports whether the submission succeeded.
func (r *SubmitResult) OK() bool {
	return r.ErrorKind == ""
}

// NewSubmitResult converts a dispatch outcome into its boundary form.
func NewSubmitResult(result *CommandResult, err error) *SubmitResult {
	if err != nil {
		return &SubmitResult{
			AcceptedEvents: []AcceptedEvent{},
			ErrorKind:      KindOf(err),
			Message:        ErrorMessage(err),
			Retryable:      IsRetryable(err),
		}
	}
	return &SubmitResult{
		AcceptedEvents: result.Accepted(),
		Version:        result.Version,
	}
}

// ErrorMessage returns the caller-facing message for err. Business rule
// messages are passed through verbatim.
func ErrorMessage(err error) string {
	var rule *BusinessRuleError
	if errors.As(err, &rule) {
		return rule.Message
	}
	return err.Error()
}

// Service wires the event log, the aggregate router, the projection engine
// and follow-up policies behind two operations: Submit and GetProjection.
type Service struct {
	store    *EventStore
	router   *Router
	engine   *ProjectionEngine
	policies *PolicyRunner
	outbox   *OutboxScheduler
	logger   Logger
	pipeline MiddlewareFunc
}

type serviceConfig struct {
	logger          Logger
	serializer      Serializer
	middleware      []Middleware
	idempotency     IdempotencyStore
	idempotencyTTL  time.Duration
	submitTimeout   time.Duration
	idleTimeout     time.Duration
	outboxStore     OutboxStore
	outboxRoutes    []OutboxRoute
	engineOptions   []ProjectionEngineOption
	observers       []CommitObserver
	correlationFunc func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

// WithServiceLogger sets the logger used by every component.
func WithServiceLogger(l Logger) ServiceOption {
	return func(c *serviceConfig) {
		c.logger = l
	}
}

// WithServiceSerializer sets the payload codec.
func WithServiceSerializer(s Serializer) ServiceOption {
	return func(c *serviceConfig) {
		c.serializer = s
	}
}

// WithMiddleware adds middleware around every submission, inside recovery
// and correlation and outside logging.
func WithMiddleware(m ...Middleware) ServiceOption {
	return func(c *serviceConfig) {
		c.middleware = append(c.middleware, m...)
	}
}

// WithIdempotency enables idempotency keys backed by store.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.idempotency = store
		c.idempotencyTTL = ttl
	}
}

// WithSubmitTimeout bounds how long Submit waits for a result.
func WithSubmitTimeout(d time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.submitTimeout = d
	}
}

// WithActorIdleTimeout sets how long idle aggregates stay in memory.
func WithActorIdleTimeout(d time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.idleTimeout = d
	}
}

// WithOutbox schedules committed events matching routes into store.
func WithOutbox(store OutboxStore, routes ...OutboxRoute) ServiceOption {
	return func(c *serviceConfig) {
		c.outboxStore = store
		c.outboxRoutes = append(c.outboxRoutes, routes...)
	}
}

// WithProjectionEngineOptions passes options to the projection engine.
func WithProjectionEngineOptions(opts ...ProjectionEngineOption) ServiceOption {
	return func(c *serviceConfig) {
		c.engineOptions = append(c.engineOptions, opts...)
	}
}

// WithObserver adds a commit observer after projections, outbox and policies.
func WithObserver(o CommitObserver) ServiceOption {
	return func(c *serviceConfig) {
		c.observers = append(c.observers, o)
	}
}

// WithCorrelationIDGenerator replaces the correlation ID generator.
func WithCorrelationIDGenerator(fn func() string) ServiceOption {
	return func(c *serviceConfig) {
		c.correlationFunc = fn
	}
}

// NewService creates a service over an event log adapter and a projection
// document store.
func NewService(adapter adapters.EventStoreAdapter, docs adapters.DocumentStore, opts ...ServiceOption) *Service {
	cfg := &serviceConfig{
		logger:     &noopLogger{},
		serializer: NewJSONSerializer(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := NewEventStore(adapter, WithSerializer(cfg.serializer), WithLogger(cfg.logger))

	engineOpts := append([]ProjectionEngineOption{WithProjectionLogger(cfg.logger)}, cfg.engineOptions...)
	engine := NewProjectionEngine(store, docs, engineOpts...)

	routerOpts := []RouterOption{WithRouterLogger(cfg.logger), WithCommitObserver(engine)}
	if cfg.idleTimeout > 0 {
		routerOpts = append(routerOpts, WithIdleTimeout(cfg.idleTimeout))
	}
	router := NewRouter(store, routerOpts...)

	s := &Service{
		store:  store,
		router: router,
		engine: engine,
		logger: cfg.logger,
	}

	if cfg.outboxStore != nil {
		s.outbox = NewOutboxScheduler(cfg.outboxStore, cfg.outboxRoutes, WithOutboxLogger(cfg.logger))
		router.AddObserver(s.outbox)
	}

	chain := []Middleware{
		RecoveryMiddleware(),
		CorrelationIDMiddleware(cfg.correlationFunc),
		CausationIDMiddleware(),
	}
	chain = append(chain, cfg.middleware...)
	chain = append(chain, NewLoggingMiddleware(cfg.logger).Middleware())
	if cfg.idempotency != nil {
		chain = append(chain, IdempotencyMiddleware(IdempotencyConfig{
			Store:  cfg.idempotency,
			TTL:    cfg.idempotencyTTL,
			Logger: cfg.logger,
		}))
	}
	if cfg.submitTimeout > 0 {
		chain = append(chain, TimeoutMiddleware(cfg.submitTimeout))
	}
	s.pipeline = ChainMiddleware(chain...)(router.Dispatch)

	s.policies = NewPolicyRunner(s.pipeline, nil, WithPolicyLogger(cfg.logger))
	router.AddObserver(s.policies)

	for _, o := range cfg.observers {
		router.AddObserver(o)
	}
	return s
}

// RegisterAggregate registers an aggregate definition.
func (s *Service) RegisterAggregate(def AggregateDefinition) error {
	return s.router.Register(def)
}

// RegisterProjection registers a projection.
func (s *Service) RegisterProjection(p Projection) error {
	return s.engine.Register(p)
}

// RegisterPolicy registers a follow-up policy. Policies must be registered
// before Start.
func (s *Service) RegisterPolicy(p Policy) {
	s.policies.policies = append(s.policies.policies, p)
}

// Start bootstraps empty projections and starts the background workers.
func (s *Service) Start(ctx context.Context) error {
	if err := s.engine.Bootstrap(ctx); err != nil {
		return err
	}
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	s.policies.Start(ctx)
	return nil
}

// Close stops accepting submissions, lets queued commands finish and stops
// the background workers.
func (s *Service) Close(ctx context.Context) error {
	return errors.Join(
		s.router.Close(ctx),
		s.policies.Stop(ctx),
		s.engine.Stop(ctx),
	)
}

// Submit decodes and handles one command. The returned SubmitResult is
// always non-nil; err is set when the command was not accepted.
func (s *Service) Submit(ctx context.Context, aggregateType, aggregateID, commandType string, payload []byte) (*SubmitResult, error) {
	result, err := s.SubmitCommand(ctx, NewCommand(aggregateType, aggregateID, commandType, payload))
	return NewSubmitResult(result, err), err
}

// SubmitCommand runs cmd through the middleware chain and the router.
func (s *Service) SubmitCommand(ctx context.Context, cmd Command) (*CommandResult, error) {
	return s.pipeline(ctx, cmd)
}

// GetProjection returns the document stored under key in the named
// projection, or ErrNotFound.
func (s *Service) GetProjection(ctx context.Context, name, key string) ([]byte, error) {
	if _, ok := s.engine.Projection(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	doc, err := s.engine.Documents().GetDocument(ctx, name, key)
	if err != nil {
		return nil, err
	}
	return doc.Data, nil
}

// StreamVersion returns the committed version of an aggregate, 0 if it has
// no events.
func (s *Service) StreamVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	return s.store.Version(ctx, BuildStreamID(aggregateType, aggregateID))
}

// Drain waits until follow-up policies and projections have caught up with
// everything committed so far.
func (s *Service) Drain(ctx context.Context) error {
	for i := 0; i < 2; i++ {
		if err := s.policies.Drain(ctx); err != nil {
			return err
		}
		if err := s.engine.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Store returns the event store.
func (s *Service) Store() *EventStore {
	return s.store
}

// Router returns the aggregate router.
func (s *Service) Router() *Router {
	return s.router
}

// Projections returns the projection engine.
func (s *Service) Projections() *ProjectionEngine {
	return s.engine
}

// Outbox returns the outbox scheduler, nil unless WithOutbox was given.
func (s *Service) Outbox() *OutboxScheduler {
	return s.outbox
}

// Rebuilder returns a rebuilder for the service's projections.
func (s *Service) Rebuilder(opts ...ProjectionRebuilderOption) *ProjectionRebuilder {
	opts = append([]ProjectionRebuilderOption{WithRebuilderLogger(s.logger)}, opts...)
	return NewProjectionRebuilder(s.engine, opts...)
}

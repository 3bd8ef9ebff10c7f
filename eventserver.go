// Package eventserver is an event-sourced aggregate engine.
//
// Every business entity (partner, user, video conference, calendar event,
// payment) lives in its own append-only stream. Commands are evaluated
// against the state folded from that stream, and the resulting events are
// the only thing ever written. Read models are projections rebuilt from the
// same events.
//
// # Quick Start
//
// Wire the engine with the in-memory adapters for development:
//
//	svc := eventserver.NewService(
//	    memory.NewAdapter(),
//	    memory.NewDocumentStore(),
//	)
//	aggregates.Register(svc)
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
// For production, use the PostgreSQL adapter:
//
//	if err := postgres.MigrateUp(connStr); err != nil {
//	    return err
//	}
//	store, err := postgres.NewAdapter(connStr)
//	if err != nil {
//	    return err
//	}
//	logger, _ := zaplog.New("prod", "info")
//	svc := eventserver.NewService(store, postgres.NewDocumentStoreFromAdapter(store),
//	    eventserver.WithServiceLogger(logger))
//
// # Aggregates
//
// An aggregate type is a Definition: a zero state, a reducer table keyed by
// event type and a handler table keyed by command type.
//
//	def := eventserver.NewDefinition("partner", func() Partner { return Partner{} })
//	eventserver.On(def, func(s Partner, e PartnerCreated, _ eventserver.Event) Partner {
//	    s.FirstName = e.FirstName
//	    return s
//	})
//	eventserver.Handle(def, "CreatePartner", func(s eventserver.AggregateState[Partner], c CreatePartner) ([]eventserver.EventData, error) {
//	    if s.Version > 0 {
//	        return nil, eventserver.NewBusinessRuleError("Partner already exists")
//	    }
//	    return eventserver.Events(PartnerCreated{FirstName: c.FirstName}), nil
//	})
//
// Reducers and handlers are pure. The actor that owns an aggregate id is the
// only component that appends to its stream.
//
// # Submitting Commands
//
//	res, err := svc.Submit(ctx, "partner", "leo@x.com", "AddSkill", []byte(`{"skill":"AWS"}`))
//	// res.AcceptedEvents == [{PartnerSkillAdded 2}]
//
// Errors carry a kind. Only ConcurrencyConflict and StorageUnavailable are
// safe to retry:
//
//	if eventserver.IsRetryable(err) { ... }
//
// # Optimistic Concurrency
//
// Version constants:
//   - AnyVersion (-1): Skip version check
//   - NoStream (0): Stream must not exist
//   - StreamExists (-2): Stream must exist
//
// # Projections
//
// Projections fold committed events into documents. Every document stores the
// last applied sequence number of each source stream, so redelivered events
// are ignored and catch-up resumes where it stopped.
//
//	doc, err := svc.GetProjection(ctx, "partners", "leo@x.com")
package eventserver

import "github.com/fortium/eventserver/adapters"

// Version constants for optimistic concurrency control.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Version returns the library version string.
func Version() string {
	return "0.4.0"
}

// BuildStreamID creates a stream ID from an aggregate type and ID.
// This follows the convention: "{type}-{id}".
func BuildStreamID(aggregateType, aggregateID string) string {
	return aggregateType + "-" + aggregateID
}

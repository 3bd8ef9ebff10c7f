// Package aggregates wires the domain packages into a Service.
package aggregates

import (
	"fmt"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/billing"
	"github.com/fortium/eventserver/aggregates/calendar"
	"github.com/fortium/eventserver/aggregates/partner"
	"github.com/fortium/eventserver/aggregates/payment"
	"github.com/fortium/eventserver/aggregates/user"
	"github.com/fortium/eventserver/aggregates/videoconference"
)

// RateInformation prices conferences and conference payments.
type RateInformation = billing.RateInformation

// Definitions returns every aggregate definition.
func Definitions() []eventserver.AggregateDefinition {
	return []eventserver.AggregateDefinition{
		partner.Definition(),
		user.Definition(),
		videoconference.Definition(),
		calendar.Definition(),
		payment.Definition(),
	}
}

// Projections returns every projection.
func Projections() []eventserver.Projection {
	return []eventserver.Projection{
		partner.Projection(),
		user.Projection(),
		videoconference.Projection(),
		videoconference.SessionHistoryProjection(),
		calendar.Projection(),
		payment.Projection(),
		PartnerSessionStatsProjection(),
	}
}

// Policies returns the cross-aggregate follow-up policies.
func Policies() []eventserver.Policy {
	return []eventserver.Policy{
		videoconference.BookingPolicy(),
	}
}

// Register adds every definition, projection and policy to svc. It must
// run before svc.Start.
func Register(svc *eventserver.Service) error {
	for _, def := range Definitions() {
		if err := svc.RegisterAggregate(def); err != nil {
			return fmt.Errorf("aggregates: register %s: %w", def.Name(), err)
		}
	}
	for _, p := range Projections() {
		if err := svc.RegisterProjection(p); err != nil {
			return fmt.Errorf("aggregates: register projection %s: %w", p.Name(), err)
		}
	}
	for _, p := range Policies() {
		svc.RegisterPolicy(p)
	}
	return nil
}

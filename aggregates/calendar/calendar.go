// Package calendar implements the calendar event aggregate: one scheduled
// entry on a partner's calendar.
package calendar

import (
	"strings"
	"time"

	"github.com/fortium/eventserver"
)

// AggregateType is the stream category of calendar event streams.
const AggregateType = "calendarevent"

// Business rule violations.
var (
	ErrEndBeforeStart = eventserver.NewBusinessRuleError("EndTime must be after StartTime")
	ErrAlreadyExists  = eventserver.NewBusinessRuleError("Calendar event already exists")
	ErrDoesNotExist   = eventserver.NewBusinessRuleError("Calendar event does not exist")
	ErrCancelled      = eventserver.NewBusinessRuleError("Calendar event has been cancelled")
)

// Entry is the reduced state of a calendar event stream.
type Entry struct {
	CalendarID  string
	Title       string
	Description string
	Start       time.Time
	End         *time.Time
	PartnerID   string
	UserID      string
	Cancelled   bool
}

// Definition returns the calendar event aggregate definition.
func Definition() *eventserver.Definition[Entry] {
	d := eventserver.NewDefinition(AggregateType, func() Entry { return Entry{} })

	eventserver.On(d, func(s Entry, e CalendarEventCreated, _ eventserver.Event) Entry {
		return Entry{
			CalendarID:  e.CalendarID,
			Title:       e.Title,
			Description: e.Description,
			Start:       e.Start,
			End:         e.End,
			PartnerID:   e.PartnerID,
			UserID:      e.UserID,
		}
	})
	eventserver.On(d, func(s Entry, e CalendarEventUpdated, _ eventserver.Event) Entry {
		s.Title = e.Title
		s.Description = e.Description
		s.Start = e.Start
		s.End = e.End
		return s
	})
	eventserver.On(d, func(s Entry, _ CalendarEventCancelled, _ eventserver.Event) Entry {
		s.Cancelled = true
		return s
	})

	eventserver.Handle(d, CreateCalendarEventCommand, create)
	eventserver.Handle(d, UpdateCalendarEventCommand, update)
	eventserver.Handle(d, CancelCalendarEventCommand, cancel)

	d.DeclareEvents(CalendarEventCreated{}, CalendarEventUpdated{}, CalendarEventCancelled{})
	d.DeclareCommands(CreateCalendarEventCommand, UpdateCalendarEventCommand, CancelCalendarEventCommand)
	return d
}

type state = eventserver.AggregateState[Entry]

func create(s state, c CreateCalendarEvent) ([]eventserver.EventData, error) {
	id := strings.TrimSpace(c.EventID)
	if id != "" && id != s.ID {
		v := eventserver.NewValidationError(CreateCalendarEventCommand)
		v.Add("eventId", "must match the calendar event id")
		return nil, v
	}
	if c.EndTime != nil && !c.EndTime.After(c.StartTime) {
		return nil, ErrEndBeforeStart
	}
	if s.Exists() {
		return nil, ErrAlreadyExists
	}
	return eventserver.Events(CalendarEventCreated{
		EventID:     s.ID,
		CalendarID:  c.CalendarID,
		Title:       strings.TrimSpace(c.Title),
		Description: c.Description,
		Start:       c.StartTime,
		End:         c.EndTime,
		PartnerID:   c.PartnerID,
		UserID:      c.UserID,
	}), nil
}

func update(s state, c UpdateCalendarEvent) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if s.Data.Cancelled {
		return nil, ErrCancelled
	}

	next := CalendarEventUpdated{
		Title:       s.Data.Title,
		Description: s.Data.Description,
		Start:       s.Data.Start,
		End:         s.Data.End,
	}
	if t := strings.TrimSpace(c.Title); t != "" {
		next.Title = t
	}
	if c.Description != "" {
		next.Description = c.Description
	}
	if !c.StartTime.IsZero() {
		next.Start = c.StartTime
	}
	if c.EndTime != nil {
		next.End = c.EndTime
	}
	if next.End != nil && !next.End.After(next.Start) {
		return nil, ErrEndBeforeStart
	}

	if next.Title == s.Data.Title && next.Description == s.Data.Description &&
		next.Start.Equal(s.Data.Start) && sameTime(next.End, s.Data.End) {
		return nil, nil
	}
	return eventserver.Events(next), nil
}

func cancel(s state, c CancelCalendarEvent) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if s.Data.Cancelled {
		return nil, nil
	}
	return eventserver.Events(CalendarEventCancelled(c)), nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

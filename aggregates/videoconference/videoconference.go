// Package videoconference implements the conference aggregate: one paid
// session between a user and a partner.
package videoconference

import (
	"math"
	"strings"
	"time"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/billing"
)

// AggregateType is the stream category of conference streams.
const AggregateType = "videoconference"

// Status is the lifecycle stage of a conference.
type Status string

// Conference statuses.
const (
	StatusScheduled  Status = "Scheduled"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
)

// Business rule violations.
var (
	ErrEndBeforeStart   = eventserver.NewBusinessRuleError("EndTime must be after StartTime")
	ErrAlreadyExists    = eventserver.NewBusinessRuleError("Video conference already exists")
	ErrDoesNotExist     = eventserver.NewBusinessRuleError("Video conference does not exist")
	ErrAlreadyStarted   = eventserver.NewBusinessRuleError("Conference already started")
	ErrAlreadyEnded     = eventserver.NewBusinessRuleError("Conference has ended")
	ErrNotStarted       = eventserver.NewBusinessRuleError("Conference has not started")
	ErrCancelled        = eventserver.NewBusinessRuleError("Conference has been cancelled")
	ErrCancelAfterStart = eventserver.NewBusinessRuleError("Cannot cancel a started conference")
)

// Conference is the reduced state of a conference stream.
type Conference struct {
	StartTime     time.Time
	EndTime       time.Time
	UserID        string
	PartnerID     string
	Rate          *billing.RateInformation
	EstimatedCost billing.Amount
	Status        Status
	StartedAt     time.Time
	EndedAt       time.Time
	ActualCost    billing.Amount
}

// Definition returns the video conference aggregate definition.
func Definition() *eventserver.Definition[Conference] {
	d := eventserver.NewDefinition(AggregateType, func() Conference { return Conference{} })

	eventserver.On(d, func(s Conference, e VideoConferenceCreated, _ eventserver.Event) Conference {
		s.StartTime = e.StartTime
		s.EndTime = e.EndTime
		s.UserID = e.UserID
		s.PartnerID = e.PartnerID
		s.Rate = e.Rate
		s.EstimatedCost = e.EstimatedCost
		s.Status = StatusScheduled
		return s
	})
	eventserver.On(d, func(s Conference, e ConferenceStarted, _ eventserver.Event) Conference {
		s.Status = StatusInProgress
		s.StartedAt = e.StartedAt
		return s
	})
	eventserver.On(d, func(s Conference, e ConferenceEnded, _ eventserver.Event) Conference {
		s.Status = StatusCompleted
		s.EndedAt = e.EndedAt
		s.ActualCost = e.ActualCost
		return s
	})
	eventserver.On(d, func(s Conference, _ ConferenceCancelled, _ eventserver.Event) Conference {
		s.Status = StatusCancelled
		return s
	})

	eventserver.Handle(d, CreateVideoConferenceCommand, create)
	eventserver.Handle(d, StartConferenceCommand, start)
	eventserver.Handle(d, EndConferenceCommand, end)
	eventserver.Handle(d, CancelConferenceCommand, cancel)

	d.DeclareEvents(VideoConferenceCreated{}, ConferenceStarted{}, ConferenceEnded{}, ConferenceCancelled{})
	d.DeclareCommands(CreateVideoConferenceCommand, StartConferenceCommand, EndConferenceCommand, CancelConferenceCommand)
	return d
}

type state = eventserver.AggregateState[Conference]

func create(s state, c CreateVideoConference) ([]eventserver.EventData, error) {
	id := strings.TrimSpace(c.ConferenceID)
	if id == "" {
		id = s.ID
	}
	if !strings.EqualFold(id, s.ID) {
		v := eventserver.NewValidationError(CreateVideoConferenceCommand)
		v.Add("conferenceId", "must match the conference id")
		return nil, v
	}
	if !c.EndTime.After(c.StartTime) {
		return nil, ErrEndBeforeStart
	}
	if s.Exists() {
		return nil, ErrAlreadyExists
	}

	var cost billing.Amount
	if c.Rate != nil {
		cost = c.Rate.CalculateCost(c.StartTime, c.EndTime)
	}
	return eventserver.Events(VideoConferenceCreated{
		ConferenceID:  s.ID,
		StartTime:     c.StartTime,
		EndTime:       c.EndTime,
		UserID:        c.UserID,
		PartnerID:     c.PartnerID,
		Rate:          c.Rate,
		EstimatedCost: cost,
	}), nil
}

func start(s state, c StartConference) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	switch s.Data.Status {
	case StatusInProgress:
		return nil, ErrAlreadyStarted
	case StatusCompleted:
		return nil, ErrAlreadyEnded
	case StatusCancelled:
		return nil, ErrCancelled
	}
	return eventserver.Events(ConferenceStarted{
		UserID:    s.Data.UserID,
		PartnerID: s.Data.PartnerID,
		StartedAt: c.StartedAt,
	}), nil
}

func end(s state, c EndConference) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	switch s.Data.Status {
	case StatusCompleted:
		return nil, nil
	case StatusScheduled, StatusCancelled:
		return nil, ErrNotStarted
	}

	endedAt := c.EndedAt
	if endedAt.Before(s.Data.StartedAt) {
		endedAt = s.Data.StartedAt
	}
	minutes := int(math.Ceil(endedAt.Sub(s.Data.StartedAt).Minutes()))
	var cost billing.Amount
	if s.Data.Rate != nil {
		cost = s.Data.Rate.CalculateCost(s.Data.StartedAt, endedAt)
	}
	return eventserver.Events(ConferenceEnded{
		UserID:          s.Data.UserID,
		PartnerID:       s.Data.PartnerID,
		EndedAt:         endedAt,
		DurationMinutes: minutes,
		ActualCost:      cost,
		Notes:           c.Notes,
		Rating:          c.Rating,
	}), nil
}

func cancel(s state, c CancelConference) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	switch s.Data.Status {
	case StatusCancelled:
		return nil, nil
	case StatusInProgress, StatusCompleted:
		return nil, ErrCancelAfterStart
	}
	return eventserver.Events(ConferenceCancelled{
		UserID:      s.Data.UserID,
		PartnerID:   s.Data.PartnerID,
		CancelledAt: c.CancelledAt,
		Reason:      c.Reason,
	}), nil
}

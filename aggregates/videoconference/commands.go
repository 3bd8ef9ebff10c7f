package videoconference

import (
	"time"

	"github.com/google/uuid"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/billing"
)

// Command types accepted by the video conference aggregate.
const (
	CreateVideoConferenceCommand = "CreateVideoConference"
	StartConferenceCommand       = "StartConference"
	EndConferenceCommand         = "EndConference"
	CancelConferenceCommand      = "CancelConference"
)

// CreateVideoConference books a session between a user and a partner.
// ConferenceID defaults to the aggregate id.
type CreateVideoConference struct {
	ConferenceID string                   `json:"conferenceId"`
	StartTime    time.Time                `json:"startTime"`
	EndTime      time.Time                `json:"endTime"`
	UserID       string                   `json:"userId"`
	PartnerID    string                   `json:"partnerId"`
	Rate         *billing.RateInformation `json:"rate,omitempty"`
}

// Validate implements eventserver.Validator. The order of start and end is
// a business rule checked by the handler.
func (c CreateVideoConference) Validate() error {
	v := eventserver.NewValidationError("")
	if c.ConferenceID != "" {
		if _, err := uuid.Parse(c.ConferenceID); err != nil {
			v.Add("conferenceId", "must be a UUID")
		}
	}
	if c.StartTime.IsZero() {
		v.Add("startTime", "is required")
	}
	if c.EndTime.IsZero() {
		v.Add("endTime", "is required")
	}
	v.Require("userId", c.UserID)
	v.Require("partnerId", c.PartnerID)
	if c.Rate != nil {
		if err := c.Rate.Validate(); err != nil {
			v.Add("rate", err.Error())
		}
	}
	return v.Err()
}

// StartConference marks the session as in progress.
type StartConference struct {
	StartedAt time.Time `json:"startedAt"`
}

// Validate implements eventserver.Validator.
func (c StartConference) Validate() error {
	v := eventserver.NewValidationError("")
	if c.StartedAt.IsZero() {
		v.Add("startedAt", "is required")
	}
	return v.Err()
}

// EndConference completes the session, optionally with notes and a 1-5 rating.
type EndConference struct {
	EndedAt time.Time `json:"endedAt"`
	Notes   string    `json:"notes,omitempty"`
	Rating  int       `json:"rating,omitempty"`
}

// Validate implements eventserver.Validator.
func (c EndConference) Validate() error {
	v := eventserver.NewValidationError("")
	if c.EndedAt.IsZero() {
		v.Add("endedAt", "is required")
	}
	if c.Rating < 0 || c.Rating > 5 {
		v.Add("rating", "must be between 1 and 5")
	}
	return v.Err()
}

// CancelConference cancels a session that has not started.
type CancelConference struct {
	CancelledAt time.Time `json:"cancelledAt"`
	Reason      string    `json:"reason,omitempty"`
}

// Validate implements eventserver.Validator.
func (c CancelConference) Validate() error {
	v := eventserver.NewValidationError("")
	if c.CancelledAt.IsZero() {
		v.Add("cancelledAt", "is required")
	}
	return v.Err()
}

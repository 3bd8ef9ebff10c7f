package videoconference

import (
	"time"

	"github.com/fortium/eventserver/aggregates/billing"
)

// VideoConferenceCreated is the first event of every conference stream.
type VideoConferenceCreated struct {
	ConferenceID  string                   `json:"conferenceId"`
	StartTime     time.Time                `json:"startTime"`
	EndTime       time.Time                `json:"endTime"`
	UserID        string                   `json:"userId"`
	PartnerID     string                   `json:"partnerId"`
	Rate          *billing.RateInformation `json:"rate,omitempty"`
	EstimatedCost billing.Amount           `json:"estimatedCost"`
}

// ConferenceStarted marks the session as in progress.
type ConferenceStarted struct {
	UserID    string    `json:"userId"`
	PartnerID string    `json:"partnerId"`
	StartedAt time.Time `json:"startedAt"`
}

// ConferenceEnded marks the session as completed.
type ConferenceEnded struct {
	UserID          string         `json:"userId"`
	PartnerID       string         `json:"partnerId"`
	EndedAt         time.Time      `json:"endedAt"`
	DurationMinutes int            `json:"durationMinutes"`
	ActualCost      billing.Amount `json:"actualCost"`
	Notes           string         `json:"notes,omitempty"`
	Rating          int            `json:"rating,omitempty"`
}

// ConferenceCancelled marks a scheduled session as cancelled.
type ConferenceCancelled struct {
	UserID      string    `json:"userId"`
	PartnerID   string    `json:"partnerId"`
	CancelledAt time.Time `json:"cancelledAt"`
	Reason      string    `json:"reason,omitempty"`
}

package videoconference

import (
	"time"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/billing"
)

// Projection names.
const (
	ProjectionName     = "videoconferences"
	SessionHistoryName = "session-history"
)

// Document is the public view of one conference, keyed by conference id.
type Document struct {
	ConferenceID  string                   `json:"conferenceId"`
	UserID        string                   `json:"userId"`
	PartnerID     string                   `json:"partnerId"`
	StartTime     time.Time                `json:"startTime"`
	EndTime       time.Time                `json:"endTime"`
	Status        Status                   `json:"status"`
	Rate          *billing.RateInformation `json:"rate,omitempty"`
	EstimatedCost billing.Amount           `json:"estimatedCost"`
	ActualCost    billing.Amount           `json:"actualCost"`
	StartedAt     *time.Time               `json:"startedAt,omitempty"`
	EndedAt       *time.Time               `json:"endedAt,omitempty"`
	CancelledAt   *time.Time               `json:"cancelledAt,omitempty"`
	CancelReason  string                   `json:"cancelReason,omitempty"`
	Notes         string                   `json:"notes,omitempty"`
	Rating        int                      `json:"rating,omitempty"`
}

// Projection returns the videoconferences projection.
func Projection() eventserver.Projection {
	p := eventserver.NewDocumentProjection[Document](ProjectionName, func(e eventserver.Event) string {
		return e.AggregateID()
	})

	eventserver.When(p, func(d *Document, e VideoConferenceCreated, _ eventserver.Event) {
		d.ConferenceID = e.ConferenceID
		d.UserID = e.UserID
		d.PartnerID = e.PartnerID
		d.StartTime = e.StartTime
		d.EndTime = e.EndTime
		d.Status = StatusScheduled
		d.Rate = e.Rate
		d.EstimatedCost = e.EstimatedCost
	})
	eventserver.When(p, func(d *Document, e ConferenceStarted, _ eventserver.Event) {
		t := e.StartedAt
		d.Status = StatusInProgress
		d.StartedAt = &t
	})
	eventserver.When(p, func(d *Document, e ConferenceEnded, _ eventserver.Event) {
		t := e.EndedAt
		d.Status = StatusCompleted
		d.EndedAt = &t
		d.ActualCost = e.ActualCost
		d.Notes = e.Notes
		d.Rating = e.Rating
	})
	eventserver.When(p, func(d *Document, e ConferenceCancelled, _ eventserver.Event) {
		t := e.CancelledAt
		d.Status = StatusCancelled
		d.CancelledAt = &t
		d.CancelReason = e.Reason
	})
	return p
}

// Session is one entry of a user's session history.
type Session struct {
	ConferenceID    string         `json:"conferenceId"`
	PartnerID       string         `json:"partnerId"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         time.Time      `json:"endTime"`
	Status          Status         `json:"status"`
	EstimatedCost   billing.Amount `json:"estimatedCost"`
	ActualCost      billing.Amount `json:"actualCost"`
	DurationMinutes int            `json:"durationMinutes,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	Rating          int            `json:"rating,omitempty"`
}

// SessionHistory lists a user's sessions in booking order.
type SessionHistory struct {
	UserID   string    `json:"userId"`
	Sessions []Session `json:"sessions"`
}

func (h *SessionHistory) session(conferenceID string) *Session {
	for i := range h.Sessions {
		if h.Sessions[i].ConferenceID == conferenceID {
			return &h.Sessions[i]
		}
	}
	h.Sessions = append(h.Sessions, Session{ConferenceID: conferenceID})
	return &h.Sessions[len(h.Sessions)-1]
}

// SessionHistoryProjection returns the session-history projection, keyed by
// user id.
func SessionHistoryProjection() eventserver.Projection {
	p := eventserver.NewDocumentProjection[SessionHistory](SessionHistoryName, func(e eventserver.Event) string {
		switch data := e.Data.(type) {
		case VideoConferenceCreated:
			return data.UserID
		case ConferenceStarted:
			return data.UserID
		case ConferenceEnded:
			return data.UserID
		case ConferenceCancelled:
			return data.UserID
		}
		return ""
	})

	eventserver.When(p, func(h *SessionHistory, e VideoConferenceCreated, ev eventserver.Event) {
		h.UserID = e.UserID
		s := h.session(ev.AggregateID())
		s.PartnerID = e.PartnerID
		s.StartTime = e.StartTime
		s.EndTime = e.EndTime
		s.Status = StatusScheduled
		s.EstimatedCost = e.EstimatedCost
	})
	eventserver.When(p, func(h *SessionHistory, _ ConferenceStarted, ev eventserver.Event) {
		h.session(ev.AggregateID()).Status = StatusInProgress
	})
	eventserver.When(p, func(h *SessionHistory, e ConferenceEnded, ev eventserver.Event) {
		s := h.session(ev.AggregateID())
		s.Status = StatusCompleted
		s.ActualCost = e.ActualCost
		s.DurationMinutes = e.DurationMinutes
		s.Notes = e.Notes
		s.Rating = e.Rating
	})
	eventserver.When(p, func(h *SessionHistory, _ ConferenceCancelled, ev eventserver.Event) {
		h.session(ev.AggregateID()).Status = StatusCancelled
	})
	return p
}

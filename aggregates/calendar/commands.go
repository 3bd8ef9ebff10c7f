package calendar

import (
	"time"

	"github.com/fortium/eventserver"
)

// Command types accepted by the calendar event aggregate.
const (
	CreateCalendarEventCommand = "CreateCalendarEvent"
	UpdateCalendarEventCommand = "UpdateCalendarEvent"
	CancelCalendarEventCommand = "CancelCalendarEvent"
)

// CreateCalendarEvent schedules an entry on a partner calendar. EventID
// defaults to the aggregate id.
type CreateCalendarEvent struct {
	EventID     string     `json:"eventId"`
	CalendarID  string     `json:"calendarId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	PartnerID   string     `json:"partnerId"`
	UserID      string     `json:"userId"`
}

// Validate implements eventserver.Validator.
func (c CreateCalendarEvent) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("title", c.Title)
	if c.StartTime.IsZero() {
		v.Add("startTime", "is required")
	}
	return v.Err()
}

// UpdateCalendarEvent changes the schedule. Empty fields keep their value.
type UpdateCalendarEvent struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
}

// CancelCalendarEvent cancels the entry.
type CancelCalendarEvent struct {
	Reason string `json:"reason,omitempty"`
}

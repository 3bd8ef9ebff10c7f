package calendar

import "time"

// CalendarEventCreated is the first event of every calendar event stream.
type CalendarEventCreated struct {
	EventID     string     `json:"eventId"`
	CalendarID  string     `json:"calendarId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	PartnerID   string     `json:"partnerId"`
	UserID      string     `json:"userId"`
}

// CalendarEventUpdated carries the full schedule after an update.
type CalendarEventUpdated struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
}

// CalendarEventCancelled marks the entry as cancelled.
type CalendarEventCancelled struct {
	Reason string `json:"reason,omitempty"`
}

package calendar

import (
	"time"

	"github.com/fortium/eventserver"
)

// ProjectionName is the calendar-events read model, keyed by event id.
const ProjectionName = "calendar-events"

// Document is the public view of a calendar entry.
type Document struct {
	CalendarEventID string     `json:"calendarEventId"`
	CalendarID      string     `json:"calendarId"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end,omitempty"`
	PartnerID       string     `json:"partnerId"`
	UserID          string     `json:"userId"`
	Cancelled       bool       `json:"cancelled"`
	CancelReason    string     `json:"cancelReason,omitempty"`
	CreateDate      time.Time  `json:"createDate"`
	UpdateDate      time.Time  `json:"updateDate"`
}

// Projection returns the calendar-events projection.
func Projection() eventserver.Projection {
	p := eventserver.NewDocumentProjection[Document](ProjectionName, func(e eventserver.Event) string {
		return e.AggregateID()
	})

	eventserver.When(p, func(d *Document, e CalendarEventCreated, ev eventserver.Event) {
		d.CalendarEventID = ev.AggregateID()
		d.CalendarID = e.CalendarID
		d.Title = e.Title
		d.Description = e.Description
		d.Start = e.Start
		d.End = e.End
		d.PartnerID = e.PartnerID
		d.UserID = e.UserID
		d.CreateDate = ev.CommittedAt
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e CalendarEventUpdated, ev eventserver.Event) {
		d.Title = e.Title
		d.Description = e.Description
		d.Start = e.Start
		d.End = e.End
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e CalendarEventCancelled, ev eventserver.Event) {
		d.Cancelled = true
		d.CancelReason = e.Reason
		d.UpdateDate = ev.CommittedAt
	})
	return p
}

package payment

import (
	"time"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/billing"
)

// ProjectionName is the payments read model, keyed by payment id.
const ProjectionName = "payments"

// Document is the public view of a payment.
type Document struct {
	PaymentID         string         `json:"paymentId"`
	PaymentIntentID   string         `json:"paymentIntentId,omitempty"`
	ConferenceID      string         `json:"conferenceId,omitempty"`
	UserID            string         `json:"userId,omitempty"`
	PartnerID         string         `json:"partnerId,omitempty"`
	Amount            billing.Amount `json:"amount"`
	RefundedAmount    billing.Amount `json:"refundedAmount"`
	Currency          string         `json:"currency"`
	Status            Status         `json:"status"`
	AuthorizationDate *time.Time     `json:"authorizationDate,omitempty"`
	CaptureDate       *time.Time     `json:"captureDate,omitempty"`
	RefundDate        *time.Time     `json:"refundDate,omitempty"`
}

// Projection returns the payments projection.
func Projection() eventserver.Projection {
	p := eventserver.NewDocumentProjection[Document](ProjectionName, func(e eventserver.Event) string {
		return e.AggregateID()
	})

	eventserver.When(p, func(d *Document, e ConferencePaymentAuthorized, ev eventserver.Event) {
		at := ev.CommittedAt
		d.PaymentID = ev.AggregateID()
		d.ConferenceID = e.ConferenceID
		d.UserID = e.UserID
		d.PartnerID = e.PartnerID
		d.Amount = e.Amount
		d.Currency = e.Currency
		d.Status = StatusAuthorized
		d.AuthorizationDate = &at
	})
	eventserver.When(p, func(d *Document, e PaymentAuthorized, ev eventserver.Event) {
		at := ev.CommittedAt
		d.PaymentID = ev.AggregateID()
		d.Amount = e.Amount
		d.Currency = e.Currency
		d.Status = StatusAuthorized
		d.AuthorizationDate = &at
	})
	eventserver.When(p, func(d *Document, e PaymentCaptured, ev eventserver.Event) {
		at := ev.CommittedAt
		d.PaymentIntentID = e.PaymentIntentID
		d.Status = StatusCaptured
		d.CaptureDate = &at
	})
	eventserver.When(p, func(d *Document, e PaymentRefunded, ev eventserver.Event) {
		at := ev.CommittedAt
		d.RefundedAmount += e.Amount
		d.Status = StatusRefunded
		d.RefundDate = &at
	})
	return p
}

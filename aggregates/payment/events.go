package payment

import "github.com/fortium/eventserver/aggregates/billing"

// ConferencePaymentAuthorized opens a payment stream for a booked conference.
type ConferencePaymentAuthorized struct {
	PaymentID    string                   `json:"paymentId"`
	ConferenceID string                   `json:"conferenceId"`
	Amount       billing.Amount           `json:"amount"`
	Currency     string                   `json:"currency"`
	UserID       string                   `json:"userId"`
	PartnerID    string                   `json:"partnerId,omitempty"`
	Rate         *billing.RateInformation `json:"rate,omitempty"`
}

// PaymentAuthorized opens a payment stream not tied to a conference.
type PaymentAuthorized struct {
	PaymentID       string         `json:"paymentId"`
	Amount          billing.Amount `json:"amount"`
	Currency        string         `json:"currency"`
	PaymentMethodID string         `json:"paymentMethodId"`
}

// PaymentCaptured settles the authorized amount. Conference payments carry
// the conference and partner so revenue can be attributed.
type PaymentCaptured struct {
	PaymentIntentID string         `json:"paymentIntentId"`
	Amount          billing.Amount `json:"amount"`
	Currency        string         `json:"currency"`
	ConferenceID    string         `json:"conferenceId,omitempty"`
	PartnerID       string         `json:"partnerId,omitempty"`
}

// PaymentRefunded returns part or all of the captured amount.
type PaymentRefunded struct {
	Amount       billing.Amount `json:"amount"`
	Currency     string         `json:"currency"`
	Reason       string         `json:"reason,omitempty"`
	ConferenceID string         `json:"conferenceId,omitempty"`
	PartnerID    string         `json:"partnerId,omitempty"`
}

package payment

import (
	"github.com/google/uuid"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/billing"
)

// Command types accepted by the payment aggregate.
const (
	AuthorizeConferencePaymentCommand = "AuthorizeConferencePayment"
	AuthorizePaymentCommand           = "AuthorizePayment"
	CapturePaymentCommand             = "CapturePayment"
	RefundPaymentCommand              = "RefundPayment"
)

// AuthorizeConferencePayment authorizes the charge for a conference.
// PaymentID defaults to the aggregate id.
type AuthorizeConferencePayment struct {
	PaymentID    string                   `json:"paymentId"`
	ConferenceID string                   `json:"conferenceId"`
	Amount       billing.Amount           `json:"amount"`
	Currency     string                   `json:"currency"`
	UserID       string                   `json:"userId"`
	PartnerID    string                   `json:"partnerId,omitempty"`
	Rate         *billing.RateInformation `json:"rate,omitempty"`
}

// Validate implements eventserver.Validator. A non-positive amount is a
// business rule checked by the handler.
func (c AuthorizeConferencePayment) Validate() error {
	v := eventserver.NewValidationError("")
	if _, err := uuid.Parse(c.ConferenceID); err != nil {
		v.Add("conferenceId", "must be a UUID")
	}
	validateCurrency(v, c.Currency)
	v.Require("userId", c.UserID)
	if c.Rate != nil {
		if err := c.Rate.Validate(); err != nil {
			v.Add("rate", err.Error())
		}
	}
	return v.Err()
}

// AuthorizePayment authorizes a charge against a stored payment method.
type AuthorizePayment struct {
	Amount          billing.Amount `json:"amount"`
	Currency        string         `json:"currency"`
	PaymentMethodID string         `json:"paymentMethodId"`
}

// Validate implements eventserver.Validator.
func (c AuthorizePayment) Validate() error {
	v := eventserver.NewValidationError("")
	validateCurrency(v, c.Currency)
	v.Require("paymentMethodId", c.PaymentMethodID)
	return v.Err()
}

// CapturePayment settles an authorized payment.
type CapturePayment struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

// Validate implements eventserver.Validator.
func (c CapturePayment) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("paymentIntentId", c.PaymentIntentID)
	return v.Err()
}

// RefundPayment returns money from a captured payment. A zero amount
// refunds everything not yet refunded.
type RefundPayment struct {
	Amount billing.Amount `json:"amount"`
	Reason string         `json:"reason,omitempty"`
}

// Validate implements eventserver.Validator.
func (c RefundPayment) Validate() error {
	v := eventserver.NewValidationError("")
	if c.Amount < 0 {
		v.Add("amount", "must not be negative")
	}
	return v.Err()
}

func validateCurrency(v *eventserver.ValidationError, code string) {
	if code == "" {
		v.Add("currency", "is required")
		return
	}
	if _, err := billing.NormalizeCurrency(code); err != nil {
		v.Add("currency", "must be a 3-letter code (e.g., USD)")
	}
}

// Package payment implements the payment aggregate: authorization, capture
// and refunds of one charge.
package payment

import (
	"strings"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/billing"
)

// AggregateType is the stream category of payment streams.
const AggregateType = "payment"

// Status is the settlement stage of a payment.
type Status string

// Payment statuses.
const (
	StatusAuthorized Status = "Authorized"
	StatusCaptured   Status = "Captured"
	StatusRefunded   Status = "Refunded"
)

// Business rule violations.
var (
	ErrAmountNotPositive   = eventserver.NewBusinessRuleError("Amount must be greater than 0")
	ErrAlreadyAuthorized   = eventserver.NewBusinessRuleError("Payment already authorized")
	ErrNotAuthorized       = eventserver.NewBusinessRuleError("Payment must be authorized before capture")
	ErrNotCaptured         = eventserver.NewBusinessRuleError("Only captured payments can be refunded")
	ErrRefundExceedsAmount = eventserver.NewBusinessRuleError("Refund amount exceeds captured amount")
	ErrFullyRefunded       = eventserver.NewBusinessRuleError("Payment has been fully refunded")
)

// Payment is the reduced state of a payment stream.
type Payment struct {
	Status       Status
	Amount       billing.Amount
	Currency     string
	ConferenceID string
	UserID       string
	PartnerID    string
	Captured     billing.Amount
	Refunded     billing.Amount
}

// Refundable is the captured amount not yet refunded.
func (p Payment) Refundable() billing.Amount {
	return p.Captured - p.Refunded
}

// Definition returns the payment aggregate definition.
func Definition() *eventserver.Definition[Payment] {
	d := eventserver.NewDefinition(AggregateType, func() Payment { return Payment{} })

	eventserver.On(d, func(_ Payment, e ConferencePaymentAuthorized, _ eventserver.Event) Payment {
		return Payment{
			Status:       StatusAuthorized,
			Amount:       e.Amount,
			Currency:     e.Currency,
			ConferenceID: e.ConferenceID,
			UserID:       e.UserID,
			PartnerID:    e.PartnerID,
		}
	})
	eventserver.On(d, func(_ Payment, e PaymentAuthorized, _ eventserver.Event) Payment {
		return Payment{Status: StatusAuthorized, Amount: e.Amount, Currency: e.Currency}
	})
	eventserver.On(d, func(s Payment, e PaymentCaptured, _ eventserver.Event) Payment {
		s.Status = StatusCaptured
		s.Captured = e.Amount
		return s
	})
	eventserver.On(d, func(s Payment, e PaymentRefunded, _ eventserver.Event) Payment {
		s.Status = StatusRefunded
		s.Refunded += e.Amount
		return s
	})

	eventserver.Handle(d, AuthorizeConferencePaymentCommand, authorizeConference)
	eventserver.Handle(d, AuthorizePaymentCommand, authorize)
	eventserver.Handle(d, CapturePaymentCommand, capture)
	eventserver.Handle(d, RefundPaymentCommand, refund)

	d.DeclareEvents(ConferencePaymentAuthorized{}, PaymentAuthorized{}, PaymentCaptured{}, PaymentRefunded{})
	d.DeclareCommands(AuthorizeConferencePaymentCommand, AuthorizePaymentCommand, CapturePaymentCommand, RefundPaymentCommand)
	return d
}

type state = eventserver.AggregateState[Payment]

func authorizeConference(s state, c AuthorizeConferencePayment) ([]eventserver.EventData, error) {
	if id := strings.TrimSpace(c.PaymentID); id != "" && id != s.ID {
		v := eventserver.NewValidationError(AuthorizeConferencePaymentCommand)
		v.Add("paymentId", "must match the payment id")
		return nil, v
	}
	if c.Amount <= 0 {
		return nil, ErrAmountNotPositive
	}
	if s.Exists() {
		return nil, ErrAlreadyAuthorized
	}
	currency, err := billing.NormalizeCurrency(c.Currency)
	if err != nil {
		return nil, err
	}
	return eventserver.Events(ConferencePaymentAuthorized{
		PaymentID:    s.ID,
		ConferenceID: strings.ToLower(c.ConferenceID),
		Amount:       c.Amount,
		Currency:     currency,
		UserID:       c.UserID,
		PartnerID:    c.PartnerID,
		Rate:         c.Rate,
	}), nil
}

func authorize(s state, c AuthorizePayment) ([]eventserver.EventData, error) {
	if c.Amount <= 0 {
		return nil, ErrAmountNotPositive
	}
	if s.Exists() {
		return nil, ErrAlreadyAuthorized
	}
	currency, err := billing.NormalizeCurrency(c.Currency)
	if err != nil {
		return nil, err
	}
	return eventserver.Events(PaymentAuthorized{
		PaymentID:       s.ID,
		Amount:          c.Amount,
		Currency:        currency,
		PaymentMethodID: c.PaymentMethodID,
	}), nil
}

func capture(s state, c CapturePayment) ([]eventserver.EventData, error) {
	switch s.Data.Status {
	case StatusCaptured, StatusRefunded:
		return nil, nil
	case StatusAuthorized:
	default:
		return nil, ErrNotAuthorized
	}
	return eventserver.Events(PaymentCaptured{
		PaymentIntentID: c.PaymentIntentID,
		Amount:          s.Data.Amount,
		Currency:        s.Data.Currency,
		ConferenceID:    s.Data.ConferenceID,
		PartnerID:       s.Data.PartnerID,
	}), nil
}

func refund(s state, c RefundPayment) ([]eventserver.EventData, error) {
	if s.Data.Status != StatusCaptured && s.Data.Status != StatusRefunded {
		return nil, ErrNotCaptured
	}
	remaining := s.Data.Refundable()
	if remaining <= 0 {
		return nil, ErrFullyRefunded
	}
	amount := c.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount > remaining {
		return nil, ErrRefundExceedsAmount
	}
	return eventserver.Events(PaymentRefunded{
		Amount:       amount,
		Currency:     s.Data.Currency,
		Reason:       c.Reason,
		ConferenceID: s.Data.ConferenceID,
		PartnerID:    s.Data.PartnerID,
	}), nil
}

package payment

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/billing"
	"github.com/fortium/eventserver/testing/bdd"
)

const (
	paymentID    = "pay-1"
	conferenceID = "6f1c2a5e-8d4b-4c1e-9a57-2b9f0d3e4a61"
)

var (
	authorized = ConferencePaymentAuthorized{
		PaymentID:    paymentID,
		ConferenceID: conferenceID,
		Amount:       7500,
		Currency:     "USD",
		UserID:       "ana@x.com",
		PartnerID:    "leo@x.com",
	}
	captured = PaymentCaptured{
		PaymentIntentID: "pi_1",
		Amount:          7500,
		Currency:        "USD",
		ConferenceID:    conferenceID,
		PartnerID:       "leo@x.com",
	}
)

func TestDefinition_IsComplete(t *testing.T) {
	require.NoError(t, Definition().Validate())
}

func TestAuthorizeConferencePayment(t *testing.T) {
	cmd := AuthorizeConferencePayment{
		ConferenceID: conferenceID,
		Amount:       7500,
		Currency:     "usd",
		UserID:       "ana@x.com",
		PartnerID:    "leo@x.com",
	}

	t.Run("authorizes and upper-cases currency", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID).
			When(AuthorizeConferencePaymentCommand, cmd).
			Then(authorized)
	})

	t.Run("rejects zero amount", func(t *testing.T) {
		c := cmd
		c.Amount = 0
		bdd.Given(t, Definition(), paymentID).
			When(AuthorizeConferencePaymentCommand, c).
			ThenRuleViolated("Amount must be greater than 0")
	})

	t.Run("rejects negative amount", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID).
			When(AuthorizeConferencePaymentCommand, []byte(`{"conferenceId":"`+conferenceID+`","amount":-10.5,"currency":"USD","userId":"ana@x.com"}`)).
			ThenRuleViolated("Amount must be greater than 0")
	})

	t.Run("rejects bad currency", func(t *testing.T) {
		c := cmd
		c.Currency = "DOLLARS"
		bdd.Given(t, Definition(), paymentID).
			When(AuthorizeConferencePaymentCommand, c).
			ThenInvalid("currency")
	})

	t.Run("rejects missing conference", func(t *testing.T) {
		c := cmd
		c.ConferenceID = ""
		bdd.Given(t, Definition(), paymentID).
			When(AuthorizeConferencePaymentCommand, c).
			ThenInvalid("conferenceId")
	})

	t.Run("rejects second authorization", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID, authorized).
			When(AuthorizeConferencePaymentCommand, cmd).
			ThenRuleViolated("Payment already authorized")
	})
}

func TestAuthorizePayment(t *testing.T) {
	t.Run("authorizes", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID).
			When(AuthorizePaymentCommand, AuthorizePayment{Amount: billing.FromFloat(12.5), Currency: "eur", PaymentMethodID: "pm_1"}).
			Then(PaymentAuthorized{PaymentID: paymentID, Amount: 1250, Currency: "EUR", PaymentMethodID: "pm_1"})
	})

	t.Run("requires payment method", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID).
			When(AuthorizePaymentCommand, AuthorizePayment{Amount: 100, Currency: "EUR"}).
			ThenInvalid("paymentMethodId")
	})
}

func TestCapturePayment(t *testing.T) {
	t.Run("captures authorized amount", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID, authorized).
			When(CapturePaymentCommand, CapturePayment{PaymentIntentID: "pi_1"}).
			Then(captured)
	})

	t.Run("rejects unauthorized payment", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID).
			When(CapturePaymentCommand, CapturePayment{PaymentIntentID: "pi_1"}).
			ThenRuleViolated("Payment must be authorized before capture")
	})

	t.Run("second capture is a no-op", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID, authorized, captured).
			When(CapturePaymentCommand, CapturePayment{PaymentIntentID: "pi_1"}).
			ThenNoEvents()
	})
}

func TestRefundPayment(t *testing.T) {
	t.Run("partial refund", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID, authorized, captured).
			When(RefundPaymentCommand, RefundPayment{Amount: 2500, Reason: "short session"}).
			Then(PaymentRefunded{Amount: 2500, Currency: "USD", Reason: "short session", ConferenceID: conferenceID, PartnerID: "leo@x.com"})
	})

	t.Run("zero amount refunds the rest", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID, authorized, captured, PaymentRefunded{Amount: 2500}).
			When(RefundPaymentCommand, RefundPayment{}).
			ThenState(func(s eventserver.AggregateState[Payment]) {
				assert.Equal(t, billing.Amount(7500), s.Data.Refunded)
				assert.Equal(t, StatusRefunded, s.Data.Status)
			})
	})

	t.Run("rejects refund above captured amount", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID, authorized, captured).
			When(RefundPaymentCommand, RefundPayment{Amount: 7501}).
			ThenRuleViolated("Refund amount exceeds captured amount")
	})

	t.Run("rejects uncaptured payment", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID, authorized).
			When(RefundPaymentCommand, RefundPayment{Amount: 100}).
			ThenRuleViolated("Only captured payments can be refunded")
	})

	t.Run("rejects fully refunded payment", func(t *testing.T) {
		bdd.Given(t, Definition(), paymentID, authorized, captured, PaymentRefunded{Amount: 7500}).
			When(RefundPaymentCommand, RefundPayment{}).
			ThenRuleViolated("Payment has been fully refunded")
	})
}

func TestProjection(t *testing.T) {
	p := Projection()
	at := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	stream := eventserver.BuildStreamID(AggregateType, paymentID)
	events := []eventserver.Event{
		{StreamID: stream, Type: "ConferencePaymentAuthorized", Sequence: 1, Data: authorized, CommittedAt: at},
		{StreamID: stream, Type: "PaymentCaptured", Sequence: 2, Data: captured, CommittedAt: at.Add(time.Hour)},
	}

	var doc []byte
	for _, e := range events {
		key, ok := p.Key(e)
		require.True(t, ok)
		assert.Equal(t, paymentID, key)

		var err error
		doc, err = p.Apply(doc, e)
		require.NoError(t, err)
	}

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(doc, &got))
	assert.Equal(t, "Captured", got["status"])
	assert.Equal(t, 75.0, got["amount"])
	assert.Equal(t, conferenceID, got["conferenceId"])
	assert.Equal(t, "pi_1", got["paymentIntentId"])
}

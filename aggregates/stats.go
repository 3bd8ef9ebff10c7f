package aggregates

import (
	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/billing"
	"github.com/fortium/eventserver/aggregates/payment"
	"github.com/fortium/eventserver/aggregates/videoconference"
)

// PartnerSessionStatsName is the partner-session-stats read model, keyed by
// partner id.
const PartnerSessionStatsName = "partner-session-stats"

// PartnerSessionStats summarizes a partner's conferences and revenue.
type PartnerSessionStats struct {
	PartnerID      string         `json:"partnerId"`
	Booked         int            `json:"booked"`
	Completed      int            `json:"completed"`
	Cancelled      int            `json:"cancelled"`
	TotalMinutes   int            `json:"totalMinutes"`
	RatingCount    int            `json:"ratingCount"`
	RatingTotal    int            `json:"ratingTotal"`
	AverageRating  float64        `json:"averageRating"`
	BilledAmount   billing.Amount `json:"billedAmount"`
	CapturedAmount billing.Amount `json:"capturedAmount"`
	RefundedAmount billing.Amount `json:"refundedAmount"`
	NetRevenue     billing.Amount `json:"netRevenue"`
}

func (s *PartnerSessionStats) settle() {
	s.NetRevenue = s.CapturedAmount - s.RefundedAmount
	if s.RatingCount > 0 {
		s.AverageRating = float64(s.RatingTotal) / float64(s.RatingCount)
	}
}

// PartnerSessionStatsProjection folds conference and payment events into
// per-partner statistics. Payments without a partner are ignored.
func PartnerSessionStatsProjection() eventserver.Projection {
	p := eventserver.NewDocumentProjection[PartnerSessionStats](PartnerSessionStatsName, partnerKey)

	eventserver.When(p, func(s *PartnerSessionStats, e videoconference.VideoConferenceCreated, _ eventserver.Event) {
		s.PartnerID = e.PartnerID
		s.Booked++
	})
	eventserver.When(p, func(s *PartnerSessionStats, e videoconference.ConferenceEnded, _ eventserver.Event) {
		s.PartnerID = e.PartnerID
		s.Completed++
		s.TotalMinutes += e.DurationMinutes
		s.BilledAmount += e.ActualCost
		if e.Rating > 0 {
			s.RatingCount++
			s.RatingTotal += e.Rating
		}
		s.settle()
	})
	eventserver.When(p, func(s *PartnerSessionStats, e videoconference.ConferenceCancelled, _ eventserver.Event) {
		s.PartnerID = e.PartnerID
		s.Cancelled++
	})
	eventserver.When(p, func(s *PartnerSessionStats, e payment.PaymentCaptured, _ eventserver.Event) {
		s.PartnerID = e.PartnerID
		s.CapturedAmount += e.Amount
		s.settle()
	})
	eventserver.When(p, func(s *PartnerSessionStats, e payment.PaymentRefunded, _ eventserver.Event) {
		s.PartnerID = e.PartnerID
		s.RefundedAmount += e.Amount
		s.settle()
	})
	return p
}

func partnerKey(e eventserver.Event) string {
	switch data := e.Data.(type) {
	case videoconference.VideoConferenceCreated:
		return data.PartnerID
	case videoconference.ConferenceEnded:
		return data.PartnerID
	case videoconference.ConferenceCancelled:
		return data.PartnerID
	case payment.PaymentCaptured:
		return data.PartnerID
	case payment.PaymentRefunded:
		return data.PartnerID
	}
	return ""
}

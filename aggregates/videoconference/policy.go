package videoconference

import (
	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/partner"
	"github.com/fortium/eventserver/aggregates/user"
)

// PolicyName identifies the booking policy in logs.
const PolicyName = "conference-booking"

// BookingPolicy links a newly created conference to its partner and its
// user. The links are separate follow-up submissions, so either may fail
// without affecting the conference.
func BookingPolicy() eventserver.Policy {
	return eventserver.NewPolicy(PolicyName, func(e eventserver.Event) ([]eventserver.Command, error) {
		created, ok := e.Data.(VideoConferenceCreated)
		if !ok {
			return nil, nil
		}
		conferenceID := e.AggregateID()

		toPartner, err := eventserver.NewJSONCommand(partner.AggregateType, created.PartnerID,
			partner.AddVideoConferenceCommand, partner.AddVideoConference{ConferenceID: conferenceID})
		if err != nil {
			return nil, err
		}
		toUser, err := eventserver.NewJSONCommand(user.AggregateType, created.UserID,
			user.AddVideoConferenceCommand, user.AddVideoConference{ConferenceID: conferenceID})
		if err != nil {
			return nil, err
		}
		return []eventserver.Command{toPartner, toUser}, nil
	}, eventserver.GetEventType(VideoConferenceCreated{}))
}

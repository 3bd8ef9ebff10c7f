package user

import (
	"slices"
	"time"

	"github.com/fortium/eventserver"
)

// ProjectionName is the users read model, keyed by email address.
const ProjectionName = "users"

// Document is the public view of a user.
type Document struct {
	FirstName         string      `json:"firstName"`
	LastName          string      `json:"lastName"`
	EmailAddress      string      `json:"emailAddress"`
	PhoneNumber       string      `json:"phoneNumber,omitempty"`
	ProfilePictureURL string      `json:"profilePictureUrl,omitempty"`
	Address           *Address    `json:"address,omitempty"`
	Preferences       Preferences `json:"preferences"`
	LoggedIn          bool        `json:"loggedIn"`
	LastLogin         *time.Time  `json:"lastLogin,omitempty"`
	VideoConferences  []string    `json:"videoConferences"`
	CreateDate        time.Time   `json:"createDate"`
	UpdateDate        time.Time   `json:"updateDate"`
}

// Projection returns the users projection.
func Projection() eventserver.Projection {
	p := eventserver.NewDocumentProjection[Document](ProjectionName, func(e eventserver.Event) string {
		return e.AggregateID()
	})

	eventserver.When(p, func(d *Document, e UserCreated, ev eventserver.Event) {
		d.FirstName = e.FirstName
		d.LastName = e.LastName
		d.EmailAddress = e.EmailAddress
		d.Preferences.Theme = ThemeSystem
		d.VideoConferences = []string{}
		d.CreateDate = ev.CommittedAt
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e UserProfileUpdated, ev eventserver.Event) {
		d.FirstName = e.FirstName
		d.LastName = e.LastName
		d.PhoneNumber = e.PhoneNumber
		d.ProfilePictureURL = e.ProfilePictureURL
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e UserAddressUpdated, ev eventserver.Event) {
		a := Address(e)
		d.Address = &a
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e UserPreferencesUpdated, ev eventserver.Event) {
		d.Preferences = Preferences(e)
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e UserThemeUpdated, ev eventserver.Event) {
		d.Preferences.Theme = e.Theme
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e UserLoggedIn, ev eventserver.Event) {
		t := e.LoginTime
		d.LoggedIn = true
		d.LastLogin = &t
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, _ UserLoggedOut, ev eventserver.Event) {
		d.LoggedIn = false
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e UserVideoConferenceAdded, ev eventserver.Event) {
		if !slices.Contains(d.VideoConferences, e.ConferenceID) {
			d.VideoConferences = append(d.VideoConferences, e.ConferenceID)
		}
		d.UpdateDate = ev.CommittedAt
	})
	return p
}

package partner

import (
	"slices"
	"time"

	"github.com/fortium/eventserver"
)

// ProjectionName is the partners read model, keyed by email address.
const ProjectionName = "partners"

// Document is the public view of a partner.
type Document struct {
	FirstName        string           `json:"firstName"`
	LastName         string           `json:"lastName"`
	EmailAddress     string           `json:"emailAddress,omitempty"`
	Skills           []string         `json:"skills"`
	SkillDetails     []Skill          `json:"skillDetails,omitempty"`
	Bio              string           `json:"bio,omitempty"`
	PrimaryPhone     string           `json:"primaryPhone,omitempty"`
	PhotoURL         string           `json:"photoUrl,omitempty"`
	Title            string           `json:"title,omitempty"`
	City             string           `json:"city,omitempty"`
	State            string           `json:"state,omitempty"`
	Country          string           `json:"country,omitempty"`
	LoggedIn         bool             `json:"loggedIn"`
	LastLogin        *time.Time       `json:"lastLogin,omitempty"`
	LastLogout       *time.Time       `json:"lastLogout,omitempty"`
	VideoConferences []string         `json:"videoConferences,omitempty"`
	WorkHistory      []WorkExperience `json:"workHistory,omitempty"`
	CreateDate       time.Time        `json:"createDate"`
	UpdateDate       time.Time        `json:"updateDate"`
}

// Projection returns the partners projection.
func Projection() eventserver.Projection {
	p := eventserver.NewDocumentProjection[Document](ProjectionName, func(e eventserver.Event) string {
		return e.AggregateID()
	})

	eventserver.When(p, func(d *Document, e PartnerCreated, ev eventserver.Event) {
		d.FirstName = e.FirstName
		d.LastName = e.LastName
		d.EmailAddress = e.EmailAddress
		d.Skills = []string{}
		d.CreateDate = ev.CommittedAt
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e PartnerSkillAdded, ev eventserver.Event) {
		d.Skills = append(d.Skills, e.Skill)
		d.SkillDetails = append(d.SkillDetails, Skill{
			Name:              e.Skill,
			YearsOfExperience: e.YearsOfExperience,
			ExperienceLevel:   e.ExperienceLevel,
		})
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e PartnerBioUpdated, ev eventserver.Event) {
		d.Bio = e.Bio
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e PartnerPrimaryPhoneSet, ev eventserver.Event) {
		d.PrimaryPhone = e.PrimaryPhone
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e PartnerPhotoUrlSet, ev eventserver.Event) {
		d.PhotoURL = e.PhotoURL
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e PartnerDetailsSet, ev eventserver.Event) {
		d.Title = e.Title
		d.City = e.City
		d.State = e.State
		d.Country = e.Country
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e PartnerWorkExperienceAdded, ev eventserver.Event) {
		d.WorkHistory = append(d.WorkHistory, WorkExperience(e))
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e PartnerLoggedIn, ev eventserver.Event) {
		t := e.LoginTime
		d.LoggedIn = true
		d.LastLogin = &t
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e PartnerLoggedOut, ev eventserver.Event) {
		t := e.LogoutTime
		d.LoggedIn = false
		d.LastLogout = &t
		d.UpdateDate = ev.CommittedAt
	})
	eventserver.When(p, func(d *Document, e PartnerVideoConferenceAdded, ev eventserver.Event) {
		if !slices.Contains(d.VideoConferences, e.ConferenceID) {
			d.VideoConferences = append(d.VideoConferences, e.ConferenceID)
		}
		d.UpdateDate = ev.CommittedAt
	})
	return p
}

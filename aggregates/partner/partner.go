// Package partner implements the partner aggregate: experts who offer
// paid video sessions. Partner ids are email addresses.
package partner

import (
	"slices"
	"strings"
	"time"

	"github.com/fortium/eventserver"
)

// AggregateType is the stream category of partner streams.
const AggregateType = "partner"

// Business rule violations.
var (
	ErrAlreadyExists   = eventserver.NewBusinessRuleError("Partner already exists")
	ErrDoesNotExist    = eventserver.NewBusinessRuleError("Partner does not exist")
	ErrAlreadyLoggedIn = eventserver.NewBusinessRuleError("Partner is already logged in")
	ErrNotLoggedIn     = eventserver.NewBusinessRuleError("Partner is not logged in")
)

// Skill is one entry of a partner's skill list.
type Skill struct {
	Name              string `json:"name"`
	YearsOfExperience int    `json:"yearsOfExperience"`
	ExperienceLevel   string `json:"experienceLevel"`
}

// WorkExperience is one entry of a partner's work history.
type WorkExperience struct {
	StartDate   time.Time  `json:"startDate"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	CompanyName string     `json:"companyName"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
}

// Partner is the reduced state of a partner stream.
type Partner struct {
	FirstName        string
	LastName         string
	EmailAddress     string
	Skills           []Skill
	Bio              string
	PrimaryPhone     string
	PhotoURL         string
	Title            string
	City             string
	State            string
	Country          string
	WorkHistory      []WorkExperience
	LoggedIn         bool
	LastLogin        time.Time
	LastLogout       time.Time
	VideoConferences []string
}

// HasSkill reports whether name is already listed, ignoring case.
func (p Partner) HasSkill(name string) bool {
	name = strings.TrimSpace(name)
	for _, s := range p.Skills {
		if strings.EqualFold(s.Name, name) {
			return true
		}
	}
	return false
}

// Definition returns the partner aggregate definition.
func Definition() *eventserver.Definition[Partner] {
	d := eventserver.NewDefinition(AggregateType, func() Partner { return Partner{} })

	eventserver.On(d, func(s Partner, e PartnerCreated, _ eventserver.Event) Partner {
		s.FirstName = e.FirstName
		s.LastName = e.LastName
		s.EmailAddress = e.EmailAddress
		return s
	})
	eventserver.On(d, func(s Partner, e PartnerSkillAdded, _ eventserver.Event) Partner {
		s.Skills = append(slices.Clip(s.Skills), Skill{
			Name:              e.Skill,
			YearsOfExperience: e.YearsOfExperience,
			ExperienceLevel:   e.ExperienceLevel,
		})
		return s
	})
	eventserver.On(d, func(s Partner, e PartnerBioUpdated, _ eventserver.Event) Partner {
		s.Bio = e.Bio
		return s
	})
	eventserver.On(d, func(s Partner, e PartnerPrimaryPhoneSet, _ eventserver.Event) Partner {
		s.PrimaryPhone = e.PrimaryPhone
		return s
	})
	eventserver.On(d, func(s Partner, e PartnerPhotoUrlSet, _ eventserver.Event) Partner {
		s.PhotoURL = e.PhotoURL
		return s
	})
	eventserver.On(d, func(s Partner, e PartnerDetailsSet, _ eventserver.Event) Partner {
		s.Title = e.Title
		s.City = e.City
		s.State = e.State
		s.Country = e.Country
		return s
	})
	eventserver.On(d, func(s Partner, e PartnerWorkExperienceAdded, _ eventserver.Event) Partner {
		s.WorkHistory = append(slices.Clip(s.WorkHistory), WorkExperience(e))
		return s
	})
	eventserver.On(d, func(s Partner, e PartnerLoggedIn, _ eventserver.Event) Partner {
		s.LoggedIn = true
		s.LastLogin = e.LoginTime
		return s
	})
	eventserver.On(d, func(s Partner, e PartnerLoggedOut, _ eventserver.Event) Partner {
		s.LoggedIn = false
		s.LastLogout = e.LogoutTime
		return s
	})
	eventserver.On(d, func(s Partner, e PartnerVideoConferenceAdded, _ eventserver.Event) Partner {
		s.VideoConferences = append(slices.Clip(s.VideoConferences), e.ConferenceID)
		return s
	})

	eventserver.Handle(d, CreatePartnerCommand, createPartner)
	eventserver.Handle(d, AddSkillCommand, addSkill)
	eventserver.Handle(d, UpdateBioCommand, updateBio)
	eventserver.Handle(d, SetPrimaryPhoneCommand, setPrimaryPhone)
	eventserver.Handle(d, SetPhotoUrlCommand, setPhotoURL)
	eventserver.Handle(d, SetDetailsCommand, setDetails)
	eventserver.Handle(d, AddWorkExperienceCommand, addWorkExperience)
	eventserver.Handle(d, LogInCommand, logIn)
	eventserver.Handle(d, LogOutCommand, logOut)
	eventserver.Handle(d, AddVideoConferenceCommand, addVideoConference)

	d.DeclareEvents(
		PartnerCreated{},
		PartnerSkillAdded{},
		PartnerBioUpdated{},
		PartnerPrimaryPhoneSet{},
		PartnerPhotoUrlSet{},
		PartnerDetailsSet{},
		PartnerWorkExperienceAdded{},
		PartnerLoggedIn{},
		PartnerLoggedOut{},
		PartnerVideoConferenceAdded{},
	)
	d.DeclareCommands(
		CreatePartnerCommand,
		AddSkillCommand,
		UpdateBioCommand,
		SetPrimaryPhoneCommand,
		SetPhotoUrlCommand,
		SetDetailsCommand,
		AddWorkExperienceCommand,
		LogInCommand,
		LogOutCommand,
		AddVideoConferenceCommand,
	)
	return d
}

type state = eventserver.AggregateState[Partner]

func createPartner(s state, c CreatePartner) ([]eventserver.EventData, error) {
	if s.Exists() {
		return nil, ErrAlreadyExists
	}
	email := strings.TrimSpace(c.EmailAddress)
	if email == "" {
		email = s.ID
	}
	if !strings.EqualFold(email, s.ID) {
		v := eventserver.NewValidationError(CreatePartnerCommand)
		v.Add("emailAddress", "must match the partner id")
		return nil, v
	}
	return eventserver.Events(PartnerCreated{
		FirstName:    strings.TrimSpace(c.FirstName),
		LastName:     strings.TrimSpace(c.LastName),
		EmailAddress: email,
	}), nil
}

func addSkill(s state, c AddSkill) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if s.Data.HasSkill(c.Skill) {
		return nil, nil
	}
	level, _ := NormalizeLevel(c.ExperienceLevel)
	return eventserver.Events(PartnerSkillAdded{
		Skill:             strings.TrimSpace(c.Skill),
		YearsOfExperience: c.YearsOfExperience,
		ExperienceLevel:   level,
	}), nil
}

func updateBio(s state, c UpdateBio) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if s.Data.Bio == c.Bio {
		return nil, nil
	}
	return eventserver.Events(PartnerBioUpdated(c)), nil
}

func setPrimaryPhone(s state, c SetPrimaryPhone) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	return eventserver.Events(PartnerPrimaryPhoneSet(c)), nil
}

func setPhotoURL(s state, c SetPhotoUrl) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	return eventserver.Events(PartnerPhotoUrlSet(c)), nil
}

func setDetails(s state, c SetDetails) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	return eventserver.Events(PartnerDetailsSet(c)), nil
}

func addWorkExperience(s state, c AddWorkExperience) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	return eventserver.Events(PartnerWorkExperienceAdded(c)), nil
}

func logIn(s state, c LogIn) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if s.Data.LoggedIn {
		return nil, ErrAlreadyLoggedIn
	}
	return eventserver.Events(PartnerLoggedIn(c)), nil
}

func logOut(s state, c LogOut) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if !s.Data.LoggedIn {
		return nil, ErrNotLoggedIn
	}
	return eventserver.Events(PartnerLoggedOut(c)), nil
}

func addVideoConference(s state, c AddVideoConference) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if slices.Contains(s.Data.VideoConferences, c.ConferenceID) {
		return nil, nil
	}
	return eventserver.Events(PartnerVideoConferenceAdded(c)), nil
}

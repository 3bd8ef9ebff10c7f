package partner

import (
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/fortium/eventserver"
)

// Command types accepted by the partner aggregate.
const (
	CreatePartnerCommand      = "CreatePartner"
	AddSkillCommand           = "AddSkill"
	UpdateBioCommand          = "UpdateBio"
	SetPrimaryPhoneCommand    = "SetPrimaryPhone"
	SetPhotoUrlCommand        = "SetPhotoUrl"
	SetDetailsCommand         = "SetDetails"
	AddWorkExperienceCommand  = "AddWorkExperience"
	LogInCommand              = "LogIn"
	LogOutCommand             = "LogOut"
	AddVideoConferenceCommand = "AddVideoConference"
)

// Experience levels, lowest first.
const (
	LevelNovice     = "Novice"
	LevelBeginner   = "Beginner"
	LevelProficient = "Proficient"
	LevelExpert     = "Expert"
)

var experienceLevels = map[string]string{
	"novice":     LevelNovice,
	"beginner":   LevelBeginner,
	"proficient": LevelProficient,
	"expert":     LevelExpert,
}

// NormalizeLevel returns the canonical spelling of level. An empty level
// means Novice.
func NormalizeLevel(level string) (string, bool) {
	if strings.TrimSpace(level) == "" {
		return LevelNovice, true
	}
	canonical, ok := experienceLevels[strings.ToLower(strings.TrimSpace(level))]
	return canonical, ok
}

// CreatePartner registers a partner. EmailAddress defaults to the aggregate id.
type CreatePartner struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	EmailAddress string `json:"emailAddress"`
}

// Validate implements eventserver.Validator.
func (c CreatePartner) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("firstName", c.FirstName)
	v.Require("lastName", c.LastName)
	if c.EmailAddress != "" {
		if _, err := mail.ParseAddress(c.EmailAddress); err != nil {
			v.Add("emailAddress", "is not a valid email address")
		}
	}
	return v.Err()
}

// AddSkill adds a skill to the partner's profile.
type AddSkill struct {
	Skill             string `json:"skill"`
	YearsOfExperience int    `json:"yearsOfExperience"`
	ExperienceLevel   string `json:"experienceLevel"`
}

// Validate implements eventserver.Validator.
func (c AddSkill) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("skill", c.Skill)
	if c.YearsOfExperience < 0 {
		v.Add("yearsOfExperience", "must not be negative")
	}
	if _, ok := NormalizeLevel(c.ExperienceLevel); !ok {
		v.Add("experienceLevel", "must be one of Novice, Beginner, Proficient, Expert")
	}
	return v.Err()
}

// UpdateBio replaces the biography.
type UpdateBio struct {
	Bio string `json:"bio"`
}

// SetPrimaryPhone replaces the primary phone number.
type SetPrimaryPhone struct {
	PrimaryPhone string `json:"primaryPhone"`
}

// Validate implements eventserver.Validator.
func (c SetPrimaryPhone) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("primaryPhone", c.PrimaryPhone)
	return v.Err()
}

// SetPhotoUrl replaces the profile photo.
type SetPhotoUrl struct {
	PhotoURL string `json:"photoUrl"`
}

// Validate implements eventserver.Validator.
func (c SetPhotoUrl) Validate() error {
	v := eventserver.NewValidationError("")
	u, err := url.Parse(c.PhotoURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		v.Add("photoUrl", "must be an absolute URL")
	}
	return v.Err()
}

// SetDetails replaces title and location.
type SetDetails struct {
	Title   string `json:"title"`
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country"`
}

// AddWorkExperience appends an entry to the work history.
type AddWorkExperience struct {
	StartDate   time.Time  `json:"startDate"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	CompanyName string     `json:"companyName"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
}

// Validate implements eventserver.Validator.
func (c AddWorkExperience) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("companyName", c.CompanyName)
	if c.StartDate.IsZero() {
		v.Add("startDate", "is required")
	}
	if c.EndDate != nil && !c.StartDate.IsZero() && c.EndDate.Before(c.StartDate) {
		v.Add("endDate", "must not be before startDate")
	}
	return v.Err()
}

// LogIn marks the partner as online.
type LogIn struct {
	LoginTime time.Time `json:"loginTime"`
}

// Validate implements eventserver.Validator.
func (c LogIn) Validate() error {
	v := eventserver.NewValidationError("")
	if c.LoginTime.IsZero() {
		v.Add("loginTime", "is required")
	}
	return v.Err()
}

// LogOut marks the partner as offline.
type LogOut struct {
	LogoutTime time.Time `json:"logoutTime"`
}

// Validate implements eventserver.Validator.
func (c LogOut) Validate() error {
	v := eventserver.NewValidationError("")
	if c.LogoutTime.IsZero() {
		v.Add("logoutTime", "is required")
	}
	return v.Err()
}

// AddVideoConference links a booked conference to the partner.
type AddVideoConference struct {
	ConferenceID string `json:"conferenceId"`
}

// Validate implements eventserver.Validator.
func (c AddVideoConference) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("conferenceId", c.ConferenceID)
	return v.Err()
}

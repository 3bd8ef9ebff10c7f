package user

import (
	"net/mail"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/fortium/eventserver"
)

// Command types accepted by the user aggregate.
const (
	CreateUserCommand         = "CreateUser"
	UpdateProfileCommand      = "UpdateProfile"
	UpdateAddressCommand      = "UpdateAddress"
	UpdatePreferencesCommand  = "UpdatePreferences"
	UpdateThemeCommand        = "UpdateTheme"
	LogInCommand              = "LogIn"
	LogOutCommand             = "LogOut"
	AddVideoConferenceCommand = "AddVideoConference"
)

// Display themes.
const (
	ThemeLight  = "Light"
	ThemeDark   = "Dark"
	ThemeSystem = "System"
)

// NormalizeTheme returns the canonical spelling of theme. An empty theme
// means System.
func NormalizeTheme(theme string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(theme)) {
	case "", "system":
		return ThemeSystem, true
	case "light":
		return ThemeLight, true
	case "dark":
		return ThemeDark, true
	default:
		return "", false
	}
}

// CreateUser registers a user. EmailAddress defaults to the aggregate id.
type CreateUser struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	EmailAddress string `json:"emailAddress"`
}

// Validate implements eventserver.Validator.
func (c CreateUser) Validate() error {
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

// UpdateProfile replaces the profile fields.
type UpdateProfile struct {
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	PhoneNumber       string `json:"phoneNumber"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}

// Validate implements eventserver.Validator.
func (c UpdateProfile) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("firstName", c.FirstName)
	v.Require("lastName", c.LastName)
	if c.ProfilePictureURL != "" {
		if u, err := url.Parse(c.ProfilePictureURL); err != nil || !u.IsAbs() {
			v.Add("profilePictureUrl", "must be an absolute URL")
		}
	}
	return v.Err()
}

// UpdateAddress replaces the postal address.
type UpdateAddress struct {
	Street1 string `json:"street1"`
	Street2 string `json:"street2"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country"`
}

// Validate implements eventserver.Validator.
func (c UpdateAddress) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("street1", c.Street1)
	v.Require("city", c.City)
	v.Require("country", c.Country)
	return v.Err()
}

// UpdatePreferences replaces notification and display preferences.
type UpdatePreferences struct {
	EmailNotifications bool   `json:"emailNotifications"`
	SMSNotifications   bool   `json:"smsNotifications"`
	Language           string `json:"language"`
	TimeZone           string `json:"timeZone"`
	Theme              string `json:"theme"`
}

// Validate implements eventserver.Validator.
func (c UpdatePreferences) Validate() error {
	v := eventserver.NewValidationError("")
	if c.Language != "" {
		if _, err := language.Parse(c.Language); err != nil {
			v.Add("language", "is not a BCP 47 language tag")
		}
	}
	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			v.Add("timeZone", "is not a known time zone")
		}
	}
	if _, ok := NormalizeTheme(c.Theme); !ok {
		v.Add("theme", "must be one of Light, Dark, System")
	}
	return v.Err()
}

// UpdateTheme changes only the display theme.
type UpdateTheme struct {
	Theme string `json:"theme"`
}

// Validate implements eventserver.Validator.
func (c UpdateTheme) Validate() error {
	v := eventserver.NewValidationError("")
	if _, ok := NormalizeTheme(c.Theme); !ok || strings.TrimSpace(c.Theme) == "" {
		v.Add("theme", "must be one of Light, Dark, System")
	}
	return v.Err()
}

// LogIn marks the user as online.
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

// LogOut marks the user as offline.
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

// AddVideoConference links a booked conference to the user.
type AddVideoConference struct {
	ConferenceID string `json:"conferenceId"`
}

// Validate implements eventserver.Validator.
func (c AddVideoConference) Validate() error {
	v := eventserver.NewValidationError("")
	v.Require("conferenceId", c.ConferenceID)
	return v.Err()
}

// Package user implements the user aggregate: clients who book sessions
// with partners. User ids are email addresses.
package user

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/fortium/eventserver"
)

// AggregateType is the stream category of user streams.
const AggregateType = "user"

// Business rule violations.
var (
	ErrAlreadyExists   = eventserver.NewBusinessRuleError("User already exists")
	ErrDoesNotExist    = eventserver.NewBusinessRuleError("User does not exist")
	ErrAlreadyLoggedIn = eventserver.NewBusinessRuleError("User is already logged in")
	ErrNotLoggedIn     = eventserver.NewBusinessRuleError("User is not logged in")
)

// Address is a postal address.
type Address struct {
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zipCode,omitempty"`
	Country string `json:"country"`
}

// Preferences are the user's notification and display settings.
type Preferences struct {
	EmailNotifications bool   `json:"emailNotifications"`
	SMSNotifications   bool   `json:"smsNotifications"`
	Language           string `json:"language,omitempty"`
	TimeZone           string `json:"timeZone,omitempty"`
	Theme              string `json:"theme"`
}

// User is the reduced state of a user stream.
type User struct {
	FirstName         string
	LastName          string
	EmailAddress      string
	PhoneNumber       string
	ProfilePictureURL string
	Address           Address
	Preferences       Preferences
	LoggedIn          bool
	LastLogin         time.Time
	LastLogout        time.Time
	VideoConferences  []string
}

// Definition returns the user aggregate definition.
func Definition() *eventserver.Definition[User] {
	d := eventserver.NewDefinition(AggregateType, func() User {
		return User{Preferences: Preferences{Theme: ThemeSystem}}
	})

	eventserver.On(d, func(s User, e UserCreated, _ eventserver.Event) User {
		s.FirstName = e.FirstName
		s.LastName = e.LastName
		s.EmailAddress = e.EmailAddress
		return s
	})
	eventserver.On(d, func(s User, e UserProfileUpdated, _ eventserver.Event) User {
		s.FirstName = e.FirstName
		s.LastName = e.LastName
		s.PhoneNumber = e.PhoneNumber
		s.ProfilePictureURL = e.ProfilePictureURL
		return s
	})
	eventserver.On(d, func(s User, e UserAddressUpdated, _ eventserver.Event) User {
		s.Address = Address(e)
		return s
	})
	eventserver.On(d, func(s User, e UserPreferencesUpdated, _ eventserver.Event) User {
		s.Preferences = Preferences(e)
		return s
	})
	eventserver.On(d, func(s User, e UserThemeUpdated, _ eventserver.Event) User {
		s.Preferences.Theme = e.Theme
		return s
	})
	eventserver.On(d, func(s User, e UserLoggedIn, _ eventserver.Event) User {
		s.LoggedIn = true
		s.LastLogin = e.LoginTime
		return s
	})
	eventserver.On(d, func(s User, e UserLoggedOut, _ eventserver.Event) User {
		s.LoggedIn = false
		s.LastLogout = e.LogoutTime
		return s
	})
	eventserver.On(d, func(s User, e UserVideoConferenceAdded, _ eventserver.Event) User {
		s.VideoConferences = append(slices.Clip(s.VideoConferences), e.ConferenceID)
		return s
	})

	eventserver.Handle(d, CreateUserCommand, createUser)
	eventserver.Handle(d, UpdateProfileCommand, updateProfile)
	eventserver.Handle(d, UpdateAddressCommand, updateAddress)
	eventserver.Handle(d, UpdatePreferencesCommand, updatePreferences)
	eventserver.Handle(d, UpdateThemeCommand, updateTheme)
	eventserver.Handle(d, LogInCommand, logIn)
	eventserver.Handle(d, LogOutCommand, logOut)
	eventserver.Handle(d, AddVideoConferenceCommand, addVideoConference)

	d.DeclareEvents(
		UserCreated{},
		UserProfileUpdated{},
		UserAddressUpdated{},
		UserPreferencesUpdated{},
		UserThemeUpdated{},
		UserLoggedIn{},
		UserLoggedOut{},
		UserVideoConferenceAdded{},
	)
	d.DeclareCommands(
		CreateUserCommand,
		UpdateProfileCommand,
		UpdateAddressCommand,
		UpdatePreferencesCommand,
		UpdateThemeCommand,
		LogInCommand,
		LogOutCommand,
		AddVideoConferenceCommand,
	)
	return d
}

type state = eventserver.AggregateState[User]

func createUser(s state, c CreateUser) ([]eventserver.EventData, error) {
	if s.Exists() {
		return nil, ErrAlreadyExists
	}
	email := strings.TrimSpace(c.EmailAddress)
	if email == "" {
		email = s.ID
	}
	if !strings.EqualFold(email, s.ID) {
		v := eventserver.NewValidationError(CreateUserCommand)
		v.Add("emailAddress", "must match the user id")
		return nil, v
	}
	return eventserver.Events(UserCreated{
		FirstName:    strings.TrimSpace(c.FirstName),
		LastName:     strings.TrimSpace(c.LastName),
		EmailAddress: email,
	}), nil
}

func updateProfile(s state, c UpdateProfile) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	return eventserver.Events(UserProfileUpdated(c)), nil
}

func updateAddress(s state, c UpdateAddress) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	return eventserver.Events(UserAddressUpdated(c)), nil
}

func updatePreferences(s state, c UpdatePreferences) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	theme, _ := NormalizeTheme(c.Theme)
	lang := c.Language
	if lang != "" {
		lang = language.Make(lang).String()
	}
	return eventserver.Events(UserPreferencesUpdated{
		EmailNotifications: c.EmailNotifications,
		SMSNotifications:   c.SMSNotifications,
		Language:           lang,
		TimeZone:           c.TimeZone,
		Theme:              theme,
	}), nil
}

func updateTheme(s state, c UpdateTheme) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	theme, _ := NormalizeTheme(c.Theme)
	if s.Data.Preferences.Theme == theme {
		return nil, nil
	}
	return eventserver.Events(UserThemeUpdated{Theme: theme}), nil
}

func logIn(s state, c LogIn) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if s.Data.LoggedIn {
		return nil, ErrAlreadyLoggedIn
	}
	return eventserver.Events(UserLoggedIn(c)), nil
}

func logOut(s state, c LogOut) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if !s.Data.LoggedIn {
		return nil, ErrNotLoggedIn
	}
	return eventserver.Events(UserLoggedOut(c)), nil
}

func addVideoConference(s state, c AddVideoConference) ([]eventserver.EventData, error) {
	if !s.Exists() {
		return nil, ErrDoesNotExist
	}
	if slices.Contains(s.Data.VideoConferences, c.ConferenceID) {
		return nil, nil
	}
	return eventserver.Events(UserVideoConferenceAdded(c)), nil
}

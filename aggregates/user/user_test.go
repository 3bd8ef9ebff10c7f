package user

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/testing/bdd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ana = "ana@x.com"

var created = UserCreated{FirstName: "Ana", LastName: "Silva", EmailAddress: ana}

func TestDefinition_IsComplete(t *testing.T) {
	require.NoError(t, Definition().Validate())
}

func TestCreateUser(t *testing.T) {
	t.Run("creates user", func(t *testing.T) {
		bdd.Given(t, Definition(), ana).
			When(CreateUserCommand, CreateUser{FirstName: "Ana", LastName: "Silva", EmailAddress: ana}).
			Then(created)
	})

	t.Run("rejects existing user", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(CreateUserCommand, CreateUser{FirstName: "Ana", LastName: "Silva"}).
			ThenRuleViolated("User already exists")
	})

	t.Run("requires names", func(t *testing.T) {
		bdd.Given(t, Definition(), ana).
			When(CreateUserCommand, CreateUser{}).
			ThenInvalid("firstName", "lastName")
	})
}

func TestUpdateProfileAndAddress(t *testing.T) {
	t.Run("profile", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(UpdateProfileCommand, UpdateProfile{FirstName: "Ana", LastName: "Costa", PhoneNumber: "555"}).
			Then(UserProfileUpdated{FirstName: "Ana", LastName: "Costa", PhoneNumber: "555"})
	})

	t.Run("profile picture must be absolute", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(UpdateProfileCommand, UpdateProfile{FirstName: "Ana", LastName: "Costa", ProfilePictureURL: "me.png"}).
			ThenInvalid("profilePictureUrl")
	})

	t.Run("address requires street, city and country", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(UpdateAddressCommand, UpdateAddress{}).
			ThenInvalid("street1", "city", "country")
	})

	t.Run("address requires user", func(t *testing.T) {
		bdd.Given(t, Definition(), ana).
			When(UpdateAddressCommand, UpdateAddress{Street1: "1 Main", City: "Austin", Country: "US"}).
			ThenRuleViolated("User does not exist")
	})
}

func TestPreferences(t *testing.T) {
	t.Run("canonicalizes language and theme", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(UpdatePreferencesCommand, UpdatePreferences{EmailNotifications: true, Language: "en-us", TimeZone: "UTC", Theme: "dark"}).
			Then(UserPreferencesUpdated{EmailNotifications: true, Language: "en-US", TimeZone: "UTC", Theme: ThemeDark})
	})

	t.Run("rejects bad language, zone and theme", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(UpdatePreferencesCommand, UpdatePreferences{Language: "not a tag!", TimeZone: "Mars/Olympus", Theme: "Neon"}).
			ThenInvalid("language", "timeZone", "theme")
	})
}

func TestUpdateTheme(t *testing.T) {
	t.Run("changes theme", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(UpdateThemeCommand, UpdateTheme{Theme: "Light"}).
			Then(UserThemeUpdated{Theme: ThemeLight})
	})

	t.Run("same theme is a no-op", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created, UserThemeUpdated{Theme: ThemeDark}).
			When(UpdateThemeCommand, UpdateTheme{Theme: "dark"}).
			ThenNoEvents()
	})

	t.Run("initial theme is System", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(UpdateThemeCommand, UpdateTheme{Theme: "System"}).
			ThenNoEvents()
	})

	t.Run("theme required", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(UpdateThemeCommand, UpdateTheme{}).
			ThenInvalid("theme")
	})
}

func TestSession(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("log in then out", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created, UserLoggedIn{LoginTime: at}).
			When(LogOutCommand, LogOut{LogoutTime: at.Add(time.Hour)}).
			ThenState(func(s eventserver.AggregateState[User]) {
				assert.False(t, s.Data.LoggedIn)
				assert.Equal(t, at.Add(time.Hour), s.Data.LastLogout)
			})
	})

	t.Run("already logged in", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created, UserLoggedIn{LoginTime: at}).
			When(LogInCommand, LogIn{LoginTime: at}).
			ThenRuleViolated("User is already logged in")
	})

	t.Run("not logged in", func(t *testing.T) {
		bdd.Given(t, Definition(), ana, created).
			When(LogOutCommand, LogOut{LogoutTime: at}).
			ThenRuleViolated("User is not logged in")
	})
}

func TestAddVideoConference(t *testing.T) {
	bdd.Given(t, Definition(), ana, created, UserVideoConferenceAdded{ConferenceID: "c-1"}).
		When(AddVideoConferenceCommand, AddVideoConference{ConferenceID: "c-1"}).
		ThenNoEvents()

	bdd.Given(t, Definition(), ana, created).
		When(AddVideoConferenceCommand, AddVideoConference{ConferenceID: "c-2"}).
		Then(UserVideoConferenceAdded{ConferenceID: "c-2"})
}

func TestProjection(t *testing.T) {
	p := Projection()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	stream := eventserver.BuildStreamID(AggregateType, ana)

	var doc []byte
	for i, data := range []interface{}{created, UserThemeUpdated{Theme: ThemeDark}, UserVideoConferenceAdded{ConferenceID: "c-1"}} {
		e := eventserver.Event{
			StreamID:    stream,
			Type:        eventserver.GetEventType(data),
			Sequence:    int64(i + 1),
			Data:        data,
			CommittedAt: at,
		}
		key, ok := p.Key(e)
		require.True(t, ok)
		assert.Equal(t, ana, key)

		var err error
		doc, err = p.Apply(doc, e)
		require.NoError(t, err)
	}

	var d Document
	require.NoError(t, json.Unmarshal(doc, &d))
	assert.Equal(t, "Ana", d.FirstName)
	assert.Equal(t, ThemeDark, d.Preferences.Theme)
	assert.Equal(t, []string{"c-1"}, d.VideoConferences)
}

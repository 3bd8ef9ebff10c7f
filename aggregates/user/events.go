package user

import "time"

// UserCreated is the first event of every user stream.
type UserCreated struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	EmailAddress string `json:"emailAddress"`
}

// UserProfileUpdated replaces the profile fields.
type UserProfileUpdated struct {
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	PhoneNumber       string `json:"phoneNumber"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}

// UserAddressUpdated replaces the postal address.
type UserAddressUpdated struct {
	Street1 string `json:"street1"`
	Street2 string `json:"street2"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country"`
}

// UserPreferencesUpdated replaces notification and display preferences.
type UserPreferencesUpdated struct {
	EmailNotifications bool   `json:"emailNotifications"`
	SMSNotifications   bool   `json:"smsNotifications"`
	Language           string `json:"language"`
	TimeZone           string `json:"timeZone"`
	Theme              string `json:"theme"`
}

// UserThemeUpdated changes only the display theme.
type UserThemeUpdated struct {
	Theme string `json:"theme"`
}

// UserLoggedIn marks the user as online.
type UserLoggedIn struct {
	LoginTime time.Time `json:"loginTime"`
}

// UserLoggedOut marks the user as offline.
type UserLoggedOut struct {
	LogoutTime time.Time `json:"logoutTime"`
}

// UserVideoConferenceAdded links a booked conference to the user.
type UserVideoConferenceAdded struct {
	ConferenceID string `json:"conferenceId"`
}

package partner

import "time"

// PartnerCreated is the first event of every partner stream.
type PartnerCreated struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	EmailAddress string `json:"emailAddress"`
}

// PartnerSkillAdded records a new skill.
type PartnerSkillAdded struct {
	Skill             string `json:"skill"`
	YearsOfExperience int    `json:"yearsOfExperience"`
	ExperienceLevel   string `json:"experienceLevel"`
}

// PartnerBioUpdated replaces the biography.
type PartnerBioUpdated struct {
	Bio string `json:"bio"`
}

// PartnerPrimaryPhoneSet replaces the primary phone number.
type PartnerPrimaryPhoneSet struct {
	PrimaryPhone string `json:"primaryPhone"`
}

// PartnerPhotoUrlSet replaces the profile photo.
type PartnerPhotoUrlSet struct {
	PhotoURL string `json:"photoUrl"`
}

// PartnerDetailsSet replaces title and location.
type PartnerDetailsSet struct {
	Title   string `json:"title"`
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country"`
}

// PartnerWorkExperienceAdded appends an entry to the work history.
type PartnerWorkExperienceAdded struct {
	StartDate   time.Time  `json:"startDate"`
	EndDate     *time.Time `json:"endDate,omitempty"`
	CompanyName string     `json:"companyName"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
}

// PartnerLoggedIn marks the partner as online.
type PartnerLoggedIn struct {
	LoginTime time.Time `json:"loginTime"`
}

// PartnerLoggedOut marks the partner as offline.
type PartnerLoggedOut struct {
	LogoutTime time.Time `json:"logoutTime"`
}

// PartnerVideoConferenceAdded links a booked conference to the partner.
type PartnerVideoConferenceAdded struct {
	ConferenceID string `json:"conferenceId"`
}

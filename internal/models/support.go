package models

import "time"

// Support person tiers
const (
	TierCore     = "core"
	TierExtended = "extended"
)

// SupportPerson is someone in the user's support network.
type SupportPerson struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Relationship  string `json:"relationship"`
	ContactMethod string `json:"contact_method"` // "phone", "text", "email", "in_person"
	ContactInfo   string `json:"contact_info,omitempty"`
	Tier          string `json:"tier"` // core | extended
	NotifyInCrisis bool  `json:"notify_in_crisis"`
}

// EmergencyContact is a crisis-line style contact, kept separate from the
// personal network.
type EmergencyContact struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Description string `json:"description,omitempty"`
	Available   string `json:"available,omitempty"` // e.g. "24/7"
}

// SupportNetwork is the singleton support snapshot. Mutated by explicit
// user edits only.
type SupportNetwork struct {
	People            []SupportPerson    `json:"people"`
	EmergencyContacts []EmergencyContact `json:"emergency_contacts"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

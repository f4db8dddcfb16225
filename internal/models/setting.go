package models

import "time"

// AppSettings is the singleton settings record. No history kept.
type AppSettings struct {
	Theme string `json:"theme"` // "light", "dark", "system"

	// IncludeNamesInContext controls whether support-network names are sent
	// to the model as part of assembled context.
	IncludeNamesInContext bool `json:"include_names_in_context"`

	AutoLockMinutes int       `json:"auto_lock_minutes"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultSettings returns the settings for a fresh vault.
func DefaultSettings() AppSettings {
	return AppSettings{
		Theme:                 "system",
		IncludeNamesInContext: false,
		AutoLockMinutes:       15,
		UpdatedAt:             time.Now(),
	}
}

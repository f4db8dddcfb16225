package models

import "time"

// UserProfile is the singleton per-vault profile. Overwritten, not versioned.
type UserProfile struct {
	DisplayName        string    `json:"display_name"`
	RecoveryPhilosophy string    `json:"recovery_philosophy"` // e.g. "abstinence", "moderation", "harm_reduction"
	RecoveryStage      string    `json:"recovery_stage"`      // e.g. "contemplation", "action", "maintenance"
	UsagePattern       string    `json:"usage_pattern"`
	Commitment         string    `json:"commitment"` // user's commitment statement
	SobrietyStartDate  string    `json:"sobriety_start_date,omitempty"` // YYYY-MM-DD
	OnboardingComplete bool      `json:"onboarding_complete"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

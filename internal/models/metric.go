package models

import "time"

// DailyMetric is one check-in record per calendar date. Saving a metric for
// an existing date overwrites it, at most one record per date.
type DailyMetric struct {
	Date              string `json:"date"` // YYYY-MM-DD, natural key
	Mood              int    `json:"mood"` // 1-10
	SobrietyMaintained bool  `json:"sobriety_maintained"`

	// Habit flags
	Exercise   bool `json:"exercise"`
	Meditation bool `json:"meditation"`
	Study      bool `json:"study"`
	Social     bool `json:"social"`
	Sleep8h    bool `json:"sleep_8h"`

	// Optional intensities (0 = not reported)
	CravingIntensity int `json:"craving_intensity,omitempty"` // 0-10
	SleepQuality     int `json:"sleep_quality,omitempty"`     // 0-10
	AnxietyLevel     int `json:"anxiety_level,omitempty"`     // 0-10

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

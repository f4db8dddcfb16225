package models

import "time"

// EmotionalStateNoActivity marks a carry-forward memory written for a window
// with no chat, journal, or check-in activity.
const EmotionalStateNoActivity = "no_activity"

// DailyMemory is the output of the extraction pipeline: a structured digest
// of the user's activity over [CoveringFrom, CoveringTo). At most one per
// calendar day, never mutated after creation; a newer day supersedes it as
// "latest".
type DailyMemory struct {
	Date         string `json:"date"`          // YYYY-MM-DD, natural key
	CoveringFrom string `json:"covering_from"` // YYYY-MM-DD inclusive
	CoveringTo   string `json:"covering_to"`   // YYYY-MM-DD exclusive

	// Narrative summaries; nil when the model had nothing to say for the
	// category.
	ConversationSummary *string `json:"conversation_summary,omitempty"`
	JournalSummary      *string `json:"journal_summary,omitempty"`
	CheckinSummary      *string `json:"checkin_summary,omitempty"`

	// UserFacts is the authoritative replacement set, not an append log.
	UserFacts []string `json:"user_facts"`

	FollowUps       []string `json:"follow_ups,omitempty"`
	EmotionalState  string   `json:"emotional_state"`
	NotablePatterns []string `json:"notable_patterns,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ExtractedMemoryFromLLM is the strict JSON shape the extraction model must
// return. Anything that doesn't unmarshal into this is rejected.
type ExtractedMemoryFromLLM struct {
	ConversationSummary *string  `json:"conversation_summary"`
	JournalSummary      *string  `json:"journal_summary"`
	CheckinSummary      *string  `json:"checkin_summary"`
	UserFacts           []string `json:"user_facts"`
	FollowUps           []string `json:"follow_ups"`
	EmotionalState      string   `json:"emotional_state"`
	NotablePatterns     []string `json:"notable_patterns"`
}

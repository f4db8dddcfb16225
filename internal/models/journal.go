package models

import "time"

// JournalEntry is timestamped free text with semantic tags. Append-mostly.
type JournalEntry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Sentiment string    `json:"sentiment,omitempty"` // "positive", "neutral", "negative"
	CreatedAt time.Time `json:"created_at"`
}

// Journal tag vocabulary. Tags outside this set are dropped on save.
const (
	TagCraving    = "craving"
	TagTrigger    = "trigger"
	TagGratitude  = "gratitude"
	TagMilestone  = "milestone"
	TagRelapse    = "relapse"
	TagRelation   = "relationships"
	TagWork       = "work"
	TagHealth     = "health"
	TagTherapy    = "therapy"
	TagReflection = "reflection"
)

// JournalTagVocabulary is the fixed set of allowed tags.
var JournalTagVocabulary = map[string]bool{
	TagCraving:    true,
	TagTrigger:    true,
	TagGratitude:  true,
	TagMilestone:  true,
	TagRelapse:    true,
	TagRelation:   true,
	TagWork:       true,
	TagHealth:     true,
	TagTherapy:    true,
	TagReflection: true,
}

// FilterJournalTags keeps only tags from the fixed vocabulary.
func FilterJournalTags(tags []string) []string {
	var out []string
	for _, tag := range tags {
		if JournalTagVocabulary[tag] {
			out = append(out, tag)
		}
	}
	return out
}

package services

import "strings"

// Crisis levels in increasing severity. Every assessed message lands on
// exactly one level; monitor is the quiet default.
type CrisisLevel string

const (
	CrisisMonitor   CrisisLevel = "monitor"
	CrisisConcern   CrisisLevel = "concern"
	CrisisUrgent    CrisisLevel = "urgent"
	CrisisEmergency CrisisLevel = "emergency"
)

var crisisRank = map[CrisisLevel]int{
	CrisisMonitor:   0,
	CrisisConcern:   1,
	CrisisUrgent:    2,
	CrisisEmergency: 3,
}

// AtLeast reports whether l is at or above the given severity.
func (l CrisisLevel) AtLeast(other CrisisLevel) bool {
	return crisisRank[l] >= crisisRank[other]
}

// Actions the chat flow takes on an assessment.
const (
	ActionProceed       = "proceed"        // send as-is
	ActionInjectContext = "inject_context" // send, with a crisis note in context
	ActionBlock         = "block"          // do not send; show support resources
)

// Assessment is the result of screening one user message.
type Assessment struct {
	Level             CrisisLevel
	RecommendedAction string
}

// CrisisAssessor screens a user message before it reaches the model.
// Implementations must be fast and must never call out to the network: the
// assessment gates whether the message is sent at all.
type CrisisAssessor interface {
	Assess(message string) Assessment
}

// KeywordAssessor is the default assessor: ordered phrase lists checked from
// most to least severe. Deliberately over-sensitive: a false emergency shows
// the user their support resources, a missed one is much worse.
type KeywordAssessor struct{}

// NewKeywordAssessor returns the default phrase-based assessor.
func NewKeywordAssessor() *KeywordAssessor {
	return &KeywordAssessor{}
}

var emergencyPhrases = []string{
	"kill myself",
	"end my life",
	"end it all",
	"suicide",
	"suicidal",
	"don't want to live",
	"dont want to live",
	"want to die",
	"better off dead",
	"hurt myself",
	"harm myself",
	"self harm",
	"self-harm",
	"overdose",
	"no reason to live",
}

var urgentPhrases = []string{
	"about to use",
	"about to drink",
	"about to relapse",
	"going to use",
	"going to drink",
	"going to relapse",
	"bought some",
	"just bought",
	"dealer",
	"can't stop myself",
	"cant stop myself",
	"on my way to get",
	"relapsing right now",
}

var concernPhrases = []string{
	"craving",
	"cravings",
	"tempted",
	"temptation",
	"urge to",
	"urges",
	"really struggling",
	"want to use",
	"want to drink",
	"want a drink",
	"thinking about using",
	"thinking about drinking",
	"triggered",
	"white knuckling",
	"hopeless",
	"worthless",
	"can't cope",
	"cant cope",
}

// Assess checks the message against phrase lists, most severe first.
func (a *KeywordAssessor) Assess(message string) Assessment {
	normalized := strings.ToLower(message)

	level := CrisisMonitor
	switch {
	case containsAny(normalized, emergencyPhrases):
		level = CrisisEmergency
	case containsAny(normalized, urgentPhrases):
		level = CrisisUrgent
	case containsAny(normalized, concernPhrases):
		level = CrisisConcern
	}

	return Assessment{Level: level, RecommendedAction: actionFor(level)}
}

func containsAny(s string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}

func actionFor(level CrisisLevel) string {
	switch level {
	case CrisisEmergency:
		return ActionBlock
	case CrisisUrgent, CrisisConcern:
		return ActionInjectContext
	default:
		return ActionProceed
	}
}

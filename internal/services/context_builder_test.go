package services

import (
	"errors"
	"strings"
	"testing"
	"time"

	"recoverylm/internal/models"
)

func strPtr(s string) *string { return &s }

func newBuilder(session *VaultSession, insights InsightsProvider, guidance GuidanceProvider) *ContextBuilder {
	return NewContextBuilder(session, insights, guidance, 14, 3, 5)
}

type stubInsights struct {
	text string
	err  error
}

func (s stubInsights) RecentInsights() (string, error) { return s.text, s.err }

type stubGuidance struct{ text string }

func (s stubGuidance) ActiveGuidance() (string, error) { return s.text, nil }

// TestContextGreetingAssembly composes every section that has data
func TestContextGreetingAssembly(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")

	if err := session.SaveProfile(&models.UserProfile{
		DisplayName:        "Sam",
		RecoveryPhilosophy: "abstinence",
		SobrietyStartDate:  "2026-03-01",
	}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := session.SaveMetric(&models.DailyMetric{
		Date: time.Now().Format(dateLayout), Mood: 7, SobrietyMaintained: true, Notes: "good walk",
	}); err != nil {
		t.Fatalf("SaveMetric failed: %v", err)
	}
	if _, err := session.SaveMemoryIfAbsent(&models.DailyMemory{
		Date:                time.Now().Format(dateLayout),
		CoveringFrom:        "2026-08-29",
		CoveringTo:          time.Now().Format(dateLayout),
		ConversationSummary: strPtr("Talked about work stress."),
		UserFacts:           []string{"Works night shifts"},
		FollowUps:           []string{"Ask about the new schedule"},
		EmotionalState:      "steady",
	}); err != nil {
		t.Fatalf("Seeding memory failed: %v", err)
	}

	builder := newBuilder(session, stubInsights{text: "Completed 3 breathing exercises this week."}, stubGuidance{text: "Focus on sleep routines."})
	window := builder.Build(ContextGreeting, "", "")

	for _, want := range []string{
		"recovery companion",      // system instruction
		"breathing_exercise",      // widget catalog
		"Name: Sam",               // profile
		"Works night shifts",      // facts
		"Talked about work stress", // memory narrative
		"Ask about the new schedule", // follow-ups
		"mood 7/10",               // metrics
		"good walk",               // metric notes
		"breathing exercises",     // insights
		"sleep routines",          // guidance
	} {
		if !strings.Contains(window.System, want) {
			t.Errorf("System prompt missing %q", want)
		}
	}
	if len(window.Messages) != 0 {
		t.Errorf("Greeting context should carry no transcript, got %d messages", len(window.Messages))
	}
}

// TestContextOngoingTranscript includes the session history in order
func TestContextOngoingTranscript(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	sid := session.NewChatSession()
	for _, content := range []string{"first", "second", "third"} {
		msg := &models.ChatMessage{SessionID: sid, Role: models.RoleUser, Content: content}
		if err := session.AppendChatMessage(msg); err != nil {
			t.Fatalf("AppendChatMessage failed: %v", err)
		}
	}

	window := newBuilder(session, nil, nil).Build(ContextOngoing, sid, "")
	if len(window.Messages) != 3 {
		t.Fatalf("Expected 3 transcript messages, got %d", len(window.Messages))
	}
	if window.Messages[0].Content != "first" || window.Messages[2].Content != "third" {
		t.Errorf("Transcript out of order: %+v", window.Messages)
	}
}

// TestContextCrisisNote injects the screening note for ongoing requests
func TestContextCrisisNote(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	sid := session.NewChatSession()

	note := "The user's current message shows urgent relapse risk. Respond with immediate, concrete support."
	window := newBuilder(session, nil, nil).Build(ContextOngoing, sid, note)
	if !strings.Contains(window.System, note) {
		t.Error("Crisis note should appear in the system prompt")
	}

	clean := newBuilder(session, nil, nil).Build(ContextOngoing, sid, "")
	if strings.Contains(clean.System, "message screening") {
		t.Error("No screening section expected without a note")
	}
}

// TestContextPrivacyToggle keeps support names out unless opted in
func TestContextPrivacyToggle(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")

	if err := session.SaveSupportNetwork(&models.SupportNetwork{
		People: []models.SupportPerson{{Name: "Alex", Relationship: "sister", Tier: models.TierCore}},
	}); err != nil {
		t.Fatalf("SaveSupportNetwork failed: %v", err)
	}
	// Memories must exist for the knowledge section to render support.
	if _, err := session.SaveMemoryIfAbsent(&models.DailyMemory{
		Date: time.Now().Format(dateLayout), CoveringFrom: "2026-08-29",
		CoveringTo: time.Now().Format(dateLayout), EmotionalState: "steady",
	}); err != nil {
		t.Fatalf("Seeding memory failed: %v", err)
	}

	window := newBuilder(session, nil, nil).Build(ContextGreeting, "", "")
	if strings.Contains(window.System, "Alex") {
		t.Error("Names must stay out of context by default")
	}
	if !strings.Contains(window.System, "sister") {
		t.Error("Relationship should still be described")
	}

	settings, _ := session.GetSettings()
	settings.IncludeNamesInContext = true
	if err := session.SaveSettings(settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	window = newBuilder(session, nil, nil).Build(ContextGreeting, "", "")
	if !strings.Contains(window.System, "Alex") {
		t.Error("Names should appear after opt-in")
	}
}

// TestContextGracefulDegradation still produces a usable prompt when every
// fetch fails (vault locked) or a collaborator errors
func TestContextGracefulDegradation(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	session.Lock()

	builder := newBuilder(session, stubInsights{err: errors.New("insights store down")}, nil)
	window := builder.Build(ContextOngoing, "sess-x", "")
	if window == nil {
		t.Fatal("Build must never return nil")
	}
	if !strings.Contains(window.System, "recovery companion") {
		t.Error("Base system instruction must survive total fetch failure")
	}
	if strings.Contains(window.System, "What you know") {
		t.Error("No knowledge section expected when nothing could be read")
	}
}

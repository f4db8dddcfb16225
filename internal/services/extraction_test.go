package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"

	"recoverylm/internal/config"
	"recoverylm/internal/models"
)

// fakeLLM serves an OpenAI-style completions endpoint whose reply content is
// produced by respond, and counts calls.
type fakeLLM struct {
	server  *httptest.Server
	client  *LLMClient
	calls   int
	respond func() string
}

func newFakeLLM(t *testing.T, respond func() string) *fakeLLM {
	t.Helper()
	f := &fakeLLM{respond: respond}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": f.respond()}},
			},
		})
	}))
	t.Cleanup(f.server.Close)

	f.client = NewLLMClient(&config.Config{
		LLMBaseURL:   f.server.URL,
		ChatModel:    "test-model",
		ExtractModel: "test-model",
		DataDir:      t.TempDir(),
	})
	t.Cleanup(f.client.Close)
	return f
}

func validExtractionJSON() string {
	return `{
		"conversation_summary": "Talked through an evening craving and used a breathing exercise.",
		"journal_summary": null,
		"checkin_summary": "Mood steady around 6.",
		"user_facts": ["Trigger: walking past the old bar", "Uses breathing exercises"],
		"follow_ups": ["Ask how the work deadline went"],
		"emotional_state": "hopeful",
		"notable_patterns": ["Evenings are the hardest"]
	}`
}

// seedActivity writes one chat exchange into a fresh session.
func seedActivity(t *testing.T, session *VaultSession) {
	t.Helper()
	sid := session.NewChatSession()
	for _, m := range []models.ChatMessage{
		{SessionID: sid, Role: models.RoleUser, Content: "rough evening, craving hit hard"},
		{SessionID: sid, Role: models.RoleAssistant, Content: "let's slow down together"},
	} {
		msg := m
		if err := session.AppendChatMessage(&msg); err != nil {
			t.Fatalf("AppendChatMessage failed: %v", err)
		}
	}
}

// TestExtractionFirstRunNoActivity verifies the first-ever run with an empty
// vault writes nothing
func TestExtractionFirstRunNoActivity(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	llm := newFakeLLM(t, validExtractionJSON)
	pipeline := NewExtractionPipeline(session, llm.client)

	err := pipeline.RunIfNeeded(context.Background())
	if !errors.Is(err, ErrExtractionSkipped) {
		t.Fatalf("Expected skip on empty first run, got: %v", err)
	}
	if llm.calls != 0 {
		t.Errorf("LLM should not be called for an empty window, got %d calls", llm.calls)
	}
	memory, err := session.LatestMemory()
	if err != nil {
		t.Fatalf("LatestMemory failed: %v", err)
	}
	if memory != nil {
		t.Errorf("No memory should exist, got %+v", memory)
	}
}

// TestExtractionHappyPath extracts today's activity into a memory
func TestExtractionHappyPath(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	seedActivity(t, session)
	llm := newFakeLLM(t, validExtractionJSON)
	pipeline := NewExtractionPipeline(session, llm.client)

	if err := pipeline.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("RunIfNeeded failed: %v", err)
	}
	if llm.calls != 1 {
		t.Errorf("Expected exactly one LLM call, got %d", llm.calls)
	}

	memory, err := session.LatestMemory()
	if err != nil {
		t.Fatalf("LatestMemory failed: %v", err)
	}
	if memory == nil {
		t.Fatal("Expected a memory to be written")
	}
	today := time.Now().Format(dateLayout)
	if memory.Date != today || memory.CoveringTo != today {
		t.Errorf("Unexpected window: %+v", memory)
	}
	if memory.EmotionalState != "hopeful" {
		t.Errorf("Expected parsed emotional state, got %q", memory.EmotionalState)
	}
	if len(memory.UserFacts) != 2 {
		t.Errorf("Expected 2 facts, got %v", memory.UserFacts)
	}
	if memory.ConversationSummary == nil {
		t.Error("Expected a conversation summary")
	}
	if memory.JournalSummary != nil {
		t.Errorf("Null summary should stay nil, got %v", *memory.JournalSummary)
	}
}

// TestExtractionIdempotentSameDay verifies one memory per day
func TestExtractionIdempotentSameDay(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	seedActivity(t, session)
	llm := newFakeLLM(t, validExtractionJSON)
	pipeline := NewExtractionPipeline(session, llm.client)

	if err := pipeline.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if err := pipeline.RunIfNeeded(context.Background()); !errors.Is(err, ErrExtractionSkipped) {
		t.Fatalf("Second run should skip, got: %v", err)
	}
	if llm.calls != 1 {
		t.Errorf("Second run must not call the LLM, got %d calls", llm.calls)
	}

	memories, err := session.RecentMemories(10)
	if err != nil {
		t.Fatalf("RecentMemories failed: %v", err)
	}
	if len(memories) != 1 {
		t.Errorf("Expected exactly one memory, got %d", len(memories))
	}
}

// TestExtractionCarryForward writes a no-activity memory that keeps facts
func TestExtractionCarryForward(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	llm := newFakeLLM(t, validExtractionJSON)
	pipeline := NewExtractionPipeline(session, llm.client)

	yesterday := time.Now().AddDate(0, 0, -1).Format(dateLayout)
	facts := []string{"Sober since March", "Sister is core support"}
	if _, err := session.SaveMemoryIfAbsent(&models.DailyMemory{
		Date:           yesterday,
		CoveringFrom:   yesterday,
		CoveringTo:     yesterday,
		UserFacts:      facts,
		EmotionalState: "calm",
	}); err != nil {
		t.Fatalf("Seeding memory failed: %v", err)
	}

	if err := pipeline.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("RunIfNeeded failed: %v", err)
	}
	if llm.calls != 0 {
		t.Errorf("Carry-forward must not call the LLM, got %d calls", llm.calls)
	}

	memory, err := session.LatestMemory()
	if err != nil {
		t.Fatalf("LatestMemory failed: %v", err)
	}
	today := time.Now().Format(dateLayout)
	if memory == nil || memory.Date != today {
		t.Fatalf("Expected today's carry-forward memory, got %+v", memory)
	}
	if memory.EmotionalState != models.EmotionalStateNoActivity {
		t.Errorf("Expected no-activity label, got %q", memory.EmotionalState)
	}
	if len(memory.UserFacts) != len(facts) || memory.UserFacts[0] != facts[0] {
		t.Errorf("Facts should carry forward unchanged: %v", memory.UserFacts)
	}
	if memory.CoveringFrom != yesterday {
		t.Errorf("Window should start at previous coveringTo, got %s", memory.CoveringFrom)
	}
}

// TestExtractionMalformedResponse aborts without advancing the checkpoint,
// then succeeds on retry with a good response
func TestExtractionMalformedResponse(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	seedActivity(t, session)

	response := "I think the user had a rough day!" // not JSON
	llm := newFakeLLM(t, func() string { return response })
	pipeline := NewExtractionPipeline(session, llm.client)

	err := pipeline.RunIfNeeded(context.Background())
	if err == nil || errors.Is(err, ErrExtractionSkipped) {
		t.Fatalf("Malformed response should fail the run, got: %v", err)
	}
	memory, _ := session.LatestMemory()
	if memory != nil {
		t.Fatalf("Failed run must not write a memory, got %+v", memory)
	}

	// Same window retries cleanly once the model behaves.
	response = validExtractionJSON()
	if err := pipeline.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("Retry should succeed: %v", err)
	}
	memory, _ = session.LatestMemory()
	if memory == nil {
		t.Fatal("Retry should have written a memory")
	}
}

// TestExtractionFactsFallback keeps previous facts when the model omits them
func TestExtractionFactsFallback(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	seedActivity(t, session)

	yesterday := time.Now().AddDate(0, 0, -1).Format(dateLayout)
	previous := []string{"Runs in the mornings"}
	if _, err := session.SaveMemoryIfAbsent(&models.DailyMemory{
		Date:           yesterday,
		CoveringFrom:   yesterday,
		CoveringTo:     yesterday,
		UserFacts:      previous,
		EmotionalState: "calm",
	}); err != nil {
		t.Fatalf("Seeding memory failed: %v", err)
	}

	llm := newFakeLLM(t, func() string {
		return `{"conversation_summary": "brief chat", "emotional_state": "flat"}`
	})
	pipeline := NewExtractionPipeline(session, llm.client)

	if err := pipeline.RunIfNeeded(context.Background()); err != nil {
		t.Fatalf("RunIfNeeded failed: %v", err)
	}
	memory, _ := session.LatestMemory()
	if memory == nil {
		t.Fatal("Expected a memory")
	}
	if len(memory.UserFacts) != 1 || memory.UserFacts[0] != previous[0] {
		t.Errorf("Omitted facts should fall back to previous set, got %v", memory.UserFacts)
	}
}

// TestExtractionVaultLocked aborts harmlessly when the vault locks
func TestExtractionVaultLocked(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	seedActivity(t, session)
	session.Lock()

	llm := newFakeLLM(t, validExtractionJSON)
	pipeline := NewExtractionPipeline(session, llm.client)

	if err := pipeline.RunIfNeeded(context.Background()); !errors.Is(err, ErrExtractionSkipped) {
		t.Fatalf("Locked vault should skip extraction, got: %v", err)
	}
	if llm.calls != 0 {
		t.Errorf("Locked vault must not reach the LLM, got %d calls", llm.calls)
	}
}

// TestParseExtractionResponse covers fence stripping and shape rejection
func TestParseExtractionResponse(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"bare json", `{"emotional_state": "calm"}`, false},
		{"fenced json", "```json\n{\"emotional_state\": \"calm\"}\n```", false},
		{"prose", "The user seems fine.", true},
		{"missing emotional state", `{"user_facts": []}`, true},
		{"wrong types", `{"emotional_state": "ok", "user_facts": "not-an-array"}`, true},
		{"empty", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseExtractionResponse(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Errorf("parseExtractionResponse(%q) error = %v, wantErr %t", tc.raw, err, tc.wantErr)
			}
		})
	}
}

// TestTruncateRuneBoundary capped text must stay valid UTF-8
func TestTruncateRuneBoundary(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		maxLen int
	}{
		{"ascii", "plain text that is longer than the cap", 10},
		{"multibyte at cut", "día difícil, ánimo bajo, sin energía", 5},
		{"emoji at cut", "feeling 😔😔😔 today", 10},
		{"under cap", "short", 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate(tc.input, tc.maxLen)
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) = %q, invalid UTF-8", tc.input, tc.maxLen, got)
			}
			if len(tc.input) <= tc.maxLen && got != tc.input {
				t.Errorf("truncate(%q, %d) changed text under the cap: %q", tc.input, tc.maxLen, got)
			}
			if len(tc.input) > tc.maxLen && len(got) > tc.maxLen+len("…") {
				t.Errorf("truncate(%q, %d) = %q, over the cap", tc.input, tc.maxLen, got)
			}
		})
	}
}

package services

import (
	"encoding/json"
	"errors"
	"testing"

	"recoverylm/internal/models"
)

// TestBackupRoundTrip exports one vault and imports into another
func TestBackupRoundTrip(t *testing.T) {
	source, sourceDB, _ := newUnlockedVault(t, "source-pw")

	if err := source.SaveProfile(&models.UserProfile{DisplayName: "Sam"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := source.SaveMetric(&models.DailyMetric{Date: "2026-08-30", Mood: 7}); err != nil {
		t.Fatalf("SaveMetric failed: %v", err)
	}
	if _, err := source.AddJournalEntry("a good day", nil, "positive"); err != nil {
		t.Fatalf("AddJournalEntry failed: %v", err)
	}
	sid := source.NewChatSession()
	if err := source.AppendChatMessage(&models.ChatMessage{SessionID: sid, Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendChatMessage failed: %v", err)
	}

	bundle, err := NewBackupCodec(source, sourceDB, testIterations).Export("backup-pw")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	// Import into a completely separate vault with a different password.
	target, targetDB, _ := newUnlockedVault(t, "target-pw")
	if err := NewBackupCodec(target, targetDB, testIterations).Import(data, "backup-pw"); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	profile, err := target.GetProfile()
	if err != nil || profile == nil || profile.DisplayName != "Sam" {
		t.Errorf("Profile not restored: %v %+v", err, profile)
	}
	metric, err := target.GetMetric("2026-08-30")
	if err != nil || metric == nil || metric.Mood != 7 {
		t.Errorf("Metric not restored: %v %+v", err, metric)
	}
	entries, _ := target.ListJournalRecent(10)
	if len(entries) != 1 || entries[0].Content != "a good day" {
		t.Errorf("Journal not restored: %+v", entries)
	}
	msgs, _ := target.SessionMessages(sid)
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Errorf("Chat not restored: %+v", msgs)
	}

	// The target's own password still unlocks the imported records.
	target.Lock()
	if err := target.Unlock("target-pw"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	profile, err = target.GetProfile()
	if err != nil || profile == nil || profile.DisplayName != "Sam" {
		t.Errorf("Imported records unreadable after relock: %v %+v", err, profile)
	}
}

// TestBackupImportReplaces wipes pre-existing records
func TestBackupImportReplaces(t *testing.T) {
	source, sourceDB, _ := newUnlockedVault(t, "pw-a")
	if err := source.SaveProfile(&models.UserProfile{DisplayName: "FromBundle"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	bundle, err := NewBackupCodec(source, sourceDB, testIterations).Export("backup-pw")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	data, _ := json.Marshal(bundle)

	target, targetDB, _ := newUnlockedVault(t, "pw-b")
	if err := target.SaveMetric(&models.DailyMetric{Date: "2026-08-01", Mood: 3}); err != nil {
		t.Fatalf("SaveMetric failed: %v", err)
	}

	if err := NewBackupCodec(target, targetDB, testIterations).Import(data, "backup-pw"); err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	metric, err := target.GetMetric("2026-08-01")
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	if metric != nil {
		t.Errorf("Pre-existing records should be replaced, got %+v", metric)
	}
	profile, _ := target.GetProfile()
	if profile == nil || profile.DisplayName != "FromBundle" {
		t.Errorf("Bundle records should be present: %+v", profile)
	}
}

// TestBackupWrongPassword is a clean distinct failure, nothing imported
func TestBackupWrongPassword(t *testing.T) {
	source, sourceDB, _ := newUnlockedVault(t, "pw")
	if err := source.SaveProfile(&models.UserProfile{DisplayName: "Sam"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	bundle, _ := NewBackupCodec(source, sourceDB, testIterations).Export("right-pw")
	data, _ := json.Marshal(bundle)

	target, targetDB, _ := newUnlockedVault(t, "pw2")
	if err := target.SaveProfile(&models.UserProfile{DisplayName: "Keep"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	err := NewBackupCodec(target, targetDB, testIterations).Import(data, "wrong-pw")
	if !errors.Is(err, ErrBackupPassword) {
		t.Fatalf("Expected ErrBackupPassword, got: %v", err)
	}
	profile, _ := target.GetProfile()
	if profile == nil || profile.DisplayName != "Keep" {
		t.Errorf("Failed import must not touch existing records: %+v", profile)
	}
}

// TestBackupImportBadRowKeepsVault a bundle that fails row validation must
// leave the target's existing records untouched, on disk and after relock
func TestBackupImportBadRowKeepsVault(t *testing.T) {
	source, sourceDB, _ := newUnlockedVault(t, "source-pw")
	if _, err := source.AddJournalEntry("an entry", nil, "neutral"); err != nil {
		t.Fatalf("AddJournalEntry failed: %v", err)
	}
	bundle, err := NewBackupCodec(source, sourceDB, testIterations).Export("backup-pw")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	bundle.Collections["journal"][0].CreatedAt = "not-a-timestamp"
	data, _ := json.Marshal(bundle)

	target, targetDB, _ := newUnlockedVault(t, "target-pw")
	if err := target.SaveProfile(&models.UserProfile{DisplayName: "Keep"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := target.SaveMetric(&models.DailyMetric{Date: "2026-08-01", Mood: 5}); err != nil {
		t.Fatalf("SaveMetric failed: %v", err)
	}

	err = NewBackupCodec(target, targetDB, testIterations).Import(data, "backup-pw")
	if !errors.Is(err, ErrBackupValidation) {
		t.Fatalf("Expected ErrBackupValidation, got: %v", err)
	}

	// Relock first so reads hit the store, not the session cache.
	target.Lock()
	if err := target.Unlock("target-pw"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	profile, err := target.GetProfile()
	if err != nil || profile == nil || profile.DisplayName != "Keep" {
		t.Errorf("Failed import removed the stored profile: %v %+v", err, profile)
	}
	metric, err := target.GetMetric("2026-08-01")
	if err != nil || metric == nil || metric.Mood != 5 {
		t.Errorf("Failed import removed the stored metric: %v %+v", err, metric)
	}
}

// TestBackupValidationFailures covers malformed bundles
func TestBackupValidationFailures(t *testing.T) {
	target, targetDB, _ := newUnlockedVault(t, "pw")
	codec := NewBackupCodec(target, targetDB, testIterations)

	cases := []struct {
		name string
		data string
	}{
		{"not json", "not a bundle at all"},
		{"wrong version", `{"version": 99, "salt": "c2FsdA==", "iterations": 100000, "verifier": "x", "collections": {}}`},
		{"missing verifier", `{"version": 1, "salt": "c2FsdA==", "iterations": 100000, "collections": {}}`},
		{"low iterations", `{"version": 1, "salt": "c2FsdA==", "iterations": 10, "verifier": "x", "collections": {}}`},
		{"missing collections", `{"version": 1, "salt": "c2FsdA==", "iterations": 100000, "verifier": "x"}`},
		{"unknown collection", `{"version": 1, "salt": "c2FsdA==", "iterations": 100000, "verifier": "x", "collections": {"secrets": []}}`},
		{"empty payload", `{"version": 1, "salt": "c2FsdA==", "iterations": 100000, "verifier": "x", "collections": {"profile": [{"payload": ""}]}}`},
		{"bad journal timestamp", `{"version": 1, "salt": "c2FsdA==", "iterations": 100000, "verifier": "x", "collections": {"journal": [{"key": "j1", "created_at": "nope", "payload": "x"}]}}`},
		{"chat row without session", `{"version": 1, "salt": "c2FsdA==", "iterations": 100000, "verifier": "x", "collections": {"chat_messages": [{"key": "c1", "seq": 1, "created_at": "2026-08-30T00:00:00Z", "payload": "x"}]}}`},
		{"bad metric date", `{"version": 1, "salt": "c2FsdA==", "iterations": 100000, "verifier": "x", "collections": {"metrics": [{"key": "not-a-date", "payload": "x"}]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := codec.Import([]byte(tc.data), "pw"); !errors.Is(err, ErrBackupValidation) {
				t.Errorf("Expected ErrBackupValidation, got: %v", err)
			}
		})
	}
}

// TestBackupRequiresUnlocked export and import both need a live key
func TestBackupRequiresUnlocked(t *testing.T) {
	session, db, _ := newUnlockedVault(t, "pw")
	codec := NewBackupCodec(session, db, testIterations)

	bundle, err := codec.Export("backup-pw")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	data, _ := json.Marshal(bundle)

	session.Lock()
	if _, err := codec.Export("backup-pw"); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Export while locked should fail, got: %v", err)
	}
	if err := codec.Import(data, "backup-pw"); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Import while locked should fail, got: %v", err)
	}
}

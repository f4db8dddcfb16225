package services

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"recoverylm/internal/database"
	"recoverylm/internal/mnemonic"
	"recoverylm/internal/models"
)

const testIterations = 100_000

func newTestVault(t *testing.T) (*VaultSession, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	session, err := NewVaultSession(db, testIterations, time.Hour, 1000)
	if err != nil {
		t.Fatalf("NewVaultSession failed: %v", err)
	}
	return session, db
}

func newUnlockedVault(t *testing.T, password string) (*VaultSession, *database.DB, string) {
	t.Helper()
	session, db := newTestVault(t)
	phrase, err := session.Create(password)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return session, db, phrase
}

// TestVaultLifecycle walks uninitialized -> create -> lock -> unlock
func TestVaultLifecycle(t *testing.T) {
	session, db := newTestVault(t)

	if session.State() != StateUninitialized {
		t.Fatalf("Fresh vault should be uninitialized, got %s", session.State())
	}
	if err := session.Unlock("anything"); !errors.Is(err, ErrVaultUninitialized) {
		t.Errorf("Unlock before create should fail with ErrVaultUninitialized, got: %v", err)
	}

	phrase, err := session.Create("correct horse battery")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(strings.Fields(phrase)) != mnemonic.WordCount {
		t.Errorf("Expected %d-word phrase, got %q", mnemonic.WordCount, phrase)
	}
	if session.State() != StateUnlocked {
		t.Errorf("Vault should be unlocked after create, got %s", session.State())
	}

	if _, err := session.Create("again"); !errors.Is(err, ErrVaultExists) {
		t.Errorf("Second create should fail with ErrVaultExists, got: %v", err)
	}

	session.Lock()
	if session.State() != StateLocked {
		t.Errorf("Vault should be locked, got %s", session.State())
	}
	if _, err := session.GetProfile(); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Reads while locked should fail with ErrVaultLocked, got: %v", err)
	}

	if err := session.Unlock("wrong password"); !errors.Is(err, ErrIncorrectPassword) {
		t.Errorf("Wrong password should fail with ErrIncorrectPassword, got: %v", err)
	}
	if session.State() != StateLocked {
		t.Errorf("Failed unlock must leave the vault locked, got %s", session.State())
	}

	if err := session.Unlock("correct horse battery"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if session.State() != StateUnlocked {
		t.Errorf("Vault should be unlocked, got %s", session.State())
	}

	// A second session over the same store starts locked and unlocks too.
	session2, err := NewVaultSession(db, testIterations, time.Hour, 1000)
	if err != nil {
		t.Fatalf("NewVaultSession over existing store failed: %v", err)
	}
	if session2.State() != StateLocked {
		t.Errorf("Restarted session should be locked, got %s", session2.State())
	}
	if err := session2.Unlock("correct horse battery"); err != nil {
		t.Errorf("Unlock on restarted session failed: %v", err)
	}
}

// TestRecordRoundTrips saves and reloads each collection across a relock
func TestRecordRoundTrips(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")

	if err := session.SaveProfile(&models.UserProfile{DisplayName: "Sam", RecoveryPhilosophy: "abstinence"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := session.SaveMetric(&models.DailyMetric{Date: "2026-08-30", Mood: 7, SobrietyMaintained: true}); err != nil {
		t.Fatalf("SaveMetric failed: %v", err)
	}
	entry, err := session.AddJournalEntry("made it through a hard evening", []string{models.TagCraving, "bogus-tag"}, "positive")
	if err != nil {
		t.Fatalf("AddJournalEntry failed: %v", err)
	}
	if len(entry.Tags) != 1 || entry.Tags[0] != models.TagCraving {
		t.Errorf("Unknown tags should be dropped, got %v", entry.Tags)
	}

	session.Lock()
	if err := session.Unlock("pw"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	profile, err := session.GetProfile()
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile == nil || profile.DisplayName != "Sam" {
		t.Errorf("Profile did not survive relock: %+v", profile)
	}

	metric, err := session.GetMetric("2026-08-30")
	if err != nil {
		t.Fatalf("GetMetric failed: %v", err)
	}
	if metric == nil || metric.Mood != 7 || !metric.SobrietyMaintained {
		t.Errorf("Metric did not survive relock: %+v", metric)
	}

	entries, err := session.ListJournalRecent(10)
	if err != nil {
		t.Fatalf("ListJournalRecent failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != entry.Content {
		t.Errorf("Journal did not survive relock: %+v", entries)
	}
}

// TestMetricValidation rejects out-of-range values
func TestMetricValidation(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")

	cases := []struct {
		name   string
		metric models.DailyMetric
	}{
		{"mood too low", models.DailyMetric{Mood: 0}},
		{"mood too high", models.DailyMetric{Mood: 11}},
		{"craving out of range", models.DailyMetric{Mood: 5, CravingIntensity: 12}},
		{"bad date", models.DailyMetric{Date: "30/08/2026", Mood: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.metric
			if err := session.SaveMetric(&m); err == nil {
				t.Errorf("Expected validation error for %+v", tc.metric)
			}
		})
	}
}

// TestChatSequencing verifies per-session ordering under concurrent appends
func TestChatSequencing(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")
	sid := session.NewChatSession()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &models.ChatMessage{SessionID: sid, Role: models.RoleUser, Content: "hello"}
			if err := session.AppendChatMessage(msg); err != nil {
				t.Errorf("AppendChatMessage failed: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, err := session.SessionMessages(sid)
	if err != nil {
		t.Fatalf("SessionMessages failed: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("Expected 10 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("Gap or disorder at position %d: seq %d", i, m.Seq)
		}
	}
}

// TestSessionsStartedSince filters sessions by their embedded start time
func TestSessionsStartedSince(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")

	old := models.NewSessionID(time.Now().Add(-72 * time.Hour))
	recent := models.NewSessionID(time.Now().Add(-time.Hour))
	for _, sid := range []string{old, recent} {
		msg := &models.ChatMessage{SessionID: sid, Role: models.RoleUser, Content: "x"}
		if err := session.AppendChatMessage(msg); err != nil {
			t.Fatalf("AppendChatMessage failed: %v", err)
		}
	}

	ids, err := session.SessionsStartedSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("SessionsStartedSince failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != recent {
		t.Errorf("Expected only the recent session, got %v", ids)
	}
}

// TestChangePassword verifies the full re-encryption sweep
func TestChangePassword(t *testing.T) {
	session, db, _ := newUnlockedVault(t, "old-pw")

	if err := session.SaveProfile(&models.UserProfile{DisplayName: "Sam"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := session.SaveMetric(&models.DailyMetric{Date: "2026-08-30", Mood: 6}); err != nil {
		t.Fatalf("SaveMetric failed: %v", err)
	}

	if err := session.ChangePassword("wrong-old", "new-pw"); !errors.Is(err, ErrIncorrectPassword) {
		t.Fatalf("Wrong old password should fail, got: %v", err)
	}
	if err := session.ChangePassword("old-pw", "new-pw"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	// Records stay readable in the live session.
	profile, err := session.GetProfile()
	if err != nil || profile == nil || profile.DisplayName != "Sam" {
		t.Errorf("Profile unreadable after password change: %v %+v", err, profile)
	}

	// A fresh session only accepts the new password.
	session2, err := NewVaultSession(db, testIterations, time.Hour, 1000)
	if err != nil {
		t.Fatalf("NewVaultSession failed: %v", err)
	}
	if err := session2.Unlock("old-pw"); !errors.Is(err, ErrIncorrectPassword) {
		t.Errorf("Old password should be dead, got: %v", err)
	}
	if err := session2.Unlock("new-pw"); err != nil {
		t.Fatalf("Unlock with new password failed: %v", err)
	}
	metric, err := session2.GetMetric("2026-08-30")
	if err != nil || metric == nil || metric.Mood != 6 {
		t.Errorf("Metric unreadable under new password: %v %+v", err, metric)
	}
}

// TestChangePasswordInterrupted verifies an aborted sweep leaves the old
// password fully working
func TestChangePasswordInterrupted(t *testing.T) {
	session, db, _ := newUnlockedVault(t, "old-pw")

	if err := session.SaveProfile(&models.UserProfile{DisplayName: "Sam"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	session.rekeyTestHook = func() error {
		return errors.New("simulated crash before promote")
	}
	if err := session.ChangePassword("old-pw", "new-pw"); err == nil {
		t.Fatal("Interrupted sweep should report an error")
	}
	session.rekeyTestHook = nil

	// Everything still works under the old password, nothing under the new.
	session2, err := NewVaultSession(db, testIterations, time.Hour, 1000)
	if err != nil {
		t.Fatalf("NewVaultSession failed: %v", err)
	}
	if err := session2.Unlock("new-pw"); !errors.Is(err, ErrIncorrectPassword) {
		t.Errorf("New password must not work after aborted sweep, got: %v", err)
	}
	if err := session2.Unlock("old-pw"); err != nil {
		t.Fatalf("Old password should survive aborted sweep: %v", err)
	}
	profile, err := session2.GetProfile()
	if err != nil || profile == nil || profile.DisplayName != "Sam" {
		t.Errorf("Records unreadable after aborted sweep: %v %+v", err, profile)
	}
}

// TestMnemonicReset recovers a vault with the phrase and a new password
func TestMnemonicReset(t *testing.T) {
	session, db, phrase := newUnlockedVault(t, "forgotten-pw")

	if err := session.SaveProfile(&models.UserProfile{DisplayName: "Sam"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	// Reset requires a locked vault.
	if err := session.ResetWithMnemonic(phrase, "pw2"); err == nil {
		t.Error("Reset should be rejected while unlocked")
	}
	session.Lock()

	// Scrambled phrase fails closed.
	words := strings.Fields(phrase)
	words[0], words[1] = words[1], words[0]
	if err := session.ResetWithMnemonic(strings.Join(words, " "), "pw2"); !errors.Is(err, mnemonic.ErrInvalidMnemonic) {
		t.Errorf("Reordered phrase should fail with ErrInvalidMnemonic, got: %v", err)
	}

	if err := session.ResetWithMnemonic(phrase, "pw2"); err != nil {
		t.Fatalf("ResetWithMnemonic failed: %v", err)
	}
	if session.State() != StateLocked {
		t.Errorf("Vault should be locked after reset, got %s", session.State())
	}

	if err := session.Unlock("forgotten-pw"); !errors.Is(err, ErrIncorrectPassword) {
		t.Errorf("Old password should be dead after reset, got: %v", err)
	}
	if err := session.Unlock("pw2"); err != nil {
		t.Fatalf("Unlock with reset password failed: %v", err)
	}
	profile, err := session.GetProfile()
	if err != nil || profile == nil || profile.DisplayName != "Sam" {
		t.Errorf("Records unreadable after reset: %v %+v", err, profile)
	}

	// The recovery phrase still works for a future reset (re-wrapped).
	_ = db
	session.Lock()
	if err := session.ResetWithMnemonic(phrase, "pw3"); err != nil {
		t.Errorf("Phrase should survive a reset: %v", err)
	}
}

// TestRevealAndConfirmMnemonic exercises the save-verification challenge
func TestRevealAndConfirmMnemonic(t *testing.T) {
	session, _, phrase := newUnlockedVault(t, "pw")

	got, err := session.RevealMnemonic()
	if err != nil {
		t.Fatalf("RevealMnemonic failed: %v", err)
	}
	if got != phrase {
		t.Errorf("Revealed phrase mismatch: %q vs %q", got, phrase)
	}

	if session.MnemonicConfirmed() {
		t.Error("Phrase should start unconfirmed")
	}

	positions, err := session.MnemonicChallenge(3)
	if err != nil {
		t.Fatalf("MnemonicChallenge failed: %v", err)
	}
	words := strings.Fields(phrase)

	wrong := []string{"nope", "nope", "nope"}
	ok, err := session.ConfirmMnemonic(positions, wrong)
	if err != nil {
		t.Fatalf("ConfirmMnemonic failed: %v", err)
	}
	if ok || session.MnemonicConfirmed() {
		t.Error("Wrong answers must not confirm the phrase")
	}

	answers := make([]string, len(positions))
	for i, pos := range positions {
		answers[i] = words[pos-1]
	}
	ok, err = session.ConfirmMnemonic(positions, answers)
	if err != nil {
		t.Fatalf("ConfirmMnemonic failed: %v", err)
	}
	if !ok || !session.MnemonicConfirmed() {
		t.Error("Correct answers should confirm the phrase")
	}

	session.Lock()
	if _, err := session.RevealMnemonic(); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Reveal while locked should fail, got: %v", err)
	}
}

// TestWipe destroys everything including the credential
func TestWipe(t *testing.T) {
	session, db, _ := newUnlockedVault(t, "pw")

	if err := session.SaveProfile(&models.UserProfile{DisplayName: "Sam"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := session.Wipe(); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	if session.State() != StateUninitialized {
		t.Errorf("Vault should be uninitialized after wipe, got %s", session.State())
	}

	session2, err := NewVaultSession(db, testIterations, time.Hour, 1000)
	if err != nil {
		t.Fatalf("NewVaultSession failed: %v", err)
	}
	if session2.State() != StateUninitialized {
		t.Errorf("Wipe should survive restart, got %s", session2.State())
	}

	// A new vault can be created on the wiped store.
	if _, err := session.Create("fresh"); err != nil {
		t.Errorf("Create after wipe failed: %v", err)
	}
	profile, err := session.GetProfile()
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile != nil {
		t.Errorf("Old records must not leak into the new vault: %+v", profile)
	}
}

// TestUnlockRateLimit verifies the attempt limiter kicks in
func TestUnlockRateLimit(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	session, err := NewVaultSession(db, testIterations, time.Hour, 2)
	if err != nil {
		t.Fatalf("NewVaultSession failed: %v", err)
	}
	if _, err := session.Create("pw"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	session.Lock()

	sawLimit := false
	for i := 0; i < 5; i++ {
		err := session.Unlock("wrong")
		if errors.Is(err, ErrTooManyAttempts) {
			sawLimit = true
			break
		}
	}
	if !sawLimit {
		t.Error("Expected rate limiter to reject rapid unlock attempts")
	}
}

// TestEpochBumpsOnLock verifies token invalidation across lock cycles
func TestEpochBumpsOnLock(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")

	before := session.Epoch()
	session.Lock()
	if session.Epoch() == before {
		t.Error("Epoch should change on lock")
	}
}

// TestSettingsDefaultsAndUpdate verifies settings fall back and persist
func TestSettingsDefaultsAndUpdate(t *testing.T) {
	session, _, _ := newUnlockedVault(t, "pw")

	settings, err := session.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if settings.Theme == "" || settings.AutoLockMinutes < 1 {
		t.Errorf("Expected seeded defaults, got %+v", settings)
	}

	settings.Theme = "dark"
	settings.IncludeNamesInContext = true
	settings.AutoLockMinutes = 5
	if err := session.SaveSettings(settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	got, err := session.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if got.Theme != "dark" || !got.IncludeNamesInContext || got.AutoLockMinutes != 5 {
		t.Errorf("Settings did not persist: %+v", got)
	}

	if err := session.SaveSettings(models.AppSettings{Theme: "dark", AutoLockMinutes: 0}); err == nil {
		t.Error("Zero auto-lock minutes should be rejected")
	}
}

package models

import (
	"strings"
	"testing"
	"time"
)

// TestSessionIDEmbedsTime verifies the id round-trips its creation time
func TestSessionIDEmbedsTime(t *testing.T) {
	created := time.Date(2026, 8, 30, 21, 15, 0, 0, time.UTC)
	id := NewSessionID(created)

	if !strings.HasPrefix(id, "sess-20260830T211500Z-") {
		t.Errorf("Unexpected session id format: %s", id)
	}
	if got := SessionStartTime(id); !got.Equal(created) {
		t.Errorf("SessionStartTime = %v, want %v", got, created)
	}
}

// TestSessionIDsSortChronologically lexical order must match time order
func TestSessionIDsSortChronologically(t *testing.T) {
	earlier := NewSessionID(time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))
	later := NewSessionID(time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC))
	if !(earlier < later) {
		t.Errorf("Expected %s < %s", earlier, later)
	}
}

// TestSessionStartTimeMalformed returns zero for junk
func TestSessionStartTimeMalformed(t *testing.T) {
	for _, id := range []string{"", "abc", "sess-notatime-xyz", "other-20260830T211500Z-ab"} {
		if got := SessionStartTime(id); !got.IsZero() {
			t.Errorf("SessionStartTime(%q) = %v, want zero", id, got)
		}
	}
}

// TestFilterJournalTags drops unknown tags
func TestFilterJournalTags(t *testing.T) {
	got := FilterJournalTags([]string{TagCraving, "made-up", TagGratitude, ""})
	if len(got) != 2 || got[0] != TagCraving || got[1] != TagGratitude {
		t.Errorf("FilterJournalTags = %v", got)
	}
}

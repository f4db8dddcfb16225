package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Chat message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// sessionTimeLayout is the timestamp embedded in session ids.
const sessionTimeLayout = "20060102T150405Z"

// ChatMessage belongs to a session and is ordered by Seq within it.
type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"` // append order within the session
	Role      string    `json:"role"`
	Content   string    `json:"content"`

	// Widgets the assistant embedded in this message, already parsed out of
	// the streamed text.
	Widgets []WidgetInvocation `json:"widgets,omitempty"`

	// CrisisLevel annotation from the pre-send classifier, when present.
	CrisisLevel string `json:"crisis_level,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// WidgetInvocation is a structured command the model emitted in its output:
// [[widget:ID {json}]].
type WidgetInvocation struct {
	ID     string `json:"id"`
	Params string `json:"params,omitempty"` // raw JSON parameter blob
}

// NewSessionID creates a session id that encodes its creation time, so
// session recency can be queried without decrypting anything.
func NewSessionID(t time.Time) string {
	return fmt.Sprintf("sess-%s-%s", t.UTC().Format(sessionTimeLayout), uuid.New().String()[:8])
}

// SessionStartTime recovers the creation time embedded in a session id.
// Returns the zero time for ids that don't follow the format.
func SessionStartTime(sessionID string) time.Time {
	parts := strings.SplitN(sessionID, "-", 3)
	if len(parts) < 3 || parts[0] != "sess" {
		return time.Time{}
	}
	t, err := time.Parse(sessionTimeLayout, parts[1])
	if err != nil {
		return time.Time{}
	}
	return t
}

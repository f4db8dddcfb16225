package models

import "time"

// BackupVersion is the current bundle format version.
const BackupVersion = 1

// BackupRow is one stored record inside a bundle: the same shape as the live
// store: plaintext index fields plus an encrypted payload.
type BackupRow struct {
	Key       string `json:"key,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	Payload   string `json:"payload"`
}

// BackupBundle is the single portable JSON document produced by export.
// All payloads are re-encrypted under the export password's master copy, so
// the bundle is independent of the live session's key.
type BackupBundle struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`

	// Export credential: lets import derive the bundle key from the export
	// password without the original vault.
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Verifier   string `json:"verifier"`

	Collections map[string][]BackupRow `json:"collections"`
}

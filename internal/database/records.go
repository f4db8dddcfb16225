package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Row is one stored record: plaintext index fields plus the ciphertext
// payload. Fields that don't apply to a collection stay zero.
type Row struct {
	Key       string
	SessionID string
	Seq       int64
	CreatedAt time.Time
	Payload   string
}

// --- credential (plaintext key-management JSON, single row) ---

// SaveCredential stores the serialized VaultCredential, replacing any
// previous one.
func (db *DB) SaveCredential(data string) error {
	_, err := db.Exec(`INSERT INTO vault_credential (id, data) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, data)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetCredential returns the serialized VaultCredential, or ErrNotFound for a
// fresh vault.
func (db *DB) GetCredential() (string, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM vault_credential WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return data, nil
}

// --- singletons (profile, support network, settings) ---

// PutSingleton writes the single row of a singleton collection.
func (db *DB) PutSingleton(table, payload string) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (id, payload) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload`, table)
	if _, err := db.Exec(stmt, payload); err != nil {
		return fmt.Errorf("failed to write %s: %w", table, err)
	}
	return nil
}

// GetSingleton reads the single row of a singleton collection.
func (db *DB) GetSingleton(table string) (string, error) {
	var payload string
	err := db.QueryRow(fmt.Sprintf(`SELECT payload FROM %s WHERE id = 1`, table)).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", table, err)
	}
	return payload, nil
}

// --- date-keyed collections (metrics, daily memories) ---

// UpsertByDate writes a date-keyed record, overwriting any record for the
// same date. This is what keeps metrics at one record per day.
func (db *DB) UpsertByDate(table, date, payload string) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (date, payload) VALUES (?, ?)
		ON CONFLICT (date) DO UPDATE SET payload = excluded.payload`, table)
	if _, err := db.Exec(stmt, date, payload); err != nil {
		return fmt.Errorf("failed to upsert %s[%s]: %w", table, date, err)
	}
	return nil
}

// InsertIfAbsentByDate inserts only when no record exists for the date.
// Reports whether the insert happened, the conditional write that closes
// the concurrent-extraction race.
func (db *DB) InsertIfAbsentByDate(table, date, payload string) (bool, error) {
	stmt := fmt.Sprintf(`INSERT INTO %s (date, payload) VALUES (?, ?)
		ON CONFLICT (date) DO NOTHING`, table)
	res, err := db.Exec(stmt, date, payload)
	if err != nil {
		return false, fmt.Errorf("failed conditional insert %s[%s]: %w", table, date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetByDate reads one date-keyed record.
func (db *DB) GetByDate(table, date string) (string, error) {
	var payload string
	err := db.QueryRow(fmt.Sprintf(`SELECT payload FROM %s WHERE date = ?`, table), date).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s[%s]: %w", table, date, err)
	}
	return payload, nil
}

// ListByDateSince returns records with date >= since, ascending by date.
func (db *DB) ListByDateSince(table, since string) ([]Row, error) {
	rows, err := db.Query(fmt.Sprintf(
		`SELECT date, payload FROM %s WHERE date >= ? ORDER BY date ASC`, table), since)
	if err != nil {
		return nil, fmt.Errorf("failed to range %s: %w", table, err)
	}
	defer rows.Close()
	return scanKeyed(rows)
}

// ListRecentByDate returns the most recent n records, descending by date.
func (db *DB) ListRecentByDate(table string, n int) ([]Row, error) {
	rows, err := db.Query(fmt.Sprintf(
		`SELECT date, payload FROM %s ORDER BY date DESC LIMIT ?`, table), n)
	if err != nil {
		return nil, fmt.Errorf("failed to range %s: %w", table, err)
	}
	defer rows.Close()
	return scanKeyed(rows)
}

// LatestByDate returns the newest record, or ErrNotFound.
func (db *DB) LatestByDate(table string) (Row, error) {
	var r Row
	err := db.QueryRow(fmt.Sprintf(
		`SELECT date, payload FROM %s ORDER BY date DESC LIMIT 1`, table)).Scan(&r.Key, &r.Payload)
	if err == sql.ErrNoRows {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("failed to read latest %s: %w", table, err)
	}
	return r, nil
}

// --- journal ---

// InsertJournal appends a journal record.
func (db *DB) InsertJournal(id string, createdAt time.Time, payload string) error {
	_, err := db.Exec(`INSERT INTO journal (id, created_at, payload) VALUES (?, ?, ?)`,
		id, createdAt.UTC().Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}

// ListJournalSince returns entries created at or after the cutoff, ascending.
func (db *DB) ListJournalSince(since time.Time) ([]Row, error) {
	rows, err := db.Query(
		`SELECT id, created_at, payload FROM journal WHERE created_at >= ? ORDER BY created_at ASC`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to range journal: %w", err)
	}
	defer rows.Close()
	return scanTimestamped(rows)
}

// ListJournalRecent returns the newest n entries, descending.
func (db *DB) ListJournalRecent(n int) ([]Row, error) {
	rows, err := db.Query(
		`SELECT id, created_at, payload FROM journal ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to range journal: %w", err)
	}
	defer rows.Close()
	return scanTimestamped(rows)
}

// --- chat ---

// NextChatSeq returns the next append position for a session.
func (db *DB) NextChatSeq(sessionID string) (int64, error) {
	var seq int64
	err := db.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute chat seq: %w", err)
	}
	return seq, nil
}

// InsertChatMessage appends one message. The UNIQUE (session_id, seq)
// constraint preserves in-session ordering.
func (db *DB) InsertChatMessage(id, sessionID string, seq int64, createdAt time.Time, payload string) error {
	_, err := db.Exec(
		`INSERT INTO chat_messages (id, session_id, seq, created_at, payload) VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, seq, createdAt.UTC().Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

// ListSessionMessages returns a session's messages in append order.
func (db *DB) ListSessionMessages(sessionID string) ([]Row, error) {
	rows, err := db.Query(
		`SELECT id, session_id, seq, created_at, payload FROM chat_messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session messages: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var createdAt string
		if err := rows.Scan(&r.Key, &r.SessionID, &r.Seq, &createdAt, &r.Payload); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSessionIDs returns distinct session ids, newest first. Session ids
// embed their creation timestamp, so lexical order is chronological.
func (db *DB) ListSessionIDs(limit int) ([]string, error) {
	rows, err := db.Query(
		`SELECT DISTINCT session_id FROM chat_messages ORDER BY session_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- re-key staging (password change sweep) ---

// ListPayloads returns every (key, payload) pair of a collection for the
// re-encryption sweep.
func (db *DB) ListPayloads(table, keyCol string) ([]Row, error) {
	rows, err := db.Query(fmt.Sprintf(`SELECT %s, payload FROM %s`, keyCol, table))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s payloads: %w", table, err)
	}
	defer rows.Close()
	return scanKeyed(rows)
}

// StagePayload writes a new-key ciphertext alongside the old one. The old
// payload stays authoritative until PromoteStagedPayloads commits.
func (db *DB) StagePayload(table, keyCol, key, payloadNext string) error {
	stmt := fmt.Sprintf(`UPDATE %s SET payload_next = ? WHERE %s = ?`, table, keyCol)
	if _, err := db.Exec(stmt, payloadNext, key); err != nil {
		return fmt.Errorf("failed to stage %s[%s]: %w", table, key, err)
	}
	return nil
}

// CountUnstaged reports rows of a collection that have no staged payload;
// the catch-up check before promoting.
func (db *DB) CountUnstaged(table string) (int, error) {
	var n int
	err := db.QueryRow(fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE payload_next IS NULL`, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unstaged %s: %w", table, err)
	}
	return n, nil
}

// PromoteStagedPayloads atomically swaps every staged payload in and writes
// the new credential in the same transaction. Either the whole vault moves
// to the new key or none of it does.
func (db *DB) PromoteStagedPayloads(newCredential string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin promote: %w", err)
	}
	for _, c := range EncryptedCollections {
		stmt := fmt.Sprintf(
			`UPDATE %s SET payload = payload_next, payload_next = NULL WHERE payload_next IS NOT NULL`, c.Table)
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to promote %s: %w", c.Table, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO vault_credential (id, data) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, newCredential); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to swap credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit promote: %w", err)
	}
	return nil
}

// ClearStagedPayloads discards staged ciphertext after an aborted sweep.
func (db *DB) ClearStagedPayloads() error {
	for _, c := range EncryptedCollections {
		stmt := fmt.Sprintf(`UPDATE %s SET payload_next = NULL`, c.Table)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to clear staged %s: %w", c.Table, err)
		}
	}
	return nil
}

// --- restore (backup import) ---

// RestoreWrite is one prepared row for RestoreCollections. Payloads arrive
// already sealed under the live master key with index fields validated.
type RestoreWrite struct {
	Table     string
	Key       string
	SessionID string
	Seq       int64
	CreatedAt time.Time
	Payload   string
}

// RestoreCollections replaces every domain collection with the given rows in
// one transaction. Either the whole restore lands or the store keeps its
// previous contents; a failed import never leaves the vault half-replaced.
func (db *DB) RestoreCollections(writes []RestoreWrite) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin restore: %w", err)
	}
	for _, c := range EncryptedCollections {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, c.Table)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to clear %s for restore: %w", c.Table, err)
		}
	}
	for _, w := range writes {
		var execErr error
		switch w.Table {
		case TableProfile, TableSupport, TableSettings:
			_, execErr = tx.Exec(fmt.Sprintf(`INSERT INTO %s (id, payload) VALUES (1, ?)`, w.Table), w.Payload)
		case TableMetrics, TableMemories:
			_, execErr = tx.Exec(fmt.Sprintf(`INSERT INTO %s (date, payload) VALUES (?, ?)`, w.Table), w.Key, w.Payload)
		case TableJournal:
			_, execErr = tx.Exec(`INSERT INTO journal (id, created_at, payload) VALUES (?, ?, ?)`,
				w.Key, w.CreatedAt.UTC().Format(time.RFC3339Nano), w.Payload)
		case TableChat:
			_, execErr = tx.Exec(`INSERT INTO chat_messages (id, session_id, seq, created_at, payload) VALUES (?, ?, ?, ?, ?)`,
				w.Key, w.SessionID, w.Seq, w.CreatedAt.UTC().Format(time.RFC3339Nano), w.Payload)
		default:
			execErr = fmt.Errorf("unknown collection %s", w.Table)
		}
		if execErr != nil {
			tx.Rollback()
			return fmt.Errorf("failed to restore %s row: %w", w.Table, execErr)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore: %w", err)
	}
	return nil
}

// --- wipe ---

// WipeAll deletes all collections and the credential in one transaction.
func (db *DB) WipeAll() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin wipe: %w", err)
	}
	for _, c := range EncryptedCollections {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, c.Table)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to wipe %s: %w", c.Table, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM vault_credential`); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to wipe credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit wipe: %w", err)
	}
	return nil
}

// --- scan helpers ---

func scanKeyed(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Key, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanTimestamped(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var createdAt string
		if err := rows.Scan(&r.Key, &createdAt, &r.Payload); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

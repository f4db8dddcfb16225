// Package database implements the encrypted record store: a local SQLite
// file holding one table per collection, each row carrying plaintext index
// columns plus an opaque authenticated-ciphertext payload. Nothing in this
// package ever sees a decryption key.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a point lookup matches no record.
var ErrNotFound = errors.New("database: record not found")

// Collection table names.
const (
	TableCredential = "vault_credential"
	TableProfile    = "profile"
	TableMetrics    = "metrics"
	TableJournal    = "journal"
	TableChat       = "chat_messages"
	TableMemories   = "daily_memories"
	TableSupport    = "support_network"
	TableSettings   = "settings"
)

// EncryptedCollections lists every table whose payload column is ciphertext
// under the master key, with its natural key column. The credential table is
// excluded: it stores key-management material, not master-key ciphertext.
var EncryptedCollections = []struct {
	Table  string
	KeyCol string
}{
	{TableProfile, "id"},
	{TableMetrics, "date"},
	{TableJournal, "id"},
	{TableChat, "id"},
	{TableMemories, "date"},
	{TableSupport, "id"},
	{TableSettings, "id"},
}

// DB wraps the SQLite connection for the vault store.
type DB struct {
	*sql.DB
	path string
}

// New opens (or creates) the vault database. The containing directory is
// created 0700 and the database file ends up 0600.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn entirely for this single-user store.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to restrict database permissions: %w", err)
	}

	log.Println("✅ [STORE] Vault database opened")

	return &DB{DB: db, path: path}, nil
}

// migration is one schema step. Adding a collection means appending a new
// migration; existing collections are never rewritten.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS vault_credential (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				data TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS profile (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				payload TEXT NOT NULL,
				payload_next TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS metrics (
				date TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				payload_next TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS journal (
				id TEXT PRIMARY KEY,
				created_at TEXT NOT NULL,
				payload TEXT NOT NULL,
				payload_next TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_journal_created ON journal(created_at)`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				payload TEXT NOT NULL,
				payload_next TEXT,
				UNIQUE (session_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_session ON chat_messages(session_id, seq)`,
			`CREATE TABLE IF NOT EXISTS daily_memories (
				date TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				payload_next TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS support_network (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				payload TEXT NOT NULL,
				payload_next TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS settings (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				payload TEXT NOT NULL,
				payload_next TEXT
			)`,
		},
	},
}

// Initialize applies pending schema migrations.
func (db *DB) Initialize() error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		log.Printf("📦 [STORE] Applying migration %d", m.version)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	log.Println("✅ [STORE] Database initialized")
	return nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

package services

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"recoverylm/internal/crypto"
	"recoverylm/internal/database"
	"recoverylm/internal/logging"
	"recoverylm/internal/models"
)

var (
	// ErrBackupValidation marks a malformed or wrong-shaped bundle. Nothing
	// was imported.
	ErrBackupValidation = errors.New("invalid backup file")
	// ErrBackupPassword marks a well-formed bundle whose password doesn't
	// decrypt it.
	ErrBackupPassword = errors.New("incorrect password for this backup")
)

// BackupCodec exports the vault as a single portable JSON bundle and imports
// such bundles back. Bundle payloads are encrypted under a key derived from
// an export password, so a bundle is readable without the original vault.
type BackupCodec struct {
	session    *VaultSession
	db         *database.DB
	iterations int
}

// NewBackupCodec wires the codec to the live session and store.
func NewBackupCodec(session *VaultSession, db *database.DB, kdfIterations int) *BackupCodec {
	return &BackupCodec{session: session, db: db, iterations: kdfIterations}
}

// Export produces a bundle of every collection re-encrypted under the export
// password. The vault must be unlocked; the session mutex holds for the whole
// export so the snapshot is consistent.
func (c *BackupCodec) Export(password string) (*models.BackupBundle, error) {
	if password == "" {
		return nil, errors.New("export password must not be empty")
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	bundleKey := crypto.DeriveKey(password, salt, c.iterations)
	defer crypto.Zero(bundleKey)

	verifier, err := crypto.MakeVerifier(bundleKey)
	if err != nil {
		return nil, err
	}

	bundle := &models.BackupBundle{
		Version:     models.BackupVersion,
		ExportedAt:  time.Now(),
		Salt:        base64.StdEncoding.EncodeToString(salt),
		Iterations:  c.iterations,
		Verifier:    verifier,
		Collections: make(map[string][]models.BackupRow),
	}

	err = c.session.withKey(func(masterKey []byte) error {
		rekey := func(payload string) (string, error) {
			plaintext, err := crypto.Decrypt(payload, masterKey)
			if err != nil {
				return "", err
			}
			return crypto.Encrypt(plaintext, bundleKey)
		}

		// Singletons
		for _, table := range []string{database.TableProfile, database.TableSupport, database.TableSettings} {
			payload, err := c.db.GetSingleton(table)
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			sealed, err := rekey(payload)
			if err != nil {
				return err
			}
			bundle.Collections[table] = []models.BackupRow{{Payload: sealed}}
		}

		// Date-keyed collections
		for _, table := range []string{database.TableMetrics, database.TableMemories} {
			rows, err := c.db.ListByDateSince(table, "")
			if err != nil {
				return err
			}
			for _, row := range rows {
				sealed, err := rekey(row.Payload)
				if err != nil {
					return err
				}
				bundle.Collections[table] = append(bundle.Collections[table], models.BackupRow{Key: row.Key, Payload: sealed})
			}
		}

		// Journal
		journalRows, err := c.db.ListJournalSince(time.Time{})
		if err != nil {
			return err
		}
		for _, row := range journalRows {
			sealed, err := rekey(row.Payload)
			if err != nil {
				return err
			}
			bundle.Collections[database.TableJournal] = append(bundle.Collections[database.TableJournal], models.BackupRow{
				Key:       row.Key,
				CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339Nano),
				Payload:   sealed,
			})
		}

		// Chat
		sessionIDs, err := c.db.ListSessionIDs(1_000_000)
		if err != nil {
			return err
		}
		for _, sid := range sessionIDs {
			msgs, err := c.db.ListSessionMessages(sid)
			if err != nil {
				return err
			}
			for _, row := range msgs {
				sealed, err := rekey(row.Payload)
				if err != nil {
					return err
				}
				bundle.Collections[database.TableChat] = append(bundle.Collections[database.TableChat], models.BackupRow{
					Key:       row.Key,
					SessionID: row.SessionID,
					Seq:       row.Seq,
					CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339Nano),
					Payload:   sealed,
				})
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Println("📦 [BACKUP] Vault exported")
	return bundle, nil
}

// Import replaces the vault's domain collections with the bundle's contents.
// Validation, index-field parsing, and re-encryption all complete entirely in
// memory before the first write, and the wipe plus rewrite runs in one store
// transaction, so a bad bundle or wrong password never leaves a partial
// import. The credential is untouched: records land under the live master key.
func (c *BackupCodec) Import(data []byte, password string) error {
	var bundle models.BackupBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupValidation, err)
	}
	if err := validateBundle(&bundle); err != nil {
		return err
	}

	salt, err := base64.StdEncoding.DecodeString(bundle.Salt)
	if err != nil {
		return fmt.Errorf("%w: bad salt encoding", ErrBackupValidation)
	}

	bundleKey := crypto.DeriveKey(password, salt, bundle.Iterations)
	defer crypto.Zero(bundleKey)
	if err := crypto.CheckVerifier(bundle.Verifier, bundleKey); err != nil {
		return ErrBackupPassword
	}

	return c.session.withKey(func(masterKey []byte) error {
		// Stage: every row parsed, decrypted, and re-sealed before any write.
		var staged []database.RestoreWrite
		for table, rows := range bundle.Collections {
			for _, row := range rows {
				write, err := prepareRestoreWrite(table, row)
				if err != nil {
					return err
				}
				plaintext, err := crypto.Decrypt(row.Payload, bundleKey)
				if err != nil {
					logging.WithOperation("backup.import", table, row.Key).
						Warn("bundle payload does not decrypt")
					return fmt.Errorf("%w: payload in %s does not decrypt", ErrBackupValidation, table)
				}
				write.Payload, err = crypto.Encrypt(plaintext, masterKey)
				if err != nil {
					return err
				}
				staged = append(staged, write)
			}
		}

		// Replace: one transaction, so a write failure keeps the old records.
		if err := c.db.RestoreCollections(staged); err != nil {
			return err
		}

		c.session.recordCache.Flush()
		log.Printf("📦 [BACKUP] Imported %d records", len(staged))
		return nil
	})
}

// prepareRestoreWrite turns a bundle row into a store write, rejecting rows
// whose index fields would not survive the trip back out of the store.
func prepareRestoreWrite(table string, row models.BackupRow) (database.RestoreWrite, error) {
	write := database.RestoreWrite{Table: table, Key: row.Key, SessionID: row.SessionID, Seq: row.Seq}
	switch table {
	case database.TableProfile, database.TableSupport, database.TableSettings:
		// Singletons carry no index fields.
	case database.TableMetrics, database.TableMemories:
		if _, err := time.Parse(dateLayout, row.Key); err != nil {
			return write, fmt.Errorf("%w: bad date %q in %s", ErrBackupValidation, row.Key, table)
		}
	case database.TableJournal:
		if row.Key == "" {
			return write, fmt.Errorf("%w: journal row without id", ErrBackupValidation)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if err != nil {
			return write, fmt.Errorf("%w: bad journal timestamp %q", ErrBackupValidation, row.CreatedAt)
		}
		write.CreatedAt = createdAt
	case database.TableChat:
		if row.Key == "" || row.SessionID == "" || row.Seq < 1 {
			return write, fmt.Errorf("%w: chat row missing id, session, or seq", ErrBackupValidation)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if err != nil {
			return write, fmt.Errorf("%w: bad chat timestamp %q", ErrBackupValidation, row.CreatedAt)
		}
		write.CreatedAt = createdAt
	default:
		return write, fmt.Errorf("%w: unknown collection %s", ErrBackupValidation, table)
	}
	return write, nil
}

// validateBundle checks the shape before any cryptography runs.
func validateBundle(bundle *models.BackupBundle) error {
	if bundle.Version != models.BackupVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBackupValidation, bundle.Version)
	}
	if bundle.Salt == "" || bundle.Verifier == "" {
		return fmt.Errorf("%w: missing key material", ErrBackupValidation)
	}
	if bundle.Iterations < crypto.MinIterations {
		return fmt.Errorf("%w: iteration count too low", ErrBackupValidation)
	}
	if bundle.Collections == nil {
		return fmt.Errorf("%w: missing collections", ErrBackupValidation)
	}

	known := make(map[string]bool, len(database.EncryptedCollections))
	for _, c := range database.EncryptedCollections {
		known[c.Table] = true
	}
	for table, rows := range bundle.Collections {
		if !known[table] {
			return fmt.Errorf("%w: unknown collection %s", ErrBackupValidation, table)
		}
		for i, row := range rows {
			if row.Payload == "" {
				return fmt.Errorf("%w: empty payload in %s[%d]", ErrBackupValidation, table, i)
			}
			if _, err := prepareRestoreWrite(table, row); err != nil {
				return fmt.Errorf("%w in %s[%d]", err, table, i)
			}
		}
	}
	return nil
}

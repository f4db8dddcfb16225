package services

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"recoverylm/internal/crypto"
	"recoverylm/internal/database"
	"recoverylm/internal/mnemonic"
	"recoverylm/internal/models"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Vault session states
type VaultState string

const (
	StateUninitialized VaultState = "uninitialized" // no credential exists
	StateLocked        VaultState = "locked"        // credential exists, no key in memory
	StateUnlocked      VaultState = "unlocked"      // key held in memory
)

var (
	// ErrVaultLocked signals an operation attempted without a live key.
	// Callers redirect to unlock; they never retry.
	ErrVaultLocked = errors.New("vault is locked")
	// ErrVaultUninitialized signals no vault exists yet.
	ErrVaultUninitialized = errors.New("vault is not initialized")
	// ErrVaultExists signals create() on an existing vault.
	ErrVaultExists = errors.New("vault already exists")
	// ErrIncorrectPassword is the uniform unlock failure. Wrong password and
	// corrupted vault intentionally look identical to the caller.
	ErrIncorrectPassword = errors.New("incorrect password")
	// ErrTooManyAttempts signals unlock rate limiting.
	ErrTooManyAttempts = errors.New("too many unlock attempts, please wait")
)

// Internal fault codes behind ErrIncorrectPassword. Logged, never surfaced.
const (
	faultWrongPassword = "wrong_password"
	faultCorruptVault  = "corrupt_vault"
)

// Cache keys for singleton payloads held only while unlocked.
const (
	cacheKeyProfile  = "profile"
	cacheKeySettings = "settings"
)

// VaultSession owns the in-memory master key and mediates every read/write
// of domain records through encryption. It is the only component that ever
// holds a decryption key.
type VaultSession struct {
	db *database.DB

	mu        sync.Mutex
	state     VaultState
	masterKey []byte
	cred      *models.VaultCredential

	// recordCache holds singleton payloads for the life of the unlocked
	// session, skipping the store read on hot paths. Flushed on every lock.
	recordCache *cache.Cache

	// epoch invalidates session tokens: bumped on every lock/wipe so tokens
	// issued for a previous unlocked session die with it.
	epoch atomic.Int64

	kdfIterations   int
	autoLockTimeout time.Duration
	autoLockTimer   *time.Timer
	unlockLimiter   *rate.Limiter

	onUnlock []func()

	// rekeyTestHook runs after the re-encryption sweep has staged new
	// ciphertext but before the atomic promote. Tests use it to simulate an
	// interrupted password change.
	rekeyTestHook func() error
}

// NewVaultSession builds the session from stored state: Locked when a
// credential exists, Uninitialized otherwise.
func NewVaultSession(db *database.DB, kdfIterations int, autoLockTimeout time.Duration, unlockPerMin int) (*VaultSession, error) {
	s := &VaultSession{
		db:              db,
		recordCache:     cache.New(cache.NoExpiration, 0),
		kdfIterations:   kdfIterations,
		autoLockTimeout: autoLockTimeout,
		unlockLimiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(max(unlockPerMin, 1))), max(unlockPerMin, 1)),
	}

	credJSON, err := db.GetCredential()
	if errors.Is(err, database.ErrNotFound) {
		s.state = StateUninitialized
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var cred models.VaultCredential
	if err := json.Unmarshal([]byte(credJSON), &cred); err != nil {
		return nil, fmt.Errorf("failed to parse stored credential: %w", err)
	}
	s.cred = &cred
	s.state = StateLocked
	return s, nil
}

// State reports the current session state.
func (s *VaultSession) State() VaultState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the current token epoch. Session tokens embedding an older
// epoch are rejected by the auth middleware.
func (s *VaultSession) Epoch() int64 {
	return s.epoch.Load()
}

// OnUnlock registers a hook fired as a detached goroutine after every
// successful unlock. Panics and errors inside hooks never reach the caller.
func (s *VaultSession) OnUnlock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnlock = append(s.onUnlock, fn)
}

// Create initializes a fresh vault: generates the master key, wraps it under
// the password and under a new recovery phrase, and leaves the vault
// unlocked. The phrase is returned to the caller exactly once.
func (s *VaultSession) Create(password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return "", ErrVaultExists
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}

	masterKey, err := crypto.GenerateMasterKey()
	if err != nil {
		return "", err
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return "", err
	}
	mnemonicSalt, err := crypto.GenerateSalt()
	if err != nil {
		return "", err
	}

	phrase, err := mnemonic.Generate()
	if err != nil {
		return "", err
	}

	kek := crypto.DeriveKey(password, salt, s.kdfIterations)
	defer crypto.Zero(kek)
	mnemonicKEK, err := mnemonic.ToWrappingKey(phrase, mnemonicSalt)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(mnemonicKEK)

	cred, err := buildCredential(masterKey, kek, mnemonicKEK, salt, mnemonicSalt, s.kdfIterations, phrase)
	if err != nil {
		return "", err
	}

	if err := s.saveCredentialLocked(cred); err != nil {
		return "", err
	}

	s.cred = cred
	s.masterKey = masterKey
	s.state = StateUnlocked
	s.resetAutoLockLocked()

	// Seed default settings so the first context build has something to read.
	settings := models.DefaultSettings()
	settings.AutoLockMinutes = int(s.autoLockTimeout.Minutes())
	if err := s.saveSingletonLocked(database.TableSettings, cacheKeySettings, settings); err != nil {
		log.Printf("⚠️ [VAULT] Failed to seed default settings: %v", err)
	}

	log.Println("✅ [VAULT] Vault created")
	metricUnlocks.Inc()
	return phrase, nil
}

// Unlock derives a candidate key from the stored salt and verifies it
// against the credential. On failure the state stays Locked and the caller
// learns only "incorrect password".
func (s *VaultSession) Unlock(password string) error {
	if !s.unlockLimiter.Allow() {
		return ErrTooManyAttempts
	}

	s.mu.Lock()

	switch s.state {
	case StateUninitialized:
		s.mu.Unlock()
		return ErrVaultUninitialized
	case StateUnlocked:
		// Already unlocked; treat as a touch.
		s.resetAutoLockLocked()
		s.mu.Unlock()
		return nil
	}

	salt, err := base64.StdEncoding.DecodeString(s.cred.Salt)
	if err != nil {
		s.mu.Unlock()
		log.Printf("🚫 [VAULT] Unlock failed (%s): bad salt encoding", faultCorruptVault)
		return ErrIncorrectPassword
	}

	kek := crypto.DeriveKey(password, salt, s.cred.Iterations)
	defer crypto.Zero(kek)

	masterKey, err := crypto.UnwrapKey(s.cred.WrappedKey, kek)
	if err != nil {
		s.mu.Unlock()
		log.Printf("🚫 [VAULT] Unlock failed (%s)", faultWrongPassword)
		return ErrIncorrectPassword
	}

	if err := crypto.CheckVerifier(s.cred.Verifier, masterKey); err != nil {
		crypto.Zero(masterKey)
		s.mu.Unlock()
		// The wrapped key opened but the verifier did not: stored state is
		// inconsistent. Same surface as a wrong password.
		log.Printf("🚫 [VAULT] Unlock failed (%s)", faultCorruptVault)
		return ErrIncorrectPassword
	}

	s.masterKey = masterKey
	s.state = StateUnlocked
	s.resetAutoLockLocked()
	hooks := append([]func(){}, s.onUnlock...)
	s.mu.Unlock()

	metricUnlocks.Inc()
	log.Println("🔓 [VAULT] Vault unlocked")

	// Fire-and-forget hooks (memory extraction). Each gets its own error
	// boundary so a failing hook can never reach the unlock caller.
	for _, fn := range hooks {
		go func(fn func()) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("⚠️ [VAULT] Recovered from panic in unlock hook: %v", r)
				}
			}()
			fn()
		}(fn)
	}

	return nil
}

// Lock drops the in-memory key and flushes plaintext caches. Idempotent.
func (s *VaultSession) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockLocked()
}

func (s *VaultSession) lockLocked() {
	if s.state != StateUnlocked {
		return
	}
	crypto.Zero(s.masterKey)
	s.masterKey = nil
	s.state = StateLocked
	s.recordCache.Flush()
	s.epoch.Add(1)
	if s.autoLockTimer != nil {
		s.autoLockTimer.Stop()
	}
	log.Println("🔒 [VAULT] Vault locked")
}

// Touch resets the auto-lock deadline. The HTTP middleware calls this on
// every authenticated request (the UI activity watcher).
func (s *VaultSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnlocked {
		s.resetAutoLockLocked()
	}
}

func (s *VaultSession) resetAutoLockLocked() {
	if s.autoLockTimeout <= 0 {
		return
	}
	if s.autoLockTimer != nil {
		s.autoLockTimer.Stop()
	}
	s.autoLockTimer = time.AfterFunc(s.autoLockTimeout, func() {
		log.Println("⏰ [VAULT] Auto-lock timeout reached")
		s.Lock()
	})
}

// SetAutoLockTimeout updates the idle timeout (driven by settings changes).
func (s *VaultSession) SetAutoLockTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoLockTimeout = d
	if s.state == StateUnlocked {
		s.resetAutoLockLocked()
	}
}

// ChangePassword rotates the vault onto a fresh master key: it verifies the
// old password, re-encrypts every record in every collection under the new
// key alongside the old ciphertext, then commits credential and payloads in
// one atomic promote. An interrupted sweep leaves the vault fully readable
// under the old password.
func (s *VaultSession) ChangePassword(oldPassword, newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnlocked {
		return ErrVaultLocked
	}
	if newPassword == "" {
		return errors.New("new password must not be empty")
	}

	// Verify the old password independently of the live key.
	salt, err := base64.StdEncoding.DecodeString(s.cred.Salt)
	if err != nil {
		return fmt.Errorf("credential corrupt: %w", err)
	}
	oldKEK := crypto.DeriveKey(oldPassword, salt, s.cred.Iterations)
	defer crypto.Zero(oldKEK)
	if _, err := crypto.UnwrapKey(s.cred.WrappedKey, oldKEK); err != nil {
		return ErrIncorrectPassword
	}

	// Recover the plaintext recovery phrase so the mnemonic path can wrap
	// the new master key too.
	phraseBytes, err := crypto.Decrypt(s.cred.WrappedPhrase, s.masterKey)
	if err != nil {
		return fmt.Errorf("failed to recover stored phrase: %w", err)
	}
	phrase := string(phraseBytes)

	return s.rekeyLocked(phrase, newPassword)
}

// rekeyLocked runs the staged re-encryption sweep from the current in-memory
// key onto a fresh master key wrapped under newPassword and phrase. Holding
// the session mutex for the whole sweep blocks every domain write, which is
// what keeps old-key ciphertext from slipping in behind the sweep.
func (s *VaultSession) rekeyLocked(phrase, newPassword string) error {
	newMaster, err := crypto.GenerateMasterKey()
	if err != nil {
		return err
	}
	newSalt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	newMnemonicSalt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}

	newKEK := crypto.DeriveKey(newPassword, newSalt, s.kdfIterations)
	defer crypto.Zero(newKEK)
	mnemonicKEK, err := mnemonic.ToWrappingKey(phrase, newMnemonicSalt)
	if err != nil {
		return err
	}
	defer crypto.Zero(mnemonicKEK)

	abort := func(cause error) error {
		if clearErr := s.db.ClearStagedPayloads(); clearErr != nil {
			log.Printf("⚠️ [VAULT] Failed to clear staged payloads after aborted rekey: %v", clearErr)
		}
		crypto.Zero(newMaster)
		return cause
	}

	// Stage: decrypt every record with the old key, re-encrypt with the new
	// key, write alongside the old ciphertext.
	for _, c := range database.EncryptedCollections {
		rows, err := s.db.ListPayloads(c.Table, c.KeyCol)
		if err != nil {
			return abort(fmt.Errorf("rekey sweep failed on %s: %w", c.Table, err))
		}
		for _, row := range rows {
			plaintext, err := crypto.Decrypt(row.Payload, s.masterKey)
			if err != nil {
				return abort(fmt.Errorf("rekey sweep could not decrypt %s[%s]: %w", c.Table, row.Key, err))
			}
			staged, err := crypto.Encrypt(plaintext, newMaster)
			if err != nil {
				return abort(fmt.Errorf("rekey sweep could not re-encrypt %s[%s]: %w", c.Table, row.Key, err))
			}
			if err := s.db.StagePayload(c.Table, c.KeyCol, row.Key, staged); err != nil {
				return abort(err)
			}
		}
		// The mutex blocks domain writes during the sweep, so nothing new
		// can appear; verify anyway before trusting the promote.
		if unstaged, err := s.db.CountUnstaged(c.Table); err != nil {
			return abort(err)
		} else if unstaged > 0 {
			return abort(fmt.Errorf("rekey sweep left %d unstaged rows in %s", unstaged, c.Table))
		}
	}

	if s.rekeyTestHook != nil {
		if err := s.rekeyTestHook(); err != nil {
			return abort(err)
		}
	}

	newCred, err := buildCredential(newMaster, newKEK, mnemonicKEK, newSalt, newMnemonicSalt, s.kdfIterations, phrase)
	if err != nil {
		return abort(err)
	}
	newCred.MnemonicConfirmed = s.cred.MnemonicConfirmed
	newCred.CreatedAt = s.cred.CreatedAt

	credJSON, err := json.Marshal(newCred)
	if err != nil {
		return abort(fmt.Errorf("failed to serialize credential: %w", err))
	}

	// Atomic commit: payload swap + credential in one transaction. The old
	// credential is not touched until this succeeds.
	if err := s.db.PromoteStagedPayloads(string(credJSON)); err != nil {
		return abort(fmt.Errorf("failed to commit rekey: %w", err))
	}

	crypto.Zero(s.masterKey)
	s.masterKey = newMaster
	s.cred = newCred
	s.recordCache.Flush()

	log.Println("✅ [VAULT] Password changed, all records re-encrypted")
	return nil
}

// ResetWithMnemonic recovers the master key via the recovery phrase and then
// rotates onto a new password, exactly like ChangePassword with the
// recovered key as "old". Valid only from Locked; leaves the vault Locked.
func (s *VaultSession) ResetWithMnemonic(phrase, newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUninitialized:
		return ErrVaultUninitialized
	case StateUnlocked:
		return errors.New("vault must be locked to reset with recovery phrase")
	}
	if newPassword == "" {
		return errors.New("new password must not be empty")
	}

	mnemonicSalt, err := base64.StdEncoding.DecodeString(s.cred.MnemonicSalt)
	if err != nil {
		return fmt.Errorf("credential corrupt: %w", err)
	}

	kek, err := mnemonic.ToWrappingKey(phrase, mnemonicSalt)
	if err != nil {
		return mnemonic.ErrInvalidMnemonic
	}
	defer crypto.Zero(kek)

	masterKey, err := crypto.UnwrapKey(s.cred.MnemonicWrappedKey, kek)
	if err != nil {
		return mnemonic.ErrInvalidMnemonic
	}
	if err := crypto.CheckVerifier(s.cred.Verifier, masterKey); err != nil {
		crypto.Zero(masterKey)
		return mnemonic.ErrInvalidMnemonic
	}

	// Temporarily hold the recovered key so the sweep can decrypt records.
	s.masterKey = masterKey
	s.state = StateUnlocked

	if err := s.rekeyLocked(mnemonic.Normalize(phrase), newPassword); err != nil {
		s.lockLocked()
		return err
	}

	s.lockLocked()
	log.Println("✅ [VAULT] Vault reset via recovery phrase")
	return nil
}

// Wipe deletes every collection and the credential. Valid from any state.
func (s *VaultSession) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WipeAll(); err != nil {
		return err
	}

	if s.masterKey != nil {
		crypto.Zero(s.masterKey)
		s.masterKey = nil
	}
	s.cred = nil
	s.state = StateUninitialized
	s.recordCache.Flush()
	s.epoch.Add(1)
	if s.autoLockTimer != nil {
		s.autoLockTimer.Stop()
	}

	log.Println("🗑️ [VAULT] Vault wiped")
	return nil
}

// RevealMnemonic decrypts the stored recovery phrase for re-display.
// Unlocked only.
func (s *VaultSession) RevealMnemonic() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnlocked {
		return "", ErrVaultLocked
	}
	phrase, err := crypto.Decrypt(s.cred.WrappedPhrase, s.masterKey)
	if err != nil {
		return "", err
	}
	return string(phrase), nil
}

// MnemonicChallenge returns word positions the user must re-enter before the
// phrase counts as saved.
func (s *VaultSession) MnemonicChallenge(n int) ([]int, error) {
	phrase, err := s.RevealMnemonic()
	if err != nil {
		return nil, err
	}
	return mnemonic.Challenge(phrase, n)
}

// ConfirmMnemonic checks challenge answers and records confirmation.
func (s *VaultSession) ConfirmMnemonic(positions []int, answers []string) (bool, error) {
	phrase, err := s.RevealMnemonic()
	if err != nil {
		return false, err
	}
	if !mnemonic.CheckChallenge(phrase, positions, answers) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnlocked {
		return false, ErrVaultLocked
	}
	s.cred.MnemonicConfirmed = true
	s.cred.UpdatedAt = time.Now()
	if err := s.saveCredentialLocked(s.cred); err != nil {
		return false, err
	}
	return true, nil
}

// MnemonicConfirmed reports whether the save-verification step completed.
func (s *VaultSession) MnemonicConfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred != nil && s.cred.MnemonicConfirmed
}

// withKey runs fn with the live master key while holding the session mutex.
// Every domain accessor goes through here, which is what makes auto-lock
// safe: a locked session fails the state check instead of using a stale key.
func (s *VaultSession) withKey(fn func(key []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnlocked {
		return ErrVaultLocked
	}
	return fn(s.masterKey)
}

func (s *VaultSession) saveCredentialLocked(cred *models.VaultCredential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to serialize credential: %w", err)
	}
	return s.db.SaveCredential(string(data))
}

// buildCredential wraps a master key under both KEKs and assembles the
// credential record.
func buildCredential(masterKey, kek, mnemonicKEK, salt, mnemonicSalt []byte, iterations int, phrase string) (*models.VaultCredential, error) {
	wrapped, err := crypto.WrapKey(masterKey, kek)
	if err != nil {
		return nil, err
	}
	mnemonicWrapped, err := crypto.WrapKey(masterKey, mnemonicKEK)
	if err != nil {
		return nil, err
	}
	verifier, err := crypto.MakeVerifier(masterKey)
	if err != nil {
		return nil, err
	}
	wrappedPhrase, err := crypto.Encrypt([]byte(mnemonic.Normalize(phrase)), masterKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &models.VaultCredential{
		Salt:               base64.StdEncoding.EncodeToString(salt),
		Iterations:         iterations,
		WrappedKey:         wrapped,
		Verifier:           verifier,
		MnemonicSalt:       base64.StdEncoding.EncodeToString(mnemonicSalt),
		MnemonicWrappedKey: mnemonicWrapped,
		WrappedPhrase:      wrappedPhrase,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

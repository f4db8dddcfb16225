package models

import "time"

// VaultCredential is the vault's key-management record. It never contains the
// master key in the clear: the key is wrapped once under the password-derived
// KEK and once under the mnemonic-derived KEK. Created at vault setup, mutated
// on password change and mnemonic reset, deleted only by a full wipe.
type VaultCredential struct {
	// Password path
	Salt       string `json:"salt"`       // base64 KDF salt
	Iterations int    `json:"iterations"` // PBKDF2 iteration count
	WrappedKey string `json:"wrapped_key"` // master key under password KEK

	// Verifier lets unlock test a candidate master key without touching
	// user data.
	Verifier string `json:"verifier"`

	// Mnemonic path, independent of the password so recovery survives a
	// forgotten password.
	MnemonicSalt       string `json:"mnemonic_salt"`
	MnemonicWrappedKey string `json:"mnemonic_wrapped_key"`
	MnemonicConfirmed  bool   `json:"mnemonic_confirmed"` // user re-entered challenge words

	// WrappedPhrase is the recovery phrase encrypted under the master key,
	// kept so an unlocked session can re-display it. Never stored in plaintext.
	WrappedPhrase string `json:"wrapped_phrase"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// ErrAuthentication is returned when a ciphertext fails GCM authentication.
// It means the key is wrong or the blob was tampered with; the two cases are
// indistinguishable by design, and neither is retryable.
var ErrAuthentication = errors.New("crypto: authentication failed")

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// SaltSize is the per-vault KDF salt length in bytes.
	SaltSize = 16
	// MinIterations is the floor for PBKDF2 iteration counts. Credentials
	// recording fewer iterations are rejected at unlock.
	MinIterations = 100_000
)

// verifierPlaintext is the constant encrypted under the master key at vault
// creation. Decrypting it successfully is how a candidate key is verified
// without touching user data.
const verifierPlaintext = "recoverylm-vault-verifier-v1"

// DeriveKey derives a 32-byte key from a password and salt using
// PBKDF2-SHA256. Deterministic: same inputs always yield the same key.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha256.New)
}

// GenerateSalt returns a fresh random KDF salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateMasterKey returns a fresh random 32-byte master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext using AES-256-GCM with a fresh random nonce.
// Returns base64-encoded ciphertext with the nonce prepended.
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64-encoded blob produced by Encrypt.
// Any GCM open failure is reported as ErrAuthentication.
func Decrypt(blob string, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("decryption key must be %d bytes, got %d", KeySize, len(key))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrAuthentication
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// EncryptJSON serializes v to JSON and encrypts it.
func EncryptJSON(v any, key []byte) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return Encrypt(plaintext, key)
}

// DecryptJSON decrypts a blob and unmarshals the resulting JSON into v.
func DecryptJSON(blob string, key []byte, v any) error {
	plaintext, err := Decrypt(blob, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// MakeVerifier encrypts the verification constant under the master key.
// Stored in the credential so unlock can test a candidate key.
func MakeVerifier(masterKey []byte) (string, error) {
	return Encrypt([]byte(verifierPlaintext), masterKey)
}

// CheckVerifier attempts to decrypt a stored verifier with a candidate key.
// Returns ErrAuthentication for a wrong key, and a distinct error when the
// verifier decrypts to unexpected content (corrupted credential).
func CheckVerifier(verifier string, candidateKey []byte) error {
	plaintext, err := Decrypt(verifier, candidateKey)
	if err != nil {
		return err
	}
	if string(plaintext) != verifierPlaintext {
		return errors.New("crypto: verifier content mismatch")
	}
	return nil
}

// WrapKey encrypts the master key under a key-encryption key (password- or
// mnemonic-derived). Same GCM envelope as record encryption.
func WrapKey(masterKey, kek []byte) (string, error) {
	return Encrypt(masterKey, kek)
}

// UnwrapKey recovers a wrapped master key. Fails with ErrAuthentication when
// the KEK is wrong.
func UnwrapKey(wrapped string, kek []byte) ([]byte, error) {
	key, err := Decrypt(wrapped, kek)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, errors.New("crypto: unwrapped key has wrong length")
	}
	return key, nil
}

// Zero overwrites key material in place. Callers drop the slice afterwards.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

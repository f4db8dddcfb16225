// Package mnemonic implements the 12-word recovery phrase codec.
//
// The phrase encodes 128 bits of entropy using the BIP-39 wordlist. It is
// generated once at vault creation, shown to the user exactly once, and only
// its derived wrapping key (never the phrase itself) participates in key
// management from then on.
package mnemonic

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"

	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
)

// ErrInvalidMnemonic is returned for phrases that fail wordlist or checksum
// validation, including correct words in the wrong order.
var ErrInvalidMnemonic = errors.New("mnemonic: invalid recovery phrase")

const (
	// WordCount is the fixed phrase length.
	WordCount = 12
	// entropyBits is the entropy encoded by a 12-word phrase.
	entropyBits = 128
	// wrapIterations is the PBKDF2 count for the wrapping key, separating the
	// key from the raw phrase entropy.
	wrapIterations = 100_000
)

// Generate returns a fresh 12-word recovery phrase.
func Generate() (string, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to encode mnemonic: %w", err)
	}
	return phrase, nil
}

// Normalize lowercases and collapses whitespace so user input with stray
// spacing still validates.
func Normalize(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(phrase))), " ")
}

// ToWrappingKey validates the phrase and derives the 32-byte key-encryption
// key used to wrap the vault master key. Order-sensitive and deterministic:
// the same phrase and salt always produce the same key; any invalid phrase
// fails closed with ErrInvalidMnemonic.
func ToWrappingKey(phrase string, salt []byte) ([]byte, error) {
	normalized := Normalize(phrase)

	if len(strings.Fields(normalized)) != WordCount {
		return nil, ErrInvalidMnemonic
	}

	// EntropyFromMnemonic checks both wordlist membership and the checksum,
	// which is what makes swapped words fail rather than derive a wrong key
	// silently.
	entropy, err := bip39.EntropyFromMnemonic(normalized)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}

	return pbkdf2.Key(entropy, salt, wrapIterations, 32, sha256.New), nil
}

// Validate reports whether a phrase is well-formed without deriving a key.
func Validate(phrase string) bool {
	_, err := bip39.EntropyFromMnemonic(Normalize(phrase))
	return err == nil
}

// Challenge picks n distinct word positions (1-based) from the phrase for
// the save-verification step: the user must re-enter these words before the
// phrase is treated as written down.
func Challenge(phrase string, n int) ([]int, error) {
	words := strings.Fields(Normalize(phrase))
	if len(words) != WordCount {
		return nil, ErrInvalidMnemonic
	}
	if n < 1 || n > WordCount {
		return nil, fmt.Errorf("mnemonic: challenge size %d out of range", n)
	}

	positions := make([]int, 0, n)
	used := make(map[int]bool, n)
	for len(positions) < n {
		idx, err := rand.Int(rand.Reader, big.NewInt(WordCount))
		if err != nil {
			return nil, fmt.Errorf("failed to pick challenge position: %w", err)
		}
		pos := int(idx.Int64()) + 1
		if used[pos] {
			continue
		}
		used[pos] = true
		positions = append(positions, pos)
	}
	return positions, nil
}

// CheckChallenge verifies the user's answers for the given 1-based positions.
func CheckChallenge(phrase string, positions []int, answers []string) bool {
	if len(positions) != len(answers) {
		return false
	}
	words := strings.Fields(Normalize(phrase))
	if len(words) != WordCount {
		return false
	}
	for i, pos := range positions {
		if pos < 1 || pos > WordCount {
			return false
		}
		if words[pos-1] != strings.ToLower(strings.TrimSpace(answers[i])) {
			return false
		}
	}
	return true
}

// Package auth issues and validates the local session tokens handed out on
// vault unlock. The signing secret is generated per process start, so tokens
// never outlive the server, and each token carries the vault's lock epoch so
// locking invalidates everything issued before it.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every token rejection: bad signature, expired,
// wrong epoch. Callers respond with 401 either way.
var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims is the token payload.
type SessionClaims struct {
	Epoch int64 `json:"epoch"`
	jwt.RegisteredClaims
}

// Manager signs and validates session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a manager with a fresh random signing secret.
func NewManager(ttl time.Duration) (*Manager, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	return &Manager{secret: secret, ttl: ttl}, nil
}

// IssueToken mints a token bound to the current vault epoch.
func (m *Manager) IssueToken(epoch int64) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Epoch: epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken checks the signature and expiry and returns the embedded
// epoch. The caller compares the epoch against the vault's current one.
func (m *Manager) ValidateToken(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return 0, ErrInvalidToken
	}
	return claims.Epoch, nil
}

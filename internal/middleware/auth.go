// Package middleware carries the HTTP cross-cutting pieces: session token
// auth and the activity feed into the vault's auto-lock timer.
package middleware

import (
	"strings"

	"recoverylm/internal/services"
	"recoverylm/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// SessionAuth validates the bearer token issued at unlock and rejects tokens
// from a previous lock epoch. Every authenticated request counts as user
// activity, so it also resets the auto-lock deadline.
func SessionAuth(tokens *auth.Manager, session *services.VaultSession) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing session token",
			})
		}

		epoch, err := tokens.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil || epoch != session.Epoch() {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "session expired, unlock again",
			})
		}
		if session.State() != services.StateUnlocked {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "vault is locked",
			})
		}

		session.Touch()
		return c.Next()
	}
}

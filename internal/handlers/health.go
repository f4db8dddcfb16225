package handlers

import (
	"recoverylm/internal/services"

	"github.com/gofiber/fiber/v2"
)

// Health reports liveness and the vault state.
func Health(session *services.VaultSession) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"vault":  session.State(),
		})
	}
}

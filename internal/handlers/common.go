package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"
)

// Error responses never leak internal detail; the detail goes to the log with
// the operation name for debugging.

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func vaultLocked(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "vault is locked"})
}

func internalError(c *fiber.Ctx, operation string, err error) error {
	log.Printf("❌ [API] %s failed: %v", operation, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

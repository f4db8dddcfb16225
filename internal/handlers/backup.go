package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recoverylm/internal/services"

	"github.com/gofiber/fiber/v2"
)

// BackupHandler serves export and import of the portable vault bundle.
type BackupHandler struct {
	codec *services.BackupCodec
}

// NewBackupHandler creates the backup endpoint handler.
func NewBackupHandler(codec *services.BackupCodec) *BackupHandler {
	return &BackupHandler{codec: codec}
}

type exportRequest struct {
	Password string `json:"password"`
}

// Export downloads the vault as a bundle encrypted under the given password.
func (h *BackupHandler) Export(c *fiber.Ctx) error {
	var req exportRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	bundle, err := h.codec.Export(req.Password)
	if err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return badRequest(c, err.Error())
	}

	filename := fmt.Sprintf("recoverylm-backup-%s.json", time.Now().Format("2006-01-02"))
	c.Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))
	return c.JSON(bundle)
}

type importRequest struct {
	Password string          `json:"password"`
	Bundle   json.RawMessage `json:"bundle"`
}

// Import replaces the vault's collections with a bundle's contents.
func (h *BackupHandler) Import(c *fiber.Ctx) error {
	var req importRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Bundle) == 0 {
		return badRequest(c, "missing bundle")
	}

	if err := h.codec.Import(req.Bundle, req.Password); err != nil {
		switch {
		case errors.Is(err, services.ErrBackupPassword):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "incorrect password for this backup"})
		case errors.Is(err, services.ErrBackupValidation):
			return badRequest(c, "invalid backup file")
		case errors.Is(err, services.ErrVaultLocked):
			return vaultLocked(c)
		default:
			return internalError(c, "backup.import", err)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

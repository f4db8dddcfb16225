// Package handlers exposes the vault over the local HTTP API.
package handlers

import (
	"errors"

	"recoverylm/internal/mnemonic"
	"recoverylm/internal/services"
	"recoverylm/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// VaultHandler serves the key-lifecycle endpoints.
type VaultHandler struct {
	session *services.VaultSession
	tokens  *auth.Manager
}

// NewVaultHandler creates the vault endpoint handler.
func NewVaultHandler(session *services.VaultSession, tokens *auth.Manager) *VaultHandler {
	return &VaultHandler{session: session, tokens: tokens}
}

// Status reports the vault state. Unauthenticated: the UI needs it to decide
// between onboarding, unlock screen, and app.
func (h *VaultHandler) Status(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"state":              h.session.State(),
		"mnemonic_confirmed": h.session.MnemonicConfirmed(),
	})
}

type passwordRequest struct {
	Password string `json:"password"`
}

// Create initializes a new vault and returns the recovery phrase exactly
// once, along with a session token.
func (h *VaultHandler) Create(c *fiber.Ctx) error {
	var req passwordRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	phrase, err := h.session.Create(req.Password)
	if err != nil {
		if errors.Is(err, services.ErrVaultExists) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "vault already exists"})
		}
		return badRequest(c, err.Error())
	}

	token, err := h.tokens.IssueToken(h.session.Epoch())
	if err != nil {
		return internalError(c, "vault.create", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"mnemonic": phrase,
		"token":    token,
	})
}

// Unlock checks the password and issues a session token.
func (h *VaultHandler) Unlock(c *fiber.Ctx) error {
	var req passwordRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.session.Unlock(req.Password); err != nil {
		switch {
		case errors.Is(err, services.ErrIncorrectPassword):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "incorrect password"})
		case errors.Is(err, services.ErrTooManyAttempts):
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, services.ErrVaultUninitialized):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "vault is not initialized"})
		default:
			return internalError(c, "vault.unlock", err)
		}
	}

	token, err := h.tokens.IssueToken(h.session.Epoch())
	if err != nil {
		return internalError(c, "vault.unlock", err)
	}
	return c.JSON(fiber.Map{"token": token})
}

// Lock drops the key. Idempotent, always succeeds.
func (h *VaultHandler) Lock(c *fiber.Ctx) error {
	h.session.Lock()
	return c.SendStatus(fiber.StatusNoContent)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword rotates the vault onto a new password, re-encrypting every
// record.
func (h *VaultHandler) ChangePassword(c *fiber.Ctx) error {
	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.session.ChangePassword(req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, services.ErrIncorrectPassword):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "incorrect password"})
		case errors.Is(err, services.ErrVaultLocked):
			return vaultLocked(c)
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to change password, please try again",
			})
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type resetRequest struct {
	Mnemonic    string `json:"mnemonic"`
	NewPassword string `json:"new_password"`
}

// Reset recovers a locked vault with the mnemonic and sets a new password.
func (h *VaultHandler) Reset(c *fiber.Ctx) error {
	var req resetRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.session.ResetWithMnemonic(req.Mnemonic, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, mnemonic.ErrInvalidMnemonic):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid recovery phrase"})
		case errors.Is(err, services.ErrVaultUninitialized):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "vault is not initialized"})
		default:
			return badRequest(c, err.Error())
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Wipe deletes the vault entirely.
func (h *VaultHandler) Wipe(c *fiber.Ctx) error {
	if err := h.session.Wipe(); err != nil {
		return internalError(c, "vault.wipe", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RevealMnemonic re-displays the recovery phrase for an unlocked vault.
func (h *VaultHandler) RevealMnemonic(c *fiber.Ctx) error {
	phrase, err := h.session.RevealMnemonic()
	if err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return internalError(c, "vault.reveal", err)
	}
	return c.JSON(fiber.Map{"mnemonic": phrase})
}

// MnemonicChallenge returns word positions for the save-verification step.
func (h *VaultHandler) MnemonicChallenge(c *fiber.Ctx) error {
	n := c.QueryInt("words", 3)
	positions, err := h.session.MnemonicChallenge(n)
	if err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return badRequest(c, err.Error())
	}
	return c.JSON(fiber.Map{"positions": positions})
}

type confirmRequest struct {
	Positions []int    `json:"positions"`
	Answers   []string `json:"answers"`
}

// MnemonicConfirm checks challenge answers and records confirmation.
func (h *VaultHandler) MnemonicConfirm(c *fiber.Ctx) error {
	var req confirmRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ok, err := h.session.ConfirmMnemonic(req.Positions, req.Answers)
	if err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return internalError(c, "vault.confirm", err)
	}
	return c.JSON(fiber.Map{"confirmed": ok})
}

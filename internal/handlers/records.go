package handlers

import (
	"errors"
	"time"

	"recoverylm/internal/models"
	"recoverylm/internal/services"

	"github.com/gofiber/fiber/v2"
)

// RecordsHandler serves the domain collections. Everything here sits behind
// the session auth middleware, so the vault is unlocked for the happy path;
// ErrVaultLocked can still surface when auto-lock races a request.
type RecordsHandler struct {
	session *services.VaultSession
}

// NewRecordsHandler creates the records endpoint handler.
func NewRecordsHandler(session *services.VaultSession) *RecordsHandler {
	return &RecordsHandler{session: session}
}

func (h *RecordsHandler) respond(c *fiber.Ctx, operation string, v any, err error) error {
	if err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return internalError(c, operation, err)
	}
	return c.JSON(v)
}

// --- profile ---

func (h *RecordsHandler) GetProfile(c *fiber.Ctx) error {
	profile, err := h.session.GetProfile()
	if err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return internalError(c, "records.profile.get", err)
	}
	if profile == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no profile yet"})
	}
	return c.JSON(profile)
}

func (h *RecordsHandler) PutProfile(c *fiber.Ctx) error {
	var profile models.UserProfile
	if err := c.BodyParser(&profile); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.session.SaveProfile(&profile); err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return internalError(c, "records.profile.put", err)
	}
	return c.JSON(profile)
}

// --- daily metrics ---

func (h *RecordsHandler) PutMetric(c *fiber.Ctx) error {
	var metric models.DailyMetric
	if err := c.BodyParser(&metric); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.session.SaveMetric(&metric); err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return badRequest(c, err.Error())
	}
	return c.JSON(metric)
}

func (h *RecordsHandler) GetMetric(c *fiber.Ctx) error {
	metric, err := h.session.GetMetric(c.Params("date"))
	if err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return internalError(c, "records.metrics.get", err)
	}
	if metric == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no check-in for that date"})
	}
	return c.JSON(metric)
}

func (h *RecordsHandler) ListMetrics(c *fiber.Ctx) error {
	days := c.QueryInt("days", 30)
	since := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	metrics, err := h.session.ListMetricsSince(since)
	return h.respond(c, "records.metrics.list", metrics, err)
}

// --- journal ---

type journalRequest struct {
	Content   string   `json:"content"`
	Tags      []string `json:"tags"`
	Sentiment string   `json:"sentiment"`
}

func (h *RecordsHandler) AddJournalEntry(c *fiber.Ctx) error {
	var req journalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	entry, err := h.session.AddJournalEntry(req.Content, req.Tags, req.Sentiment)
	if err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return badRequest(c, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

func (h *RecordsHandler) ListJournal(c *fiber.Ctx) error {
	entries, err := h.session.ListJournalRecent(c.QueryInt("limit", 50))
	return h.respond(c, "records.journal.list", entries, err)
}

// --- chat history ---

func (h *RecordsHandler) ListSessions(c *fiber.Ctx) error {
	ids, err := h.session.RecentSessionIDs(c.QueryInt("limit", 20))
	return h.respond(c, "records.sessions.list", ids, err)
}

func (h *RecordsHandler) GetSessionMessages(c *fiber.Ctx) error {
	msgs, err := h.session.SessionMessages(c.Params("id"))
	return h.respond(c, "records.sessions.messages", msgs, err)
}

// --- support network ---

func (h *RecordsHandler) GetSupportNetwork(c *fiber.Ctx) error {
	network, err := h.session.GetSupportNetwork()
	return h.respond(c, "records.support.get", network, err)
}

func (h *RecordsHandler) PutSupportNetwork(c *fiber.Ctx) error {
	var network models.SupportNetwork
	if err := c.BodyParser(&network); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.session.SaveSupportNetwork(&network); err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return internalError(c, "records.support.put", err)
	}
	return c.JSON(network)
}

// --- settings ---

func (h *RecordsHandler) GetSettings(c *fiber.Ctx) error {
	settings, err := h.session.GetSettings()
	return h.respond(c, "records.settings.get", settings, err)
}

func (h *RecordsHandler) PutSettings(c *fiber.Ctx) error {
	var settings models.AppSettings
	if err := c.BodyParser(&settings); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.session.SaveSettings(settings); err != nil {
		if errors.Is(err, services.ErrVaultLocked) {
			return vaultLocked(c)
		}
		return badRequest(c, err.Error())
	}
	return c.JSON(settings)
}

// --- daily memories ---

func (h *RecordsHandler) ListMemories(c *fiber.Ctx) error {
	memories, err := h.session.RecentMemories(c.QueryInt("limit", 7))
	return h.respond(c, "records.memories.list", memories, err)
}

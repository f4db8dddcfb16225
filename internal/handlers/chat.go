package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"recoverylm/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// ChatHandler streams conversations over SSE.
type ChatHandler struct {
	chat *services.ChatService
}

// NewChatHandler creates the chat endpoint handler.
func NewChatHandler(chat *services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

type sendRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Send screens and answers one user message, streaming the reply as SSE
// frames: {"delta": "..."} chunks followed by a {"done": true, ...} frame
// carrying the persisted result.
func (h *ChatHandler) Send(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	h.stream(c, func(ctx context.Context, onDelta func(string) error) (*services.SendResult, error) {
		return h.chat.SendMessage(ctx, req.SessionID, req.Message, onDelta)
	})
	return nil
}

// Start opens a new session and streams the assistant's greeting.
func (h *ChatHandler) Start(c *fiber.Ctx) error {
	h.stream(c, func(ctx context.Context, onDelta func(string) error) (*services.SendResult, error) {
		return h.chat.StartSession(ctx, onDelta)
	})
	return nil
}

func (h *ChatHandler) stream(c *fiber.Ctx, run func(context.Context, func(string) error) (*services.SendResult, error)) {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		writeFrame := func(v any) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return err
			}
			return w.Flush()
		}

		result, err := run(context.Background(), func(delta string) error {
			return writeFrame(fiber.Map{"delta": delta})
		})
		if err != nil {
			msg := "something went wrong, please try again"
			if errors.Is(err, services.ErrVaultLocked) {
				msg = "vault is locked"
			}
			writeFrame(fiber.Map{"error": msg})
			return
		}

		writeFrame(fiber.Map{
			"done":       true,
			"session_id": result.SessionID,
			"blocked":    result.Blocked,
			"level":      result.Level,
			"message":    result.Assistant,
		})
	}))
}

// Package api exposes the relay's HTTP surface: message fetch/post
// endpoints and relay stats. The WebSocket upgrade itself runs as a raw
// fasthttp handler, registered at the app level since Fiber v3 does not
// expose *fasthttp.RequestCtx.
package api

import (
	"errors"
	"strconv"

	"github.com/DevelopmentBelt/angcord-relay/src/post"
	"github.com/DevelopmentBelt/angcord-relay/src/registry"
	"github.com/DevelopmentBelt/angcord-relay/src/store"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// Handler serves the REST routes around the relay.
type Handler struct {
	reg         *registry.Registry
	store       store.MessageStore
	coordinator *post.Coordinator
	logger      zerolog.Logger
}

// NewHandler wires the HTTP handler over the relay's parts.
func NewHandler(reg *registry.Registry, st store.MessageStore, coordinator *post.Coordinator, logger zerolog.Logger) *Handler {
	return &Handler{
		reg:         reg,
		store:       st,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts the routes on a Fiber router.
func (h *Handler) Register(app fiber.Router) {
	app.Get("/ws/info", h.handleInfo)
	app.Get("/api/messages/:channelId", h.handleListMessages)
	app.Post("/api/messages/:channelId", h.handlePostMessage)
}

func (h *Handler) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  "/channel",
		"clients":   h.reg.ConnectionCount(),
		"channels":  len(h.reg.Channels()),
	})
}

func (h *Handler) handleListMessages(c fiber.Ctx) error {
	channelID := c.Params("channelId")
	limit, _ := strconv.Atoi(c.Query("limit"))

	messages, err := h.store.ListRecent(c.Context(), channelID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("channel", channelID).Msg("list messages failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "list_failed",
		})
	}
	return c.JSON(messages)
}

type postMessageRequest struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

// handlePostMessage runs a REST post through the commit coordinator, so
// a stored message is also announced to the channel's live connections.
func (h *Handler) handlePostMessage(c fiber.Ctx) error {
	channelID := c.Params("channelId")

	var req postMessageRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "bad_request",
		})
	}
	if req.UserID == "" || req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "userId and text are required",
		})
	}

	receipt, err := h.coordinator.Post(c.Context(), channelID, req.UserID, req.Text)
	if err != nil {
		status := fiber.StatusInternalServerError
		if errors.Is(err, store.ErrInvalidMessage) {
			status = fiber.StatusBadRequest
		}
		h.logger.Error().Err(err).Str("channel", channelID).Msg("post failed")
		return c.Status(status).JSON(fiber.Map{
			"error": "persistence_failed",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":   receipt.Message,
		"announced": receipt.Announced(),
	})
}

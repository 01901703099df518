package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/services"
	"github.com/gofiber/fiber/v2"
)

type participantService interface {
	GetParticipant(ctx context.Context, participantID string) (*models.Participant, error)
	TouchLastSeen(ctx context.Context, actor services.Actor) error
	Now() time.Time
}

type ParticipantHandler struct {
	service participantService
}

type participantResponse struct {
	*models.Participant
	Presence models.PresenceStatus `json:"presence"`
}

func NewParticipantHandler(service participantService) *ParticipantHandler {
	return &ParticipantHandler{service: service}
}

func (h *ParticipantHandler) GetParticipant(c *fiber.Ctx) error {
	if _, err := actorFromContext(c); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	participant, err := h.service.GetParticipant(c.Context(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"participant": participantResponse{
		Participant: participant,
		Presence:    participant.Presence(h.service.Now()),
	}})
}

// TouchLastSeen records that the caller is active.
func (h *ParticipantHandler) TouchLastSeen(c *fiber.Ctx) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	if err := h.service.TouchLastSeen(c.Context(), actor); err != nil {
		return mapChatError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

package handlers

import (
	"errors"
	"strings"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/repository"
	"github.com/fitversal/coachchat/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
)

// AuthHandler issues development tokens. Production identities come from the external
// identity provider, which signs tokens with the same secret and claims.
type AuthHandler struct {
	participants repository.ParticipantStore
	jwtSecret    string
}

func NewAuthHandler(participants repository.ParticipantStore, jwtSecret string) *AuthHandler {
	return &AuthHandler{
		participants: participants,
		jwtSecret:    jwtSecret,
	}
}

type devTokenRequest struct {
	UserID      string `json:"user_id" validate:"required,max=128"`
	Role        string `json:"role" validate:"required,oneof=client coach admin"`
	DisplayName string `json:"display_name" validate:"required,max=120"`
	Title       string `json:"title" validate:"max=120"`
}

// DevToken registers the participant in the directory and returns a signed token for it.
func (h *AuthHandler) DevToken(c *fiber.Ctx) error {
	var req devTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if validationErr := validateRequest(req); validationErr != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": validationErr})
	}

	participant := models.Participant{
		ID:          req.UserID,
		Role:        models.Role(req.Role),
		DisplayName: req.DisplayName,
	}
	if title := strings.TrimSpace(req.Title); title != "" {
		participant.Title = &title
	}
	if err := h.participants.Upsert(c.Context(), participant); err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "Failed to register participant"})
	}

	token, err := utils.GenerateToken(participant.ID, string(participant.Role), h.jwtSecret)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "Failed to generate token"})
	}

	return c.JSON(fiber.Map{
		"token":       token,
		"participant": participant,
	})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	participant, err := h.participants.GetByID(c.Context(), actor.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Participant not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch participant"})
	}

	return c.JSON(fiber.Map{"participant": participant})
}

package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/services"
	"github.com/fitversal/coachchat/internal/middleware"
	chatws "github.com/fitversal/coachchat/internal/websocket"
	"github.com/fitversal/coachchat/pkg/utils"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

type chatApplicationService interface {
	ListConversations(ctx context.Context, actor services.Actor) ([]models.ConversationSummary, error)
	ListAvailableCounterparts(ctx context.Context, actor services.Actor) ([]models.Participant, error)
	BootstrapFor(ctx context.Context, actor services.Actor, otherID string, otherRole models.Role) (*services.BootstrapResult, error)
	ListMessages(ctx context.Context, actor services.Actor, conversationID string) ([]models.Message, error)
	ListMessagesPage(ctx context.Context, actor services.Actor, conversationID string, page int, limit int) ([]models.Message, int, error)
	SendMessage(ctx context.Context, actor services.Actor, input services.SendMessageInput) (*models.Message, error)
	MarkConversationRead(ctx context.Context, actor services.Actor, conversationID string) (int64, error)
}

type ChatHandler struct {
	service   chatApplicationService
	hub       *chatws.Hub
	jwtSecret string
}

type createConversationRequest struct {
	CounterpartID   string `json:"counterpart_id" validate:"required,max=128"`
	CounterpartRole string `json:"counterpart_role" validate:"omitempty,oneof=coach admin client"`
}

type sendMessageRequest struct {
	Text string `json:"text" form:"text" validate:"max=4000"`
}

func NewChatHandler(service chatApplicationService, hub *chatws.Hub, jwtSecret string) *ChatHandler {
	return &ChatHandler{
		service:   service,
		hub:       hub,
		jwtSecret: jwtSecret,
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversations, err := h.service.ListConversations(c.Context(), actor)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (h *ChatHandler) ListCounterparts(c *fiber.Ctx) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	participants, err := h.service.ListAvailableCounterparts(c.Context(), actor)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"participants": participants})
}

// CreateConversation returns the existing conversation for the pair, or creates it
// together with the counterpart's welcome message.
func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	req.CounterpartID = strings.TrimSpace(req.CounterpartID)
	if validationErr := validateRequest(req); validationErr != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": validationErr})
	}

	result, err := h.service.BootstrapFor(c.Context(), actor, req.CounterpartID, models.Role(req.CounterpartRole))
	if err != nil {
		return mapChatError(c, err)
	}

	status := fiber.StatusOK
	if result.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"conversation": result.Conversation,
		"created":      result.Created,
	})
}

// GetMessages returns the whole history, or one page of it when page or limit is given.
func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID := strings.TrimSpace(c.Params("id"))
	if conversationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	if c.Query("page") == "" && c.Query("limit") == "" {
		messages, err := h.service.ListMessages(c.Context(), actor, conversationID)
		if err != nil {
			return mapChatError(c, err)
		}
		return c.JSON(fiber.Map{"messages": messages})
	}

	page := parsePositiveInt(c.Query("page"), 1)
	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	messages, total, err := h.service.ListMessagesPage(c.Context(), actor, conversationID, page, limit)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{
		"messages":   messages,
		"pagination": buildPaginationMeta(page, limit, total),
	})
}

// SendMessage accepts either a JSON body or a multipart form with an optional
// "attachment" file part.
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID := strings.TrimSpace(c.Params("id"))
	if conversationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if validationErr := validateRequest(req); validationErr != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": validationErr})
	}

	input := services.SendMessageInput{ConversationID: conversationID, Text: req.Text}

	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		if fileHeader, err := c.FormFile("attachment"); err == nil {
			file, err := fileHeader.Open()
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to open attachment"})
			}
			defer file.Close()

			input.Upload = &models.AttachmentUpload{
				Filename:    fileHeader.Filename,
				ContentType: fileHeader.Header.Get(fiber.HeaderContentType),
				Size:        fileHeader.Size,
				Body:        file,
			}
		}
	}

	message, err := h.service.SendMessage(c.Context(), actor, input)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	actor, err := actorFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	updated, err := h.service.MarkConversationRead(c.Context(), actor, strings.TrimSpace(c.Params("id")))
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"updated": updated})
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	role, _ := conn.Locals("role").(string)
	client := chatws.NewClient(h.hub, conn, services.Actor{ID: userID, Role: models.Role(role)})

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		tokenString = middleware.BearerToken(c.Get("Authorization"))
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	case errors.Is(err, services.ErrUpload):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Attachment upload failed"})
	case errors.Is(err, services.ErrStorageUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Attachment storage is not configured"})
	case services.IsTransient(err):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service temporarily unavailable"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}

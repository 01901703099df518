package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/repository/memory"
	"github.com/fitversal/coachchat/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

type stubChatService struct {
	conversationsResult []models.ConversationSummary
	conversationsErr    error
	counterparts        []models.Participant
	bootstrapResult     *services.BootstrapResult
	bootstrapErr        error
	messagesResult      []models.Message
	messagesTotal       int
	messagesErr         error
	sendErr             error
	markUpdated         int64
	markErr             error

	lastActor          services.Actor
	lastOtherID        string
	lastOtherRole      models.Role
	lastConversationID string
	lastPage           int
	lastLimit          int
	pagedCalled        bool
	lastSend           services.SendMessageInput
	lastUploadBody     string
}

func (s *stubChatService) ListConversations(_ context.Context, actor services.Actor) ([]models.ConversationSummary, error) {
	s.lastActor = actor
	return s.conversationsResult, s.conversationsErr
}

func (s *stubChatService) ListAvailableCounterparts(_ context.Context, actor services.Actor) ([]models.Participant, error) {
	s.lastActor = actor
	return s.counterparts, nil
}

func (s *stubChatService) BootstrapFor(_ context.Context, actor services.Actor, otherID string, otherRole models.Role) (*services.BootstrapResult, error) {
	s.lastActor = actor
	s.lastOtherID = otherID
	s.lastOtherRole = otherRole
	return s.bootstrapResult, s.bootstrapErr
}

func (s *stubChatService) ListMessages(_ context.Context, actor services.Actor, conversationID string) ([]models.Message, error) {
	s.lastActor = actor
	s.lastConversationID = conversationID
	return s.messagesResult, s.messagesErr
}

func (s *stubChatService) ListMessagesPage(_ context.Context, actor services.Actor, conversationID string, page int, limit int) ([]models.Message, int, error) {
	s.lastActor = actor
	s.lastConversationID = conversationID
	s.lastPage = page
	s.lastLimit = limit
	s.pagedCalled = true
	return s.messagesResult, s.messagesTotal, s.messagesErr
}

func (s *stubChatService) SendMessage(_ context.Context, actor services.Actor, input services.SendMessageInput) (*models.Message, error) {
	s.lastActor = actor
	s.lastSend = input
	if input.Upload != nil {
		body, _ := io.ReadAll(input.Upload.Body)
		s.lastUploadBody = string(body)
	}
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &models.Message{
		ID:             "msg-1",
		ConversationID: input.ConversationID,
		SenderID:       actor.ID,
		SenderRole:     actor.Role,
		Text:           input.Text,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (s *stubChatService) MarkConversationRead(_ context.Context, actor services.Actor, conversationID string) (int64, error) {
	s.lastActor = actor
	s.lastConversationID = conversationID
	return s.markUpdated, s.markErr
}

func newChatTestApp(service chatApplicationService, userID, role string) *fiber.App {
	handler := NewChatHandler(service, nil, "secret")

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("role", role)
		c.Locals("user_id", userID)
		return c.Next()
	})
	app.Get("/api/v1/conversations", handler.ListConversations)
	app.Post("/api/v1/conversations", handler.CreateConversation)
	app.Get("/api/v1/conversations/counterparts", handler.ListCounterparts)
	app.Get("/api/v1/conversations/:id/messages", handler.GetMessages)
	app.Post("/api/v1/conversations/:id/messages", handler.SendMessage)
	app.Post("/api/v1/conversations/:id/read", handler.MarkRead)
	return app
}

func TestListConversationsReturnsConversationSummaries(t *testing.T) {
	service := &stubChatService{
		conversationsResult: []models.ConversationSummary{
			{
				Conversation: models.Conversation{ID: "conv-17", ClientID: "client-42", CounterpartID: "coach-8"},
				LatestMessage: &models.Message{
					ID:             "msg-3",
					ConversationID: "conv-17",
					SenderID:       "coach-8",
					SenderRole:     models.RoleCoach,
					Text:           "See you tomorrow",
					CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
				},
				UnreadCount: 2,
			},
		},
	}
	app := newChatTestApp(service, "client-42", "client")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastActor.ID != "client-42" || service.lastActor.Role != models.RoleClient {
		t.Fatalf("unexpected actor context: %+v", service.lastActor)
	}

	var body struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(body.Conversations) != 1 || body.Conversations[0].UnreadCount != 2 {
		t.Fatalf("unexpected response: %+v", body.Conversations)
	}
}

func TestListConversationsRejectsUnknownRole(t *testing.T) {
	app := newChatTestApp(&stubChatService{}, "u-1", "user")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateConversationReturnsCreatedConversation(t *testing.T) {
	service := &stubChatService{
		bootstrapResult: &services.BootstrapResult{
			Conversation: &models.Conversation{ID: "conv-9", ClientID: "client-42", CounterpartID: "coach-7"},
			Created:      true,
		},
	}
	app := newChatTestApp(service, "client-42", "client")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader(`{"counterpart_id":"coach-7","counterpart_role":"coach"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastOtherID != "coach-7" || service.lastOtherRole != models.RoleCoach {
		t.Fatalf("unexpected bootstrap target: %q %q", service.lastOtherID, service.lastOtherRole)
	}
}

func TestCreateConversationExistingReturnsOK(t *testing.T) {
	service := &stubChatService{
		bootstrapResult: &services.BootstrapResult{
			Conversation: &models.Conversation{ID: "conv-9", ClientID: "client-42", CounterpartID: "coach-7"},
		},
	}
	app := newChatTestApp(service, "client-42", "client")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader(`{"counterpart_id":"coach-7"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCreateConversationValidatesBody(t *testing.T) {
	cases := map[string]string{
		"missing counterpart": `{}`,
		"bad role":            `{"counterpart_id":"coach-7","counterpart_role":"owner"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			app := newChatTestApp(&stubChatService{}, "client-42", "client")

			req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")

			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestGetMessagesReturnsFullHistory(t *testing.T) {
	service := &stubChatService{
		messagesResult: []models.Message{
			{ID: "msg-1", ConversationID: "conv-11", SenderID: "coach-7", SenderRole: models.RoleCoach, Text: "Hi"},
			{ID: "msg-2", ConversationID: "conv-11", SenderID: "client-1", SenderRole: models.RoleClient, Text: "Hello"},
		},
	}
	app := newChatTestApp(service, "coach-7", "coach")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/conversations/conv-11/messages", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.pagedCalled {
		t.Fatalf("expected unpaged history")
	}

	var body struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(body.Messages) != 2 || body.Messages[1].Text != "Hello" {
		t.Fatalf("unexpected response body: %+v", body.Messages)
	}
}

func TestGetMessagesReturnsPagination(t *testing.T) {
	service := &stubChatService{
		messagesResult: []models.Message{
			{ID: "msg-5", ConversationID: "conv-11", SenderID: "coach-7", SenderRole: models.RoleCoach, Text: "Hi", CreatedAt: time.Now().UTC()},
		},
		messagesTotal: 12,
	}
	app := newChatTestApp(service, "coach-7", "coach")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/conversations/conv-11/messages?page=2&limit=5", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastConversationID != "conv-11" || service.lastPage != 2 || service.lastLimit != 5 {
		t.Fatalf("unexpected forwarded pagination: conversation=%s page=%d limit=%d", service.lastConversationID, service.lastPage, service.lastLimit)
	}

	var body struct {
		Messages   []models.Message      `json:"messages"`
		Pagination models.PaginationMeta `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(body.Messages) != 1 || body.Pagination.Total != 12 || body.Pagination.TotalPages != 3 {
		t.Fatalf("unexpected response body: %+v %+v", body.Messages, body.Pagination)
	}
}

func TestGetMessagesRejectsPageBeyondOffsetRange(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	if err := store.Participants().Upsert(ctx, models.Participant{ID: "coach-7", Role: models.RoleCoach, DisplayName: "Maya Brooks"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Participants().Upsert(ctx, models.Participant{ID: "client-1", Role: models.RoleClient, DisplayName: "Jordan Lee"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	service := services.NewChatService(store, store.Conversations(), store.Messages(), store.Participants(), nil, nil, zerolog.Nop())

	result, err := service.BootstrapFor(ctx, services.Actor{ID: "client-1", Role: models.RoleClient}, "coach-7", models.RoleCoach)
	if err != nil {
		t.Fatalf("BootstrapFor: %v", err)
	}
	app := newChatTestApp(service, "client-1", "client")

	// (page-1)*limit wraps to a negative offset on 64-bit ints
	target := fmt.Sprintf("/api/v1/conversations/%s/messages?page=72057594037927938&limit=200", result.Conversation.ID)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/conversations/%s/messages?page=2&limit=200", result.Conversation.ID), nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for an empty page, got %d", resp.StatusCode)
	}
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: services.ErrNotFound, status: http.StatusNotFound},
		{err: services.ErrForbidden, status: http.StatusForbidden},
		{err: fmt.Errorf("%w: empty", services.ErrValidation), status: http.StatusBadRequest},
		{err: fmt.Errorf("%w: bucket", services.ErrUpload), status: http.StatusBadGateway},
		{err: services.ErrStorageUnavailable, status: http.StatusServiceUnavailable},
		{err: fmt.Errorf("%w: db down", services.ErrTransient), status: http.StatusServiceUnavailable},
		{err: fmt.Errorf("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			app := newChatTestApp(&stubChatService{messagesErr: tc.err}, "coach-7", "coach")

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/conversations/conv-99/messages", nil))
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestSendMessageJSON(t *testing.T) {
	service := &stubChatService{}
	app := newChatTestApp(service, "client-1", "client")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/conv-3/messages", strings.NewReader(`{"text":"Leg day done"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastSend.ConversationID != "conv-3" || service.lastSend.Text != "Leg day done" || service.lastSend.Upload != nil {
		t.Fatalf("unexpected send input: %+v", service.lastSend)
	}
}

func TestSendMessageMultipartAttachment(t *testing.T) {
	service := &stubChatService{}
	app := newChatTestApp(service, "client-1", "client")

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("text", "form check"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	part, err := writer.CreateFormFile("attachment", "squat.mp4")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte("video-bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/conv-3/messages", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastSend.Text != "form check" {
		t.Fatalf("expected form text, got %q", service.lastSend.Text)
	}
	if service.lastSend.Upload == nil || service.lastSend.Upload.Filename != "squat.mp4" {
		t.Fatalf("expected attachment upload, got %+v", service.lastSend.Upload)
	}
	if service.lastUploadBody != "video-bytes" {
		t.Fatalf("unexpected upload body %q", service.lastUploadBody)
	}
}

func TestSendMessageRejectsOversizedText(t *testing.T) {
	service := &stubChatService{}
	app := newChatTestApp(service, "client-1", "client")

	payload, _ := json.Marshal(map[string]string{"text": strings.Repeat("a", 4001)})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/conv-3/messages", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if service.lastSend.ConversationID != "" {
		t.Fatalf("service must not be called for invalid input")
	}
}

func TestMarkReadReturnsUpdatedCount(t *testing.T) {
	service := &stubChatService{markUpdated: 3}
	app := newChatTestApp(service, "client-1", "client")

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/conversations/conv-3/read", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Updated int64 `json:"updated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if body.Updated != 3 || service.lastConversationID != "conv-3" {
		t.Fatalf("unexpected response: %+v", body)
	}
}

func TestListCounterparts(t *testing.T) {
	service := &stubChatService{
		counterparts: []models.Participant{{ID: "coach-7", Role: models.RoleCoach, DisplayName: "Maya Brooks"}},
	}
	app := newChatTestApp(service, "client-1", "client")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/conversations/counterparts", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Participants []models.Participant `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || len(body.Participants) != 1 {
		t.Fatalf("unexpected response: %d %+v", resp.StatusCode, body.Participants)
	}
}

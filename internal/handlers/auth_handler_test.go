package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fitversal/coachchat/internal/middleware"
	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/repository/memory"
	"github.com/fitversal/coachchat/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

func TestDevTokenRegistersParticipant(t *testing.T) {
	store := memory.NewStore()
	handler := NewAuthHandler(store.Participants(), "secret")

	app := fiber.New()
	app.Post("/api/auth/dev-token", handler.DevToken)
	app.Get("/api/auth/me", middleware.AuthRequired("secret"), handler.Me)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/dev-token", strings.NewReader(`{"user_id":"coach-1","role":"coach","display_name":"Maya Brooks","title":"Strength Coach"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	claims, err := utils.ValidateToken(body.Token, "secret")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "coach-1" || claims.Role != "coach" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	meReq := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	meReq.Header.Set("Authorization", "Bearer "+body.Token)
	meResp, err := app.Test(meReq)
	if err != nil {
		t.Fatalf("app.Test me: %v", err)
	}
	defer meResp.Body.Close()

	var me struct {
		Participant models.Participant `json:"participant"`
	}
	if err := json.NewDecoder(meResp.Body).Decode(&me); err != nil {
		t.Fatalf("Decode me: %v", err)
	}
	if me.Participant.DisplayName != "Maya Brooks" || me.Participant.Title == nil || *me.Participant.Title != "Strength Coach" {
		t.Fatalf("unexpected participant: %+v", me.Participant)
	}
}

func TestDevTokenRejectsUnknownRole(t *testing.T) {
	handler := NewAuthHandler(memory.NewStore().Participants(), "secret")

	app := fiber.New()
	app.Post("/api/auth/dev-token", handler.DevToken)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/dev-token", strings.NewReader(`{"user_id":"u-1","role":"user","display_name":"Sam"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

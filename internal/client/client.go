// Package client talks to a running chat server over its REST and websocket API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/services"
	"github.com/fitversal/coachchat/internal/session"
	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// RemoteBackend implements session.Backend against the HTTP API. The bearer token
// identifies the caller; the actor passed to each call is only used for logging.
type RemoteBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger

	// reconnect backoff for realtime streams
	minBackoff time.Duration
	maxBackoff time.Duration
}

type Option func(*RemoteBackend)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(b *RemoteBackend) { b.httpClient = httpClient }
}

func WithLogger(log zerolog.Logger) Option {
	return func(b *RemoteBackend) { b.log = log }
}

func WithBackoff(initial, ceiling time.Duration) Option {
	return func(b *RemoteBackend) {
		b.minBackoff = initial
		b.maxBackoff = ceiling
	}
}

func NewRemoteBackend(baseURL, token string, opts ...Option) *RemoteBackend {
	b := &RemoteBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        zerolog.Nop(),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ session.Backend = (*RemoteBackend)(nil)

func (b *RemoteBackend) Bootstrap(
	ctx context.Context,
	_ services.Actor,
	counterpartID string,
	counterpartRole models.Role,
) (*models.Conversation, error) {
	payload := map[string]string{"counterpart_id": counterpartID}
	if counterpartRole != "" {
		payload["counterpart_role"] = string(counterpartRole)
	}

	var out struct {
		Conversation *models.Conversation `json:"conversation"`
	}
	if err := b.doJSON(ctx, http.MethodPost, "/api/v1/conversations", payload, &out); err != nil {
		return nil, err
	}
	if out.Conversation == nil {
		return nil, fmt.Errorf("bootstrap: empty conversation in response")
	}
	return out.Conversation, nil
}

func (b *RemoteBackend) ListMessages(ctx context.Context, _ services.Actor, conversationID string) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := b.doJSON(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts JSON for text-only messages and multipart when an upload is attached.
func (b *RemoteBackend) SendMessage(ctx context.Context, _ services.Actor, input services.SendMessageInput) (*models.Message, error) {
	var out struct {
		Message *models.Message `json:"message"`
	}

	path := conversationPath(input.ConversationID, "messages")
	if input.Upload == nil {
		if err := b.doJSON(ctx, http.MethodPost, path, map[string]string{"text": input.Text}, &out); err != nil {
			return nil, err
		}
	} else {
		body, contentType, err := multipartBody(input.Text, *input.Upload)
		if err != nil {
			return nil, err
		}
		if err := b.do(ctx, http.MethodPost, path, body, contentType, &out); err != nil {
			return nil, err
		}
	}

	if out.Message == nil {
		return nil, fmt.Errorf("send message: empty message in response")
	}
	return out.Message, nil
}

func (b *RemoteBackend) MarkRead(ctx context.Context, _ services.Actor, conversationID string) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	if err := b.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

func (b *RemoteBackend) Participant(ctx context.Context, participantID string) (*models.Participant, error) {
	var out struct {
		Participant *models.Participant `json:"participant"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/api/v1/participants/"+url.PathEscape(participantID), nil, &out); err != nil {
		return nil, err
	}
	if out.Participant == nil {
		return nil, services.ErrNotFound
	}
	return out.Participant, nil
}

func (b *RemoteBackend) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var out struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/api/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (b *RemoteBackend) TouchLastSeen(ctx context.Context) error {
	return b.doJSON(ctx, http.MethodPost, "/api/v1/participants/me/seen", nil, nil)
}

func conversationPath(conversationID, action string) string {
	return "/api/v1/conversations/" + url.PathEscape(conversationID) + "/" + action
}

func (b *RemoteBackend) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	return b.do(ctx, method, path, body, contentType, out)
}

func (b *RemoteBackend) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %w", services.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// statusError maps the server's error responses back onto the service error taxonomy.
func statusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		sentinel = services.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		sentinel = services.ErrForbidden
	case http.StatusNotFound:
		sentinel = services.ErrNotFound
	case http.StatusBadGateway:
		sentinel = services.ErrUpload
	case http.StatusServiceUnavailable:
		if strings.Contains(strings.ToLower(payload.Error), "storage") {
			sentinel = services.ErrStorageUnavailable
		} else {
			sentinel = services.ErrTransient
		}
	default:
		if resp.StatusCode >= http.StatusInternalServerError {
			sentinel = services.ErrTransient
		} else {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, payload.Error)
		}
	}
	return fmt.Errorf("%w: %s", sentinel, payload.Error)
}

func multipartBody(text string, upload models.AttachmentUpload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if text != "" {
		if err := writer.WriteField("text", text); err != nil {
			return nil, "", fmt.Errorf("write text field: %w", err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, upload.Filename))
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create attachment part: %w", err)
	}
	if upload.Body != nil {
		if _, err := io.Copy(part, upload.Body); err != nil {
			return nil, "", fmt.Errorf("%w: read attachment: %w", services.ErrUpload, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("finish multipart body: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// RequestDevToken registers a participant through the development token endpoint and
// returns its bearer token. Only servers running with APP_ENV development or test
// expose the endpoint.
func RequestDevToken(ctx context.Context, baseURL string, participant models.Participant) (string, error) {
	payload := map[string]string{
		"user_id":      participant.ID,
		"role":         string(participant.Role),
		"display_name": participant.DisplayName,
	}
	if participant.Title != nil {
		payload["title"] = *participant.Title
	}

	var out struct {
		Token string `json:"token"`
	}
	anonymous := NewRemoteBackend(baseURL, "")
	if err := anonymous.doJSON(ctx, http.MethodPost, "/api/auth/dev-token", payload, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("dev token: empty token in response")
	}
	return out.Token, nil
}

// Me returns the participant the token belongs to.
func (b *RemoteBackend) Me(ctx context.Context) (*models.Participant, error) {
	var out struct {
		Participant *models.Participant `json:"participant"`
	}
	if err := b.doJSON(ctx, http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return nil, err
	}
	if out.Participant == nil {
		return nil, services.ErrNotFound
	}
	return out.Participant, nil
}

package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// StorageService writes objects once. PutObject must fail with ErrObjectExists rather
// than replace an existing key, and returns a publicly resolvable URL on success.
type StorageService interface {
	PutObject(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

type SupabaseStorageService struct {
	baseURL    string
	bucket     string
	serviceKey string
	httpClient *http.Client
}

func NewSupabaseStorageService(baseURL, bucket, serviceKey string) *SupabaseStorageService {
	return &SupabaseStorageService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bucket:     bucket,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SupabaseStorageService) PutObject(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	objectPath := path.Clean(strings.Trim(key, "/"))
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, objectPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("x-upsert", "false")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		message := strings.TrimSpace(string(responseBody))
		if isSupabaseDuplicate(resp.StatusCode, message) {
			return "", fmt.Errorf("upload file %s: %w", objectPath, ErrObjectExists)
		}
		return "", fmt.Errorf("upload file: status %d: %s", resp.StatusCode, message)
	}

	return s.publicURL(objectPath), nil
}

func (s *SupabaseStorageService) publicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, objectPath)
}

// Supabase reports an existing key either as 409 or as 400 with a "Duplicate" body.
func isSupabaseDuplicate(status int, body string) bool {
	if status == http.StatusConflict {
		return true
	}
	lower := strings.ToLower(body)
	return status == http.StatusBadRequest && (strings.Contains(lower, "duplicate") || strings.Contains(lower, "already exists"))
}

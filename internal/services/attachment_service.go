package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fitversal/coachchat/internal/metrics"
	"github.com/fitversal/coachchat/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const attachmentFolder = "attachments"

type AttachmentService struct {
	storage  StorageService
	maxBytes int64
	now      func() time.Time
	log      zerolog.Logger
}

func NewAttachmentService(storage StorageService, maxBytes int64, log zerolog.Logger) *AttachmentService {
	return &AttachmentService{
		storage:  storage,
		maxBytes: maxBytes,
		now:      time.Now,
		log:      log,
	}
}

// Upload stores the payload under a fresh key scoped to the conversation and returns the
// public reference together with the original filename.
func (s *AttachmentService) Upload(
	ctx context.Context,
	conversationID string,
	upload models.AttachmentUpload,
) (*models.Attachment, error) {
	if s == nil || s.storage == nil {
		return nil, ErrStorageUnavailable
	}

	filename := displayFilename(upload.Filename)
	if strings.TrimSpace(conversationID) == "" || filename == "" || upload.Body == nil {
		return nil, fmt.Errorf("%w: attachment requires a conversation, filename and body", ErrValidation)
	}
	if s.maxBytes > 0 && upload.Size > s.maxBytes {
		return nil, fmt.Errorf("%w: attachment exceeds %d bytes", ErrValidation, s.maxBytes)
	}

	content, err := readLimited(upload.Body, s.maxBytes)
	if err != nil {
		metrics.AttachmentUploads.WithLabelValues("failed").Inc()
		return nil, err
	}

	contentType := upload.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}

	key := BuildAttachmentKey(conversationID, filename, s.now())
	url, err := s.storage.PutObject(ctx, key, bytes.NewReader(content), contentType)
	if err != nil {
		metrics.AttachmentUploads.WithLabelValues("failed").Inc()
		s.log.Error().Err(err).
			Str("conversation_id", conversationID).
			Str("key", key).
			Msg("attachment upload failed")
		return nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	metrics.AttachmentUploads.WithLabelValues("stored").Inc()
	return &models.Attachment{URL: url, Filename: filename}, nil
}

// BuildAttachmentKey returns attachments/<conversation>/<random token>-<unix millis><ext>.
func BuildAttachmentKey(conversationID, filename string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	if ext == "" || ext == "." {
		ext = ".bin"
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	name := fmt.Sprintf("%s-%d%s", token, now.UnixMilli(), ext)
	return path.Join(attachmentFolder, conversationID, name)
}

func displayFilename(name string) string {
	trimmed := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if trimmed == "" {
		return ""
	}
	base := path.Base(trimmed)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func readLimited(body io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		content, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: read attachment: %w", ErrUpload, err)
		}
		return content, nil
	}

	content, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read attachment: %w", ErrUpload, err)
	}
	if int64(len(content)) > maxBytes {
		return nil, fmt.Errorf("%w: attachment exceeds %d bytes", ErrValidation, maxBytes)
	}
	return content, nil
}

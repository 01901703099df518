package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

type storedObject struct {
	ContentType string
	Data        []byte
}

// MemoryStorageService keeps uploads in memory. Used by tests and the memory backend.
type MemoryStorageService struct {
	mu      sync.Mutex
	baseURL string
	objects map[string]storedObject
	failErr error
}

func NewMemoryStorageService(baseURL string) *MemoryStorageService {
	return &MemoryStorageService{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]storedObject),
	}
}

// FailWith makes subsequent uploads return err; nil restores normal behaviour.
func (s *MemoryStorageService) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStorageService) PutObject(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return "", s.failErr
	}
	key = strings.Trim(key, "/")
	if _, exists := s.objects[key]; exists {
		return "", fmt.Errorf("upload %s: %w", key, ErrObjectExists)
	}
	s.objects[key] = storedObject{ContentType: contentType, Data: data}
	return s.baseURL + "/" + key, nil
}

func (s *MemoryStorageService) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj.Data, ok
}

func (s *MemoryStorageService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/navtrack/internal/storage"
)

// UploadStore provides an in-memory storage.UploadStore.
type UploadStore struct {
	mu      sync.RWMutex
	uploads map[string]storage.Upload
}

// NewUploadStore constructs an UploadStore.
func NewUploadStore() *UploadStore {
	return &UploadStore{uploads: make(map[string]storage.Upload)}
}

// SaveUpload stores u unless its upload ID is already present.
func (s *UploadStore) SaveUpload(_ context.Context, u storage.Upload) (bool, error) {
	if u.UploadID == "" {
		return false, fmt.Errorf("upload id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.uploads[u.UploadID]; exists {
		return true, nil
	}
	u.Payload = append([]byte(nil), u.Payload...)
	s.uploads[u.UploadID] = u
	return false, nil
}

// GetUpload returns the stored upload.
func (s *UploadStore) GetUpload(_ context.Context, uploadID string) (storage.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return storage.Upload{}, storage.ErrNotFound
	}
	return u, nil
}

// Len returns the number of stored uploads.
func (s *UploadStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.uploads)
}

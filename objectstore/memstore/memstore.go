// Package memstore is an in-memory objectstore.Store used by tests and by
// callers who don't have a real Drive/S3-style backend wired up yet.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/kartikbazzad/bunbase/blobdoc/objectstore"
)

// Store is a goroutine-safe, process-local object store.
type Store struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{files: make(map[string][]byte)}
}

func (s *Store) CreateFile(_ context.Context, _, _ string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	buf := make([]byte, len(content))
	copy(buf, content)
	s.files[id] = buf
	return id, nil
}

func (s *Store) ReadFile(_ context.Context, fileID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.files[fileID]
	if !ok {
		return nil, objectstore.NewError(objectstore.ErrFileNotFound, "file not found", fileID)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (s *Store) UpdateFile(_ context.Context, fileID string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[fileID]; !ok {
		return objectstore.NewError(objectstore.ErrFileNotFound, "file not found", fileID)
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	s.files[fileID] = buf
	return nil
}

func (s *Store) DeleteFile(_ context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileID)
	return nil
}

func (s *Store) FileExists(_ context.Context, fileID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[fileID]
	return ok, nil
}

package memory

import (
	"context"
	"sync"

	"arquiz-live/internal/domain"
)

// ProgressStore keeps session progress in memory, keyed by room id. Useful
// for tests and for running the CLI without a writable data directory.
type ProgressStore struct {
	mu      sync.RWMutex
	entries map[string]domain.SessionProgress
}

func NewProgressStore() *ProgressStore {
	return &ProgressStore{entries: make(map[string]domain.SessionProgress)}
}

func (s *ProgressStore) Load(_ context.Context, roomID string) (domain.SessionProgress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	progress, ok := s.entries[roomID]
	return progress, ok, nil
}

func (s *ProgressStore) Save(_ context.Context, progress domain.SessionProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[progress.RoomID] = progress
	return nil
}

func (s *ProgressStore) Clear(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, roomID)
	return nil
}

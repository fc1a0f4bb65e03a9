package memory

import (
	"context"
	"strings"
	"sync"

	"arquiz-live/internal/domain"
)

// RoomStore holds room configurations in memory with an access-code index.
type RoomStore struct {
	mu     sync.RWMutex
	byID   map[string]domain.Room
	byCode map[string]string
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		byID:   make(map[string]domain.Room),
		byCode: make(map[string]string),
	}
}

func (s *RoomStore) Save(_ context.Context, room domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[room.ID]; ok && old.AccessCode != room.AccessCode {
		delete(s.byCode, normalizeCode(old.AccessCode))
	}
	s.byID[room.ID] = room
	s.byCode[normalizeCode(room.AccessCode)] = room.ID
	return nil
}

func (s *RoomStore) ByID(_ context.Context, roomID string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.byID[roomID]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, nil
}

func (s *RoomStore) ByAccessCode(_ context.Context, code string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.byCode[normalizeCode(code)]
	if !ok {
		return domain.Room{}, domain.ErrInvalidAccessCode
	}
	room, ok := s.byID[roomID]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, nil
}

// Access codes are entered by hand, so matching ignores case and spacing.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

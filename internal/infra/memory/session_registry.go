package memory

import (
	"sync"

	"arquiz-live/internal/app"
	"arquiz-live/internal/domain"
)

// SessionRegistry is an in-memory implementation of app.SessionRegistry.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*app.RoomSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*app.RoomSession),
	}
}

func (r *SessionRegistry) GetOrCreate(room domain.Room, questions []domain.Question) *app.RoomSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[room.ID]; ok {
		return session
	}
	session := app.NewRoomSession(room, questions)
	r.sessions[room.ID] = session
	return session
}

func (r *SessionRegistry) Get(roomID string) (*app.RoomSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[roomID]
	return session, ok
}

func (r *SessionRegistry) DeleteIfEmpty(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[roomID]
	if !ok {
		return
	}
	if session.IsEmpty() {
		delete(r.sessions, roomID)
	}
}

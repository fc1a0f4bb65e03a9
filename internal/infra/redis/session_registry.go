package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"arquiz-live/internal/app"
	"arquiz-live/internal/domain"
)

// SessionRegistry is a Redis-aware implementation of app.SessionRegistry.
// Notes:
//   - Sessions hold live subscriber channels, so they stay in-process; the
//     local map reuses the existing in-process fan-out logic.
//   - Redis marks which rooms have a live session (and could be extended to
//     route cross-instance pub/sub).
type SessionRegistry struct {
	client   *redis.Client
	ttl      time.Duration
	mu       sync.RWMutex
	sessions map[string]*app.RoomSession
}

func NewSessionRegistry(client *redis.Client, ttl time.Duration) *SessionRegistry {
	return &SessionRegistry{
		client:   client,
		ttl:      ttl,
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
	// best-effort liveness marker
	_ = r.client.Set(context.Background(), r.key(room.ID), "1", r.ttl).Err()
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
		_ = r.client.Del(context.Background(), r.key(roomID)).Err()
	}
}

func (r *SessionRegistry) key(roomID string) string {
	return "room:session:" + roomID
}

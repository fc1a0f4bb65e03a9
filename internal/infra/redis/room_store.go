package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"arquiz-live/internal/domain"
)

// RoomLoader resolves rooms from the backing store on a cache miss.
type RoomLoader interface {
	ByID(ctx context.Context, roomID string) (domain.Room, error)
	ByAccessCode(ctx context.Context, code string) (domain.Room, error)
}

// RoomSaver is implemented by loaders that can persist rooms. Save writes
// through to it before refreshing the cache.
type RoomSaver interface {
	Save(ctx context.Context, room domain.Room) error
}

// RoomStore caches room metadata in front of a loader:
//
//	SET room:{id}:data   {json} EX ttl
//	SET room:code:{CODE} {id}   EX ttl
//
// With a nil loader it acts as a plain Redis-only store fed through Save.
type RoomStore struct {
	client *redis.Client
	loader RoomLoader
	ttl    time.Duration
}

func NewRoomStore(client *redis.Client, loader RoomLoader, ttl time.Duration) *RoomStore {
	return &RoomStore{client: client, loader: loader, ttl: ttl}
}

func (s *RoomStore) ByID(ctx context.Context, roomID string) (domain.Room, error) {
	if room, ok := s.cached(ctx, s.roomKey(roomID)); ok {
		return room, nil
	}
	if s.loader == nil {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	room, err := s.loader.ByID(ctx, roomID)
	if err != nil {
		return domain.Room{}, err
	}
	s.cache(ctx, room)
	return room, nil
}

func (s *RoomStore) ByAccessCode(ctx context.Context, code string) (domain.Room, error) {
	code = normalizeCode(code)
	if roomID, err := s.client.Get(ctx, s.codeKey(code)).Result(); err == nil {
		if room, ok := s.cached(ctx, s.roomKey(roomID)); ok {
			return room, nil
		}
	}
	if s.loader == nil {
		return domain.Room{}, domain.ErrInvalidAccessCode
	}
	room, err := s.loader.ByAccessCode(ctx, code)
	if err != nil {
		return domain.Room{}, err
	}
	s.cache(ctx, room)
	return room, nil
}

func (s *RoomStore) Save(ctx context.Context, room domain.Room) error {
	if saver, ok := s.loader.(RoomSaver); ok {
		if err := saver.Save(ctx, room); err != nil {
			return err
		}
	}
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.roomKey(room.ID), data, s.ttl)
	if room.AccessCode != "" {
		pipe.Set(ctx, s.codeKey(normalizeCode(room.AccessCode)), room.ID, s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RoomStore) cache(ctx context.Context, room domain.Room) {
	// Best effort; a failed write just means the next read loads again.
	if data, err := json.Marshal(room); err == nil {
		pipe := s.client.Pipeline()
		pipe.Set(ctx, s.roomKey(room.ID), data, s.ttl)
		if room.AccessCode != "" {
			pipe.Set(ctx, s.codeKey(normalizeCode(room.AccessCode)), room.ID, s.ttl)
		}
		_, _ = pipe.Exec(ctx)
	}
}

func (s *RoomStore) cached(ctx context.Context, key string) (domain.Room, bool) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return domain.Room{}, false
	}
	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return domain.Room{}, false
	}
	return room, true
}

func (s *RoomStore) roomKey(roomID string) string {
	return "room:" + roomID + ":data"
}

func (s *RoomStore) codeKey(code string) string {
	return "room:code:" + code
}

// Access codes are entered by hand, so matching ignores case and spacing.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"arquiz-live/internal/domain"
)

// RoomStore reads and writes room JSONB rows. The access code is kept in its
// own column so joins by code stay an indexed lookup.
type RoomStore struct {
	pool *pgxpool.Pool
}

func NewRoomStore(pool *pgxpool.Pool) *RoomStore {
	return &RoomStore{pool: pool}
}

func (s *RoomStore) ByID(ctx context.Context, roomID string) (domain.Room, error) {
	return s.scanRoom(s.pool.QueryRow(ctx, `SELECT data FROM rooms WHERE id=$1`, roomID), domain.ErrRoomNotFound)
}

func (s *RoomStore) ByAccessCode(ctx context.Context, code string) (domain.Room, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	return s.scanRoom(s.pool.QueryRow(ctx, `SELECT data FROM rooms WHERE access_code=$1`, code), domain.ErrInvalidAccessCode)
}

func (s *RoomStore) Save(ctx context.Context, room domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rooms (id, access_code, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET access_code = EXCLUDED.access_code,
		    data        = EXCLUDED.data,
		    updated_at  = now()`,
		room.ID, strings.ToUpper(strings.TrimSpace(room.AccessCode)), data)
	if err != nil {
		return fmt.Errorf("save room: %w", err)
	}
	return nil
}

func (s *RoomStore) scanRoom(row pgx.Row, notFound error) (domain.Room, error) {
	var raw []byte
	err := row.Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, notFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("load room: %w", err)
	}
	var room domain.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return domain.Room{}, fmt.Errorf("unmarshal room: %w", err)
	}
	return room, nil
}

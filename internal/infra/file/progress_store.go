// Package file persists client session progress as JSON files, so an
// interrupted quiz run survives a process restart.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"arquiz-live/internal/domain"
)

// ProgressStore keeps one progress file per room under dir.
type ProgressStore struct {
	dir string
}

func NewProgressStore(dir string) (*ProgressStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ProgressStore{dir: dir}, nil
}

func (s *ProgressStore) Load(_ context.Context, roomID string) (domain.SessionProgress, bool, error) {
	data, err := os.ReadFile(s.path(roomID))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.SessionProgress{}, false, nil
	}
	if err != nil {
		return domain.SessionProgress{}, false, err
	}
	var progress domain.SessionProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return domain.SessionProgress{}, false, err
	}
	return progress, true, nil
}

// Save writes atomically: a torn write must never corrupt existing progress.
func (s *ProgressStore) Save(_ context.Context, progress domain.SessionProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	tmp := s.path(progress.RoomID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(progress.RoomID))
}

func (s *ProgressStore) Clear(_ context.Context, roomID string) error {
	err := os.Remove(s.path(roomID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *ProgressStore) path(roomID string) string {
	return filepath.Join(s.dir, "progress-"+safeName(roomID)+".json")
}

// safeName keeps room ids from escaping the store directory.
func safeName(roomID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, roomID)
}

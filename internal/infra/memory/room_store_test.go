package memory

import (
	"context"
	"errors"
	"testing"

	"arquiz-live/internal/domain"
)

func TestRoomStoreLookupIgnoresCaseAndSpacing(t *testing.T) {
	store := NewRoomStore()
	room := domain.Room{ID: "room-1", AccessCode: "ABC123", QuizID: "quiz-1", Status: domain.RoomWaiting}
	if err := store.Save(context.Background(), room); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.ByAccessCode(context.Background(), "  abc123 ")
	if err != nil {
		t.Fatalf("by access code: %v", err)
	}
	if got.ID != "room-1" {
		t.Fatalf("expected room-1, got %s", got.ID)
	}
}

func TestRoomStoreReindexesChangedCodes(t *testing.T) {
	store := NewRoomStore()
	ctx := context.Background()
	if err := store.Save(ctx, domain.Room{ID: "room-1", AccessCode: "OLD111"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, domain.Room{ID: "room-1", AccessCode: "NEW222"}); err != nil {
		t.Fatalf("resave: %v", err)
	}

	if _, err := store.ByAccessCode(ctx, "OLD111"); !errors.Is(err, domain.ErrInvalidAccessCode) {
		t.Fatalf("expected stale code dropped, got %v", err)
	}
	room, err := store.ByAccessCode(ctx, "NEW222")
	if err != nil {
		t.Fatalf("new code: %v", err)
	}
	if room.ID != "room-1" {
		t.Fatalf("expected room-1, got %s", room.ID)
	}
}

func TestRoomStoreMissing(t *testing.T) {
	store := NewRoomStore()
	if _, err := store.ByID(context.Background(), "nope"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if _, err := store.ByAccessCode(context.Background(), "nope"); !errors.Is(err, domain.ErrInvalidAccessCode) {
		t.Fatalf("expected ErrInvalidAccessCode, got %v", err)
	}
}

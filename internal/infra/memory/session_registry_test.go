package memory

import (
	"context"
	"testing"

	"arquiz-live/internal/domain"
)

func TestSessionRegistryLifecycle(t *testing.T) {
	registry := NewSessionRegistry()
	room := domain.Room{ID: "room-1", QuizID: "quiz-1"}

	session := registry.GetOrCreate(room, sampleQuiz().Questions)
	if session == nil {
		t.Fatalf("expected session")
	}
	if again := registry.GetOrCreate(room, nil); again != session {
		t.Fatalf("expected the same session for the same room")
	}
	if _, ok := registry.Get("room-1"); !ok {
		t.Fatalf("expected session present")
	}

	registry.DeleteIfEmpty("room-1")
	if _, ok := registry.Get("room-1"); ok {
		t.Fatalf("expected session removed when empty")
	}
}

func TestProgressStoreLifecycle(t *testing.T) {
	store := NewProgressStore()
	ctx := context.Background()

	if _, ok, err := store.Load(ctx, "room-1"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	progress := domain.SessionProgress{RoomID: "room-1", CurrentQuestionIndex: 3, TimeRemaining: 42}
	if err := store.Save(ctx, progress); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load(ctx, "room-1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.CurrentQuestionIndex != 3 || got.TimeRemaining != 42 {
		t.Fatalf("unexpected progress %+v", got)
	}

	if err := store.Clear(ctx, "room-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := store.Load(ctx, "room-1"); ok {
		t.Fatalf("expected progress cleared")
	}
}

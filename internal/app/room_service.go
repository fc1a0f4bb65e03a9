// Package app contains the room use cases and the live session aggregate
// they operate on. Storage and transport are kept behind small interfaces
// defined here, on the consumer side.
package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"arquiz-live/internal/domain"
	"arquiz-live/internal/protocol"
	"arquiz-live/internal/roster"
)

// RoomRepository resolves and persists room metadata (in-memory, Redis,
// Postgres).
type RoomRepository interface {
	ByID(ctx context.Context, roomID string) (domain.Room, error)
	ByAccessCode(ctx context.Context, code string) (domain.Room, error)
	Save(ctx context.Context, room domain.Room) error
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// SessionRegistry tracks the live sessions.
type SessionRegistry interface {
	GetOrCreate(room domain.Room, questions []domain.Question) *RoomSession
	Get(roomID string) (*RoomSession, bool)
	DeleteIfEmpty(roomID string)
}

// RoomService contains the core room use cases.
type RoomService struct {
	rooms     RoomRepository
	quizzes   QuizRepository
	sessions  SessionRegistry
	joinToken string
	log       *slog.Logger
}

// NewRoomService wires the room use cases. joinToken is optional; when set,
// every join must present it.
func NewRoomService(rooms RoomRepository, quizzes QuizRepository, sessions SessionRegistry, joinToken string, log *slog.Logger) *RoomService {
	if log == nil {
		log = slog.Default()
	}
	return &RoomService{
		rooms:     rooms,
		quizzes:   quizzes,
		sessions:  sessions,
		joinToken: joinToken,
		log:       log.With(slog.String("component", "rooms")),
	}
}

// JoinResult is everything a freshly joined client needs to render the room.
type JoinResult struct {
	Room         domain.Room
	Self         domain.Participant
	Participants []domain.Participant
}

// Join admits a participant into the room behind an access code. Users cannot
// join rooms whose quiz content cannot be loaded.
func (s *RoomService) Join(ctx context.Context, req protocol.JoinRoom) (JoinResult, error) {
	if s.joinToken != "" && req.Token != s.joinToken {
		return JoinResult{}, domain.NewSyncError(domain.KindAuthentication, "join room", errors.New("invalid join token"))
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return JoinResult{}, domain.NewSyncError(domain.KindValidation, "join room", errors.New("a display name is required"))
	}

	room, err := s.rooms.ByAccessCode(ctx, req.AccessCode)
	if err != nil {
		return JoinResult{}, domain.NewSyncError(domain.KindRoomJoin, "join room", err)
	}
	if room.Status == domain.RoomFinished {
		return JoinResult{}, domain.NewSyncError(domain.KindRoomJoin, "join room", domain.ErrRoomClosed)
	}
	quiz, err := s.quizzes.GetQuiz(ctx, room.QuizID)
	if err != nil {
		return JoinResult{}, domain.NewSyncError(domain.KindServer, "join room", err)
	}

	session := s.sessions.GetOrCreate(room, quiz.Questions)
	self, participants := session.join(name, roster.MapRole(req.Role))
	sessionRoom, _ := session.snapshot()

	s.log.Info("participant joined",
		slog.String("room", room.ID),
		slog.String("participant", self.ID),
		slog.String("role", string(self.Role)))
	return JoinResult{Room: sessionRoom, Self: self, Participants: participants}, nil
}

// SubmitAnswer scores and locks an answer for a participant.
func (s *RoomService) SubmitAnswer(ctx context.Context, roomID, participantID string, sub protocol.SubmitAnswer) (SubmitResult, error) {
	session, ok := s.sessions.Get(roomID)
	if !ok {
		return SubmitResult{}, domain.ErrSessionNotFound
	}
	result, err := session.submit(participantID, sub)
	if err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// StartQuiz flips the room live at a teacher's request and persists the new
// room status.
func (s *RoomService) StartQuiz(ctx context.Context, roomID, participantID string) (time.Time, error) {
	session, ok := s.sessions.Get(roomID)
	if !ok {
		return time.Time{}, domain.ErrSessionNotFound
	}
	room, startedAt, err := session.start(participantID)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.rooms.Save(ctx, room); err != nil {
		s.log.Warn("persisting started room failed",
			slog.String("room", roomID), slog.Any("error", err))
	}
	return startedAt, nil
}

// Kick removes a participant at the host's request.
func (s *RoomService) Kick(_ context.Context, roomID, byID, targetID, reason string) error {
	session, ok := s.sessions.Get(roomID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	if err := session.kick(byID, targetID, reason); err != nil {
		return err
	}
	s.sessions.DeleteIfEmpty(roomID)
	return nil
}

// Leave removes a participant and drops the session once it is empty.
func (s *RoomService) Leave(_ context.Context, roomID, participantID string) {
	session, ok := s.sessions.Get(roomID)
	if !ok {
		return
	}
	session.leave(participantID)
	s.sessions.DeleteIfEmpty(roomID)
}

// Disconnected flags a dropped connection without removing the participant,
// so a rejoin within the session's lifetime restores their score.
func (s *RoomService) Disconnected(roomID, participantID string) {
	session, ok := s.sessions.Get(roomID)
	if !ok {
		return
	}
	session.markDisconnected(participantID)
}

// Subscribe returns a channel that receives the session's event fan-out.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *RoomService) Subscribe(roomID, participantID string) (<-chan protocol.Envelope, func(), error) {
	session, ok := s.sessions.Get(roomID)
	if !ok {
		return nil, nil, domain.ErrSessionNotFound
	}
	ch, cancel := session.subscribe(participantID)
	return ch, cancel, nil
}

// Snapshot returns the room's live status and roster.
func (s *RoomService) Snapshot(roomID string) (domain.Room, []domain.Participant, error) {
	session, ok := s.sessions.Get(roomID)
	if !ok {
		return domain.Room{}, nil, domain.ErrSessionNotFound
	}
	room, participants := session.snapshot()
	return room, participants, nil
}

// RoomByID reads room metadata straight from the repository.
func (s *RoomService) RoomByID(ctx context.Context, roomID string) (domain.Room, error) {
	return s.rooms.ByID(ctx, roomID)
}

// RoomByAccessCode reads room metadata by its access code.
func (s *RoomService) RoomByAccessCode(ctx context.Context, code string) (domain.Room, error) {
	return s.rooms.ByAccessCode(ctx, code)
}

// QuizQuestions loads the question list clients render locally.
func (s *RoomService) QuizQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	return quiz.Questions, nil
}

package app

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"arquiz-live/internal/domain"
	"arquiz-live/internal/protocol"
)

// RoomSession is the live state of one competition room. It owns the roster,
// the locked answers, and the fan-out to connected clients.
type RoomSession struct {
	id        string
	createdAt time.Time
	now       func() time.Time
	newID     func() string

	mu           sync.RWMutex
	room         domain.Room
	questions    []domain.Question
	startedAt    time.Time
	participants map[string]*domain.Participant
	answers      map[string]map[int]lockedAnswer
	subscribers  map[chan protocol.Envelope]string
}

// lockedAnswer is a participant's final answer for one question. Once
// recorded it never changes.
type lockedAnswer struct {
	Selected string
	Correct  bool
	Awarded  int
	At       time.Time
}

// SubmitResult is what a submission earned and how the client should react.
type SubmitResult struct {
	Correct     bool
	Awarded     int
	TotalScore  int
	AutoAdvance bool
}

// NewRoomSession is exported for registries that need to seed sessions.
func NewRoomSession(room domain.Room, questions []domain.Question) *RoomSession {
	return newRoomSessionWithClock(room, questions, time.Now)
}

// NewRoomSessionWithClock is test-only for deterministic timestamps.
func NewRoomSessionWithClock(room domain.Room, questions []domain.Question, now func() time.Time) *RoomSession {
	return newRoomSessionWithClock(room, questions, now)
}

func newRoomSessionWithClock(room domain.Room, questions []domain.Question, now func() time.Time) *RoomSession {
	return &RoomSession{
		id:           room.ID,
		createdAt:    now(),
		now:          now,
		newID:        uuid.NewString,
		room:         room,
		questions:    append([]domain.Question(nil), questions...),
		participants: make(map[string]*domain.Participant),
		answers:      make(map[string]map[int]lockedAnswer),
		subscribers:  make(map[chan protocol.Envelope]string),
	}
}

// join registers a participant, or revives their record when someone rejoins
// under the same name and role after a dropped connection. The first teacher
// to join hosts the room.
func (s *RoomSession) join(name string, role domain.Role) (domain.Participant, []domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var self *domain.Participant
	for _, p := range s.participants {
		if p.Name == name && p.Role == role && p.Status == domain.StatusDisconnected {
			self = p
			break
		}
	}
	if self == nil {
		self = &domain.Participant{
			ID:   s.newID(),
			Name: name,
			Role: role,
		}
		if role == domain.RoleTeacher && !s.hasHostLocked() {
			self.IsHost = true
		}
		s.participants[self.ID] = self
	}
	self.Status = domain.StatusConnected
	self.LastActivity = now

	s.broadcastLocked(protocol.EventParticipantJoined, protocol.ParticipantJoined{
		Participant: protocol.FromParticipant(*self),
	})
	return *self, s.rosterLocked()
}

func (s *RoomSession) hasHostLocked() bool {
	for _, p := range s.participants {
		if p.IsHost {
			return true
		}
	}
	return false
}

func (s *RoomSession) leave(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[participantID]; !ok {
		return
	}
	delete(s.participants, participantID)
	delete(s.answers, participantID)
	s.broadcastLocked(protocol.EventParticipantLeft, protocol.ParticipantLeft{ParticipantID: participantID})
}

// markDisconnected keeps the participant on the roster so a quick rejoin
// restores their score, but flags them for everyone else.
func (s *RoomSession) markDisconnected(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok || p.Status == domain.StatusDisconnected {
		return
	}
	p.Status = domain.StatusDisconnected
	p.LastActivity = s.now()
	s.broadcastLocked(protocol.EventParticipantUpdated, protocol.ParticipantUpdated{
		Participant: protocol.FromParticipant(*p),
	})
}

// submit scores and locks a participant's answer for one question.
func (s *RoomSession) submit(participantID string, sub protocol.SubmitAnswer) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return SubmitResult{}, domain.ErrParticipantNotFound
	}
	question, index, err := s.questionLocked(sub)
	if err != nil {
		return SubmitResult{}, err
	}
	if _, done := s.answers[participantID][index]; done {
		return SubmitResult{}, domain.ErrAlreadySubmitted
	}

	correct, points := scoreAnswer(question, sub.SelectedOption)
	awarded := 0
	if correct {
		awarded = points
	}
	if s.answers[participantID] == nil {
		s.answers[participantID] = make(map[int]lockedAnswer)
	}
	s.answers[participantID][index] = lockedAnswer{
		Selected: sub.SelectedOption,
		Correct:  correct,
		Awarded:  awarded,
		At:       s.now(),
	}

	p.Score += awarded
	p.CurrentQuestionIndex = index
	p.LastActivity = s.now()
	if len(s.answers[participantID]) == len(s.questions) {
		p.Status = domain.StatusFinished
	} else {
		p.Status = domain.StatusAnswering
	}

	s.broadcastLocked(protocol.EventParticipantUpdated, protocol.ParticipantUpdated{
		Participant: protocol.FromParticipant(*p),
	})
	return SubmitResult{
		Correct:     correct,
		Awarded:     awarded,
		TotalScore:  p.Score,
		AutoAdvance: s.room.TimeMode == domain.TimePerQuestion,
	}, nil
}

// questionLocked resolves a submission to a question. The id wins when both
// are present so clients that shuffle locally still score correctly.
func (s *RoomSession) questionLocked(sub protocol.SubmitAnswer) (domain.Question, int, error) {
	if sub.QuestionID != "" {
		for i := range s.questions {
			if s.questions[i].ID == sub.QuestionID {
				return s.questions[i], i, nil
			}
		}
		return domain.Question{}, 0, domain.ErrQuestionNotFound
	}
	if sub.QuestionIndex < 0 || sub.QuestionIndex >= len(s.questions) {
		return domain.Question{}, 0, domain.ErrQuestionNotFound
	}
	return s.questions[sub.QuestionIndex], sub.QuestionIndex, nil
}

// start flips the room live. Idempotent: a second start keeps the original
// start time.
func (s *RoomSession) start(participantID string) (domain.Room, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantID]
	if !ok {
		return domain.Room{}, time.Time{}, domain.ErrParticipantNotFound
	}
	if p.Role != domain.RoleTeacher {
		return domain.Room{}, time.Time{}, domain.ErrNotAuthorized
	}
	if s.room.Status == domain.RoomActive {
		return s.room, s.startedAt, nil
	}

	s.room.Status = domain.RoomActive
	s.startedAt = s.now()
	s.broadcastLocked(protocol.EventQuizStarted, protocol.QuizStarted{
		RoomID:    s.id,
		StartedAt: s.startedAt,
	})
	return s.room, s.startedAt, nil
}

// kick removes a participant at the host's request. The target gets a
// targeted notice and their subscriptions are closed so the transport tears
// down.
func (s *RoomSession) kick(byID, targetID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	by, ok := s.participants[byID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	if by.Role != domain.RoleTeacher {
		return domain.ErrNotAuthorized
	}
	if _, ok := s.participants[targetID]; !ok {
		return domain.ErrParticipantNotFound
	}

	if env, err := protocol.NewEnvelope(protocol.EventKickedFromRoom, protocol.KickedFromRoom{
		Reason:    reason,
		RoomID:    s.id,
		Timestamp: s.now(),
	}); err == nil {
		for ch, pid := range s.subscribers {
			if pid != targetID {
				continue
			}
			s.deliverLocked(ch, env)
			delete(s.subscribers, ch)
			close(ch)
		}
	}

	delete(s.participants, targetID)
	delete(s.answers, targetID)
	s.broadcastLocked(protocol.EventParticipantLeft, protocol.ParticipantLeft{ParticipantID: targetID})
	return nil
}

func (s *RoomSession) snapshot() (domain.Room, []domain.Participant) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room, s.rosterLocked()
}

func (s *RoomSession) isEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants) == 0
}

// IsEmpty reports whether the session has no participants left.
func (s *RoomSession) IsEmpty() bool {
	return s.isEmpty()
}

// subscribe returns a channel fed with every event the session fans out.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *RoomSession) subscribe(participantID string) (<-chan protocol.Envelope, func()) {
	ch := make(chan protocol.Envelope, 8)

	s.mu.Lock()
	s.subscribers[ch] = participantID
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *RoomSession) broadcastLocked(event protocol.Event, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	for ch := range s.subscribers {
		s.deliverLocked(ch, env)
	}
}

// deliverLocked drops the oldest queued event rather than letting a slow
// client block the whole room.
func (s *RoomSession) deliverLocked(ch chan protocol.Envelope, env protocol.Envelope) {
	select {
	case ch <- env:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- env
	}
}

// rosterLocked snapshots the roster ordered by score, earliest scorer first
// on ties, then name.
func (s *RoomSession) rosterLocked() []domain.Participant {
	roster := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		roster = append(roster, *p)
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].Score != roster[j].Score {
			return roster[i].Score > roster[j].Score
		}
		if !roster[i].LastActivity.Equal(roster[j].LastActivity) {
			return roster[i].LastActivity.Before(roster[j].LastActivity)
		}
		return roster[i].Name < roster[j].Name
	})
	return roster
}

// scoreAnswer checks the selected option against the question and returns
// (correct, points). Unweighted questions are worth a single point; an option
// the question does not offer is simply wrong.
func scoreAnswer(question domain.Question, selected string) (bool, int) {
	points := question.Points
	if points == 0 {
		points = 1
	}
	for i := range question.Options {
		if question.Options[i].Text == selected {
			if question.Options[i].IsCorrect {
				return true, points
			}
			return false, 0
		}
	}
	return false, 0
}

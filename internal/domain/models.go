package domain

import "time"

// Role identifies what a participant is allowed to do in a room.
type Role string

const (
	RoleTeacher   Role = "teacher"
	RoleStudent   Role = "student"
	RoleModerator Role = "moderator"
	RoleObserver  Role = "observer"
)

// ParticipantStatus is the canonical activity state of a roster entry.
type ParticipantStatus string

const (
	StatusConnected    ParticipantStatus = "connected"
	StatusAnswering    ParticipantStatus = "answering"
	StatusFinished     ParticipantStatus = "finished"
	StatusDisconnected ParticipantStatus = "disconnected"
)

// Participant is the canonical roster entry after deduplication and
// normalization. Identity is multi-key: two records refer to the same
// participant when they share a non-empty ID, UserID, Email, or Name
// (the placeholder "Unknown" never matches).
type Participant struct {
	ID                   string            `json:"id"`
	UserID               string            `json:"userId,omitempty"`
	Name                 string            `json:"name"`
	Email                string            `json:"email,omitempty"`
	Role                 Role              `json:"role"`
	Status               ParticipantStatus `json:"status"`
	Score                int               `json:"score"`
	CurrentQuestionIndex int               `json:"currentQuestionIndex"`
	IsHost               bool              `json:"isHost"`
	LastActivity         time.Time         `json:"lastActivity"`
}

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomActive   RoomStatus = "active"
	RoomPaused   RoomStatus = "paused"
	RoomFinished RoomStatus = "finished"
)

// TimeMode selects how the countdown is applied.
type TimeMode string

const (
	// TimePerQuestion gives every question its own countdown; submissions
	// lock once made and the quiz auto-advances on timeout.
	TimePerQuestion TimeMode = "per_question"
	// TimePerQuiz runs a single countdown over the whole quiz and leaves
	// navigation between questions free until submission or timeout.
	TimePerQuiz TimeMode = "per_quiz"
)

// ShowAnswersPolicy controls when correct answers are revealed to students.
type ShowAnswersPolicy string

const (
	ShowAnswersImmediately   ShowAnswersPolicy = "immediately"
	ShowAnswersAfterQuestion ShowAnswersPolicy = "after_question"
	ShowAnswersAtEnd         ShowAnswersPolicy = "at_end"
)

// Room is a live competition instance bound to one quiz and one access code.
// The server creates it; clients mirror it read-only.
type Room struct {
	ID                 string            `json:"id"`
	AccessCode         string            `json:"accessCode"`
	QuizID             string            `json:"quizId"`
	Status             RoomStatus        `json:"status"`
	TimeMode           TimeMode          `json:"timeMode"`
	TimePerQuestionSec int               `json:"timePerQuestionSec,omitempty"`
	TimePerQuizSec     int               `json:"timePerQuizSec,omitempty"`
	ShuffleQuestions   bool              `json:"shuffleQuestions"`
	ShowAnswersWhen    ShowAnswersPolicy `json:"showAnswersWhen,omitempty"`
}

// Option is a possible answer for a question. Options are addressed by text
// on the wire, so texts must be unique within one question.
type Option struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// Question is immutable once fetched for a session.
type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Options      []Option `json:"options"`
	TimeLimitSec int      `json:"timeLimitSec,omitempty"`
	Type         string   `json:"type,omitempty"`
	Points       int      `json:"points,omitempty"` // defaults to 1 if zero
}

// Quiz is a collection of questions in presentation order.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// AnswerHistory records every selection a participant made for one question
// before submission was finalized. Append-only until finalized.
type AnswerHistory struct {
	SelectedAnswers []string    `json:"selectedAnswers"`
	Timestamps      []time.Time `json:"timestamps"`
	FinalAnswer     string      `json:"finalAnswer"`
	ChangesCount    int         `json:"changesCount"`
	ResponseTimeMs  int64       `json:"responseTimeMs"`
}

// Clone returns an independent copy of the history.
func (h AnswerHistory) Clone() AnswerHistory {
	out := h
	out.SelectedAnswers = append([]string(nil), h.SelectedAnswers...)
	out.Timestamps = append([]time.Time(nil), h.Timestamps...)
	return out
}

// CompetitionStatus is the session state machine's current state.
type CompetitionStatus string

const (
	CompetitionWaiting  CompetitionStatus = "waiting"
	CompetitionActive   CompetitionStatus = "active"
	CompetitionPaused   CompetitionStatus = "paused"
	CompetitionFinished CompetitionStatus = "finished"
)

// CompetitionState is the mutable aggregate for one participant's run through
// a quiz. The session controller owns it exclusively; everyone else sees
// copies via Clone.
type CompetitionState struct {
	Status               CompetitionStatus
	CurrentQuestionIndex int
	Questions            []Question
	TimeRemaining        int // seconds
	TotalQuizTime        int // seconds, per-quiz mode only
	UserScore            int
	SelectedAnswers      map[int]string
	AnswerHistory        map[int]*AnswerHistory
	SubmittedAnswers     map[int]struct{}
	StartTime            time.Time
}

// NewCompetitionState returns an empty aggregate with initialized containers.
func NewCompetitionState() CompetitionState {
	return CompetitionState{
		Status:           CompetitionWaiting,
		SelectedAnswers:  make(map[int]string),
		AnswerHistory:    make(map[int]*AnswerHistory),
		SubmittedAnswers: make(map[int]struct{}),
	}
}

// Clone deep-copies the aggregate so callers can read it without racing the
// owner.
func (s CompetitionState) Clone() CompetitionState {
	out := s
	out.Questions = append([]Question(nil), s.Questions...)
	out.SelectedAnswers = make(map[int]string, len(s.SelectedAnswers))
	for k, v := range s.SelectedAnswers {
		out.SelectedAnswers[k] = v
	}
	out.AnswerHistory = make(map[int]*AnswerHistory, len(s.AnswerHistory))
	for k, v := range s.AnswerHistory {
		if v == nil {
			continue
		}
		h := v.Clone()
		out.AnswerHistory[k] = &h
	}
	out.SubmittedAnswers = make(map[int]struct{}, len(s.SubmittedAnswers))
	for k := range s.SubmittedAnswers {
		out.SubmittedAnswers[k] = struct{}{}
	}
	return out
}

// Submitted reports whether the question at index was already submitted.
func (s CompetitionState) Submitted(index int) bool {
	_, ok := s.SubmittedAnswers[index]
	return ok
}

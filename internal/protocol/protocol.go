// Package protocol defines the message contract between room clients and the
// room server: a closed catalog of event names and the payload shape carried
// by each. Both sides log and ignore events outside the catalog instead of
// failing the handler chain.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"arquiz-live/internal/domain"
)

// Event names one message type in the catalog.
type Event string

// Client-to-server events.
const (
	EventJoinRoom            Event = "join_room"
	EventLeaveRoom           Event = "leave_room"
	EventStartQuiz           Event = "start_quiz"
	EventSubmitAnswer        Event = "submit_answer"
	EventRefreshParticipants Event = "refresh_participants"
	EventKickParticipant     Event = "kick_participant"
	EventPing                Event = "ping"
	EventSyncRequest         Event = "sync_request"
)

// Server-to-client events.
const (
	EventRoomJoined          Event = "room_joined"
	EventParticipantJoined   Event = "participant_joined"
	EventParticipantLeft     Event = "participant_left"
	EventParticipantUpdated  Event = "participant_updated"
	EventParticipantsUpdated Event = "participants_updated"
	EventQuizStarted         Event = "quiz_started"
	EventAnswerSubmitted     Event = "answer_submitted"
	EventKickedFromRoom      Event = "kicked_from_room"
	EventPong                Event = "pong"
	EventSyncResponse        Event = "sync_response"
	EventError               Event = "error"
)

var catalog = map[Event]struct{}{
	EventJoinRoom:            {},
	EventLeaveRoom:           {},
	EventStartQuiz:           {},
	EventSubmitAnswer:        {},
	EventRefreshParticipants: {},
	EventKickParticipant:     {},
	EventPing:                {},
	EventSyncRequest:         {},
	EventRoomJoined:          {},
	EventParticipantJoined:   {},
	EventParticipantLeft:     {},
	EventParticipantUpdated:  {},
	EventParticipantsUpdated: {},
	EventQuizStarted:         {},
	EventAnswerSubmitted:     {},
	EventKickedFromRoom:      {},
	EventPong:                {},
	EventSyncResponse:        {},
	EventError:               {},
}

// Known reports whether the event is part of the catalog.
func Known(e Event) bool {
	_, ok := catalog[e]
	return ok
}

// Envelope is the wire frame: a type tag plus the raw payload.
type Envelope struct {
	Type    Event           `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event Event, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Type: event, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RawParticipant is a roster record as delivered by the server. Different
// event sources populate different subsets of the identity fields, which is
// why roster deduplication matches on several keys.
type RawParticipant struct {
	ID                   string     `json:"id,omitempty"`
	UserID               string     `json:"userId,omitempty"`
	DisplayName          string     `json:"displayName,omitempty"`
	Username             string     `json:"username,omitempty"`
	Name                 string     `json:"name,omitempty"`
	Email                string     `json:"email,omitempty"`
	Role                 string     `json:"role,omitempty"`
	Status               string     `json:"status,omitempty"`
	Score                int        `json:"score,omitempty"`
	CurrentQuestionIndex int        `json:"currentQuestionIndex,omitempty"`
	IsHost               bool       `json:"isHost,omitempty"`
	LastActivity         *time.Time `json:"lastActivity,omitempty"`
	User                 *RawUser   `json:"user,omitempty"`
}

// FromParticipant flattens a canonical participant into its wire form.
func FromParticipant(p domain.Participant) RawParticipant {
	raw := RawParticipant{
		ID:                   p.ID,
		UserID:               p.UserID,
		Name:                 p.Name,
		Email:                p.Email,
		Role:                 string(p.Role),
		Status:               string(p.Status),
		Score:                p.Score,
		CurrentQuestionIndex: p.CurrentQuestionIndex,
		IsHost:               p.IsHost,
	}
	if !p.LastActivity.IsZero() {
		at := p.LastActivity
		raw.LastActivity = &at
	}
	return raw
}

// FromParticipants converts a roster snapshot for the wire.
func FromParticipants(ps []domain.Participant) []RawParticipant {
	raw := make([]RawParticipant, 0, len(ps))
	for _, p := range ps {
		raw = append(raw, FromParticipant(p))
	}
	return raw
}

// RawUser is the nested account record some sources attach to a participant.
type RawUser struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// JoinRoom asks to enter the room behind an access code.
type JoinRoom struct {
	AccessCode string `json:"accessCode"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Token      string `json:"token,omitempty"`
}

// LeaveRoom announces a deliberate exit.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// StartQuiz asks the server to move the room into its active phase.
type StartQuiz struct {
	RoomID string `json:"roomId"`
}

// AnswerRecord mirrors one question's change history for submission metadata.
type AnswerRecord struct {
	SelectedAnswers []string    `json:"selectedAnswers"`
	Timestamps      []time.Time `json:"timestamps"`
	FinalAnswer     string      `json:"finalAnswer"`
	ChangesCount    int         `json:"changesCount"`
}

// SubmitAnswer carries a finalized answer plus its change history.
type SubmitAnswer struct {
	RoomID         string       `json:"roomId"`
	QuestionID     string       `json:"questionId,omitempty"`
	QuestionIndex  int          `json:"questionIndex"`
	SelectedOption string       `json:"selectedOption"`
	ResponseTimeMs int64        `json:"responseTime"`
	AnswerChanges  int          `json:"answerChanges"`
	AnswerHistory  AnswerRecord `json:"answerHistory"`
}

// RefreshParticipants asks for a fresh roster broadcast.
type RefreshParticipants struct {
	RoomID string `json:"roomId"`
}

// KickParticipant removes a participant from the room. Teachers and hosts
// only.
type KickParticipant struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason,omitempty"`
}

// Ping carries the sender's clock reading in Unix milliseconds; the matching
// Pong echoes it back so one side can measure round-trip latency.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a Ping with the original timestamp.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// SyncRequest asks for a full room snapshot after a reconnect, since events
// during the outage window are not replayed.
type SyncRequest struct {
	RoomID string `json:"roomId"`
}

// RoomJoined confirms a join with the room mirror, the caller's participant
// id, and a roster snapshot.
type RoomJoined struct {
	Room          domain.Room      `json:"room"`
	ParticipantID string           `json:"participantId"`
	Participants  []RawParticipant `json:"participants"`
}

// ParticipantJoined announces a single new roster entry.
type ParticipantJoined struct {
	Participant RawParticipant `json:"participant"`
}

// ParticipantLeft announces a departure by id.
type ParticipantLeft struct {
	ParticipantID string `json:"participantId"`
}

// ParticipantUpdated carries one changed roster entry.
type ParticipantUpdated struct {
	Participant RawParticipant `json:"participant"`
}

// ParticipantsUpdated carries a full roster snapshot.
type ParticipantsUpdated struct {
	Participants []RawParticipant `json:"participants"`
}

// QuizStarted tells room members the competition is live.
type QuizStarted struct {
	RoomID    string    `json:"roomId"`
	StartedAt time.Time `json:"startedAt"`
}

// AnswerSubmitted acknowledges one submission. Score and AutoAdvance are
// omitted when the server rejects the answer.
type AnswerSubmitted struct {
	Success     bool   `json:"success"`
	Score       *int   `json:"score,omitempty"`
	AutoAdvance *bool  `json:"autoAdvance,omitempty"`
	Error       string `json:"error,omitempty"`
}

// KickedFromRoom is terminal for the receiving session: the client tears the
// connection down and must not reconnect to the same room.
type KickedFromRoom struct {
	Reason    string    `json:"reason"`
	RoomID    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncResponse is the full snapshot answering a SyncRequest.
type SyncResponse struct {
	Room         domain.Room      `json:"room"`
	Participants []RawParticipant `json:"participants"`
}

// ErrorPayload reports a failure tied to the sender's last request.
type ErrorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

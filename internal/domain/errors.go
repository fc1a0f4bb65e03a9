package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRoomNotFound is returned when no room matches the given id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidAccessCode indicates the access code matches no open room.
	ErrInvalidAccessCode = errors.New("invalid access code")
	// ErrRoomClosed indicates the room exists but no longer accepts joins.
	ErrRoomClosed = errors.New("room is closed")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrSessionNotFound is returned when a live room session does not exist.
	ErrSessionNotFound = errors.New("room session not found")
	// ErrParticipantNotFound is returned when a user acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in room")
	// ErrQuestionNotFound indicates a submitted question index is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrAlreadySubmitted indicates the question was answered and locked.
	ErrAlreadySubmitted = errors.New("answer already submitted")
	// ErrEmptyAnswer indicates a submission without a selected option.
	ErrEmptyAnswer = errors.New("no answer selected")
	// ErrNotConnected indicates an emit was attempted without a transport.
	ErrNotConnected = errors.New("not connected")
	// ErrMaxRetries is terminal: the reconnect budget is exhausted and the
	// session must be reloaded by the user.
	ErrMaxRetries = errors.New("maximum reconnection attempts reached")
	// ErrSessionFinished indicates the competition reached a terminal state
	// and accepts no further mutation.
	ErrSessionFinished = errors.New("session is finished")
	// ErrNotAuthorized indicates the actor lacks the role for an operation.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrKicked indicates the participant was removed by the host.
	ErrKicked = errors.New("kicked from room")
)

// ErrorKind buckets a failure for propagation policy decisions: connection
// errors are retryable, validation errors never leave the client, kicks and
// exhausted retries are terminal.
type ErrorKind string

const (
	KindConnection     ErrorKind = "connection"
	KindAuthentication ErrorKind = "authentication"
	KindRoomJoin       ErrorKind = "room_join"
	KindValidation     ErrorKind = "validation"
	KindServer         ErrorKind = "server"
	KindClient         ErrorKind = "client"
)

// SyncError carries the taxonomy kind alongside the underlying cause.
type SyncError struct {
	Kind     ErrorKind
	Op       string
	Err      error
	Terminal bool
}

func (e *SyncError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError wraps err with a taxonomy kind.
func NewSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// NewTerminalError wraps err as non-retryable: the session cannot continue
// without a full reload.
func NewTerminalError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err, Terminal: true}
}

// KindOf extracts the taxonomy kind from err, defaulting to KindClient.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindClient
}

// IsTerminal reports whether err rules out retrying within this session.
func IsTerminal(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Terminal
	}
	return false
}

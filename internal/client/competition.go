package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"arquiz-live/internal/domain"
	"arquiz-live/internal/protocol"
	"arquiz-live/internal/roster"
)

// ProgressStore persists one participant's run through a quiz, keyed by room
// id, so a page reload can resume mid-session.
type ProgressStore interface {
	Load(ctx context.Context, roomID string) (domain.SessionProgress, bool, error)
	Save(ctx context.Context, progress domain.SessionProgress) error
	Clear(ctx context.Context, roomID string) error
}

// CompetitionConfig tunes one session controller. Zero fields fall back to
// defaults.
type CompetitionConfig struct {
	// BasePerQuestionSec is the per-question countdown used when neither the
	// room nor the question configures one, and the multiplier for deriving
	// a per-quiz total from the question count.
	BasePerQuestionSec int
	JoinTimeout        time.Duration
	SubmitTimeout      time.Duration
	// JoinToken is attached to join_room when the room service requires one.
	JoinToken string
	// ShuffleSeed makes question shuffling deterministic; zero seeds from
	// the clock.
	ShuffleSeed int64
	// Notifier receives user-visible notices; nil installs a throttled
	// log-backed one.
	Notifier Notifier
}

func (c CompetitionConfig) withDefaults() CompetitionConfig {
	if c.BasePerQuestionSec <= 0 {
		c.BasePerQuestionSec = 30
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	return c
}

// Competition drives one participant's quiz session: it loads room and
// question data over REST, joins the room over the websocket, reconciles the
// roster, runs the countdown, records and submits answers, and persists
// progress after every meaningful change.
//
// All mutation of the aggregate happens under one mutex, whether it arrives
// from a timer tick, a socket event, or a user intent, so every transition
// reads the state it modifies.
type Competition struct {
	api    RoomAPI
	store  ProgressStore
	conn   *Connection
	cfg    CompetitionConfig
	log    *slog.Logger
	now    func() time.Time
	notify Notifier
	rand   *rand.Rand

	mu                sync.Mutex
	room              domain.Room
	state             domain.CompetitionState
	participants      []domain.Participant
	selfID            string
	name              string
	role              domain.Role
	isTeacher         bool
	kicked            bool
	terminalErr       error
	questionStartedAt time.Time

	unsubs []func()
}

// NewCompetition wires a controller to its collaborators and registers its
// protocol handlers on conn. log and now may be nil.
func NewCompetition(api RoomAPI, store ProgressStore, conn *Connection, cfg CompetitionConfig, log *slog.Logger, now func() time.Time) *Competition {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	cfg = cfg.withDefaults()

	m := &Competition{
		api:    api,
		store:  store,
		conn:   conn,
		cfg:    cfg,
		log:    log.With(slog.String("component", "competition")),
		now:    now,
		notify: cfg.Notifier,
		state:  domain.NewCompetitionState(),
	}
	if m.notify == nil {
		m.notify = NewThrottledNotifier(NewLogNotifier(log), 0, now)
	}
	seed := cfg.ShuffleSeed
	if seed == 0 {
		seed = now().UnixNano()
	}
	m.rand = rand.New(rand.NewSource(seed))

	m.unsubs = []func(){
		conn.On(protocol.EventRoomJoined, m.handleRoomJoined),
		conn.On(protocol.EventParticipantJoined, m.handleParticipantUpsert),
		conn.On(protocol.EventParticipantUpdated, m.handleParticipantUpsert),
		conn.On(protocol.EventParticipantLeft, m.handleParticipantLeft),
		conn.On(protocol.EventParticipantsUpdated, m.handleParticipantsUpdated),
		conn.On(protocol.EventQuizStarted, m.handleQuizStarted),
		conn.On(protocol.EventKickedFromRoom, m.handleKicked),
		conn.On(protocol.EventSyncResponse, m.handleSyncResponse),
		conn.On(protocol.EventError, m.handleServerError),
		conn.OnStateChange(m.handleConnState),
	}
	return m
}

// Close unhooks the controller from the connection and tears the transport
// down.
func (m *Competition) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.conn.Disconnect("session closed")
}

// LoadByAccessCode cold-starts the session from an access code.
func (m *Competition) LoadByAccessCode(ctx context.Context, code string) error {
	room, err := m.api.RoomByAccessCode(ctx, code)
	if err != nil {
		return err
	}
	return m.load(ctx, room)
}

// LoadRoom cold-starts the session from a known room id.
func (m *Competition) LoadRoom(ctx context.Context, roomID string) error {
	room, err := m.api.RoomDetails(ctx, roomID)
	if err != nil {
		return err
	}
	return m.load(ctx, room)
}

// load fetches questions, applies the shuffle once, resolves timing by the
// canonical rule (explicit per-quiz time wins, else question count times the
// per-question base), then hydrates any stored progress for the room.
func (m *Competition) load(ctx context.Context, room domain.Room) error {
	questions, err := m.api.QuizQuestions(ctx, room.QuizID)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		return domain.NewSyncError(domain.KindServer, "load quiz", fmt.Errorf("quiz %s has no questions", room.QuizID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.room = room
	state := domain.NewCompetitionState()
	state.Questions = append([]domain.Question(nil), questions...)
	if room.ShuffleQuestions {
		m.rand.Shuffle(len(state.Questions), func(i, j int) {
			state.Questions[i], state.Questions[j] = state.Questions[j], state.Questions[i]
		})
	}
	m.state = state
	if room.TimeMode == domain.TimePerQuiz {
		m.state.TotalQuizTime = m.totalQuizTimeLocked()
		m.state.TimeRemaining = m.state.TotalQuizTime
	} else {
		m.state.TimeRemaining = m.questionLimitLocked(0)
	}
	m.questionStartedAt = m.now()

	m.hydrateLocked(ctx, len(questions))
	m.log.Info("session loaded",
		slog.String("room", room.ID),
		slog.Int("questions", len(m.state.Questions)),
		slog.String("timeMode", string(room.TimeMode)))
	return nil
}

// hydrateLocked restores stored progress for the current room. Progress whose
// question count no longer matches the quiz is discarded as stale. For
// per-quiz timing the remainder is recomputed from the stored start so time
// spent away still counts; per-question timing keeps the stored remainder.
func (m *Competition) hydrateLocked(ctx context.Context, questionCount int) {
	stored, ok, err := m.store.Load(ctx, m.room.ID)
	if err != nil {
		m.log.Warn("stored progress unreadable, starting fresh", slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	if len(stored.Questions) != questionCount {
		m.log.Warn("stored progress is stale, discarding",
			slog.Int("stored", len(stored.Questions)),
			slog.Int("fetched", questionCount))
		if err := m.store.Clear(ctx, m.room.ID); err != nil {
			m.log.Warn("clearing stale progress failed", slog.Any("error", err))
		}
		return
	}

	restored := stored.State()
	if m.room.TimeMode == domain.TimePerQuiz {
		restored.TotalQuizTime = m.state.TotalQuizTime
		if restored.Status == domain.CompetitionActive {
			elapsed := int(m.now().Sub(restored.StartTime).Seconds())
			remaining := restored.TotalQuizTime - elapsed
			if remaining < 0 {
				remaining = 0
			}
			restored.TimeRemaining = remaining
		}
	}
	m.state = restored
	m.questionStartedAt = m.now()
	m.log.Info("restored stored progress",
		slog.String("room", m.room.ID),
		slog.String("status", string(restored.Status)),
		slog.Int("question", restored.CurrentQuestionIndex))
}

// Join enters the loaded room under the given name and role, blocking until
// the server confirms or the join timeout elapses.
func (m *Competition) Join(ctx context.Context, name string, role domain.Role) error {
	m.mu.Lock()
	if m.kicked {
		err := m.terminalErr
		m.mu.Unlock()
		return err
	}
	if m.room.AccessCode == "" {
		m.mu.Unlock()
		return domain.NewSyncError(domain.KindValidation, "join", errors.New("no room loaded"))
	}
	m.name = name
	m.role = role
	m.isTeacher = role == domain.RoleTeacher
	payload := protocol.JoinRoom{
		AccessCode: m.room.AccessCode,
		Name:       name,
		Role:       string(role),
		Token:      m.cfg.JoinToken,
	}
	m.mu.Unlock()

	joinCtx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()
	env, err := m.conn.EmitWithReply(joinCtx, protocol.EventJoinRoom, payload, protocol.EventRoomJoined)
	if err != nil {
		return err
	}
	var joined protocol.RoomJoined
	if err := env.Decode(&joined); err != nil {
		return domain.NewSyncError(domain.KindServer, "join", err)
	}
	m.applyRoomJoined(joined)
	return nil
}

// StartQuiz asks the server to start the competition. Teacher intent; the
// state flips when the quiz_started broadcast comes back.
func (m *Competition) StartQuiz() error {
	m.mu.Lock()
	roomID := m.room.ID
	isTeacher := m.isTeacher
	m.mu.Unlock()
	if !isTeacher {
		return domain.NewSyncError(domain.KindValidation, "start quiz", domain.ErrNotAuthorized)
	}
	return m.conn.Emit(protocol.EventStartQuiz, protocol.StartQuiz{RoomID: roomID})
}

// KickParticipant removes another participant. Teacher intent.
func (m *Competition) KickParticipant(participantID, reason string) error {
	m.mu.Lock()
	roomID := m.room.ID
	isTeacher := m.isTeacher
	m.mu.Unlock()
	if !isTeacher {
		return domain.NewSyncError(domain.KindValidation, "kick participant", domain.ErrNotAuthorized)
	}
	return m.conn.Emit(protocol.EventKickParticipant, protocol.KickParticipant{
		RoomID:        roomID,
		ParticipantID: participantID,
		Reason:        reason,
	})
}

// RefreshParticipants asks the server for a fresh roster broadcast.
func (m *Competition) RefreshParticipants() error {
	m.mu.Lock()
	roomID := m.room.ID
	m.mu.Unlock()
	return m.conn.Emit(protocol.EventRefreshParticipants, protocol.RefreshParticipants{RoomID: roomID})
}

// Leave announces the exit and closes the transport. Stored progress is kept
// so the participant can come back.
func (m *Competition) Leave() {
	m.mu.Lock()
	roomID := m.room.ID
	m.mu.Unlock()
	if roomID != "" {
		if err := m.conn.Emit(protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: roomID}); err != nil {
			m.log.Debug("leave emit failed", slog.Any("error", err))
		}
	}
	m.conn.Disconnect("left room")
}

// SelectAnswer records a selection for the current question without
// submitting it. Every selection after the first counts as a change.
func (m *Competition) SelectAnswer(answer string) error {
	answer = strings.TrimSpace(answer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked("select answer"); err != nil {
		return err
	}
	if answer == "" {
		return domain.NewSyncError(domain.KindValidation, "select answer", domain.ErrEmptyAnswer)
	}
	index := m.state.CurrentQuestionIndex
	if m.room.TimeMode == domain.TimePerQuestion && m.state.Submitted(index) {
		return domain.NewSyncError(domain.KindValidation, "select answer", domain.ErrAlreadySubmitted)
	}
	m.recordSelectionLocked(index, answer)
	m.persistLocked(context.Background())
	return nil
}

// SubmitAnswer finalizes the answer for the current question and blocks until
// the server acknowledges it. A question that was already submitted is
// rejected locally, with no network round-trip. On a network failure the
// question stays unsubmitted and may be retried.
func (m *Competition) SubmitAnswer(ctx context.Context, answer string) error {
	answer = strings.TrimSpace(answer)
	m.mu.Lock()
	if err := m.mutableLocked("submit answer"); err != nil {
		m.mu.Unlock()
		return err
	}
	if answer == "" {
		m.mu.Unlock()
		return domain.NewSyncError(domain.KindValidation, "submit answer", domain.ErrEmptyAnswer)
	}
	index := m.state.CurrentQuestionIndex
	if m.state.Submitted(index) {
		m.mu.Unlock()
		return domain.NewSyncError(domain.KindValidation, "submit answer", domain.ErrAlreadySubmitted)
	}
	if current, ok := m.state.SelectedAnswers[index]; !ok || current != answer {
		m.recordSelectionLocked(index, answer)
	}
	h := m.historyLocked(index)
	h.FinalAnswer = answer
	h.ResponseTimeMs = m.now().Sub(m.questionStartedAt).Milliseconds()
	payload := protocol.SubmitAnswer{
		RoomID:         m.room.ID,
		QuestionID:     m.questionIDLocked(index),
		QuestionIndex:  index,
		SelectedOption: answer,
		ResponseTimeMs: h.ResponseTimeMs,
		AnswerChanges:  h.ChangesCount,
		AnswerHistory:  answerRecord(*h),
	}
	perQuestion := m.room.TimeMode == domain.TimePerQuestion
	m.mu.Unlock()

	submitCtx, cancel := context.WithTimeout(ctx, m.cfg.SubmitTimeout)
	defer cancel()
	env, err := m.conn.EmitWithReply(submitCtx, protocol.EventSubmitAnswer, payload, protocol.EventAnswerSubmitted)
	if err != nil {
		m.notify.Notify(Notice{Level: NoticeWarning, Key: "submit-failed", Message: "answer could not be submitted, try again"})
		return err
	}
	var ack protocol.AnswerSubmitted
	if err := env.Decode(&ack); err != nil {
		return domain.NewSyncError(domain.KindServer, "submit answer", err)
	}
	if !ack.Success {
		msg := ack.Error
		if msg == "" {
			msg = "submission rejected"
		}
		return domain.NewSyncError(domain.KindServer, "submit answer", errors.New(msg))
	}

	ctx2 := context.Background()
	m.mu.Lock()
	m.state.SubmittedAnswers[index] = struct{}{}
	if ack.Score != nil {
		m.state.UserScore = *ack.Score
	}
	if perQuestion && ack.AutoAdvance != nil && *ack.AutoAdvance {
		m.advanceLocked(ctx2)
	} else {
		m.persistLocked(ctx2)
	}
	m.mu.Unlock()
	return nil
}

// Next moves forward one question. Per-quiz timing only.
func (m *Competition) Next() error { return m.navigate(1) }

// Previous moves back one question. Per-quiz timing only.
func (m *Competition) Previous() error { return m.navigate(-1) }

func (m *Competition) navigate(delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mutableLocked("navigate"); err != nil {
		return err
	}
	if m.room.TimeMode != domain.TimePerQuiz {
		return domain.NewSyncError(domain.KindValidation, "navigate", errors.New("navigation requires per-quiz timing"))
	}
	target := m.state.CurrentQuestionIndex + delta
	if target < 0 || target >= len(m.state.Questions) {
		return nil
	}
	m.state.CurrentQuestionIndex = target
	m.questionStartedAt = m.now()
	m.persistLocked(context.Background())
	return nil
}

// Finish ends the session and clears stored progress. Terminal; calling it
// again is a no-op.
func (m *Competition) Finish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status == domain.CompetitionFinished {
		return nil
	}
	m.finishLocked(ctx)
	return nil
}

// Tick advances the countdown by one second. In per-question mode a timeout
// submits the selected answer (if any) and advances; in per-quiz mode it ends
// the session.
func (m *Competition) Tick() {
	ctx := context.Background()
	m.mu.Lock()
	if m.state.Status != domain.CompetitionActive {
		m.mu.Unlock()
		return
	}
	if m.state.TimeRemaining > 0 {
		m.state.TimeRemaining--
	}
	if m.state.TimeRemaining > 0 {
		// Timer writes are throttled to ten-second boundaries.
		if m.state.TimeRemaining%10 == 0 {
			m.persistLocked(ctx)
		}
		m.mu.Unlock()
		return
	}

	if m.room.TimeMode == domain.TimePerQuiz {
		m.finishLocked(ctx)
		m.mu.Unlock()
		return
	}

	index := m.state.CurrentQuestionIndex
	var timedOut *protocol.SubmitAnswer
	if answer, ok := m.state.SelectedAnswers[index]; ok && !m.state.Submitted(index) {
		timedOut = m.timeoutSubmissionLocked(index, answer)
		m.state.SubmittedAnswers[index] = struct{}{}
	}
	m.advanceLocked(ctx)
	m.mu.Unlock()

	if timedOut != nil {
		go m.emitTimeoutSubmission(*timedOut)
	}
}

// Run owns the 1-second countdown ticker until the session finishes or ctx
// ends.
func (m *Competition) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick()
			if m.Finished() {
				return nil
			}
		}
	}
}

// Snapshot returns an independent copy of the session aggregate.
func (m *Competition) Snapshot() domain.CompetitionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Roster returns a copy of the current participant list.
func (m *Competition) Roster() []domain.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Participant(nil), m.participants...)
}

// Room returns the current room mirror.
func (m *Competition) Room() domain.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// SelfID returns the participant id the server assigned at join.
func (m *Competition) SelfID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// Finished reports whether the session reached its terminal state.
func (m *Competition) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status == domain.CompetitionFinished
}

// Err returns the terminal error, if any, such as being kicked.
func (m *Competition) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalErr
}

func (m *Competition) mutableLocked(op string) error {
	if m.kicked {
		return m.terminalErr
	}
	switch m.state.Status {
	case domain.CompetitionFinished:
		return domain.NewSyncError(domain.KindValidation, op, domain.ErrSessionFinished)
	case domain.CompetitionWaiting:
		return domain.NewSyncError(domain.KindValidation, op, errors.New("quiz has not started"))
	}
	return nil
}

func (m *Competition) recordSelectionLocked(index int, answer string) {
	h := m.historyLocked(index)
	h.SelectedAnswers = append(h.SelectedAnswers, answer)
	h.Timestamps = append(h.Timestamps, m.now())
	if len(h.SelectedAnswers) > 1 {
		h.ChangesCount++
	}
	m.state.SelectedAnswers[index] = answer
}

func (m *Competition) historyLocked(index int) *domain.AnswerHistory {
	h, ok := m.state.AnswerHistory[index]
	if !ok {
		h = &domain.AnswerHistory{}
		m.state.AnswerHistory[index] = h
	}
	return h
}

func (m *Competition) timeoutSubmissionLocked(index int, answer string) *protocol.SubmitAnswer {
	h := m.historyLocked(index)
	h.FinalAnswer = answer
	h.ResponseTimeMs = m.now().Sub(m.questionStartedAt).Milliseconds()
	return &protocol.SubmitAnswer{
		RoomID:         m.room.ID,
		QuestionID:     m.questionIDLocked(index),
		QuestionIndex:  index,
		SelectedOption: answer,
		ResponseTimeMs: h.ResponseTimeMs,
		AnswerChanges:  h.ChangesCount,
		AnswerHistory:  answerRecord(*h),
	}
}

func (m *Competition) questionIDLocked(index int) string {
	if index < 0 || index >= len(m.state.Questions) {
		return ""
	}
	return m.state.Questions[index].ID
}

func (m *Competition) emitTimeoutSubmission(payload protocol.SubmitAnswer) {
	if err := m.conn.Emit(protocol.EventSubmitAnswer, payload); err != nil {
		m.log.Warn("timeout submission failed", slog.Int("question", payload.QuestionIndex), slog.Any("error", err))
		m.notify.Notify(Notice{Level: NoticeWarning, Key: "timeout-submit", Message: "timed-out answer could not be submitted"})
	}
}

// advanceLocked moves to the next question or finishes at the end. The next
// question gets a fresh countdown in per-question mode.
func (m *Competition) advanceLocked(ctx context.Context) {
	next := m.state.CurrentQuestionIndex + 1
	if next >= len(m.state.Questions) {
		m.finishLocked(ctx)
		return
	}
	m.state.CurrentQuestionIndex = next
	if m.room.TimeMode == domain.TimePerQuestion {
		m.state.TimeRemaining = m.questionLimitLocked(next)
	}
	m.questionStartedAt = m.now()
	m.persistLocked(ctx)
}

func (m *Competition) finishLocked(ctx context.Context) {
	if m.state.Status == domain.CompetitionFinished {
		return
	}
	m.state.Status = domain.CompetitionFinished
	m.state.TimeRemaining = 0
	if m.room.ID != "" {
		if err := m.store.Clear(ctx, m.room.ID); err != nil {
			m.log.Warn("clearing stored progress failed", slog.Any("error", err))
		}
	}
	m.log.Info("session finished", slog.String("room", m.room.ID), slog.Int("score", m.state.UserScore))
}

// questionLimitLocked resolves the countdown for one question: the question's
// own limit, else the room's, else the configured base.
func (m *Competition) questionLimitLocked(index int) int {
	if index >= 0 && index < len(m.state.Questions) {
		if limit := m.state.Questions[index].TimeLimitSec; limit > 0 {
			return limit
		}
	}
	if m.room.TimePerQuestionSec > 0 {
		return m.room.TimePerQuestionSec
	}
	return m.cfg.BasePerQuestionSec
}

// totalQuizTimeLocked resolves the per-quiz total: an explicit room override
// wins, else question count times the per-question base.
func (m *Competition) totalQuizTimeLocked() int {
	if m.room.TimePerQuizSec > 0 {
		return m.room.TimePerQuizSec
	}
	base := m.room.TimePerQuestionSec
	if base <= 0 {
		base = m.cfg.BasePerQuestionSec
	}
	return len(m.state.Questions) * base
}

func (m *Competition) persistLocked(ctx context.Context) {
	if m.room.ID == "" {
		return
	}
	progress := domain.NewSessionProgress(m.room.ID, m.state, m.now())
	if err := m.store.Save(ctx, progress); err != nil {
		m.log.Warn("persisting progress failed", slog.Any("error", err))
	}
}

func (m *Competition) handleRoomJoined(env protocol.Envelope) {
	var joined protocol.RoomJoined
	if err := env.Decode(&joined); err != nil {
		m.log.Warn("bad room_joined payload", slog.Any("error", err))
		return
	}
	m.applyRoomJoined(joined)
}

func (m *Competition) applyRoomJoined(joined protocol.RoomJoined) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kicked {
		return
	}
	if joined.Room.ID != "" {
		m.room = joined.Room
	}
	if joined.ParticipantID != "" {
		m.selfID = joined.ParticipantID
	}
	m.participants = roster.Filter(joined.Participants, m.selfID, m.isTeacher)
	m.applyRoomStatusLocked(context.Background(), m.room.Status)
}

func (m *Competition) handleParticipantUpsert(env protocol.Envelope) {
	var payload protocol.ParticipantJoined
	if err := env.Decode(&payload); err != nil {
		m.log.Warn("bad participant payload", slog.Any("error", err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	filtered := roster.Filter([]protocol.RawParticipant{payload.Participant}, m.selfID, m.isTeacher)
	if len(filtered) == 0 {
		return
	}
	m.participants = roster.Add(m.participants, filtered[0])
}

func (m *Competition) handleParticipantLeft(env protocol.Envelope) {
	var left protocol.ParticipantLeft
	if err := env.Decode(&left); err != nil {
		m.log.Warn("bad participant_left payload", slog.Any("error", err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants = roster.Remove(m.participants, left.ParticipantID)
}

func (m *Competition) handleParticipantsUpdated(env protocol.Envelope) {
	var updated protocol.ParticipantsUpdated
	if err := env.Decode(&updated); err != nil {
		m.log.Warn("bad participants_updated payload", slog.Any("error", err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants = roster.Filter(updated.Participants, m.selfID, m.isTeacher)
}

func (m *Competition) handleQuizStarted(env protocol.Envelope) {
	var started protocol.QuizStarted
	if err := env.Decode(&started); err != nil {
		m.log.Warn("bad quiz_started payload", slog.Any("error", err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != domain.CompetitionWaiting {
		return
	}
	at := started.StartedAt
	if at.IsZero() {
		at = m.now()
	}
	m.beginLocked(context.Background(), at)
}

// handleKicked is terminal: progress is cleared, the transport goes down for
// good, and a sticky notice is raised. No reconnect follows.
func (m *Competition) handleKicked(env protocol.Envelope) {
	var kicked protocol.KickedFromRoom
	if err := env.Decode(&kicked); err != nil {
		m.log.Warn("bad kicked_from_room payload", slog.Any("error", err))
	}
	m.mu.Lock()
	if m.kicked {
		m.mu.Unlock()
		return
	}
	m.kicked = true
	m.state.Status = domain.CompetitionFinished
	m.terminalErr = domain.NewTerminalError(domain.KindRoomJoin, "session", domain.ErrKicked)
	roomID := m.room.ID
	m.mu.Unlock()

	if roomID != "" {
		if err := m.store.Clear(context.Background(), roomID); err != nil {
			m.log.Warn("clearing progress after kick failed", slog.Any("error", err))
		}
	}
	reason := kicked.Reason
	if reason == "" {
		reason = "you were removed from the room"
	}
	m.notify.Notify(Notice{Level: NoticeError, Key: "kicked", Message: reason, Sticky: true})
	m.log.Info("kicked from room", slog.String("room", roomID), slog.String("reason", reason))
	m.conn.Disconnect("kicked from room")
}

func (m *Competition) handleSyncResponse(env protocol.Envelope) {
	var snapshot protocol.SyncResponse
	if err := env.Decode(&snapshot); err != nil {
		m.log.Warn("bad sync_response payload", slog.Any("error", err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kicked {
		return
	}
	if snapshot.Room.ID != "" {
		m.room = snapshot.Room
	}
	m.participants = roster.Filter(snapshot.Participants, m.selfID, m.isTeacher)
	m.applyRoomStatusLocked(context.Background(), m.room.Status)
}

func (m *Competition) handleServerError(env protocol.Envelope) {
	var payload protocol.ErrorPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	level := NoticeWarning
	if payload.Kind == string(domain.KindAuthentication) {
		level = NoticeError
	}
	m.notify.Notify(Notice{Level: level, Key: "server:" + payload.Kind, Message: payload.Message})
}

// handleConnState resyncs after a reconnect and surfaces connection trouble
// to the user. Events missed during an outage are not replayed, so the full
// snapshot must be requested again.
func (m *Competition) handleConnState(prev, next domain.ConnectionState, cause error) {
	switch {
	case next == domain.ConnReconnecting && cause != nil:
		m.notify.Notify(Notice{Level: NoticeWarning, Key: "connection-lost", Message: "connection lost, reconnecting"})
	case next == domain.ConnConnected && prev != domain.ConnConnected:
		if m.joined() {
			go m.resync()
		}
	case next == domain.ConnError && domain.IsTerminal(cause):
		m.notify.Notify(Notice{
			Level:   NoticeError,
			Key:     "connection-dead",
			Message: "connection could not be restored, reload to continue",
			Sticky:  true,
		})
	}
}

func (m *Competition) joined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID != "" && !m.kicked
}

// resync re-enters the room on a fresh transport and asks for a full
// snapshot.
func (m *Competition) resync() {
	m.mu.Lock()
	payload := protocol.JoinRoom{
		AccessCode: m.room.AccessCode,
		Name:       m.name,
		Role:       string(m.role),
		Token:      m.cfg.JoinToken,
	}
	roomID := m.room.ID
	m.mu.Unlock()

	if err := m.conn.Emit(protocol.EventJoinRoom, payload); err != nil {
		m.log.Warn("rejoin after reconnect failed", slog.Any("error", err))
		return
	}
	if err := m.conn.Emit(protocol.EventSyncRequest, protocol.SyncRequest{RoomID: roomID}); err != nil {
		m.log.Warn("sync request failed", slog.Any("error", err))
	}
	m.log.Info("resynced after reconnect", slog.String("room", roomID))
}

// beginLocked flips the session into its active phase and arms the countdown.
func (m *Competition) beginLocked(ctx context.Context, at time.Time) {
	m.state.Status = domain.CompetitionActive
	m.state.StartTime = at
	m.room.Status = domain.RoomActive
	if m.room.TimeMode == domain.TimePerQuiz {
		m.state.TimeRemaining = m.state.TotalQuizTime
	} else {
		m.state.TimeRemaining = m.questionLimitLocked(m.state.CurrentQuestionIndex)
	}
	m.questionStartedAt = m.now()
	m.persistLocked(ctx)
}

// applyRoomStatusLocked follows the room's server-side lifecycle, which
// matters for late joins and resyncs into an already started or paused room.
func (m *Competition) applyRoomStatusLocked(ctx context.Context, status domain.RoomStatus) {
	switch status {
	case domain.RoomActive:
		switch m.state.Status {
		case domain.CompetitionWaiting:
			m.beginLocked(ctx, m.now())
		case domain.CompetitionPaused:
			m.state.Status = domain.CompetitionActive
		}
	case domain.RoomPaused:
		if m.state.Status == domain.CompetitionActive {
			m.state.Status = domain.CompetitionPaused
		}
	case domain.RoomFinished:
		m.finishLocked(ctx)
	}
}

func answerRecord(h domain.AnswerHistory) protocol.AnswerRecord {
	return protocol.AnswerRecord{
		SelectedAnswers: append([]string(nil), h.SelectedAnswers...),
		Timestamps:      append([]time.Time(nil), h.Timestamps...),
		FinalAnswer:     h.FinalAnswer,
		ChangesCount:    h.ChangesCount,
	}
}

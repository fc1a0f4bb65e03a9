package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// AnswerEntry is one selected answer keyed by question index. It serializes
// as a two-element [key, value] array so stored progress matches the shape
// produced by iterating a map's entries.
type AnswerEntry struct {
	Index  int
	Answer string
}

func (e AnswerEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Index, e.Answer})
}

func (e *AnswerEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("answer entry: %w", err)
	}
	if err := json.Unmarshal(pair[0], &e.Index); err != nil {
		return fmt.Errorf("answer entry key: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Answer); err != nil {
		return fmt.Errorf("answer entry value: %w", err)
	}
	return nil
}

// HistoryEntry is one answer history keyed by question index, serialized as
// a [key, value] pair like AnswerEntry.
type HistoryEntry struct {
	Index   int
	History AnswerHistory
}

func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Index, e.History})
}

func (e *HistoryEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("history entry: %w", err)
	}
	if err := json.Unmarshal(pair[0], &e.Index); err != nil {
		return fmt.Errorf("history entry key: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.History); err != nil {
		return fmt.Errorf("history entry value: %w", err)
	}
	return nil
}

// SessionProgress is the persisted form of CompetitionState. Maps become
// ordered pair lists and the submitted set becomes a plain array; RoomID and
// Timestamp are carried for auditability. Questions are stored too so a
// shuffled order survives reloads.
type SessionProgress struct {
	RoomID               string            `json:"roomId"`
	Status               CompetitionStatus `json:"status"`
	CurrentQuestionIndex int               `json:"currentQuestionIndex"`
	Questions            []Question        `json:"questions"`
	TimeRemaining        int               `json:"timeRemaining"`
	TotalQuizTime        int               `json:"totalQuizTime"`
	UserScore            int               `json:"userScore"`
	SelectedAnswers      []AnswerEntry     `json:"selectedAnswers"`
	AnswerHistory        []HistoryEntry    `json:"answerHistory"`
	SubmittedAnswers     []int             `json:"submittedAnswers"`
	StartTime            time.Time         `json:"startTime"`
	Timestamp            time.Time         `json:"timestamp"`
}

// NewSessionProgress flattens a CompetitionState for storage. Entries are
// sorted by question index so output is deterministic.
func NewSessionProgress(roomID string, s CompetitionState, now time.Time) SessionProgress {
	p := SessionProgress{
		RoomID:               roomID,
		Status:               s.Status,
		CurrentQuestionIndex: s.CurrentQuestionIndex,
		Questions:            append([]Question(nil), s.Questions...),
		TimeRemaining:        s.TimeRemaining,
		TotalQuizTime:        s.TotalQuizTime,
		UserScore:            s.UserScore,
		StartTime:            s.StartTime,
		Timestamp:            now,
	}
	for idx, answer := range s.SelectedAnswers {
		p.SelectedAnswers = append(p.SelectedAnswers, AnswerEntry{Index: idx, Answer: answer})
	}
	sort.Slice(p.SelectedAnswers, func(i, j int) bool {
		return p.SelectedAnswers[i].Index < p.SelectedAnswers[j].Index
	})
	for idx, hist := range s.AnswerHistory {
		if hist == nil {
			continue
		}
		p.AnswerHistory = append(p.AnswerHistory, HistoryEntry{Index: idx, History: hist.Clone()})
	}
	sort.Slice(p.AnswerHistory, func(i, j int) bool {
		return p.AnswerHistory[i].Index < p.AnswerHistory[j].Index
	})
	for idx := range s.SubmittedAnswers {
		p.SubmittedAnswers = append(p.SubmittedAnswers, idx)
	}
	sort.Ints(p.SubmittedAnswers)
	return p
}

// State reconstructs the in-memory aggregate from stored progress.
func (p SessionProgress) State() CompetitionState {
	s := NewCompetitionState()
	s.Status = p.Status
	s.CurrentQuestionIndex = p.CurrentQuestionIndex
	s.Questions = append([]Question(nil), p.Questions...)
	s.TimeRemaining = p.TimeRemaining
	s.TotalQuizTime = p.TotalQuizTime
	s.UserScore = p.UserScore
	s.StartTime = p.StartTime
	for _, entry := range p.SelectedAnswers {
		s.SelectedAnswers[entry.Index] = entry.Answer
	}
	for _, entry := range p.AnswerHistory {
		h := entry.History.Clone()
		s.AnswerHistory[entry.Index] = &h
	}
	for _, idx := range p.SubmittedAnswers {
		s.SubmittedAnswers[idx] = struct{}{}
	}
	return s
}

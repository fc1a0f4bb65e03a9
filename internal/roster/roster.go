// Package roster turns raw participant records, as delivered by room events,
// into the canonical de-duplicated list a client renders. Every function is
// pure: inputs are never mutated and results are fresh slices.
package roster

import (
	"strings"

	"arquiz-live/internal/domain"
	"arquiz-live/internal/protocol"
)

const unknownName = "Unknown"

// Filter runs the full pipeline over a raw roster snapshot: deduplicate,
// drop records the viewer must not see, then normalize. currentUserID marks
// the viewer's own record, which is always kept.
func Filter(raw []protocol.RawParticipant, currentUserID string, viewerIsTeacher bool) []domain.Participant {
	deduped := Deduplicate(raw)
	out := make([]domain.Participant, 0, len(deduped))
	for _, r := range deduped {
		if !viewerIsTeacher && !isSelf(r, currentUserID) && hiddenFromStudents(r) {
			continue
		}
		out = append(out, Normalize(r))
	}
	return out
}

// Deduplicate folds the list front to back, merging records that describe the
// same participant. First-seen order is preserved.
func Deduplicate(raw []protocol.RawParticipant) []protocol.RawParticipant {
	out := make([]protocol.RawParticipant, 0, len(raw))
	for _, r := range raw {
		merged := false
		for i := range out {
			if sameIdentity(out[i], r) {
				out[i] = mergeRaw(out[i], r)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, r)
		}
	}
	return out
}

// Normalize maps one raw record to the canonical participant shape.
func Normalize(r protocol.RawParticipant) domain.Participant {
	p := domain.Participant{
		ID:                   canonicalID(r),
		UserID:               r.UserID,
		Name:                 DisplayName(r),
		Email:                r.Email,
		Role:                 MapRole(r.Role),
		Status:               MapStatus(r.Status),
		Score:                r.Score,
		CurrentQuestionIndex: r.CurrentQuestionIndex,
		IsHost:               r.IsHost,
	}
	if r.Email == "" && r.User != nil {
		p.Email = r.User.Email
	}
	if r.LastActivity != nil {
		p.LastActivity = *r.LastActivity
	}
	return p
}

// DisplayName resolves the name to show for a raw record, falling back
// through the sources a server may populate.
func DisplayName(r protocol.RawParticipant) string {
	for _, candidate := range []string{r.DisplayName, r.Username, r.Name} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	if r.User != nil {
		if s := strings.TrimSpace(r.User.Name); s != "" {
			return s
		}
	}
	if s := strings.TrimSpace(r.Email); s != "" {
		return s
	}
	return unknownName
}

// MapStatus folds the status strings observed in the wild into the canonical
// set. Matching is case-insensitive; anything unrecognized reads as
// disconnected.
func MapStatus(s string) domain.ParticipantStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "connected", "online", "active", "joined":
		return domain.StatusConnected
	case "answering", "responding":
		return domain.StatusAnswering
	case "finished", "completed":
		return domain.StatusFinished
	default:
		return domain.StatusDisconnected
	}
}

// MapRole folds role strings into the canonical set, defaulting to student.
func MapRole(s string) domain.Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "teacher", "instructor", "host":
		return domain.RoleTeacher
	case "moderator":
		return domain.RoleModerator
	case "observer", "spectator":
		return domain.RoleObserver
	default:
		return domain.RoleStudent
	}
}

// Add returns a fresh list with p inserted, replacing any entry that shares
// its identity.
func Add(list []domain.Participant, p domain.Participant) []domain.Participant {
	out := make([]domain.Participant, len(list))
	copy(out, list)
	for i := range out {
		if sameParticipant(out[i], p) {
			out[i] = mergeParticipant(out[i], p)
			return out
		}
	}
	return append(out, p)
}

// Remove returns a fresh list without the entry whose id or userId matches
// participantID.
func Remove(list []domain.Participant, participantID string) []domain.Participant {
	out := make([]domain.Participant, 0, len(list))
	for _, p := range list {
		if participantID != "" && (p.ID == participantID || p.UserID == participantID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// UpdateStatus returns a fresh list with the matching entry's status replaced.
func UpdateStatus(list []domain.Participant, participantID string, status domain.ParticipantStatus) []domain.Participant {
	out := make([]domain.Participant, len(list))
	copy(out, list)
	for i := range out {
		if participantID != "" && (out[i].ID == participantID || out[i].UserID == participantID) {
			out[i].Status = status
		}
	}
	return out
}

// Merge folds incoming into current: matching entries are merged with the
// incoming record winning, new entries are appended in incoming order.
func Merge(current, incoming []domain.Participant) []domain.Participant {
	out := make([]domain.Participant, len(current))
	copy(out, current)
	for _, p := range incoming {
		matched := false
		for i := range out {
			if sameParticipant(out[i], p) {
				out[i] = mergeParticipant(out[i], p)
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, p)
		}
	}
	return out
}

func hiddenFromStudents(r protocol.RawParticipant) bool {
	return r.IsHost || MapRole(r.Role) == domain.RoleTeacher
}

func isSelf(r protocol.RawParticipant, currentUserID string) bool {
	if currentUserID == "" {
		return false
	}
	return r.ID == currentUserID || r.UserID == currentUserID
}

// canonicalID picks the most stable key available so repeated snapshots keep
// addressing the same entry.
func canonicalID(r protocol.RawParticipant) string {
	switch {
	case r.ID != "":
		return r.ID
	case r.UserID != "":
		return r.UserID
	case r.Email != "":
		return r.Email
	default:
		return DisplayName(r)
	}
}

// sameIdentity reports whether two raw records describe one participant:
// they share a non-empty id, userId, or email, or the same name when that
// name is not the placeholder.
func sameIdentity(a, b protocol.RawParticipant) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.UserID != "" && a.UserID == b.UserID {
		return true
	}
	if a.Email != "" && strings.EqualFold(a.Email, b.Email) {
		return true
	}
	if a.Name != "" && a.Name != unknownName && a.Name == b.Name {
		return true
	}
	return false
}

func sameParticipant(a, b domain.Participant) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.UserID != "" && a.UserID == b.UserID {
		return true
	}
	if a.Email != "" && strings.EqualFold(a.Email, b.Email) {
		return true
	}
	if a.Name != "" && a.Name != unknownName && a.Name == b.Name {
		return true
	}
	return false
}

// mergeRaw keeps base and overlays every field the later record carries.
// Status crosses over only when the later record has one.
func mergeRaw(base, next protocol.RawParticipant) protocol.RawParticipant {
	out := base
	if next.ID != "" {
		out.ID = next.ID
	}
	if next.UserID != "" {
		out.UserID = next.UserID
	}
	if next.DisplayName != "" {
		out.DisplayName = next.DisplayName
	}
	if next.Username != "" {
		out.Username = next.Username
	}
	if next.Name != "" {
		out.Name = next.Name
	}
	if next.Email != "" {
		out.Email = next.Email
	}
	if next.Role != "" {
		out.Role = next.Role
	}
	if next.Status != "" {
		out.Status = next.Status
	}
	if next.Score != 0 {
		out.Score = next.Score
	}
	if next.CurrentQuestionIndex != 0 {
		out.CurrentQuestionIndex = next.CurrentQuestionIndex
	}
	if next.IsHost {
		out.IsHost = true
	}
	if next.LastActivity != nil {
		out.LastActivity = next.LastActivity
	}
	if next.User != nil {
		out.User = next.User
	}
	return out
}

func mergeParticipant(base, next domain.Participant) domain.Participant {
	out := next
	if out.ID == "" {
		out.ID = base.ID
	}
	if out.UserID == "" {
		out.UserID = base.UserID
	}
	if out.Email == "" {
		out.Email = base.Email
	}
	if out.Name == "" || out.Name == unknownName {
		if base.Name != "" {
			out.Name = base.Name
		}
	}
	if out.Score == 0 && base.Score != 0 {
		out.Score = base.Score
	}
	if out.LastActivity.IsZero() {
		out.LastActivity = base.LastActivity
	}
	if !out.IsHost {
		out.IsHost = base.IsHost
	}
	return out
}

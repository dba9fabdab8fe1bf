package duel

import (
	"time"

	"github.com/kapu/codearena/internal/match"
	"github.com/kapu/codearena/pkg/arenadto"
)

// Player is one duel participant with live submission progress.
type Player struct {
	match.Participant
	Passed      int `json:"passed"`
	Submissions int `json:"submissions"`
}

// Session is the persisted state of one duel. It is created with one
// waiting player, becomes ongoing on the second join, and reaches a
// terminal state exactly once.
type Session struct {
	ID        string       `json:"id"`
	ProblemID string       `json:"problem_id"`
	TestTotal int          `json:"test_total"`
	Status    match.Status `json:"status"`
	Players   []*Player    `json:"players"`

	Result   match.Result `json:"result,omitempty"`
	WinnerID string       `json:"winner_id,omitempty"`

	StartTime time.Time `json:"start_time,omitzero"`
	EndTime   time.Time `json:"end_time,omitzero"`
	Deadline  time.Time `json:"deadline,omitzero"`

	// Settled flips once rating settlement and history writes have
	// committed; the record is only deleted after that.
	Settled bool `json:"settled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Session) player(userID string) *Player {
	for _, p := range s.Players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (s *Session) opponent(userID string) *Player {
	for _, p := range s.Players {
		if p.UserID != userID {
			return p
		}
	}
	return nil
}

// Snapshot renders the session for clients.
func (s *Session) Snapshot() arenadto.SessionSnapshot {
	snap := arenadto.SessionSnapshot{
		SessionID: s.ID,
		Mode:      string(match.ModeDuel),
		Status:    string(s.Status),
		ProblemID: s.ProblemID,
		StartTime: s.StartTime,
		Deadline:  s.Deadline,
	}
	for _, p := range s.Players {
		snap.Players = append(snap.Players, arenadto.PlayerState{
			UserID:       p.UserID,
			Name:         p.Name,
			RatingBefore: p.RatingBefore,
			Passed:       p.Passed,
			Left:         p.Left,
		})
	}
	return snap
}

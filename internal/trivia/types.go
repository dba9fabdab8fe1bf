package trivia

import (
	"time"

	"github.com/kapu/codearena/internal/match"
	"github.com/kapu/codearena/pkg/arenadto"
)

// Answer records one committed answer. First commit per question wins;
// later attempts are rejected.
type Answer struct {
	Option     int       `json:"option"`
	Correct    bool      `json:"correct"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Player is one trivia participant with live answer progress.
type Player struct {
	match.Participant
	Score   float64           `json:"score"`
	Answers map[string]Answer `json:"answers"`
	// Done flips when the player has answered every question.
	Done bool `json:"done,omitempty"`
}

func (p *Player) answered() int { return len(p.Answers) }

// Session is the persisted state of one trivia round. Unlike a duel it
// has no sudden-death win: it ends when every remaining player is done
// or the round timer elapses.
type Session struct {
	ID            string       `json:"id"`
	SetID         string       `json:"set_id"`
	QuestionTotal int          `json:"question_total"`
	Status        match.Status `json:"status"`
	Players       []*Player    `json:"players"`

	Result   match.Result `json:"result,omitempty"`
	WinnerID string       `json:"winner_id,omitempty"`

	StartTime time.Time `json:"start_time,omitzero"`
	EndTime   time.Time `json:"end_time,omitzero"`
	Deadline  time.Time `json:"deadline,omitzero"`

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

// complete reports whether every player still in the round has
// answered all questions. Players who left no longer gate completion.
func (s *Session) complete() bool {
	remaining := 0
	for _, p := range s.Players {
		if p.Left {
			continue
		}
		remaining++
		if !p.Done {
			return false
		}
	}
	return remaining > 0
}

// Snapshot renders the session for clients. Correct answers stay
// server-side until the round ends.
func (s *Session) Snapshot() arenadto.SessionSnapshot {
	snap := arenadto.SessionSnapshot{
		SessionID: s.ID,
		Mode:      string(match.ModeTrivia),
		Status:    string(s.Status),
		SetID:     s.SetID,
		StartTime: s.StartTime,
		Deadline:  s.Deadline,
	}
	for _, p := range s.Players {
		snap.Players = append(snap.Players, arenadto.PlayerState{
			UserID:       p.UserID,
			Name:         p.Name,
			RatingBefore: p.RatingBefore,
			Answered:     p.answered(),
			Score:        p.Score,
			Left:         p.Left,
		})
	}
	return snap
}

package match

import (
	"context"
	"time"

	"github.com/kapu/codearena/pkg/arenadto"
)

// Mode distinguishes the two session kinds.
type Mode string

const (
	ModeDuel   Mode = "duel"
	ModeTrivia Mode = "trivia"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusOngoing   Status = "ongoing"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether the status is a non-resumable end state.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusAbandoned
}

// Result tags the cause of a terminal transition.
type Result string

const (
	ResultWin          Result = "win"
	ResultTimeout      Result = "timeout"
	ResultOpponentLeft Result = "opponent_left"
	ResultDraw         Result = "draw"
	ResultAbandoned    Result = "abandoned"
)

// Participant is one side of a session. RatingBefore is captured at
// join and never mutated; RatingAfter is written exactly once, at
// finalize.
type Participant struct {
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	RatingBefore int       `json:"rating_before"`
	RatingAfter  int       `json:"rating_after,omitempty"`
	Left         bool      `json:"left,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
}

// HistoryRecord is one participant's row appended to their durable
// profile when a session settles.
type HistoryRecord struct {
	SessionID    string
	Mode         Mode
	UserID       string
	OpponentID   string
	Result       Result
	Won          bool
	RatingBefore int
	RatingAfter  int
	FinishedAt   time.Time
}

// Sink is the durable store consumed by settlement. ApplyResult must be
// transactional across both participants and idempotent per
// (session, user).
type Sink interface {
	Rating(ctx context.Context, userID string) (int, error)
	ApplyResult(ctx context.Context, recs []HistoryRecord) error
}

// Notifier delivers events to a user's current connection (looked up
// fresh, never cached) and to a session's shared channel.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, event arenadto.ServerEvent)
	Broadcast(ctx context.Context, sessionID string, event arenadto.ServerEvent)
}

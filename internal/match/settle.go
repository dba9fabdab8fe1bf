package match

import (
	"time"

	"github.com/kapu/codearena/internal/rating"
	"github.com/kapu/codearena/pkg/arenadto"
)

// Change is one participant's rating movement.
type Change struct {
	UserID string
	Before int
	After  int
	Delta  int
}

// Settlement holds both sides of a settled session.
type Settlement struct {
	A Change
	B Change
}

// Settle computes both rating changes for a terminal session given
// side A's actual score. Pure; the caller persists the result.
func Settle(a, b *Participant, scoreA rating.Score, k int) Settlement {
	da := rating.Delta(a.RatingBefore, b.RatingBefore, scoreA, k)
	db := rating.Delta(b.RatingBefore, a.RatingBefore, rating.Opposite(scoreA), k)
	return Settlement{
		A: Change{UserID: a.UserID, Before: a.RatingBefore, After: a.RatingBefore + da, Delta: da},
		B: Change{UserID: b.UserID, Before: b.RatingBefore, After: b.RatingBefore + db, Delta: db},
	}
}

// Records builds the two history rows for a settlement.
func (s Settlement) Records(sessionID string, mode Mode, result Result, winnerID string, at time.Time) []HistoryRecord {
	return []HistoryRecord{
		{
			SessionID:    sessionID,
			Mode:         mode,
			UserID:       s.A.UserID,
			OpponentID:   s.B.UserID,
			Result:       result,
			Won:          winnerID == s.A.UserID,
			RatingBefore: s.A.Before,
			RatingAfter:  s.A.After,
			FinishedAt:   at,
		},
		{
			SessionID:    sessionID,
			Mode:         mode,
			UserID:       s.B.UserID,
			OpponentID:   s.A.UserID,
			Result:       result,
			Won:          winnerID == s.B.UserID,
			RatingBefore: s.B.Before,
			RatingAfter:  s.B.After,
			FinishedAt:   at,
		},
	}
}

// RatingChanges renders the settlement for the finished event payload.
func (s Settlement) RatingChanges() []arenadto.RatingChange {
	return []arenadto.RatingChange{
		{UserID: s.A.UserID, Before: s.A.Before, After: s.A.After, Delta: s.A.Delta},
		{UserID: s.B.UserID, Before: s.B.Before, After: s.B.After, Delta: s.B.Delta},
	}
}

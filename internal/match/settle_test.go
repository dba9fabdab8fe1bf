package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kapu/codearena/internal/rating"
)

func TestSettleEqualRatings(t *testing.T) {
	a := &Participant{UserID: "a", RatingBefore: 1200}
	b := &Participant{UserID: "b", RatingBefore: 1200}

	st := Settle(a, b, rating.ScoreWin, 32)
	assert.Equal(t, 1216, st.A.After)
	assert.Equal(t, 1184, st.B.After)
	assert.Equal(t, 16, st.A.Delta)
	assert.Equal(t, -16, st.B.Delta)
}

func TestSettleDoesNotMutateParticipants(t *testing.T) {
	a := &Participant{UserID: "a", RatingBefore: 1300}
	b := &Participant{UserID: "b", RatingBefore: 1100}
	Settle(a, b, rating.ScoreLoss, 32)
	assert.Equal(t, 1300, a.RatingBefore)
	assert.Zero(t, a.RatingAfter)
	assert.Equal(t, 1100, b.RatingBefore)
	assert.Zero(t, b.RatingAfter)
}

func TestRecords(t *testing.T) {
	a := &Participant{UserID: "a", RatingBefore: 1200}
	b := &Participant{UserID: "b", RatingBefore: 1200}
	st := Settle(a, b, rating.ScoreWin, 32)

	at := time.Now()
	recs := st.Records("s1", ModeDuel, ResultWin, "a", at)
	assert.Len(t, recs, 2)
	assert.True(t, recs[0].Won)
	assert.False(t, recs[1].Won)
	assert.Equal(t, "b", recs[0].OpponentID)
	assert.Equal(t, "a", recs[1].OpponentID)
	assert.Equal(t, 1216, recs[0].RatingAfter)
	assert.Equal(t, 1184, recs[1].RatingAfter)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusWaiting.Terminal())
	assert.False(t, StatusOngoing.Terminal())
	assert.True(t, StatusFinished.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusAbandoned.Terminal())
}

package rating

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaEqualRatingsWin(t *testing.T) {
	// 1200 vs 1200, A wins: E_A = 0.5, delta = round(32 * 0.5) = 16.
	require.InDelta(t, 0.5, Expected(1200, 1200), 1e-9)
	assert.Equal(t, 16, Delta(1200, 1200, ScoreWin, 32))
	assert.Equal(t, -16, Delta(1200, 1200, ScoreLoss, 32))
}

func TestDeltaSignFollowsScoreMinusExpectation(t *testing.T) {
	cases := []struct {
		a, b  int
		score Score
	}{
		{1200, 1200, ScoreWin},
		{1200, 1200, ScoreLoss},
		{1000, 1600, ScoreWin},
		{1600, 1000, ScoreLoss},
		{1500, 1300, ScoreDraw},
		{1300, 1500, ScoreDraw},
		{1400, 1400, ScoreLeading},
		{1400, 1400, ScoreTrailing},
	}
	for _, c := range cases {
		d := Delta(c.a, c.b, c.score, 32)
		diff := float64(c.score) - Expected(c.a, c.b)
		switch {
		case diff > 0.01:
			assert.Positive(t, d, "a=%d b=%d s=%v", c.a, c.b, c.score)
		case diff < -0.01:
			assert.Negative(t, d, "a=%d b=%d s=%v", c.a, c.b, c.score)
		}
	}
}

func TestDeltaDeterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		assert.Equal(t, Delta(1342, 1187, ScoreLeading, 32), Delta(1342, 1187, ScoreLeading, 32))
	}
}

func TestDeltaDefaultsK(t *testing.T) {
	assert.Equal(t, Delta(1200, 1200, ScoreWin, 32), Delta(1200, 1200, ScoreWin, 0))
}

func TestTimeoutScores(t *testing.T) {
	lead, trail := TimeoutScores(false)
	assert.Equal(t, ScoreLeading, lead)
	assert.Equal(t, ScoreTrailing, trail)

	lead, trail = TimeoutScores(true)
	assert.Equal(t, ScoreDraw, lead)
	assert.Equal(t, ScoreDraw, trail)
}

func TestOpposite(t *testing.T) {
	assert.Equal(t, ScoreLoss, Opposite(ScoreWin))
	assert.Equal(t, ScoreTrailing, Opposite(ScoreLeading))
	assert.Equal(t, ScoreDraw, Opposite(ScoreDraw))
}

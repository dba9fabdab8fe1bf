package rating

import "math"

// Score is the actual outcome for one side of a match.
type Score float64

const (
	ScoreLoss     Score = 0
	ScoreTrailing Score = 0.25
	ScoreDraw     Score = 0.5
	ScoreLeading  Score = 0.75
	ScoreWin      Score = 1
)

// DefaultK matches the duel and trivia derivations.
const DefaultK = 32

// InitialRating is assigned to players without a persisted profile.
const InitialRating = 1200

// Expected returns the Elo expectation E_A for side A.
func Expected(ratingA, ratingB int) float64 {
	return 1 / (1 + math.Pow(10, float64(ratingB-ratingA)/400))
}

// Delta returns the rounded rating change for side A given the actual
// score. Pure; never mutates anything. sign(Delta) == sign(score - E_A).
func Delta(ratingA, ratingB int, score Score, k int) int {
	if k <= 0 {
		k = DefaultK
	}
	return int(math.Round(float64(k) * (float64(score) - Expected(ratingA, ratingB))))
}

// Opposite returns the complementary score for the other side.
func Opposite(s Score) Score { return 1 - s }

// TimeoutScores maps an inconclusive timeout to partial credit: the
// progress leader takes 0.75, the trailer 0.25; equal progress is a
// draw. Forfeits (opponent left) are NOT softened this way, they score
// as a full win/loss.
func TimeoutScores(equalProgress bool) (leader, trailer Score) {
	if equalProgress {
		return ScoreDraw, ScoreDraw
	}
	return ScoreLeading, ScoreTrailing
}

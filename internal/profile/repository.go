package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/kapu/codearena/internal/match"
	"github.com/kapu/codearena/internal/rating"
)

// Repository persists rating fields and match history on user profiles.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// DB exposes the underlying handle for read-only stores that share the
// same database.
func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Rating returns the user's current rating, or the initial rating when
// the profile has none yet.
func (r *Repository) Rating(ctx context.Context, userID string) (int, error) {
	var v int
	err := r.db.QueryRowContext(ctx,
		`SELECT rating FROM profiles WHERE user_id = $1`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return rating.InitialRating, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// ApplyResult writes both participants' new ratings and appends their
// match-history rows in one transaction. The history insert is keyed on
// (session_id, user_id) and the profile update only runs when that
// insert actually landed, so replaying a settlement is a no-op for both
// tables: it cannot double-count matches_played or overwrite a rating
// earned from a match settled in between.
func (r *Repository) ApplyResult(ctx context.Context, recs []match.HistoryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO match_history (
				session_id, user_id, mode, opponent_id,
				result, won, rating_before, rating_after, finished_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (session_id, user_id) DO NOTHING`,
			rec.SessionID, rec.UserID, string(rec.Mode), rec.OpponentID,
			string(rec.Result), rec.Won, rec.RatingBefore, rec.RatingAfter, rec.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("append history for %s: %w", rec.UserID, err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("append history for %s: %w", rec.UserID, err)
		}
		if inserted == 0 {
			// Replayed settlement; the profile already reflects it.
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (user_id, rating, matches_played, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				rating = EXCLUDED.rating,
				matches_played = profiles.matches_played + 1,
				updated_at = NOW()`,
			rec.UserID, rec.RatingAfter,
		); err != nil {
			return fmt.Errorf("update rating for %s: %w", rec.UserID, err)
		}
	}
	return tx.Commit()
}

// History returns a user's most recent match-history rows.
func (r *Repository) History(ctx context.Context, userID string, limit int) ([]match.HistoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, mode, opponent_id, result, won,
		       rating_before, rating_after, finished_at
		FROM match_history
		WHERE user_id = $1
		ORDER BY finished_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []match.HistoryRecord
	for rows.Next() {
		rec := match.HistoryRecord{UserID: userID}
		var mode, result string
		if err := rows.Scan(&rec.SessionID, &mode, &rec.OpponentID, &result,
			&rec.Won, &rec.RatingBefore, &rec.RatingAfter, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.Mode = match.Mode(mode)
		rec.Result = match.Result(result)
		out = append(out, rec)
	}
	return out, rows.Err()
}

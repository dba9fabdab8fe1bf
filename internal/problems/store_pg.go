package problems

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Store reads problems and question sets from postgres. Read-only; the
// authoring side lives elsewhere.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

var ErrNotFound = errors.New("not found")

func (s *Store) PickProblem(ctx context.Context) (*Problem, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM problems ORDER BY random() LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pick problem: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.Problem(ctx, id)
}

func (s *Store) Problem(ctx context.Context, id string) (*Problem, error) {
	p := &Problem{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT title, statement FROM problems WHERE id = $1`, id).
		Scan(&p.Title, &p.Statement)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("problem %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT input, expected, hidden
		FROM problem_test_cases
		WHERE problem_id = $1
		ORDER BY ordinal`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tc TestCase
		if err := rows.Scan(&tc.Input, &tc.Expected, &tc.Hidden); err != nil {
			return nil, err
		}
		p.TestCases = append(p.TestCases, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(p.TestCases) == 0 {
		return nil, fmt.Errorf("problem %s has no test cases", id)
	}
	return p, nil
}

func (s *Store) PickQuestionSet(ctx context.Context) (*QuestionSet, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM question_sets ORDER BY random() LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pick question set: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.QuestionSet(ctx, id)
}

func (s *Store) QuestionSet(ctx context.Context, id string) (*QuestionSet, error) {
	qs := &QuestionSet{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT title FROM question_sets WHERE id = $1`, id).Scan(&qs.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("question set %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, options, correct, COALESCE(explanation, '')
		FROM questions
		WHERE set_id = $1
		ORDER BY ordinal`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var q Question
		var opts []byte
		if err := rows.Scan(&q.ID, &q.Prompt, &opts, &q.Correct, &q.Explanation); err != nil {
			return nil, err
		}
		if err := unmarshalOptions(opts, &q.Options); err != nil {
			return nil, fmt.Errorf("question %s options: %w", q.ID, err)
		}
		qs.Questions = append(qs.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(qs.Questions) == 0 {
		return nil, fmt.Errorf("question set %s is empty", id)
	}
	return qs, nil
}

// options are stored as a JSON array column.
func unmarshalOptions(raw []byte, out *[]string) error {
	if len(raw) == 0 {
		return errors.New("empty options")
	}
	return json.Unmarshal(raw, out)
}

package arenadto

import (
	"encoding/json"
	"time"
)

// Client → server event names.
const (
	EvFindMatch    = "find-match"
	EvJoinSession  = "join-session"
	EvSubmitCode   = "submit-code"
	EvSubmitAnswer = "submit-answer"
	EvLeaveSession = "leave-session"
	EvCodeUpdate   = "code-update"
)

// Server → client event names.
const (
	EvSnapshot         = "session-snapshot"
	EvPlayerJoined     = "player-joined"
	EvStarted          = "session-started"
	EvSubmissionResult = "submission-result"
	EvAnswerResult     = "answer-result"
	EvOpponentProgress = "opponent-progress"
	EvOpponentTyping   = "opponent-typing"
	EvFinished         = "session-finished"
	EvError            = "error"
)

// ClientEvent is the envelope read off the websocket. Payload shape
// depends on Type.
type ClientEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServerEvent is the envelope written to the websocket.
type ServerEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type FindMatchRequest struct {
	Mode string `json:"mode"` // "duel" | "trivia"
}

type JoinSessionRequest struct {
	SessionID string `json:"session_id"`
}

type SubmitCodeRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Language  string `json:"language"`
}

type SubmitAnswerRequest struct {
	SessionID   string `json:"session_id"`
	QuestionID  string `json:"question_id"`
	Option      int    `json:"option"`
	TimeSpentMs int64  `json:"time_spent_ms"`
}

type LeaveSessionRequest struct {
	SessionID string `json:"session_id"`
}

type CodeUpdateRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// PlayerState is per-participant progress visible to both sides.
// Code content never travels through it.
type PlayerState struct {
	UserID       string  `json:"user_id"`
	Name         string  `json:"name"`
	RatingBefore int     `json:"rating_before"`
	Passed       int     `json:"passed,omitempty"`
	Answered     int     `json:"answered,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Left         bool    `json:"left,omitempty"`
}

type SessionSnapshot struct {
	SessionID string        `json:"session_id"`
	Mode      string        `json:"mode"`
	Status    string        `json:"status"`
	ProblemID string        `json:"problem_id,omitempty"`
	SetID     string        `json:"set_id,omitempty"`
	Players   []PlayerState `json:"players"`
	StartTime time.Time     `json:"start_time,omitzero"`
	Deadline  time.Time     `json:"deadline,omitzero"`
}

type StartedEvent struct {
	SessionID string    `json:"session_id"`
	Deadline  time.Time `json:"deadline"`
	LimitSec  int       `json:"limit_sec"`
}

// SubmissionResult is private to the submitter.
type SubmissionResult struct {
	SessionID string `json:"session_id"`
	Passed    int    `json:"passed"`
	Total     int    `json:"total"`
	Won       bool   `json:"won"`
	Stdout    string `json:"stdout,omitempty"`
}

// AnswerResult is private to the answering player.
type AnswerResult struct {
	SessionID  string  `json:"session_id"`
	QuestionID string  `json:"question_id"`
	IsCorrect  bool    `json:"is_correct"`
	Score      float64 `json:"score"`
	Answered   int     `json:"answered"`
	Total      int     `json:"total"`
}

// OpponentProgress goes to the session channel; no answer or code data.
type OpponentProgress struct {
	SessionID string  `json:"session_id"`
	UserID    string  `json:"user_id"`
	Passed    int     `json:"passed,omitempty"`
	Answered  int     `json:"answered,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

type TypingSignal struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Length    int    `json:"length"`
}

type RatingChange struct {
	UserID string `json:"user_id"`
	Before int    `json:"before"`
	After  int    `json:"after"`
	Delta  int    `json:"delta"`
}

type FinishedEvent struct {
	SessionID string         `json:"session_id"`
	Result    string         `json:"result"`
	WinnerID  string         `json:"winner_id,omitempty"`
	Ratings   []RatingChange `json:"ratings,omitempty"`
}

type ErrorEvent struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

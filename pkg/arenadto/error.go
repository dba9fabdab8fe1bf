package arenadto

// Error codes surfaced to the acting client. The opposing client never
// receives error events, only state updates.
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodeNotAParticipant  = "NOT_A_PARTICIPANT"
	CodeInvalidState     = "INVALID_STATE_TRANSITION"
	CodeDuplicateAnswer  = "DUPLICATE_ANSWER"
	CodeConflict         = "CONFLICT"
	CodeJudgeUnavailable = "JUDGE_UNAVAILABLE"
	CodePersistence      = "PERSISTENCE_FAILURE"
)

type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "arena error"
}

func SessionNotFound(id string) error {
	return DomainError{Code: CodeSessionNotFound, Message: "session not found: " + id}
}

func NotAParticipant() error {
	return DomainError{Code: CodeNotAParticipant, Message: "user is not a participant of this session"}
}

func InvalidState(msg string) error {
	return DomainError{Code: CodeInvalidState, Message: msg}
}

func DuplicateAnswer(questionID string) error {
	return DomainError{Code: CodeDuplicateAnswer, Message: "question already answered: " + questionID}
}

// Conflict reports a lost concurrent-update race; the operation did not
// apply and may simply be retried.
func Conflict() error {
	return DomainError{Code: CodeConflict, Message: "session was updated concurrently", Retryable: true}
}

func JudgeUnavailable(msg string) error {
	return DomainError{Code: CodeJudgeUnavailable, Message: msg, Retryable: true}
}

func PersistenceFailure(msg string) error {
	return DomainError{Code: CodePersistence, Message: msg, Retryable: true}
}

package judge

import (
	"errors"
	"fmt"
)

// Execution service verdict status ids. Ids below StatusAccepted mean
// the submission is still queued or running and must be polled again.
const (
	StatusInQueue    = 1
	StatusProcessing = 2
	StatusAccepted   = 3
	StatusWrongAns   = 4
)

// Execution is the outcome of running one submission against one test
// case.
type Execution struct {
	Token    string
	StatusID int
	Status   string
	Stdout   string
	Stderr   string
	Time     string
	Memory   int
	// Passed is true only when the run terminated with the success
	// status and trimmed stdout equals the trimmed expected output.
	Passed bool
	// Credential is the pool index that produced this result.
	Credential int
}

// ExhaustedError reports that every credential in the pool was tried
// and failed within a single Execute call.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all %d judge credentials exhausted: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("all %d judge credentials exhausted", e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// failure classes for credential accounting
type failureClass int

const (
	failRateLimited failureClass = iota
	failForbidden
	failUnauthorized
	failHTTP
	failTransport
)

var errResultPending = errors.New("judge result still pending")

// apiError is a non-success HTTP response from the execution service.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("judge api error: status=%d body=%s", e.status, e.body)
}

func (e *apiError) class() failureClass {
	switch e.status {
	case 429:
		return failRateLimited
	case 403:
		return failForbidden
	case 401:
		return failUnauthorized
	default:
		return failHTTP
	}
}

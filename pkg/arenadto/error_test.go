package arenadto

import (
	"errors"
	"fmt"
	"testing"
)

func TestConflictIsRetryableAndTyped(t *testing.T) {
	err := fmt.Errorf("join: %w", Conflict())

	var de DomainError
	if !errors.As(err, &de) {
		t.Fatal("Conflict did not unwrap to DomainError")
	}
	if de.Code != CodeConflict {
		t.Fatalf("code = %s, want %s", de.Code, CodeConflict)
	}
	if !de.Retryable {
		t.Fatal("a lost concurrent-update race must be marked retryable")
	}
}

func TestJudgeUnavailableRetryable(t *testing.T) {
	var de DomainError
	if !errors.As(JudgeUnavailable("pool exhausted"), &de) {
		t.Fatal("JudgeUnavailable did not unwrap to DomainError")
	}
	if !de.Retryable || de.Code != CodeJudgeUnavailable {
		t.Fatalf("got %+v", de)
	}
}

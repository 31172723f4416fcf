package errors

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKindSentinels(t *testing.T) {
	err := fmt.Errorf("execute: %w", New(KindTimeout, "claude timed out after %s", "30m"))

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrProcessFailure))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.True(t, IsKind(err, KindTimeout))
}

func TestKindOfUntypedError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorMessageFormatting(t *testing.T) {
	wrapped := Wrap(KindUnavailable, exec.ErrNotFound, "spawn claude")
	assert.Contains(t, wrapped.Error(), "spawn claude")
	assert.Contains(t, wrapped.Error(), "executable file not found")
	assert.Equal(t, "UNAVAILABLE", wrapped.Code())

	var typed *Error
	require.True(t, As(fmt.Errorf("outer: %w", wrapped), &typed))
	assert.Same(t, wrapped, typed)
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "timeout", err: New(KindTimeout, "timed out"), expected: true},
		{name: "cancelled", err: New(KindCancelled, "killed"), expected: true},
		{name: "missing binary", err: Wrap(KindUnavailable, exec.ErrNotFound, "lookup"), expected: false},
		{name: "transient spawn failure", err: Wrap(KindUnavailable, syscall.EAGAIN, "spawn"), expected: true},
		{name: "exec format error", err: Wrap(KindUnavailable, syscall.ENOEXEC, "spawn"), expected: false},
		{name: "parse failure", err: New(KindParseFailure, "bad json"), expected: false},
		{name: "validation", err: New(KindValidation, "diff is required"), expected: false},
		{name: "not found", err: NotFound("run", "run-1"), expected: false},
		{name: "process rate limited", err: &Error{Kind: KindProcessFailure, Message: "claude exited", Stderr: "API Error: 429 rate limit"}, expected: true},
		{name: "process overloaded", err: &Error{Kind: KindProcessFailure, Message: "claude exited", Stderr: "overloaded_error"}, expected: true},
		{name: "process killed by signal", err: &Error{Kind: KindProcessFailure, Message: "claude exited", ExitCode: -1}, expected: true},
		{name: "process not logged in", err: &Error{Kind: KindProcessFailure, Message: "claude exited", Stderr: "Invalid API key, not logged in"}, expected: false},
		{name: "process generic failure", err: &Error{Kind: KindProcessFailure, Message: "claude exited: exit status 1", ExitCode: 1}, expected: false},
		{name: "process gateway error", err: &Error{Kind: KindProcessFailure, Message: "claude exited", Stderr: "API Error: 503 Service Unavailable"}, expected: true},
		{name: "duration is not a status code", err: &Error{Kind: KindProcessFailure, Message: "claude exited after 1500ms", Stderr: "request id 5029"}, expected: false},
		{name: "pinned override", err: New(KindParseFailure, "x").WithRecoverable(true), expected: true},
		{name: "untyped connection reset", err: fmt.Errorf("read: connection reset by peer"), expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRecoverable(tt.err))
		})
	}
}

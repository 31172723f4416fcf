package errors

import (
	"errors"
	"fmt"
)

// Kind classifies orchestration failures.
type Kind string

const (
	// KindUnavailable - the external executable is missing or cannot be spawned.
	KindUnavailable Kind = "UNAVAILABLE"
	// KindTimeout - the invocation exceeded its ceiling and was killed.
	KindTimeout Kind = "TIMEOUT"
	// KindProcessFailure - the executable exited non-zero or reported an error.
	KindProcessFailure Kind = "PROCESS_FAILURE"
	// KindParseFailure - terminal output could not be decoded.
	KindParseFailure Kind = "PARSE_FAILURE"
	// KindNotFound - unknown session or run id.
	KindNotFound Kind = "NOT_FOUND"
	// KindCancelled - the caller killed the session or cancelled the run.
	KindCancelled Kind = "CANCELLED"
	// KindValidation - the request was rejected before any invocation.
	KindValidation Kind = "VALIDATION"
	// KindInternal - anything else.
	KindInternal Kind = "INTERNAL"
)

// Sentinels for errors.Is matching against a Kind.
var (
	ErrUnavailable    = &Error{Kind: KindUnavailable}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrProcessFailure = &Error{Kind: KindProcessFailure}
	ErrParseFailure   = &Error{Kind: KindParseFailure}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrCancelled      = &Error{Kind: KindCancelled}
	ErrValidation     = &Error{Kind: KindValidation}
)

// Error is the typed error carried through the orchestration layers.
type Error struct {
	Kind     Kind
	Message  string
	Err      error
	ExitCode int
	// Stderr holds the captured diagnostic tail for process failures.
	Stderr string
	// recoverable overrides the kind-based classification when set.
	recoverable *bool
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Message == "" && other.Err == nil
}

// Code returns the stable error code recorded on runs.
func (e *Error) Code() string {
	if e == nil {
		return ""
	}
	return string(e.Kind)
}

// WithRecoverable pins the recoverability flag regardless of kind.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.recoverable = &recoverable
	return e
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound builds a NotFound error for the given entity and id.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", entity, id)}
}

// KindOf extracts the Kind of err, KindInternal when untyped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As is re-exported so callers need a single errors import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is re-exported so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

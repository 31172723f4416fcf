package errors

import (
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
)

// IsRecoverable reports whether a failed run may succeed when retried
// manually. Timeouts and transient spawn failures are recoverable; parse and
// validation failures are not. Process failures fall back to message
// heuristics.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var typed *Error
	if !errors.As(err, &typed) {
		return isTransientMessage(err.Error())
	}
	if typed.recoverable != nil {
		return *typed.recoverable
	}
	switch typed.Kind {
	case KindTimeout, KindCancelled:
		return true
	case KindUnavailable:
		return isTransientSpawnError(typed.Err)
	case KindProcessFailure:
		if typed.ExitCode == exitCodeSignalled {
			return true
		}
		return isTransientMessage(typed.Error() + " " + typed.Stderr)
	case KindParseFailure, KindValidation, KindNotFound:
		return false
	default:
		return isTransientMessage(typed.Error())
	}
}

// exitCodeSignalled is what ExitCode() reports for a process killed by a signal.
const exitCodeSignalled = -1

func isTransientSpawnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.ETXTBSY, syscall.ENOMEM, syscall.EMFILE, syscall.ENFILE, syscall.EINTR:
			return true
		case syscall.ENOENT, syscall.EACCES, syscall.ENOEXEC, syscall.EPERM:
			return false
		}
	}
	return isTransientMessage(err.Error())
}

var transientPatterns = []string{
	"rate limit",
	"rate_limit",
	"overloaded",
	"internal server error",
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"resource temporarily unavailable",
	"network",
}

// transientStatus matches HTTP status codes standing alone, so durations such
// as "1500ms" do not count.
var transientStatus = regexp.MustCompile(`\b(429|500|502|503|504)\b`)

var permanentPatterns = []string{
	"not logged",
	"unauthorized",
	"invalid api key",
	"permission denied",
	"forbidden",
	"invalid",
	"not found",
}

func isTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pattern := range permanentPatterns {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return transientStatus.MatchString(lower)
}

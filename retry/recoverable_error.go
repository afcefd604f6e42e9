package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// RecoverableError is implemented by errors that know whether they may be
// retried. Workers return these to steer the executor's retry budget.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// upstreamHints are substrings of error text that indicate a provider or
// network hiccup rather than a bad request.
var upstreamHints = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"rate limit",
	"too many requests",
	"service unavailable",
	"bad gateway",
}

// IsRecoverable reports whether err is worth retrying under the strict
// condition: explicitly marked recoverable, a deadline, a network timeout or
// an error whose text looks like an upstream hiccup.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range upstreamHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsMarkedNonRecoverable reports whether err explicitly opted out of retries.
func IsMarkedNonRecoverable(err error) bool {
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return !recoverable.IsRecoverable()
	}
	return false
}

// Retryable is the permissive condition used for worker calls: everything is
// retried except cancellation and errors explicitly marked non-recoverable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !IsMarkedNonRecoverable(err)
}

// FromStatus wraps a failed upstream HTTP response. Throttling and server
// errors are recoverable; everything else needs a fix before retrying.
func FromStatus(code int, body string) error {
	err := fmt.Errorf("upstream returned %d: %s", code, strings.TrimSpace(body))
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return NewRecoverableError(err)
	}
	return NewNonRecoverableError(err)
}

// TransientError marks an upstream failure (timeout, rate limit, outage) as
// safe to retry.
type TransientError struct {
	err error
}

func NewRecoverableError(err error) *TransientError {
	return &TransientError{err: err}
}

func (e *TransientError) Error() string       { return e.err.Error() }
func (e *TransientError) Unwrap() error       { return e.err }
func (e *TransientError) IsRecoverable() bool { return true }

// PermanentError marks a failure that will repeat until something changes:
// bad credentials, a missing endpoint, invalid input.
type PermanentError struct {
	err error
}

func NewNonRecoverableError(err error) *PermanentError {
	return &PermanentError{err: err}
}

func (e *PermanentError) Error() string       { return e.err.Error() }
func (e *PermanentError) Unwrap() error       { return e.err }
func (e *PermanentError) IsRecoverable() bool { return false }

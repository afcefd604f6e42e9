package campusflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/dingyuana/campusflow/retry"
)

// Sentinel errors. Wrap them with *Error to attach classification.
var (
	ErrUnknownNode            = errors.New("unknown node")
	ErrMalformedDecision      = errors.New("malformed router decision")
	ErrBudgetExceeded         = errors.New("step budget exceeded")
	ErrConcurrentInvocation   = errors.New("thread is already running")
	ErrAlreadyResumed         = errors.New("interrupt already resumed")
	ErrInterruptPending       = errors.New("thread is paused awaiting approval")
	ErrInterruptTokenMismatch = errors.New("interrupt token does not match pending interrupt")
	ErrCheckpointNotFound     = errors.New("checkpoint not found")
	ErrScratchCollision       = errors.New("parallel siblings wrote the same scratch key")
	ErrThreadIDRequired       = errors.New("thread id is required")
	ErrInputEndsTurn          = errors.New("input cannot route to end")
)

// ErrorKind classifies a failure
type ErrorKind string

const (
	// KindConfiguration covers graph and router mistakes. These are never
	// recovered automatically.
	KindConfiguration ErrorKind = "configuration"

	// KindTransient covers worker and oracle failures that survived the
	// retry budget.
	KindTransient ErrorKind = "transient"

	// KindBudget indicates the executor loop guard fired.
	KindBudget ErrorKind = "budget"

	// KindConcurrency indicates a second invocation on a running thread.
	KindConcurrency ErrorKind = "concurrency"

	// KindInterrupt indicates an invalid invoke or resume against the
	// thread's interrupt state.
	KindInterrupt ErrorKind = "interrupt"

	// KindStorage indicates a checkpoint store failure.
	KindStorage ErrorKind = "storage"

	// KindCanceled indicates the caller canceled the invocation.
	KindCanceled ErrorKind = "canceled"
)

// Retryability tells the caller what to do with a failed run
type Retryability string

const (
	RetryAsIs     Retryability = "retry_as_is"
	RetryAfterFix Retryability = "retry_after_fix"
	NotRetryable  Retryability = "not_retryable"
)

// Error is the structured error returned for every failed run. It supports
// Go's error wrapping patterns with Unwrap().
type Error struct {
	Kind    ErrorKind    `json:"kind"`
	Retry   Retryability `json:"retry"`
	Node    string       `json:"node,omitempty"`
	Step    int          `json:"step,omitempty"`
	Cause   string       `json:"cause"`
	Wrapped error        `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: node %s (step %d): %s", e.Kind, e.Node, e.Step, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError wraps err with the given kind. The retryability is derived from
// the kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{
		Kind:    kind,
		Retry:   retryabilityOf(kind),
		Cause:   err.Error(),
		Wrapped: err,
	}
}

func configError(format string, args ...any) *Error {
	return NewError(KindConfiguration, fmt.Errorf(format, args...))
}

func (e *Error) at(node string, step int) *Error {
	e.Node = node
	e.Step = step
	return e
}

func retryabilityOf(kind ErrorKind) Retryability {
	switch kind {
	case KindTransient, KindStorage, KindCanceled:
		return RetryAsIs
	case KindConfiguration, KindInterrupt:
		return RetryAfterFix
	default:
		return NotRetryable
	}
}

// ClassifyError attempts to classify a regular error into an *Error
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(KindCanceled, err)
	case errors.Is(err, ErrUnknownNode),
		errors.Is(err, ErrMalformedDecision),
		errors.Is(err, ErrScratchCollision),
		errors.Is(err, ErrInputEndsTurn):
		return NewError(KindConfiguration, err)
	case errors.Is(err, ErrBudgetExceeded):
		return NewError(KindBudget, err)
	case errors.Is(err, ErrConcurrentInvocation):
		return NewError(KindConcurrency, err)
	case errors.Is(err, ErrAlreadyResumed),
		errors.Is(err, ErrInterruptPending),
		errors.Is(err, ErrInterruptTokenMismatch):
		return NewError(KindInterrupt, err)
	}
	e = NewError(KindTransient, err)
	if !retry.IsRecoverable(err) && retry.IsMarkedNonRecoverable(err) {
		e.Retry = RetryAfterFix
	}
	return e
}

// IsKind reports whether err classifies as the given kind
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Kind == kind
}

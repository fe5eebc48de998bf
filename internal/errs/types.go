package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry policy and user-facing reporting.
type Kind string

const (
	// KindCapacityExceeded - the scheduler backlog is full; caller must retry later.
	KindCapacityExceeded Kind = "capacity_exceeded"
	// KindExecutionTimeout - an action exceeded its deadline.
	KindExecutionTimeout Kind = "execution_timeout"
	// KindActionFailed - an action returned an error.
	KindActionFailed Kind = "action_failed"
	// KindInvalidState - an illegal state transition was attempted on a proposal.
	KindInvalidState Kind = "invalid_state"
	// KindCommitFailed - the version control store rejected a commit.
	KindCommitFailed Kind = "commit_failed"
	// KindRevertConflict - the inverse of a commit could not be applied cleanly.
	KindRevertConflict Kind = "revert_conflict"
	// KindUnknownChannel - a reply was addressed to a channel that no longer exists.
	KindUnknownChannel Kind = "unknown_channel"
)

// Sentinel errors for the failure taxonomy. Wrap with %w so callers can use
// errors.Is regardless of how much context has been layered on top.
var (
	ErrCapacityExceeded = &Error{Kind: KindCapacityExceeded, Message: "backlog capacity exceeded"}
	ErrExecutionTimeout = &Error{Kind: KindExecutionTimeout, Message: "action exceeded deadline"}
	ErrInvalidState     = &Error{Kind: KindInvalidState, Message: "invalid state transition"}
	ErrCommitFailed     = &Error{Kind: KindCommitFailed, Message: "commit failed"}
	ErrRevertConflict   = &Error{Kind: KindRevertConflict, Message: "revert conflict"}
	ErrUnknownChannel   = &Error{Kind: KindUnknownChannel, Message: "unknown channel"}
)

// Error carries a taxonomy kind alongside the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any Error of the same kind, so errors.Is(err, ErrCommitFailed)
// works for wrapped instances carrying extra context.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New wraps err under the given kind with a contextual message.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ActionFailed wraps an action error for retry classification.
func ActionFailed(err error) *Error {
	return &Error{Kind: KindActionFailed, Message: "action failed", Err: err}
}

// Timeout wraps a deadline expiry for an action execution.
func Timeout(err error) *Error {
	return &Error{Kind: KindExecutionTimeout, Message: "action exceeded deadline", Err: err}
}

// KindOf extracts the taxonomy kind, or "" for untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindExecutionTimeout
	}
	return ""
}

// IsTransient reports whether the failure may be retried with backoff.
// Only action-level failures are transient; state machine and VCS failures
// must surface to the caller synchronously.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindActionFailed, KindExecutionTimeout:
		return true
	case KindCapacityExceeded, KindInvalidState, KindCommitFailed,
		KindRevertConflict, KindUnknownChannel:
		return false
	}
	// Untyped action errors count as transient action failures; permanence
	// must be opted into through the taxonomy.
	return true
}

// UserMessage maps a failure to a short description safe to surface on a
// channel. Never leaks internal traces.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindCapacityExceeded:
		return "The system is overloaded right now. Please try again shortly."
	case KindExecutionTimeout:
		return "The request took too long and was aborted."
	case KindActionFailed:
		return "The request failed after several attempts."
	case KindInvalidState:
		return "That operation is not valid in the current state."
	case KindCommitFailed:
		return "The change could not be committed."
	case KindRevertConflict:
		return "The rollback could not be applied cleanly."
	case KindUnknownChannel:
		return "The reply destination is no longer available."
	default:
		return "The request failed."
	}
}

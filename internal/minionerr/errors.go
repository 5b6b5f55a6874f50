// Package minionerr defines the error kinds surfaced by the coordination
// kernel and their mapping to process exit codes.
//
// Precondition failures are recoverable by the caller and always carry the
// rule that fired, the observed state, and the remediating action.
package minionerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for exit-code mapping and caller handling.
type Kind int

const (
	// KindUser is a plain usage error (bad arguments, unknown entity).
	KindUser Kind = iota
	// KindPrecondition is a recoverable gate failure (stale context,
	// unread inbox, lost race).
	KindPrecondition
	// KindShutdown signals graceful daemon shutdown (stand_down / retire).
	KindShutdown
	// KindAuth is an authorization denial.
	KindAuth
	// KindFatal is unrecoverable (datastore corruption).
	KindFatal
)

// Exit codes form the CLI contract shared with daemons and wrapper scripts.
const (
	ExitOK           = 0
	ExitUser         = 1
	ExitPrecondition = 2
	ExitShutdown     = 3
	ExitAuth         = 4
)

// ExitCode maps an error to its process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindPrecondition:
			return ExitPrecondition
		case KindShutdown:
			return ExitShutdown
		case KindAuth:
			return ExitAuth
		default:
			return ExitUser
		}
	}
	return ExitUser
}

// Error is the structured error type used across the kernel.
type Error struct {
	Kind     Kind
	Rule     string // which gate fired, e.g. "unread_inbox"
	Observed string // observed state, e.g. "unread=3"
	Hint     string // remediating action, e.g. "run check-inbox"
	wrapped  error
}

func (e *Error) Error() string {
	msg := e.Rule
	if e.Observed != "" {
		msg += ": " + e.Observed
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches two kernel errors by rule, so sentinel comparisons like
// errors.Is(err, ErrAlreadyPulled) work regardless of the observed state.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Rule == t.Rule
}

func newErr(kind Kind, rule string) *Error {
	return &Error{Kind: kind, Rule: rule}
}

// Precondition failure sentinels. Use With to attach observed state.
var (
	ErrStaleContext        = newErr(KindPrecondition, "stale_context")
	ErrUnreadInbox         = newErr(KindPrecondition, "unread_inbox")
	ErrNoActivePlan        = newErr(KindPrecondition, "no_active_plan")
	ErrMoonCrash           = newErr(KindPrecondition, "moon_crash")
	ErrAlreadyPulled       = newErr(KindPrecondition, "already_pulled")
	ErrBlockedBy           = newErr(KindPrecondition, "blocked_by")
	ErrClaimHeld           = newErr(KindPrecondition, "claim_held")
	ErrMissingResult       = newErr(KindPrecondition, "missing_result")
	ErrInvalidTransition   = newErr(KindPrecondition, "invalid_transition")
	ErrWorkerClassMismatch = newErr(KindPrecondition, "worker_class_mismatch")

	ErrClassDenied       = newErr(KindAuth, "class_denied")
	ErrCapabilityMissing = newErr(KindAuth, "capability_missing")

	ErrStandDown = newErr(KindShutdown, "stand_down")
	ErrRetired   = newErr(KindShutdown, "retired")

	ErrCorruption = newErr(KindFatal, "datastore_corruption")
)

// With returns a copy of the sentinel carrying observed state and a hint.
func (e *Error) With(observed, hint string) *Error {
	return &Error{Kind: e.Kind, Rule: e.Rule, Observed: observed, Hint: hint}
}

// Withf is With using a formatted observed string.
func (e *Error) Withf(hint, format string, args ...any) *Error {
	return e.With(fmt.Sprintf(format, args...), hint)
}

// Wrap attaches an underlying cause to the sentinel.
func (e *Error) Wrap(err error) *Error {
	return &Error{Kind: e.Kind, Rule: e.Rule, Observed: e.Observed, Hint: e.Hint, wrapped: err}
}

// NotFound is the generic user-error for missing entities.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindUser, Rule: "not_found", Observed: fmt.Sprintf("%s %q", entity, id)}
}

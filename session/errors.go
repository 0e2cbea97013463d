package session

import (
	"errors"
	"fmt"

	"github.com/isdmx/shellbox/sandbox"
)

// Kind classifies lifecycle and execution failures
type Kind string

// Error kinds
const (
	KindInvalidSession     Kind = "InvalidSession"
	KindImageMissing       Kind = "ImageMissing"
	KindCreateFailed       Kind = "CreateFailed"
	KindStartFailed        Kind = "StartFailed"
	KindStopFailed         Kind = "StopFailed"
	KindRemoveFailed       Kind = "RemoveFailed"
	KindRuntimeUnavailable Kind = "RuntimeUnavailable"
	KindRuntimeFailure     Kind = "RuntimeFailure"
	KindCanceled           Kind = "Canceled"
)

// Error is the single typed error returned by every session operation
type Error struct {
	Kind      Kind
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.SessionID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err if it is, or wraps, an *Error
func KindOf(err error) (Kind, bool) {
	var sessionErr *Error
	if errors.As(err, &sessionErr) {
		return sessionErr.Kind, true
	}
	return "", false
}

// newError builds an *Error. Any cause that reached the runtime as
// unreachable is reported as RuntimeUnavailable whatever step failed.
func newError(kind Kind, op, sessionID string, err error) *Error {
	if errors.Is(err, sandbox.ErrUnavailable) {
		kind = KindRuntimeUnavailable
	}
	return &Error{Kind: kind, Op: op, SessionID: sessionID, Err: err}
}

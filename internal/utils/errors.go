package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the healing loop.
type ErrorKind string

const (
	// KindDetectionSkipped marks a detection pass that had no baseline to work with.
	KindDetectionSkipped ErrorKind = "detection_skipped"
	// KindPlanUnavailable marks a pattern without a catalogue entry.
	KindPlanUnavailable ErrorKind = "plan_unavailable"
	// KindActionHandler marks a handler that raised or reported failure.
	KindActionHandler ErrorKind = "action_handler"
	// KindRollbackUnavailable marks a rollback requested without enablement or data.
	KindRollbackUnavailable ErrorKind = "rollback_unavailable"
	// KindInternal covers infrastructure failures (storage, transport, cache).
	KindInternal ErrorKind = "internal"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an internal AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Kind: KindInternal, Op: op, Msg: msg, Err: err}
}

// NewKindError constructs an AppError of the given kind.
func NewKindError(kind ErrorKind, op, msg string, err error) error {
	return &AppError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// IsKind reports whether any AppError in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Kind == kind {
			return true
		}
		err = appErr.Err
	}
	return false
}

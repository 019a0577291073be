// ABOUTME: Error taxonomy for pipeline stages plus sentinel errors for runner and coordinator calls.
// ABOUTME: Maps arbitrary stage failures onto service_error, timeout, validation_error, or blocked_by_other_tab.
package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a recorded stage failure.
type ErrorKind string

const (
	ErrorKindService    ErrorKind = "service_error"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindBlocked    ErrorKind = "blocked_by_other_tab"
	ErrorKindValidation ErrorKind = "validation_error"
)

var (
	// ErrAlreadyRunning rejects a run or retry of a kind that is already executing.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrBlockedByOtherTab means another process holds the session lock.
	ErrBlockedByOtherTab = errors.New("session is active in another tab")
	// ErrNotReady rejects accepting a pipeline whose result is not generated yet.
	ErrNotReady = errors.New("pipeline result is not ready")
	// ErrStepOutOfOrder rejects a retry of a step whose predecessors are not complete.
	ErrStepOutOfOrder = errors.New("step is not the next step")
	// ErrUnknownKind rejects an unrecognized pipeline kind.
	ErrUnknownKind = errors.New("unknown pipeline kind")
	// ErrUnknownStep rejects a step that is not part of the kind's definition.
	ErrUnknownStep = errors.New("unknown step")
)

// ValidationError reports a structurally invalid stage result, such as the
// wrong number of planned segments.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// timeoutError marks an error as a timeout for classification. Packages that
// wrap a provider timeout implement this.
type timeoutError interface {
	Timeout() bool
}

// kindOf classifies a stage error. stageCtx is the context the stage ran
// under; an expired deadline on it is a timeout regardless of the error text.
func kindOf(stageCtx context.Context, err error) ErrorKind {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return ErrorKindValidation
	case errors.Is(err, ErrBlockedByOtherTab):
		return ErrorKindBlocked
	case errors.Is(err, context.DeadlineExceeded),
		stageCtx != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		return ErrorKindTimeout
	}
	var te timeoutError
	if errors.As(err, &te) && te.Timeout() {
		return ErrorKindTimeout
	}
	return ErrorKindService
}

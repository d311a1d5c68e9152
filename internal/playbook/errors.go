package playbook

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies the precondition a rejected operation failed.
type Code string

// Error codes. Stable: handlers and clients match on these strings.
const (
	CodeIncompleteRequirements Code = "INCOMPLETE_REQUIREMENTS"
	CodeMissingSkipReason      Code = "MISSING_SKIP_REASON"
	CodeMissingAbandonReason   Code = "MISSING_ABANDON_REASON"
	CodeInvalidNavigation      Code = "INVALID_NAVIGATION"

	CodeInstanceClosed          Code = "INSTANCE_CLOSED"
	CodeStepNotActive           Code = "STEP_NOT_ACTIVE"
	CodeUnknownStep             Code = "UNKNOWN_STEP"
	CodeUnknownActionItem       Code = "UNKNOWN_ACTION_ITEM"
	CodeStepNotVisited          Code = "STEP_NOT_VISITED"
	CodeSignatureNotOffered     Code = "SIGNATURE_NOT_OFFERED"
	CodeDispositionInactive     Code = "DISPOSITION_INACTIVE"
	CodeUnknownDispositionEntry Code = "UNKNOWN_DISPOSITION_ENTRY"
	CodeInvalidDecision         Code = "INVALID_DECISION"
	CodeInvalidDispositionEntry Code = "INVALID_DISPOSITION_ENTRY"
	CodeInvalidTemperature      Code = "INVALID_TEMPERATURE"
)

// Error is a local validation failure. It never wraps I/O and is never
// retried; the instance is unchanged when one is returned.
type Error struct {
	Code    Code
	Message string

	// Step is the step number the operation targeted, 0 when not step-scoped.
	Step int

	// MissingItems lists unchecked required action item ids (IncompleteRequirements).
	MissingItems []string

	// MissingPhoto is set when a mandatory photo has not been captured.
	MissingPhoto bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("%s: %s (step=%d)", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrIncompleteRequirements = &Error{Code: CodeIncompleteRequirements, Message: "step requirements not satisfied"}
	ErrMissingSkipReason      = &Error{Code: CodeMissingSkipReason, Message: "skip requires a reason"}
	ErrMissingAbandonReason   = &Error{Code: CodeMissingAbandonReason, Message: "abandon requires a reason"}
	ErrInvalidNavigation      = &Error{Code: CodeInvalidNavigation, Message: "target step has not been visited"}
	ErrInstanceClosed         = &Error{Code: CodeInstanceClosed, Message: "incident is no longer active"}
	ErrStepNotActive          = &Error{Code: CodeStepNotActive, Message: "step is not the active step"}
	ErrUnknownStep            = &Error{Code: CodeUnknownStep, Message: "step does not exist"}
	ErrUnknownActionItem      = &Error{Code: CodeUnknownActionItem, Message: "action item does not exist"}
	ErrStepNotVisited         = &Error{Code: CodeStepNotVisited, Message: "step has not been reached"}
	ErrSignatureNotOffered    = &Error{Code: CodeSignatureNotOffered, Message: "signature is captured on the final step only"}
	ErrDispositionInactive    = &Error{Code: CodeDispositionInactive, Message: "disposition workflow is not active"}
	ErrUnknownDisposition     = &Error{Code: CodeUnknownDispositionEntry, Message: "disposition entry does not exist"}
	ErrInvalidDecision        = &Error{Code: CodeInvalidDecision, Message: "unknown disposition decision"}
	ErrInvalidDisposition     = &Error{Code: CodeInvalidDispositionEntry, Message: "disposition entry is invalid"}
)

// CodeOf returns the code of an engine error, or "" for any other error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code Code, step int, format string, args ...any) *Error {
	return &Error{Code: code, Step: step, Message: fmt.Sprintf(format, args...)}
}

func incompleteError(step int, missing []string, missingPhoto bool) *Error {
	parts := make([]string, 0, 2)
	if len(missing) > 0 {
		parts = append(parts, "unchecked required items: "+strings.Join(missing, ", "))
	}
	if missingPhoto {
		parts = append(parts, "photo required")
	}
	return &Error{
		Code:         CodeIncompleteRequirements,
		Step:         step,
		Message:      strings.Join(parts, "; "),
		MissingItems: missing,
		MissingPhoto: missingPhoto,
	}
}

// invariant aborts on a programming defect. It is never used for operator errors.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic("invariant: " + fmt.Sprintf(format, args...))
	}
}

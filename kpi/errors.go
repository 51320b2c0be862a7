/*
errors.go - Typed error codes for the value engine

PURPOSE:
  Every failure surfaced to callers carries a stable code. The API layer
  renders the code and the field-level issues verbatim.

ERROR CATEGORIES:
  1. Validation - malformed input, carries Issues
  2. Formula    - codes passed through from the formula package
  3. Domain     - missing inputs, missing entities, illegal transitions
  4. Access     - role or assignment checks

NOT ERRORS:
  Cycle and depth guards in the resolver and the cascade terminate
  silently (logged only).

USAGE:
  if kpi.CodeOf(err) == kpi.CodeKPIValueAlreadySubmitted { ... }
  if errors.Is(err, kpi.ErrUnauthorized) { ... }
*/
package kpi

import (
	"errors"
	"fmt"

	"github.com/warp/kpi-engine/formula"
)

type Code string

const (
	CodeValidationFailed Code = "validationFailed"

	CodeEmptyFormula                 = Code(formula.CodeEmptyFormula)
	CodeUnsupportedFormulaCharacters = Code(formula.CodeUnsupportedFormulaCharacters)
	CodeInvalidFormulaResult         = Code(formula.CodeInvalidFormulaResult)
	CodeFailedToEvaluateFormula      = Code(formula.CodeFailedToEvaluateFormula)

	CodeVariableRequired       Code = "variableRequired"
	CodeStaticVariableRequired Code = "staticVariableRequired"
	CodeValueIsRequired        Code = "valueIsRequired"

	CodeNotFound       Code = "notFound"
	CodeKPINotFound    Code = "kpiNotFound"
	CodeEntityNotFound Code = "entityNotFound"
	CodeNotKPI         Code = "notKpi"

	CodePeriodLockedForApproval    Code = "periodLockedForApproval"
	CodeKPIValueAlreadySubmitted   Code = "kpiValueAlreadySubmitted"
	CodeUnauthorized               Code = "unauthorized"
	CodeOnlySubmittedCanBeReturned Code = "onlySubmittedCanBeReturned"
	CodeNoSubmittedValueFound      Code = "noSubmittedValueFound"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidationFailed           = &Error{Code: CodeValidationFailed}
	ErrVariableRequired           = &Error{Code: CodeVariableRequired}
	ErrStaticVariableRequired     = &Error{Code: CodeStaticVariableRequired}
	ErrValueIsRequired            = &Error{Code: CodeValueIsRequired}
	ErrNotFound                   = &Error{Code: CodeNotFound}
	ErrKPINotFound                = &Error{Code: CodeKPINotFound}
	ErrEntityNotFound             = &Error{Code: CodeEntityNotFound}
	ErrNotKPI                     = &Error{Code: CodeNotKPI}
	ErrPeriodLockedForApproval    = &Error{Code: CodePeriodLockedForApproval}
	ErrKPIValueAlreadySubmitted   = &Error{Code: CodeKPIValueAlreadySubmitted}
	ErrUnauthorized               = &Error{Code: CodeUnauthorized}
	ErrOnlySubmittedCanBeReturned = &Error{Code: CodeOnlySubmittedCanBeReturned}
	ErrNoSubmittedValueFound      = &Error{Code: CodeNoSubmittedValueFound}
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Issue is one field-level problem, addressed by a dotted path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is the typed error returned by Service operations.
type Error struct {
	Code    Code
	Message string
	Issues  []Issue
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func issueError(code Code, path, message string) *Error {
	return &Error{Code: code, Message: message, Issues: []Issue{{Path: path, Message: message}}}
}

// fromFormula converts an evaluator failure into an engine error with the
// same code.
func fromFormula(err error) *Error {
	code := formula.CodeOf(err)
	if code == "" {
		code = formula.CodeFailedToEvaluateFormula
	}
	return &Error{Code: Code(code), Err: err}
}

// CodeOf returns the code carried by err, or "" for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if fc := formula.CodeOf(err); fc != "" {
		return Code(fc)
	}
	return ""
}

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	return CodeOf(err) != ""
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeKPINotFound, CodeEntityNotFound, CodeNoSubmittedValueFound:
		return true
	}
	return false
}

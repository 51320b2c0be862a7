package formula

import (
	"errors"
	"fmt"
)

// Code identifies why a formula could not produce a value.
// Codes are stable strings; callers surface them verbatim.
type Code string

const (
	CodeEmptyFormula                 Code = "emptyFormula"
	CodeUnsupportedFormulaCharacters Code = "unsupportedFormulaCharacters"
	CodeInvalidFormulaResult         Code = "invalidFormulaResult"
	CodeFailedToEvaluateFormula      Code = "failedToEvaluateFormula"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrEmptyFormula                 = &Error{Code: CodeEmptyFormula}
	ErrUnsupportedFormulaCharacters = &Error{Code: CodeUnsupportedFormulaCharacters}
	ErrInvalidFormulaResult         = &Error{Code: CodeInvalidFormulaResult}
	ErrFailedToEvaluateFormula      = &Error{Code: CodeFailedToEvaluateFormula}
)

// Error is returned by every evaluator entry point.
// Err holds the underlying parse or runtime cause when there is one.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func fail(code Code, cause error) error {
	return &Error{Code: code, Err: cause}
}

// CodeOf extracts the formula code from err, or "" if err is not a formula error.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

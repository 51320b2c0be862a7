package kpi

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// inputValidate checks service inputs. Paths in issues use json names.
var inputValidate *validator.Validate

func init() {
	inputValidate = validator.New()
	inputValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = inputValidate.RegisterValidation("finite", validateFinite)
	_ = inputValidate.RegisterValidation("trimmin", validateTrimmedMin)
}

func validateFinite(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Float32, reflect.Float64:
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return true
}

// validateTrimmedMin is min=N applied after trimming whitespace.
func validateTrimmedMin(fl validator.FieldLevel) bool {
	n, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len([]rune(strings.TrimSpace(fl.Field().String()))) >= n
}

// validateInput runs struct validation and converts failures into a
// validationFailed error with one issue per field.
func validateInput(v any) error {
	err := inputValidate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &Error{Code: CodeValidationFailed, Err: err}
	}

	out := &Error{Code: CodeValidationFailed, Message: "invalid input"}
	for _, fe := range fieldErrs {
		out.Issues = append(out.Issues, Issue{Path: issuePath(fe.Namespace()), Message: issueMessage(fe)})
	}
	return out
}

// issuePath drops the root struct name: "ValueInput.values[0].code" -> "values[0].code".
func issuePath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func issueMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "trimmin":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "finite":
		return "must be a finite number"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

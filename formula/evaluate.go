/*
Package formula evaluates the formulas organization admins attach to
strategic entities.

DIALECTS:
  Arithmetic: identifiers are substituted with their numeric values and
  the remaining text must be plain arithmetic ("A + B * 2").

  Extended: a small statement language with const/let, return, vars.X
  access, get("KEY") cross-entity references and the abs/sum/avg/min/max
  builtins ("return (get('REVENUE') - vars.COST) / get('REVENUE') * 100;").

  The dialect is detected per formula. Both run on the same tokenizer,
  parser and tree-walking interpreter; the global scope only contains the
  documented bindings, so formulas cannot reach anything else.

DEPENDENCIES:
  ExtractKeys lists the entity keys a formula references through get().
  The engine uses it to pre-resolve values and to find dependents.
*/
package formula

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Dialect selects the evaluator for a formula.
type Dialect int

const (
	DialectArithmetic Dialect = iota
	DialectExtended
)

func (d Dialect) String() string {
	if d == DialectExtended {
		return "extended"
	}
	return "arithmetic"
}

var (
	extendedMarkers   = regexp.MustCompile(`\b(return|const|let)\b|\bvars\.|\bget\s*\(`)
	identifierPattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\b`)
	arithmeticCharset = regexp.MustCompile(`^[0-9+\-*/().\s]+$`)
	hasReturn         = regexp.MustCompile(`\breturn\b`)
	nonAlphanumeric   = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// Detect reports which dialect text is written in.
func Detect(text string) Dialect {
	if extendedMarkers.MatchString(text) {
		return DialectExtended
	}
	return DialectArithmetic
}

// Evaluate detects the dialect of text and evaluates it.
// get may be nil for formulas without cross-entity references.
func Evaluate(text string, vars map[string]float64, get Lookup) (float64, error) {
	if Detect(text) == DialectExtended {
		return EvaluateExtended(text, vars, get)
	}
	return EvaluateArithmetic(text, vars)
}

// =============================================================================
// ARITHMETIC DIALECT
// =============================================================================

// EvaluateArithmetic substitutes every identifier in text with its value
// (0 when absent) and evaluates the resulting arithmetic expression.
func EvaluateArithmetic(text string, values map[string]float64) (float64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyFormula
	}

	folded := make(map[string]float64, len(values))
	for k, v := range values {
		folded[strings.ToLower(k)] = v
	}

	substituted := identifierPattern.ReplaceAllStringFunc(text, func(tok string) string {
		v, ok := values[tok]
		if !ok {
			v, ok = folded[strings.ToLower(tok)]
		}
		if !ok {
			return "0"
		}
		// NaN and Inf format with letters and are rejected by the charset check.
		return strconv.FormatFloat(v, 'f', -1, 64)
	})

	if !arithmeticCharset.MatchString(substituted) {
		return 0, ErrUnsupportedFormulaCharacters
	}

	p, err := newParser(substituted)
	if err != nil {
		return 0, fail(CodeFailedToEvaluateFormula, err)
	}
	e, err := p.parseExpr(precLowest)
	if err != nil {
		return 0, fail(CodeFailedToEvaluateFormula, err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return 0, fail(CodeFailedToEvaluateFormula, fmt.Errorf("unexpected %s at %d", t, t.pos))
	}

	result, err := eval(e, newScope())
	if err != nil {
		return 0, fail(CodeFailedToEvaluateFormula, err)
	}
	return finite(result)
}

// =============================================================================
// EXTENDED DIALECT
// =============================================================================

// EvaluateExtended runs text as a statement sequence. Bare expressions are
// treated as `return (<text>);`.
func EvaluateExtended(text string, vars map[string]float64, get Lookup) (float64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyFormula
	}

	source := text
	if !hasReturn.MatchString(text) {
		source = "return (" + strings.TrimRight(strings.TrimSpace(text), ";") + ");"
	}

	p, err := newParser(source)
	if err != nil {
		return 0, fail(CodeFailedToEvaluateFormula, err)
	}
	body, err := p.parseProgram()
	if err != nil {
		return 0, fail(CodeFailedToEvaluateFormula, err)
	}

	result, err := run(body, globals(vars, get))
	if err != nil {
		return 0, fail(CodeFailedToEvaluateFormula, err)
	}
	return finite(result)
}

// globals builds the only scope a formula can see.
func globals(vars map[string]float64, get Lookup) *scope {
	sc := newScope()

	record := make(object, len(vars)*3)
	for code, v := range vars {
		record[code] = v
		record[strings.ToLower(code)] = v
		if stripped := nonAlphanumeric.ReplaceAllString(code, ""); stripped != "" {
			record[stripped] = v
		}
		if identifierPattern.FindString(code) == code {
			sc.define(code, v, true)
		}
	}

	sc.define("vars", record, true)
	sc.define("get", getBuiltin(get), true)
	sc.define("abs", builtinAbs, true)
	sc.define("sum", builtinSum, true)
	sc.define("avg", builtinAvg, true)
	sc.define("min", builtinMin, true)
	sc.define("max", builtinMax, true)
	return sc
}

func finite(v value) (float64, error) {
	n, ok := v.(float64)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, ErrInvalidFormulaResult
	}
	return n, nil
}

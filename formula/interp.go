package formula

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Runtime values are float64, string, bool, undefined, object or builtin.
type value any

type undefined struct{}

// object is the read-only record exposed as `vars`.
type object map[string]float64

type builtin struct {
	name string
	fn   func(args []value) (value, error)
}

type binding struct {
	val      value
	constant bool
}

// scope holds the global builtins and the formula's own declarations.
// Lookups never fall through to anything outside this map.
type scope struct {
	vars map[string]*binding
}

func newScope() *scope {
	return &scope{vars: make(map[string]*binding)}
}

func (s *scope) define(name string, v value, constant bool) {
	s.vars[name] = &binding{val: v, constant: constant}
}

// =============================================================================
// STATEMENTS
// =============================================================================

// run executes body and returns the value of the first return statement.
// A body that finishes without returning yields undefined.
func run(body []stmt, sc *scope) (value, error) {
	declared := make(map[string]bool)
	for _, s := range body {
		switch s := s.(type) {
		case declStmt:
			if declared[s.name] {
				return nil, fmt.Errorf("identifier %q has already been declared", s.name)
			}
			v, err := eval(s.init, sc)
			if err != nil {
				return nil, err
			}
			declared[s.name] = true
			sc.define(s.name, v, s.constant)

		case assignStmt:
			b, ok := sc.vars[s.name]
			if !ok {
				return nil, fmt.Errorf("%s is not defined", s.name)
			}
			if b.constant {
				return nil, fmt.Errorf("assignment to constant %s", s.name)
			}
			v, err := eval(s.value, sc)
			if err != nil {
				return nil, err
			}
			b.val = v

		case returnStmt:
			if s.value == nil {
				return undefined{}, nil
			}
			return eval(s.value, sc)

		case exprStmt:
			if _, err := eval(s.value, sc); err != nil {
				return nil, err
			}
		}
	}
	return undefined{}, nil
}

// =============================================================================
// EXPRESSIONS
// =============================================================================

func eval(e expr, sc *scope) (value, error) {
	switch e := e.(type) {
	case numberLit:
		return e.value, nil

	case stringLit:
		return e.value, nil

	case ident:
		b, ok := sc.vars[e.name]
		if !ok {
			return nil, fmt.Errorf("%s is not defined", e.name)
		}
		return b.val, nil

	case member:
		obj, err := eval(e.object, sc)
		if err != nil {
			return nil, err
		}
		return property(obj, e.name)

	case index:
		obj, err := eval(e.object, sc)
		if err != nil {
			return nil, err
		}
		key, err := eval(e.key, sc)
		if err != nil {
			return nil, err
		}
		return property(obj, toString(key))

	case call:
		callee, err := eval(e.callee, sc)
		if err != nil {
			return nil, err
		}
		fn, ok := callee.(builtin)
		if !ok {
			return nil, fmt.Errorf("expression is not a function")
		}
		args := make([]value, len(e.args))
		for i, a := range e.args {
			if args[i], err = eval(a, sc); err != nil {
				return nil, err
			}
		}
		return fn.fn(args)

	case unary:
		v, err := eval(e.operand, sc)
		if err != nil {
			return nil, err
		}
		switch e.op {
		case "-":
			return -toNumber(v), nil
		case "+":
			return toNumber(v), nil
		default:
			return !truthy(v), nil
		}

	case binary:
		return evalBinary(e, sc)

	case conditional:
		c, err := eval(e.cond, sc)
		if err != nil {
			return nil, err
		}
		if truthy(c) {
			return eval(e.then, sc)
		}
		return eval(e.otherwise, sc)
	}
	return nil, fmt.Errorf("unsupported expression %T", e)
}

func evalBinary(e binary, sc *scope) (value, error) {
	left, err := eval(e.left, sc)
	if err != nil {
		return nil, err
	}

	// Short-circuit operators return an operand, not a boolean.
	switch e.op {
	case "&&":
		if !truthy(left) {
			return left, nil
		}
		return eval(e.right, sc)
	case "||":
		if truthy(left) {
			return left, nil
		}
		return eval(e.right, sc)
	}

	right, err := eval(e.right, sc)
	if err != nil {
		return nil, err
	}

	switch e.op {
	case "+":
		_, ls := left.(string)
		_, rs := right.(string)
		if ls || rs {
			return toString(left) + toString(right), nil
		}
		return toNumber(left) + toNumber(right), nil
	case "-":
		return toNumber(left) - toNumber(right), nil
	case "*":
		return toNumber(left) * toNumber(right), nil
	case "/":
		return toNumber(left) / toNumber(right), nil
	case "%":
		return math.Mod(toNumber(left), toNumber(right)), nil
	case "**":
		return math.Pow(toNumber(left), toNumber(right)), nil
	case "<":
		return toNumber(left) < toNumber(right), nil
	case ">":
		return toNumber(left) > toNumber(right), nil
	case "<=":
		return toNumber(left) <= toNumber(right), nil
	case ">=":
		return toNumber(left) >= toNumber(right), nil
	case "==", "===":
		return equal(left, right), nil
	case "!=", "!==":
		return !equal(left, right), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", e.op)
}

func property(obj value, name string) (value, error) {
	switch o := obj.(type) {
	case object:
		if v, ok := o[name]; ok {
			return v, nil
		}
		return undefined{}, nil
	case undefined, nil:
		return nil, fmt.Errorf("cannot read property %q of undefined", name)
	default:
		return undefined{}, nil
	}
}

// =============================================================================
// COERCION
// =============================================================================

func toNumber(v value) float64 {
	switch v := v.(type) {
	case float64:
		return v
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return n
	default:
		return math.NaN()
	}
}

func toString(v value) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case undefined:
		return "undefined"
	default:
		return fmt.Sprint(v)
	}
}

func truthy(v value) bool {
	switch v := v.(type) {
	case float64:
		return v != 0 && !math.IsNaN(v)
	case bool:
		return v
	case string:
		return v != ""
	case undefined, nil:
		return false
	default:
		return true
	}
}

func equal(a, b value) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	return toNumber(a) == toNumber(b)
}

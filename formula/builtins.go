package formula

import (
	"fmt"
	"math"
)

// Lookup resolves a cross-entity reference made with get("KEY").
// The evaluator passes the key exactly as written in the formula.
type Lookup func(key string) float64

func numberArgs(args []value) []float64 {
	nums := make([]float64, len(args))
	for i, a := range args {
		nums[i] = toNumber(a)
	}
	return nums
}

var (
	builtinAbs = builtin{name: "abs", fn: func(args []value) (value, error) {
		if len(args) == 0 {
			return math.NaN(), nil
		}
		return math.Abs(toNumber(args[0])), nil
	}}

	builtinSum = builtin{name: "sum", fn: func(args []value) (value, error) {
		total := 0.0
		for _, n := range numberArgs(args) {
			total += n
		}
		return total, nil
	}}

	builtinAvg = builtin{name: "avg", fn: func(args []value) (value, error) {
		if len(args) == 0 {
			return 0.0, nil
		}
		total := 0.0
		for _, n := range numberArgs(args) {
			total += n
		}
		return total / float64(len(args)), nil
	}}

	// min and max follow Math.min/Math.max: no arguments yields ±Inf,
	// any NaN argument yields NaN.
	builtinMin = builtin{name: "min", fn: func(args []value) (value, error) {
		result := math.Inf(1)
		for _, n := range numberArgs(args) {
			if math.IsNaN(n) {
				return math.NaN(), nil
			}
			result = math.Min(result, n)
		}
		return result, nil
	}}

	builtinMax = builtin{name: "max", fn: func(args []value) (value, error) {
		result := math.Inf(-1)
		for _, n := range numberArgs(args) {
			if math.IsNaN(n) {
				return math.NaN(), nil
			}
			result = math.Max(result, n)
		}
		return result, nil
	}}
)

func getBuiltin(get Lookup) builtin {
	return builtin{name: "get", fn: func(args []value) (value, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("get requires a key")
		}
		if get == nil {
			return 0.0, nil
		}
		return get(toString(args[0])), nil
	}}
}

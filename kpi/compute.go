package kpi

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS
// =============================================================================

// VariableInput is the value supplied for one variable, matched by code
// case-insensitively. A nil Value counts as missing.
type VariableInput struct {
	Code  string   `json:"code" validate:"required,max=128"`
	Value *float64 `json:"value" validate:"omitempty,finite"`
}

// ValueInput is the payload of SaveDraft, Submit and Approve.
type ValueInput struct {
	EntityID EntityID `json:"entityId" validate:"required"`

	// At selects the period; zero means the service clock.
	At time.Time `json:"at"`

	Values      []VariableInput `json:"values" validate:"max=500,dive"`
	ManualValue *float64        `json:"manualValue" validate:"omitempty,finite"`
	Note        string          `json:"note" validate:"max=2000"`
}

// RequestChangesInput is the payload of RequestChanges.
type RequestChangesInput struct {
	EntityID EntityID  `json:"entityId" validate:"required"`
	At       time.Time `json:"at"`
	Message  string    `json:"message" validate:"trimmin=3,max=2000"`
}

// =============================================================================
// COMPUTATION
// =============================================================================

// computation is the outcome of computing one entity's value.
type computation struct {
	Actual     decimal.NullDecimal
	Calculated float64
	Inputs     []VariableValue // non-static inputs to persist
}

// compute assembles the variable values of entity and derives its value.
// supplied maps lowercase variable codes to inputs.
func compute(ctx context.Context, r *Resolver, entity *Entity, supplied map[string]*float64, manual *float64) (computation, error) {
	var c computation
	if manual != nil {
		c.Actual = nullDecimal(*manual)
	}

	vars := make(map[string]float64, len(entity.Variables))
	var missing []Issue
	missingCode := CodeVariableRequired

	for _, v := range entity.Variables {
		if v.IsStatic {
			if !v.StaticValue.Valid {
				if v.IsRequired {
					missing = append(missing, Issue{Path: "variables." + v.Code, Message: "static value is not defined"})
					if len(missing) == 1 {
						missingCode = CodeStaticVariableRequired
					}
				}
				vars[v.Code] = 0
				continue
			}
			vars[v.Code] = v.StaticValue.Decimal.InexactFloat64()
			continue
		}

		val := supplied[strings.ToLower(v.Code)]
		if val == nil {
			if v.IsRequired {
				missing = append(missing, Issue{Path: "values." + v.Code, Message: "is required"})
			}
			vars[v.Code] = 0
			continue
		}
		vars[v.Code] = *val
		c.Inputs = append(c.Inputs, VariableValue{VariableID: v.ID, Value: decimal.NewFromFloat(*val)})
	}

	if len(missing) > 0 {
		return c, &Error{Code: missingCode, Message: "missing variable values", Issues: missing}
	}

	switch {
	case entity.HasFormula():
		v, err := r.Evaluate(ctx, entity, vars)
		if err != nil {
			return c, err
		}
		c.Calculated = v
	case manual != nil:
		c.Calculated = *manual
	case len(entity.Variables) == 0:
		return c, issueError(CodeValueIsRequired, "manualValue", "a value is required")
	default:
		for _, v := range entity.Variables {
			c.Calculated += vars[v.Code]
		}
	}
	return c, nil
}

// suppliedValues indexes inputs by lowercase code. Later duplicates win.
func suppliedValues(in []VariableInput) map[string]*float64 {
	out := make(map[string]*float64, len(in))
	for _, v := range in {
		out[strings.ToLower(strings.TrimSpace(v.Code))] = v.Value
	}
	return out
}

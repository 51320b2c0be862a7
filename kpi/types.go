/*
Package kpi is the value computation and propagation engine.

PURPOSE:
  Organizations describe their strategy as a hierarchy of entities
  (pillars, objectives, departments, initiatives, KPIs). Entities with a
  granularity carry one value per canonical period; the value is entered
  manually or derived from a formula over input variables and other
  entities. Every period value moves through an approval workflow.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entity:        A node in the strategic hierarchy, optionally keyed
  - Variable:      A named numeric input of one entity (static or per-period)
  - ValuePeriod:   The stored value of an entity for one canonical period
  - VariableValue: A per-period input for a non-static variable
  - Actor:         The authenticated user performing an operation

DESIGN PRINCIPLES:
  1. Canonical periods: stored ranges always come from ResolvePeriod
  2. Natural key: at most one ValuePeriod per (entity, start, end)
  3. Precision: stored values are decimal.Decimal, formulas run on float64
  4. Graceful degradation: broken dependencies fall back to last known values

SEE ALSO:
  - period.go:   Canonical period resolution
  - resolver.go: Value graph resolution across get() references
  - service.go:  Save / submit / approve pipeline
  - cascade.go:  Dependent recalculation
*/
package kpi

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/kpi-engine/formula"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrgID string
type EntityID string
type VariableID string
type ValuePeriodID string
type UserID string

// NormalizeKey trims and uppercases an entity key.
func NormalizeKey(key string) string { return formula.NormalizeKey(key) }

// =============================================================================
// GRANULARITY
// =============================================================================

// Granularity is the time-bucketing cadence of an entity's values.
type Granularity string

const (
	GranularityNone      Granularity = "NONE"
	GranularityMonthly   Granularity = "MONTHLY"
	GranularityQuarterly Granularity = "QUARTERLY"
	GranularityYearly    Granularity = "YEARLY"
)

// ParseGranularity accepts any casing; empty input means NONE.
func ParseGranularity(s string) (Granularity, bool) {
	switch g := Granularity(strings.ToUpper(strings.TrimSpace(s))); g {
	case "", GranularityNone:
		return GranularityNone, true
	case GranularityMonthly, GranularityQuarterly, GranularityYearly:
		return g, true
	default:
		return GranularityNone, false
	}
}

// Periodic reports whether values are stored per period.
func (g Granularity) Periodic() bool {
	return g != "" && g != GranularityNone
}

// =============================================================================
// ENTITY
// =============================================================================

type EntityType string

const (
	EntityPillar     EntityType = "pillar"
	EntityObjective  EntityType = "objective"
	EntityDepartment EntityType = "department"
	EntityInitiative EntityType = "initiative"
	EntityKPI        EntityType = "kpi"
)

// Entity is a node of the strategic hierarchy.
type Entity struct {
	ID          EntityID
	OrgID       OrgID
	Key         string // normalized; empty when the entity cannot be referenced
	Name        string
	Type        EntityType
	Granularity Granularity
	Formula     string
	Variables   []Variable

	Target   decimal.NullDecimal
	Baseline decimal.NullDecimal
	Weight   decimal.NullDecimal

	// Assignees may edit values regardless of role rank.
	Assignees []UserID

	DeletedAt *time.Time
}

// HasFormula reports whether the entity's value is derived.
func (e *Entity) HasFormula() bool {
	return strings.TrimSpace(e.Formula) != ""
}

// Dependencies returns the keys referenced by the entity's formula.
func (e *Entity) Dependencies() []string {
	return formula.ExtractKeys(e.Formula)
}

// IsAssigned reports whether user is listed as an assignee.
func (e *Entity) IsAssigned(user UserID) bool {
	for _, a := range e.Assignees {
		if a == user {
			return true
		}
	}
	return false
}

// Variable is a named numeric input of one entity.
type Variable struct {
	ID         VariableID
	EntityID   EntityID
	Code       string
	Name       string
	IsRequired bool

	// Static variables carry their value on the definition and never
	// produce VariableValue rows.
	IsStatic    bool
	StaticValue decimal.NullDecimal
}

// =============================================================================
// VALUE PERIOD
// =============================================================================

// Status is the approval state of a ValuePeriod.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSubmitted Status = "SUBMITTED"
	StatusApproved  Status = "APPROVED"
	StatusLocked    Status = "LOCKED"
)

// IsApproved treats LOCKED as approved for display purposes.
func (s Status) IsApproved() bool {
	return s == StatusApproved || s == StatusLocked
}

// ValuePeriod is the value of one entity for one canonical period.
type ValuePeriod struct {
	ID          ValuePeriodID
	EntityID    EntityID
	OrgID       OrgID
	PeriodStart time.Time
	PeriodEnd   time.Time

	ActualValue     decimal.NullDecimal // raw manual entry, if any
	CalculatedValue decimal.NullDecimal // formula output
	FinalValue      decimal.NullDecimal // normally equal to CalculatedValue

	Status Status
	Note   string

	EnteredBy               UserID
	SubmittedBy             *UserID
	SubmittedAt             *time.Time
	ApprovedBy              *UserID
	ApprovedAt              *time.Time
	ChangesRequestedBy      *UserID
	ChangesRequestedAt      *time.Time
	ChangesRequestedMessage *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Period returns the canonical range this row is keyed by.
func (vp *ValuePeriod) Period() Period {
	return Period{Start: vp.PeriodStart, End: vp.PeriodEnd}
}

// StoredValue is the first present of final, calculated and actual value, else 0.
func (vp *ValuePeriod) StoredValue() decimal.Decimal {
	if vp == nil {
		return decimal.Zero
	}
	for _, v := range []decimal.NullDecimal{vp.FinalValue, vp.CalculatedValue, vp.ActualValue} {
		if v.Valid {
			return v.Decimal
		}
	}
	return decimal.Zero
}

// VariableValue is the input supplied for a non-static variable in one period.
type VariableValue struct {
	ValuePeriodID ValuePeriodID
	VariableID    VariableID
	Value         decimal.Decimal
}

// =============================================================================
// ORGANIZATION & ACTOR
// =============================================================================

// OrgSettings holds organization-level engine configuration.
type OrgSettings struct {
	OrgID           OrgID
	MinApprovalRole Role
}

// Actor is the authenticated user behind an operation.
type Actor struct {
	UserID UserID
	OrgID  OrgID
	Role   Role
}

func nullDecimal(v float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(v))
}

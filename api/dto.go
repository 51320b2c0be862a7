/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Entity:    EntityRequest, EntityDTO, VariableDTO
  Values:    ValueRequest, RequestChangesRequest, LockRequest, ValuePeriodDTO
  Detail:    DetailDTO
  Audit:     AuditEntryDTO
  Settings:  SettingsRequest

NUMBERS:
  Decimals (targets, stored values) travel as JSON strings ("40.5") to keep
  precision; variable inputs and manual values are plain JSON numbers.

VALIDATION:
  Request bodies carry go-playground/validator tags, checked in handlers
  before the engine sees them. The engine validates its own inputs again.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/kpi-engine/kpi"
)

// periodLayout renders period bounds with their millisecond precision.
const periodLayout = "2006-01-02T15:04:05.000Z07:00"

// =============================================================================
// ENTITIES
// =============================================================================

// EntityRequest creates or replaces an entity.
type EntityRequest struct {
	Key         string              `json:"key" validate:"max=64"`
	Name        string              `json:"name" validate:"required,max=256"`
	Type        string              `json:"type" validate:"omitempty,oneof=pillar objective department initiative kpi"`
	Granularity string              `json:"granularity" validate:"max=16"`
	Formula     string              `json:"formula" validate:"max=4000"`
	Target      decimal.NullDecimal `json:"target"`
	Baseline    decimal.NullDecimal `json:"baseline"`
	Weight      decimal.NullDecimal `json:"weight"`
	Variables   []VariableDTO       `json:"variables" validate:"max=100,dive"`
	Assignees   []string            `json:"assignees" validate:"max=100,dive,required"`
}

type VariableDTO struct {
	ID          string              `json:"id,omitempty"`
	Code        string              `json:"code" validate:"required,max=128"`
	Name        string              `json:"name,omitempty"`
	IsRequired  bool                `json:"is_required"`
	IsStatic    bool                `json:"is_static"`
	StaticValue decimal.NullDecimal `json:"static_value"`
}

// EntityDTO represents an entity in API responses.
type EntityDTO struct {
	ID          string              `json:"id"`
	Key         string              `json:"key,omitempty"`
	Name        string              `json:"name"`
	Type        string              `json:"type,omitempty"`
	Granularity string              `json:"granularity"`
	Formula     string              `json:"formula,omitempty"`
	Target      decimal.NullDecimal `json:"target"`
	Baseline    decimal.NullDecimal `json:"baseline"`
	Weight      decimal.NullDecimal `json:"weight"`
	Variables   []VariableDTO       `json:"variables"`
	Assignees   []string            `json:"assignees"`
}

// =============================================================================
// VALUES
// =============================================================================

// ValueRequest is the body of save, submit and approve.
// At accepts RFC 3339, YYYY-MM-DD or YYYY-MM; empty means now.
type ValueRequest struct {
	At          string              `json:"at"`
	Values      []kpi.VariableInput `json:"values"`
	ManualValue *float64            `json:"manual_value"`
	Note        string              `json:"note"`
}

type RequestChangesRequest struct {
	At      string `json:"at"`
	Message string `json:"message" validate:"required"`
}

type LockRequest struct {
	At string `json:"at"`
}

type VariableValueDTO struct {
	VariableID string          `json:"variable_id"`
	Value      decimal.Decimal `json:"value"`
}

// ValuePeriodDTO represents a stored value in API responses.
type ValuePeriodDTO struct {
	ID          string `json:"id,omitempty"`
	EntityID    string `json:"entity_id"`
	PeriodStart string `json:"period_start,omitempty"`
	PeriodEnd   string `json:"period_end,omitempty"`

	ActualValue     decimal.NullDecimal `json:"actual_value"`
	CalculatedValue decimal.NullDecimal `json:"calculated_value"`
	FinalValue      decimal.NullDecimal `json:"final_value"`

	Status     string `json:"status"`
	IsApproved bool   `json:"is_approved"`
	Note       string `json:"note,omitempty"`
	EnteredBy  string `json:"entered_by,omitempty"`

	SubmittedBy             *string    `json:"submitted_by,omitempty"`
	SubmittedAt             *time.Time `json:"submitted_at,omitempty"`
	ApprovedBy              *string    `json:"approved_by,omitempty"`
	ApprovedAt              *time.Time `json:"approved_at,omitempty"`
	ChangesRequestedBy      *string    `json:"changes_requested_by,omitempty"`
	ChangesRequestedAt      *time.Time `json:"changes_requested_at,omitempty"`
	ChangesRequestedMessage *string    `json:"changes_requested_message,omitempty"`

	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// DetailDTO is the entity detail view.
type DetailDTO struct {
	Entity       EntityDTO          `json:"entity"`
	Dialect      string             `json:"dialect,omitempty"`
	Dependencies []string           `json:"dependencies"`
	PeriodStart  string             `json:"period_start,omitempty"`
	PeriodEnd    string             `json:"period_end,omitempty"`
	Current      *ValuePeriodDTO    `json:"current"`
	CurrentInput []VariableValueDTO `json:"current_values"`
	Latest       *ValuePeriodDTO    `json:"latest"`
	LatestInput  []VariableValueDTO `json:"latest_values"`
	CanApprove   bool               `json:"can_approve"`
	Error        *ErrorResponse     `json:"evaluation_error,omitempty"`
}

// =============================================================================
// SETTINGS & AUDIT
// =============================================================================

type SettingsRequest struct {
	MinApprovalRole string `json:"min_approval_role" validate:"required"`
}

type AuditEntryDTO struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	EntityID     string         `json:"entity_id"`
	PeriodStart  string         `json:"period_start"`
	PeriodEnd    string         `json:"period_end"`
	StatusBefore string         `json:"status_before,omitempty"`
	StatusAfter  string         `json:"status_after"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details any         `json:"details,omitempty"`
	Issues  []kpi.Issue `json:"issues,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntityDTO(e kpi.Entity) EntityDTO {
	dto := EntityDTO{
		ID:          string(e.ID),
		Key:         e.Key,
		Name:        e.Name,
		Type:        string(e.Type),
		Granularity: string(e.Granularity),
		Formula:     e.Formula,
		Target:      e.Target,
		Baseline:    e.Baseline,
		Weight:      e.Weight,
		Variables:   make([]VariableDTO, len(e.Variables)),
		Assignees:   make([]string, len(e.Assignees)),
	}
	for i, v := range e.Variables {
		dto.Variables[i] = VariableDTO{
			ID:          string(v.ID),
			Code:        v.Code,
			Name:        v.Name,
			IsRequired:  v.IsRequired,
			IsStatic:    v.IsStatic,
			StaticValue: v.StaticValue,
		}
	}
	for i, a := range e.Assignees {
		dto.Assignees[i] = string(a)
	}
	return dto
}

func toValuePeriodDTO(vp *kpi.ValuePeriod) *ValuePeriodDTO {
	if vp == nil {
		return nil
	}
	dto := &ValuePeriodDTO{
		ID:                      string(vp.ID),
		EntityID:                string(vp.EntityID),
		ActualValue:             vp.ActualValue,
		CalculatedValue:         vp.CalculatedValue,
		FinalValue:              vp.FinalValue,
		Status:                  string(vp.Status),
		IsApproved:              vp.Status.IsApproved(),
		Note:                    vp.Note,
		EnteredBy:               string(vp.EnteredBy),
		SubmittedBy:             userPtr(vp.SubmittedBy),
		SubmittedAt:             vp.SubmittedAt,
		ApprovedBy:              userPtr(vp.ApprovedBy),
		ApprovedAt:              vp.ApprovedAt,
		ChangesRequestedBy:      userPtr(vp.ChangesRequestedBy),
		ChangesRequestedAt:      vp.ChangesRequestedAt,
		ChangesRequestedMessage: vp.ChangesRequestedMessage,
	}
	if !vp.PeriodStart.IsZero() {
		dto.PeriodStart = vp.PeriodStart.Format(periodLayout)
		dto.PeriodEnd = vp.PeriodEnd.Format(periodLayout)
	}
	if !vp.UpdatedAt.IsZero() {
		t := vp.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

func toValuePeriodDTOs(vps []kpi.ValuePeriod) []ValuePeriodDTO {
	dtos := make([]ValuePeriodDTO, len(vps))
	for i := range vps {
		dtos[i] = *toValuePeriodDTO(&vps[i])
	}
	return dtos
}

func toVariableValueDTOs(values []kpi.VariableValue) []VariableValueDTO {
	dtos := make([]VariableValueDTO, len(values))
	for i, v := range values {
		dtos[i] = VariableValueDTO{VariableID: string(v.VariableID), Value: v.Value}
	}
	return dtos
}

func toAuditEntryDTOs(entries []kpi.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:           e.ID,
			Timestamp:    e.Timestamp,
			ActorID:      string(e.ActorID),
			Action:       string(e.Action),
			EntityID:     string(e.EntityID),
			PeriodStart:  e.PeriodStart.Format(periodLayout),
			PeriodEnd:    e.PeriodEnd.Format(periodLayout),
			StatusBefore: string(e.StatusBefore),
			StatusAfter:  string(e.StatusAfter),
			Payload:      e.Payload,
		}
	}
	return dtos
}

func userPtr(u *kpi.UserID) *string {
	if u == nil {
		return nil
	}
	s := string(*u)
	return &s
}

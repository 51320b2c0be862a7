/*
service.go - Save / submit / approve pipeline for period values

PURPOSE:
  Orchestrates one write of an entity's value for one canonical period:
  validation, access checks, computation, the approval transition, the
  atomic upsert and the cascade to dependents.

WRITE FLOW:
  ┌──────────┐   ┌────────┐   ┌─────────┐   ┌────────────┐   ┌────────┐   ┌─────────┐
  │ validate │──▶│ access │──▶│ compute │──▶│ transition │──▶│ upsert │──▶│ cascade │
  └──────────┘   └────────┘   └─────────┘   └────────────┘   └────────┘   └─────────┘

  A failure before the upsert writes nothing. The cascade runs after the
  upsert and never fails the triggering write.

ACCESS:
  - The actor must belong to the entity's organization
  - Writers: approvers, rank manager or above, or listed assignees
  - Approve and RequestChanges need the approver rank
  - Lock, entity and settings maintenance need admin

EXAMPLE:
  svc := kpi.NewService(store, slog.Default())
  vp, err := svc.SaveDraft(ctx, actor, kpi.ValueInput{
      EntityID: "margin",
      Values:   []kpi.VariableInput{{Code: "COST", Value: &cost}},
  })

SEE ALSO:
  - approval.go: Status transitions
  - compute.go:  Variable assembly and value derivation
  - cascade.go:  Dependent recalculation
*/
package kpi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/kpi-engine/formula"
)

// DefaultMaxCascadeDepth bounds how far a save propagates to dependents.
const DefaultMaxCascadeDepth = 5

type operation string

const (
	opSaveDraft      operation = "save_draft"
	opSubmit         operation = "submit"
	opApprove        operation = "approve"
	opRequestChanges operation = "request_changes"
	opLock           operation = "lock"
	opRecompute      operation = "recompute"
)

var auditActions = map[operation]AuditAction{
	opSaveDraft:      AuditValueSaved,
	opSubmit:         AuditValueSubmitted,
	opApprove:        AuditValueApproved,
	opRequestChanges: AuditChangesRequested,
	opLock:           AuditValueLocked,
	opRecompute:      AuditValueRecomputed,
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store  Store
	Logger *slog.Logger

	// Clock defaults to time.Now. All timestamps are UTC.
	Clock func() time.Time

	MaxCascadeDepth        int
	DefaultMinApprovalRole Role
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:                  store,
		Logger:                 logger,
		Clock:                  time.Now,
		MaxCascadeDepth:        DefaultMaxCascadeDepth,
		DefaultMinApprovalRole: DefaultMinApprovalRole,
	}
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) maxDepth() int {
	if s.MaxCascadeDepth <= 0 {
		return DefaultMaxCascadeDepth
	}
	return s.MaxCascadeDepth
}

// =============================================================================
// WRITES
// =============================================================================

// SaveDraft stores a value without asking for approval.
func (s *Service) SaveDraft(ctx context.Context, actor Actor, in ValueInput) (*ValuePeriod, error) {
	return s.write(ctx, actor, in, opSaveDraft)
}

// Submit stores a value and sends it for approval. Approvers skip the
// queue: their submissions are approved immediately.
func (s *Service) Submit(ctx context.Context, actor Actor, in ValueInput) (*ValuePeriod, error) {
	return s.write(ctx, actor, in, opSubmit)
}

// Approve stores a value as approved. Approvers only.
func (s *Service) Approve(ctx context.Context, actor Actor, in ValueInput) (*ValuePeriod, error) {
	return s.write(ctx, actor, in, opApprove)
}

func (s *Service) write(ctx context.Context, actor Actor, in ValueInput, op operation) (vp *ValuePeriod, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, op, actor, in.EntityID)
	defer func() {
		endSpan(span, err)
		observeOperation(string(op), started, err)
	}()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	entity, err := s.loadKPI(ctx, actor, in.EntityID)
	if err != nil {
		return nil, err
	}
	approver, err := s.isApprover(ctx, actor)
	if err != nil {
		return nil, err
	}
	if op == opApprove && !approver {
		return nil, newError(CodeUnauthorized, "approval requires role %s or above", s.minApprovalRole(ctx, actor.OrgID))
	}
	if !canEdit(actor, entity, approver) {
		return nil, newError(CodeUnauthorized, "not allowed to edit values of entity %s", entity.ID)
	}

	vp, err = s.persist(ctx, actor, entity, in, op, approver)
	if err != nil {
		return nil, err
	}
	if entity.Key != "" {
		s.Cascade(ctx, actor, entity.OrgID, entity.Key, vp.Period())
	}
	return vp, nil
}

// persist computes and stores one value. Access has been checked.
func (s *Service) persist(ctx context.Context, actor Actor, entity *Entity, in ValueInput, op operation, approver bool) (*ValuePeriod, error) {
	now := s.now()
	at := in.At
	if at.IsZero() {
		at = now
	}
	period, _ := ResolvePeriod(at, entity.Granularity)

	prev, err := s.Store.GetValuePeriod(ctx, entity.ID, period)
	if err != nil {
		return nil, fmt.Errorf("load value period: %w", err)
	}
	if err := checkWritable(prev, actor, approver); err != nil {
		return nil, err
	}

	resolver := NewResolver(s.Store, entity.OrgID, s.logger())
	c, err := compute(ctx, resolver, entity, suppliedValues(in.Values), in.ManualValue)
	if err != nil {
		return nil, err
	}

	next := ValuePeriod{
		ID:              ValuePeriodID(uuid.NewString()),
		EntityID:        entity.ID,
		OrgID:           entity.OrgID,
		PeriodStart:     period.Start,
		PeriodEnd:       period.End,
		ActualValue:     c.Actual,
		CalculatedValue: nullDecimal(c.Calculated),
		FinalValue:      nullDecimal(c.Calculated),
		Note:            in.Note,
		EnteredBy:       actor.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if prev != nil {
		next.ID = prev.ID
		next.CreatedAt = prev.CreatedAt
		if in.Note == "" {
			next.Note = prev.Note
		}
	}

	switch op {
	case opSubmit:
		applySubmit(&next, prev, actor, approver, now)
	case opApprove:
		applyApprove(&next, prev, actor, now)
	default:
		applySave(&next, prev, approver)
	}

	stored, err := s.Store.UpsertValue(ctx, next, c.Inputs)
	if err != nil {
		return nil, fmt.Errorf("upsert value: %w", err)
	}
	s.audit(ctx, actor, op, prev, stored)
	return &stored, nil
}

// RequestChanges returns a submitted value to its author as DRAFT.
func (s *Service) RequestChanges(ctx context.Context, actor Actor, in RequestChangesInput) (vp *ValuePeriod, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, opRequestChanges, actor, in.EntityID)
	defer func() {
		endSpan(span, err)
		observeOperation(string(opRequestChanges), started, err)
	}()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	entity, err := s.loadKPI(ctx, actor, in.EntityID)
	if err != nil {
		return nil, err
	}
	approver, err := s.isApprover(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !approver {
		return nil, newError(CodeUnauthorized, "requesting changes requires role %s or above", s.minApprovalRole(ctx, actor.OrgID))
	}

	now := s.now()
	prev, err := s.currentValue(ctx, entity, in.At, now)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, newError(CodeNoSubmittedValueFound, "no value for this period")
	}

	next := *prev
	if err := applyRequestChanges(&next, actor, strings.TrimSpace(in.Message), now); err != nil {
		return nil, err
	}
	return s.restamp(ctx, actor, opRequestChanges, prev, next, now)
}

// Lock freezes an approved value. Admins only.
func (s *Service) Lock(ctx context.Context, actor Actor, entityID EntityID, at time.Time) (vp *ValuePeriod, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, opLock, actor, entityID)
	defer func() {
		endSpan(span, err)
		observeOperation(string(opLock), started, err)
	}()

	entity, err := s.loadKPI(ctx, actor, entityID)
	if err != nil {
		return nil, err
	}
	if !IsAdmin(actor) {
		return nil, newError(CodeUnauthorized, "locking requires role %s or above", RoleAdmin)
	}

	now := s.now()
	prev, err := s.currentValue(ctx, entity, at, now)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, newError(CodeNotFound, "no value for this period")
	}

	next := *prev
	if err := applyLock(&next); err != nil {
		return nil, err
	}
	return s.restamp(ctx, actor, opLock, prev, next, now)
}

func (s *Service) currentValue(ctx context.Context, entity *Entity, at, now time.Time) (*ValuePeriod, error) {
	if at.IsZero() {
		at = now
	}
	period, _ := ResolvePeriod(at, entity.Granularity)
	vp, err := s.Store.GetValuePeriod(ctx, entity.ID, period)
	if err != nil {
		return nil, fmt.Errorf("load value period: %w", err)
	}
	return vp, nil
}

// restamp writes a status-only change, keeping the stored inputs.
func (s *Service) restamp(ctx context.Context, actor Actor, op operation, prev *ValuePeriod, next ValuePeriod, now time.Time) (*ValuePeriod, error) {
	values, err := s.Store.LoadVariableValues(ctx, prev.ID)
	if err != nil {
		return nil, fmt.Errorf("load variable values: %w", err)
	}
	next.UpdatedAt = now
	stored, err := s.Store.UpsertValue(ctx, next, values)
	if err != nil {
		return nil, fmt.Errorf("upsert value: %w", err)
	}
	s.audit(ctx, actor, op, prev, stored)
	return &stored, nil
}

// =============================================================================
// READS
// =============================================================================

// Detail is everything needed to display one entity's value.
type Detail struct {
	Entity       Entity
	Dialect      string // empty without formula
	Dependencies []string

	Period        *Period // nil for NONE granularity
	Current       *ValuePeriod
	CurrentValues []VariableValue

	Latest       *ValuePeriod
	LatestValues []VariableValue

	CanApprove bool

	// EvaluationError is set when the on-the-fly value of a NONE entity
	// could not be computed.
	EvaluationError error
}

// GetDetail loads an entity with its current and latest values. Entities
// without granularity get a computed, unsaved current value.
func (s *Service) GetDetail(ctx context.Context, actor Actor, entityID EntityID, at time.Time) (*Detail, error) {
	entity, err := s.loadEntity(ctx, actor, entityID)
	if err != nil {
		return nil, err
	}
	approver, err := s.isApprover(ctx, actor)
	if err != nil {
		return nil, err
	}

	d := &Detail{Entity: *entity, CanApprove: approver}
	if entity.HasFormula() {
		d.Dialect = formula.Detect(entity.Formula).String()
		d.Dependencies = entity.Dependencies()
	}

	if d.Latest, err = s.Store.LatestValuePeriod(ctx, entity.ID); err != nil {
		return nil, fmt.Errorf("load latest value: %w", err)
	}
	if d.Latest != nil {
		if d.LatestValues, err = s.Store.LoadVariableValues(ctx, d.Latest.ID); err != nil {
			return nil, fmt.Errorf("load variable values: %w", err)
		}
	}

	now := s.now()
	if at.IsZero() {
		at = now
	}
	if period, ok := ResolvePeriod(at, entity.Granularity); ok {
		d.Period = &period
		if d.Current, err = s.Store.GetValuePeriod(ctx, entity.ID, period); err != nil {
			return nil, fmt.Errorf("load value period: %w", err)
		}
		if d.Current != nil {
			if d.CurrentValues, err = s.Store.LoadVariableValues(ctx, d.Current.ID); err != nil {
				return nil, fmt.Errorf("load variable values: %w", err)
			}
		}
		return d, nil
	}

	if entity.HasFormula() {
		r := NewResolver(s.Store, entity.OrgID, s.logger())
		v, err := r.Evaluate(ctx, entity, r.latestVariables(ctx, entity, nil))
		if err != nil {
			d.EvaluationError = err
			return d, nil
		}
		d.Current = &ValuePeriod{
			EntityID:        entity.ID,
			OrgID:           entity.OrgID,
			CalculatedValue: nullDecimal(v),
			FinalValue:      nullDecimal(v),
			Status:          StatusDraft,
		}
	}
	return d, nil
}

// History returns every stored value of an entity, newest period first.
func (s *Service) History(ctx context.Context, actor Actor, entityID EntityID) ([]ValuePeriod, error) {
	entity, err := s.loadEntity(ctx, actor, entityID)
	if err != nil {
		return nil, err
	}
	return s.Store.ListValuePeriods(ctx, entity.ID)
}

// ListSubmitted is the approver inbox of the actor's organization.
func (s *Service) ListSubmitted(ctx context.Context, actor Actor) ([]ValuePeriod, error) {
	approver, err := s.isApprover(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !approver {
		return nil, newError(CodeUnauthorized, "approval inbox requires role %s or above", s.minApprovalRole(ctx, actor.OrgID))
	}
	return s.Store.ListValuePeriodsByStatus(ctx, actor.OrgID, StatusSubmitted)
}

// AuditTrail returns audit entries of the actor's organization, optionally
// restricted to one entity.
func (s *Service) AuditTrail(ctx context.Context, actor Actor, entityID *EntityID) ([]AuditEntry, error) {
	org := actor.OrgID
	return s.Store.QueryAudit(ctx, AuditFilter{OrgID: &org, EntityID: entityID})
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// SaveEntity creates or replaces an entity of the actor's organization.
// Admins only. Keys are normalized and variables get IDs when missing.
func (s *Service) SaveEntity(ctx context.Context, actor Actor, e Entity) (*Entity, error) {
	if !IsAdmin(actor) {
		return nil, newError(CodeUnauthorized, "entity maintenance requires role %s or above", RoleAdmin)
	}
	if e.ID == "" {
		e.ID = EntityID(uuid.NewString())
	}
	e.OrgID = actor.OrgID
	e.Key = NormalizeKey(e.Key)
	if e.Granularity == "" {
		e.Granularity = GranularityNone
	}

	var issues []Issue
	if e.Key != "" {
		other, err := s.Store.FindEntityByKey(ctx, e.OrgID, e.Key)
		if err != nil {
			return nil, fmt.Errorf("find entity by key: %w", err)
		}
		if other != nil && other.ID != e.ID {
			issues = append(issues, Issue{Path: "key", Message: "is already used by another entity"})
		}
	}
	seen := make(map[string]bool, len(e.Variables))
	for i := range e.Variables {
		v := &e.Variables[i]
		code := strings.ToLower(strings.TrimSpace(v.Code))
		path := fmt.Sprintf("variables[%d].code", i)
		switch {
		case code == "":
			issues = append(issues, Issue{Path: path, Message: "is required"})
		case seen[code]:
			issues = append(issues, Issue{Path: path, Message: "is duplicated"})
		}
		seen[code] = true
		v.Code = strings.TrimSpace(v.Code)
		v.EntityID = e.ID
		if v.ID == "" {
			v.ID = VariableID(uuid.NewString())
		}
	}
	if len(issues) > 0 {
		return nil, &Error{Code: CodeValidationFailed, Message: "invalid entity", Issues: issues}
	}

	if err := s.Store.SaveEntity(ctx, e); err != nil {
		return nil, fmt.Errorf("save entity: %w", err)
	}
	return &e, nil
}

// SaveSettings sets the organization's approval configuration. Admins only.
func (s *Service) SaveSettings(ctx context.Context, actor Actor, settings OrgSettings) error {
	if !IsAdmin(actor) || settings.OrgID != actor.OrgID {
		return newError(CodeUnauthorized, "settings maintenance requires role %s or above", RoleAdmin)
	}
	if settings.MinApprovalRole.Rank() == 0 {
		return issueError(CodeValidationFailed, "minApprovalRole", "unknown role")
	}
	return s.Store.SaveOrgSettings(ctx, settings)
}

// =============================================================================
// HELPERS
// =============================================================================

// loadEntity returns an entity of the actor's organization.
func (s *Service) loadEntity(ctx context.Context, actor Actor, id EntityID) (*Entity, error) {
	e, err := s.Store.GetEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}
	if e == nil || e.OrgID != actor.OrgID {
		return nil, newError(CodeEntityNotFound, "entity %s not found", id)
	}
	return e, nil
}

// loadKPI returns a periodic entity of the actor's organization.
func (s *Service) loadKPI(ctx context.Context, actor Actor, id EntityID) (*Entity, error) {
	e, err := s.Store.GetEntity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}
	if e == nil || e.OrgID != actor.OrgID {
		return nil, newError(CodeKPINotFound, "entity %s not found", id)
	}
	if !e.Granularity.Periodic() {
		return nil, newError(CodeNotKPI, "entity %s has no granularity", id)
	}
	return e, nil
}

func (s *Service) settings(ctx context.Context, orgID OrgID) (OrgSettings, error) {
	settings, err := s.Store.GetOrgSettings(ctx, orgID)
	if err != nil {
		return OrgSettings{}, fmt.Errorf("load org settings: %w", err)
	}
	if settings == nil || settings.MinApprovalRole.Rank() == 0 {
		return OrgSettings{OrgID: orgID, MinApprovalRole: s.DefaultMinApprovalRole}, nil
	}
	return *settings, nil
}

func (s *Service) isApprover(ctx context.Context, actor Actor) (bool, error) {
	settings, err := s.settings(ctx, actor.OrgID)
	if err != nil {
		return false, err
	}
	return IsApprover(actor, settings), nil
}

// minApprovalRole is for error messages only.
func (s *Service) minApprovalRole(ctx context.Context, orgID OrgID) Role {
	settings, err := s.settings(ctx, orgID)
	if err != nil || settings.MinApprovalRole.Rank() == 0 {
		return DefaultMinApprovalRole
	}
	return settings.MinApprovalRole
}

func canEdit(actor Actor, entity *Entity, approver bool) bool {
	if actor.OrgID != entity.OrgID {
		return false
	}
	return approver || actor.Role.AtLeast(RoleManager) || entity.IsAssigned(actor.UserID)
}

// audit appends an entry; failures are logged, never returned.
func (s *Service) audit(ctx context.Context, actor Actor, op operation, prev *ValuePeriod, stored ValuePeriod) {
	entry := AuditEntry{
		ID:          uuid.NewString(),
		Timestamp:   stored.UpdatedAt,
		OrgID:       stored.OrgID,
		ActorID:     actor.UserID,
		Action:      auditActions[op],
		EntityID:    stored.EntityID,
		PeriodStart: stored.PeriodStart,
		PeriodEnd:   stored.PeriodEnd,
		StatusAfter: stored.Status,
		Payload:     map[string]any{"final_value": stored.FinalValue.Decimal.String()},
	}
	if prev != nil {
		entry.StatusBefore = prev.Status
	}
	if stored.ChangesRequestedMessage != nil && op == opRequestChanges {
		entry.Payload["message"] = *stored.ChangesRequestedMessage
	}
	if err := s.Store.AppendAudit(ctx, entry); err != nil {
		s.logger().Warn("audit append failed", "action", entry.Action, "entity_id", entry.EntityID, "error", err)
	}
}

func (s *Service) startSpan(ctx context.Context, op operation, actor Actor, entityID EntityID) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kpi."+string(op), trace.WithAttributes(
		attribute.String("kpi.org_id", string(actor.OrgID)),
		attribute.String("kpi.entity_id", string(entityID)),
		attribute.String("kpi.actor_role", string(actor.Role)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

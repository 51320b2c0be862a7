/*
handlers.go - HTTP API handlers for the KPI engine

PURPOSE:
  Exposes the KPI engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to kpi.Service.

ENDPOINTS:
  Maintenance:
    PUT    /api/entities/{id}                 Create or replace an entity
    PUT    /api/orgs/{org}/settings           Set the minimum approval role

  Values:
    GET    /api/entities/{id}/detail?at=      Entity with current and latest value
    GET    /api/entities/{id}/values          Value history, newest first
    POST   /api/entities/{id}/values          Save draft
    POST   /api/entities/{id}/submit          Submit (auto-approves for approvers)
    POST   /api/entities/{id}/approve         Approve
    POST   /api/entities/{id}/request-changes Return a submitted value
    POST   /api/entities/{id}/lock            Lock an approved value

  Approvals & audit:
    GET    /api/approvals/pending             Submitted values of the org
    GET    /api/audit?entity_id=              Audit trail

REQUEST FLOW:
  1. Identity middleware puts the kpi.Actor on the context
  2. Parse and validate the body
  3. Call the service
  4. Serialize response
  5. Map error codes to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with the engine's error code:
  - 400: Validation and formula errors
  - 401: Missing identity
  - 403: unauthorized
  - 404: notFound, kpiNotFound, entityNotFound, noSubmittedValueFound
  - 409: periodLockedForApproval, kpiValueAlreadySubmitted,
         onlySubmittedCanBeReturned
  - 500: Store failures

SEE ALSO:
  - dto.go: Request/response data structures
  - identity.go: Actor extraction
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/kpi-engine/kpi"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *kpi.Service
}

// NewHandler creates a new handler around the given service.
func NewHandler(svc *kpi.Service) *Handler {
	return &Handler{Service: svc}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// MAINTENANCE HANDLERS
// =============================================================================

// PutEntity creates or replaces an entity.
// PUT /api/entities/{id}
func (h *Handler) PutEntity(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req EntityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	granularity := kpi.GranularityNone
	if req.Granularity != "" {
		g, ok := kpi.ParseGranularity(req.Granularity)
		if !ok {
			writeIssues(w, []kpi.Issue{{Path: "granularity", Message: "is not a known granularity"}})
			return
		}
		granularity = g
	}

	entity := kpi.Entity{
		ID:          kpi.EntityID(chi.URLParam(r, "id")),
		Key:         req.Key,
		Name:        req.Name,
		Type:        kpi.EntityType(req.Type),
		Granularity: granularity,
		Formula:     req.Formula,
		Target:      req.Target,
		Baseline:    req.Baseline,
		Weight:      req.Weight,
	}
	if entity.Type == "" {
		entity.Type = kpi.EntityKPI
	}
	for _, v := range req.Variables {
		entity.Variables = append(entity.Variables, kpi.Variable{
			ID:          kpi.VariableID(v.ID),
			Code:        v.Code,
			Name:        v.Name,
			IsRequired:  v.IsRequired,
			IsStatic:    v.IsStatic,
			StaticValue: v.StaticValue,
		})
	}
	for _, a := range req.Assignees {
		entity.Assignees = append(entity.Assignees, kpi.UserID(a))
	}

	saved, err := h.Service.SaveEntity(r.Context(), actor, entity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityDTO(*saved))
}

// PutSettings sets the organization's minimum approval role.
// PUT /api/orgs/{org}/settings
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req SettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	role, ok := kpi.ParseRole(req.MinApprovalRole)
	if !ok {
		writeIssues(w, []kpi.Issue{{Path: "min_approval_role", Message: "is not a known role"}})
		return
	}

	settings := kpi.OrgSettings{OrgID: kpi.OrgID(chi.URLParam(r, "org")), MinApprovalRole: role}
	if err := h.Service.SaveSettings(r.Context(), actor, settings); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"org_id":            settings.OrgID,
		"min_approval_role": settings.MinApprovalRole,
	})
}

// =============================================================================
// VALUE HANDLERS
// =============================================================================

// GetDetail returns the entity with its current and latest values.
// GET /api/entities/{id}/detail?at=2025-03
func (h *Handler) GetDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	at, err := parseAt(r.URL.Query().Get("at"))
	if err != nil {
		writeIssues(w, []kpi.Issue{{Path: "at", Message: err.Error()}})
		return
	}

	detail, err := h.Service.GetDetail(r.Context(), actor, kpi.EntityID(chi.URLParam(r, "id")), at)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	dto := DetailDTO{
		Entity:       toEntityDTO(detail.Entity),
		Dialect:      detail.Dialect,
		Dependencies: detail.Dependencies,
		Current:      toValuePeriodDTO(detail.Current),
		CurrentInput: toVariableValueDTOs(detail.CurrentValues),
		Latest:       toValuePeriodDTO(detail.Latest),
		LatestInput:  toVariableValueDTOs(detail.LatestValues),
		CanApprove:   detail.CanApprove,
	}
	if dto.Dependencies == nil {
		dto.Dependencies = []string{}
	}
	if detail.Period != nil {
		dto.PeriodStart = detail.Period.Start.Format(periodLayout)
		dto.PeriodEnd = detail.Period.End.Format(periodLayout)
	}
	if detail.EvaluationError != nil {
		dto.Error = &ErrorResponse{
			Error: detail.EvaluationError.Error(),
			Code:  string(kpi.CodeOf(detail.EvaluationError)),
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListValues returns the entity's stored values, newest period first.
// GET /api/entities/{id}/values
func (h *Handler) ListValues(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	history, err := h.Service.History(r.Context(), actor, kpi.EntityID(chi.URLParam(r, "id")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": toValuePeriodDTOs(history)})
}

// SaveValue saves a draft value.
// POST /api/entities/{id}/values
func (h *Handler) SaveValue(w http.ResponseWriter, r *http.Request) {
	h.writeValue(w, r, h.Service.SaveDraft)
}

// SubmitValue submits a value for approval.
// POST /api/entities/{id}/submit
func (h *Handler) SubmitValue(w http.ResponseWriter, r *http.Request) {
	h.writeValue(w, r, h.Service.Submit)
}

// ApproveValue saves and approves a value.
// POST /api/entities/{id}/approve
func (h *Handler) ApproveValue(w http.ResponseWriter, r *http.Request) {
	h.writeValue(w, r, h.Service.Approve)
}

type valueWriter func(ctx context.Context, actor kpi.Actor, in kpi.ValueInput) (*kpi.ValuePeriod, error)

func (h *Handler) writeValue(w http.ResponseWriter, r *http.Request, write valueWriter) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req ValueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	at, err := parseAt(req.At)
	if err != nil {
		writeIssues(w, []kpi.Issue{{Path: "at", Message: err.Error()}})
		return
	}

	vp, err := write(r.Context(), actor, kpi.ValueInput{
		EntityID:    kpi.EntityID(chi.URLParam(r, "id")),
		At:          at,
		Values:      req.Values,
		ManualValue: req.ManualValue,
		Note:        req.Note,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toValuePeriodDTO(vp))
}

// RequestChanges returns a submitted value to its author.
// POST /api/entities/{id}/request-changes
func (h *Handler) RequestChanges(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req RequestChangesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	at, err := parseAt(req.At)
	if err != nil {
		writeIssues(w, []kpi.Issue{{Path: "at", Message: err.Error()}})
		return
	}

	vp, err := h.Service.RequestChanges(r.Context(), actor, kpi.RequestChangesInput{
		EntityID: kpi.EntityID(chi.URLParam(r, "id")),
		At:       at,
		Message:  req.Message,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toValuePeriodDTO(vp))
}

// LockValue locks an approved value.
// POST /api/entities/{id}/lock
func (h *Handler) LockValue(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req LockRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	at, err := parseAt(req.At)
	if err != nil {
		writeIssues(w, []kpi.Issue{{Path: "at", Message: err.Error()}})
		return
	}

	vp, err := h.Service.Lock(r.Context(), actor, kpi.EntityID(chi.URLParam(r, "id")), at)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toValuePeriodDTO(vp))
}

// =============================================================================
// APPROVAL & AUDIT HANDLERS
// =============================================================================

// ListPending returns the organization's submitted values.
// GET /api/approvals/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	pending, err := h.Service.ListSubmitted(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": toValuePeriodDTOs(pending)})
}

// ListAudit returns the organization's audit trail, optionally for one entity.
// GET /api/audit?entity_id=...
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var entityID *kpi.EntityID
	if id := r.URL.Query().Get("entity_id"); id != "" {
		eid := kpi.EntityID(id)
		entityID = &eid
	}

	entries, err := h.Service.AuditTrail(r.Context(), actor, entityID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditEntryDTOs(entries)})
}

// =============================================================================
// HELPERS
// =============================================================================

// atLayouts are tried in order; date-only forms are read as UTC.
var atLayouts = []string{time.RFC3339Nano, "2006-01-02", "2006-01"}

var errAtFormat = errors.New("must be RFC 3339, YYYY-MM-DD or YYYY-MM")

// parseAt reads the instant selecting a period. Empty means now.
func parseAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range atLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errAtFormat
}

func requireActor(w http.ResponseWriter, r *http.Request) (kpi.Actor, bool) {
	actor, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing identity", nil)
	}
	return actor, ok
}

// decodeBody reads and validates a JSON body, writing the error response
// itself when it fails.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			writeError(w, http.StatusBadRequest, "Invalid request", err)
			return false
		}
		issues := make([]kpi.Issue, len(fieldErrs))
		for i, fe := range fieldErrs {
			issues[i] = kpi.Issue{Path: fieldPath(fe.Namespace()), Message: fieldMessage(fe)}
		}
		writeIssues(w, issues)
		return false
	}
	return true
}

// fieldPath drops the struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "is invalid"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeIssues(w http.ResponseWriter, issues []kpi.Issue) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:  "Invalid request",
		Code:   string(kpi.CodeValidationFailed),
		Issues: issues,
	})
}

// writeServiceError maps an engine error code to its HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	code := kpi.CodeOf(err)
	if code == "" {
		writeError(w, http.StatusInternalServerError, "Internal error", err)
		return
	}

	status := http.StatusBadRequest
	switch {
	case kpi.IsNotFound(err):
		status = http.StatusNotFound
	case code == kpi.CodeUnauthorized:
		status = http.StatusForbidden
	case code == kpi.CodePeriodLockedForApproval,
		code == kpi.CodeKPIValueAlreadySubmitted,
		code == kpi.CodeOnlySubmittedCanBeReturned:
		status = http.StatusConflict
	}

	resp := ErrorResponse{Error: err.Error(), Code: string(code)}
	var kerr *kpi.Error
	if errors.As(err, &kerr) {
		resp.Issues = kerr.Issues
	}
	writeJSON(w, status, resp)
}

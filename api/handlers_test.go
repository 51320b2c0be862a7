/*
handlers_test.go - Tests for the HTTP surface

Tests for:
- Identity middleware
- Save, cascade and detail through the router
- Approval transitions and their HTTP status codes
- Error bodies (codes and issues)
- parseAt
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/kpi"
	"github.com/warp/kpi-engine/store/sqlite"
)

var (
	employee = kpi.Actor{UserID: "u-emp", OrgID: "org-1", Role: kpi.RoleEmployee}
	manager  = kpi.Actor{UserID: "u-mgr", OrgID: "org-1", Role: kpi.RoleManager}
	pmo      = kpi.Actor{UserID: "u-pmo", OrgID: "org-1", Role: kpi.RolePMO}
	admin    = kpi.Actor{UserID: "u-adm", OrgID: "org-1", Role: kpi.RoleAdmin}
	outsider = kpi.Actor{UserID: "u-out", OrgID: "org-2", Role: kpi.RoleAdmin}
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := kpi.NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Clock = func() time.Time { return time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC) }
	return NewRouter(NewHandler(svc))
}

// call sends body as JSON with the actor's identity headers.
func call(t *testing.T, h http.Handler, actor *kpi.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(HeaderOrgID, string(actor.OrgID))
		req.Header.Set(HeaderUserID, string(actor.UserID))
		req.Header.Set(HeaderUserRole, string(actor.Role))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func finalOf(t *testing.T, vp *ValuePeriodDTO) float64 {
	t.Helper()
	require.NotNil(t, vp)
	require.True(t, vp.FinalValue.Valid)
	return vp.FinalValue.Decimal.InexactFloat64()
}

// seed creates REVENUE (manual, assigned to the employee) and MARGIN_PCT.
func seed(t *testing.T, h http.Handler) {
	t.Helper()
	rec := call(t, h, &admin, http.MethodPut, "/api/entities/revenue", map[string]any{
		"key": "revenue", "name": "Revenue", "granularity": "monthly",
		"assignees": []string{string(employee.UserID)},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "REVENUE", decode[EntityDTO](t, rec).Key)

	rec = call(t, h, &admin, http.MethodPut, "/api/entities/margin", map[string]any{
		"key": "MARGIN_PCT", "name": "Margin %", "granularity": "MONTHLY",
		"formula":   "return (get('REVENUE') - vars.COST) / get('REVENUE') * 100;",
		"variables": []map[string]any{{"code": "COST", "is_required": true}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestIdentity_RequiredOnAPI(t *testing.T) {
	h := newTestServer(t)

	rec := call(t, h, nil, http.MethodGet, "/api/approvals/pending", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	unknownRole := kpi.Actor{UserID: "u-1", OrgID: "org-1", Role: "intern"}
	rec = call(t, h, &unknownRole, http.MethodGet, "/api/approvals/pending", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetrics_NoIdentityNeeded(t *testing.T) {
	h := newTestServer(t)

	rec := call(t, h, nil, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSaveValue_CascadesToDependent(t *testing.T) {
	// GIVEN: REVENUE = 100 and MARGIN_PCT with COST = 60 for March
	h := newTestServer(t)
	seed(t, h)
	rec := call(t, h, &manager, http.MethodPost, "/api/entities/revenue/values", map[string]any{
		"at": "2025-03", "manual_value": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = call(t, h, &manager, http.MethodPost, "/api/entities/margin/values", map[string]any{
		"at": "2025-03-20", "values": []map[string]any{{"code": "cost", "value": 60}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	margin := decode[ValuePeriodDTO](t, rec)
	assert.InDelta(t, 40.0, finalOf(t, &margin), 1e-9)
	assert.Equal(t, "DRAFT", margin.Status)

	// WHEN: REVENUE is re-saved as 200
	rec = call(t, h, &manager, http.MethodPost, "/api/entities/revenue/values", map[string]any{
		"at": "2025-03-01T00:00:00Z", "manual_value": 200,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: the detail view shows the recomputed margin
	rec = call(t, h, &manager, http.MethodGet, "/api/entities/margin/detail?at=2025-03", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decode[DetailDTO](t, rec)
	assert.InDelta(t, 70.0, finalOf(t, detail.Current), 1e-9)
	assert.Equal(t, []string{"REVENUE"}, detail.Dependencies)
	assert.Equal(t, "2025-03-01T00:00:00.000Z", detail.PeriodStart)
	assert.Equal(t, "2025-03-31T23:59:59.999Z", detail.PeriodEnd)
	assert.False(t, detail.CanApprove)
	require.Len(t, detail.CurrentInput, 1)
	assert.Equal(t, "60", detail.CurrentInput[0].Value.String())

	rec = call(t, h, &manager, http.MethodGet, "/api/entities/margin/values", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[map[string][]ValuePeriodDTO](t, rec)
	assert.Len(t, history["values"], 1)
}

func TestApprovalFlow_StatusCodes(t *testing.T) {
	h := newTestServer(t)
	seed(t, h)
	body := map[string]any{"at": "2025-03", "manual_value": 100}

	// Employee (assignee) submits.
	rec := call(t, h, &employee, http.MethodPost, "/api/entities/revenue/submit", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	vp := decode[ValuePeriodDTO](t, rec)
	assert.Equal(t, "SUBMITTED", vp.Status)
	assert.False(t, vp.IsApproved)

	// A second write by the employee conflicts.
	rec = call(t, h, &employee, http.MethodPost, "/api/entities/revenue/values", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "kpiValueAlreadySubmitted", decode[ErrorResponse](t, rec).Code)

	// The approver inbox lists it; the employee cannot see the inbox.
	rec = call(t, h, &pmo, http.MethodGet, "/api/approvals/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]ValuePeriodDTO](t, rec)["values"], 1)
	rec = call(t, h, &employee, http.MethodGet, "/api/approvals/pending", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// PMO approves, admin locks.
	rec = call(t, h, &pmo, http.MethodPost, "/api/entities/revenue/approve", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	vp = decode[ValuePeriodDTO](t, rec)
	assert.Equal(t, "APPROVED", vp.Status)
	assert.True(t, vp.IsApproved)
	require.NotNil(t, vp.ApprovedBy)
	assert.Equal(t, string(pmo.UserID), *vp.ApprovedBy)

	rec = call(t, h, &pmo, http.MethodPost, "/api/entities/revenue/lock", LockRequest{At: "2025-03"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = call(t, h, &admin, http.MethodPost, "/api/entities/revenue/lock", LockRequest{At: "2025-03"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "LOCKED", decode[ValuePeriodDTO](t, rec).Status)

	// Below admin, a locked period cannot be written.
	rec = call(t, h, &pmo, http.MethodPost, "/api/entities/revenue/values", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "periodLockedForApproval", decode[ErrorResponse](t, rec).Code)

	rec = call(t, h, &admin, http.MethodGet, "/api/audit?entity_id=revenue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[map[string][]AuditEntryDTO](t, rec)["entries"]
	require.Len(t, entries, 3)
	assert.Equal(t, "value_submitted", entries[0].Action)
	assert.Equal(t, "SUBMITTED", entries[0].StatusAfter)
}

func TestRequestChanges_Errors(t *testing.T) {
	h := newTestServer(t)
	seed(t, h)

	rec := call(t, h, &pmo, http.MethodPost, "/api/entities/revenue/request-changes", RequestChangesRequest{
		At: "2025-03", Message: "Please recheck",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "noSubmittedValueFound", decode[ErrorResponse](t, rec).Code)

	rec = call(t, h, &employee, http.MethodPost, "/api/entities/revenue/submit", map[string]any{"at": "2025-03", "manual_value": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, h, &pmo, http.MethodPost, "/api/entities/revenue/request-changes", RequestChangesRequest{
		At: "2025-03", Message: "  ok  ",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validationFailed", resp.Code)
	require.NotEmpty(t, resp.Issues)
	assert.Equal(t, "message", resp.Issues[0].Path)

	rec = call(t, h, &pmo, http.MethodPost, "/api/entities/revenue/request-changes", RequestChangesRequest{
		At: "2025-03", Message: "Please recheck",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	vp := decode[ValuePeriodDTO](t, rec)
	assert.Equal(t, "DRAFT", vp.Status)
	require.NotNil(t, vp.ChangesRequestedMessage)
	assert.Equal(t, "Please recheck", *vp.ChangesRequestedMessage)
}

func TestErrors_MappedToStatus(t *testing.T) {
	h := newTestServer(t)
	seed(t, h)

	tests := []struct {
		name   string
		actor  kpi.Actor
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown entity", manager, http.MethodPost, "/api/entities/nope/values", map[string]any{"manual_value": 1}, http.StatusNotFound, "kpiNotFound"},
		{"other organization", outsider, http.MethodGet, "/api/entities/revenue/detail", nil, http.StatusNotFound, "entityNotFound"},
		{"missing required variable", manager, http.MethodPost, "/api/entities/margin/values", map[string]any{"at": "2025-03"}, http.StatusBadRequest, "variableRequired"},
		{"no edit rights", employee, http.MethodPost, "/api/entities/margin/values", map[string]any{"values": []map[string]any{{"code": "COST", "value": 1}}}, http.StatusForbidden, "unauthorized"},
		{"entity maintenance below admin", manager, http.MethodPut, "/api/entities/x", map[string]any{"name": "X"}, http.StatusForbidden, "unauthorized"},
		{"bad granularity", admin, http.MethodPut, "/api/entities/x", map[string]any{"name": "X", "granularity": "weekly"}, http.StatusBadRequest, "validationFailed"},
		{"missing entity name", admin, http.MethodPut, "/api/entities/x", map[string]any{"key": "X"}, http.StatusBadRequest, "validationFailed"},
		{"bad at", manager, http.MethodGet, "/api/entities/revenue/detail?at=March", nil, http.StatusBadRequest, "validationFailed"},
		{"unknown role setting", admin, http.MethodPut, "/api/orgs/org-1/settings", SettingsRequest{MinApprovalRole: "boss"}, http.StatusBadRequest, "validationFailed"},
		{"settings of another org", admin, http.MethodPut, "/api/orgs/org-2/settings", SettingsRequest{MinApprovalRole: "manager"}, http.StatusForbidden, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor := tt.actor
			rec := call(t, h, &actor, tt.method, tt.path, tt.body)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestPutSettings_LowersApprovalRole(t *testing.T) {
	// GIVEN: managers are made approvers
	h := newTestServer(t)
	seed(t, h)
	rec := call(t, h, &admin, http.MethodPut, "/api/orgs/org-1/settings", SettingsRequest{MinApprovalRole: "Manager"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: a manager submits
	rec = call(t, h, &manager, http.MethodPost, "/api/entities/revenue/submit", map[string]any{"at": "2025-03", "manual_value": 5})

	// THEN: the submission is approved on the spot
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", decode[ValuePeriodDTO](t, rec).Status)
}

func TestParseAt(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2025-03", time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), false},
		{"2025-03-20", time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC), false},
		{"2025-03-20T10:30:00Z", time.Date(2025, time.March, 20, 10, 30, 0, 0, time.UTC), false},
		{"March", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAt(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

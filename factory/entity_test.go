package factory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/kpi"
	"github.com/warp/kpi-engine/kpi/store"
)

const strategyYAML = `
org: org-1
min_approval_role: Executive
entities:
  - id: revenue
    key: revenue
    name: Revenue
    granularity: monthly
    target: 1000
  - id: margin
    key: MARGIN_PCT
    name: Margin %
    type: kpi
    granularity: MONTHLY
    formula: "return (get('REVENUE') - vars.COST) / get('REVENUE') * 100;"
    variables:
      - code: COST
        required: true
      - code: FX
        static: true
        static_value: 1.5
    assignees: [u-finance]
  - id: growth
    name: Growth pillar
    type: pillar
`

func TestParseCatalog(t *testing.T) {
	c, err := NewEntityFactory().ParseCatalog([]byte(strategyYAML))

	require.NoError(t, err)
	assert.Equal(t, kpi.OrgID("org-1"), c.Org)
	assert.Equal(t, kpi.RoleExecutive, c.MinApprovalRole)
	require.Len(t, c.Entities, 3)

	revenue := c.Entities[0]
	assert.Equal(t, "REVENUE", revenue.Key)
	assert.Equal(t, kpi.GranularityMonthly, revenue.Granularity)
	assert.Equal(t, kpi.EntityKPI, revenue.Type)
	assert.True(t, revenue.Target.Decimal.Equal(decimal.NewFromInt(1000)))
	assert.False(t, revenue.Baseline.Valid)

	margin := c.Entities[1]
	require.Len(t, margin.Variables, 2)
	assert.Equal(t, kpi.VariableID("margin.COST"), margin.Variables[0].ID)
	assert.True(t, margin.Variables[0].IsRequired)
	assert.True(t, margin.Variables[1].StaticValue.Decimal.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, []kpi.UserID{"u-finance"}, margin.Assignees)

	growth := c.Entities[2]
	assert.Equal(t, kpi.EntityPillar, growth.Type)
	assert.Equal(t, kpi.GranularityNone, growth.Granularity)
	assert.Empty(t, growth.Key)
}

func TestParseCatalog_AcceptsJSON(t *testing.T) {
	c, err := NewEntityFactory().ParseCatalog([]byte(`{"org": "org-1", "entities": [{"id": "a", "key": "a", "formula": "1 + 1"}]}`))

	require.NoError(t, err)
	assert.Equal(t, "A", c.Entities[0].Key)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing org", "entities: []"},
		{"unknown role", "org: o\nmin_approval_role: boss"},
		{"missing id", "org: o\nentities:\n  - name: x"},
		{"duplicate id", "org: o\nentities:\n  - id: a\n  - id: a"},
		{"duplicate key", "org: o\nentities:\n  - id: a\n    key: k\n  - id: b\n    key: K"},
		{"unknown granularity", "org: o\nentities:\n  - id: a\n    granularity: weekly"},
		{"unknown type", "org: o\nentities:\n  - id: a\n    type: team"},
		{"duplicate variable", "org: o\nentities:\n  - id: a\n    variables:\n      - code: X\n      - code: x"},
		{"static value on input", "org: o\nentities:\n  - id: a\n    variables:\n      - code: X\n        static_value: 2"},
		{"not yaml", "org: [o"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEntityFactory().ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestCheck(t *testing.T) {
	// GIVEN: a catalog with an unknown reference, a cycle and a broken formula
	c, err := NewEntityFactory().ParseCatalog([]byte(`
org: o
entities:
  - id: a
    key: A
    formula: "get('B') + get('MISSING')"
  - id: b
    key: B
    formula: "get('A') * 2"
  - id: c
    key: C
    formula: "1 +"
  - id: d
    key: D
    formula: "X / (Y - 1)"
    variables: [{code: X}, {code: Y}]
`))
	require.NoError(t, err)

	// WHEN: it is checked
	findings := NewEntityFactory().Check(c)

	// THEN: each problem is reported once; division by zero is not a definition error
	require.Len(t, findings, 3, "%v", findings)
	assert.Equal(t, Finding{SeverityWarning, "a", "references unknown key MISSING"}, findings[0])
	assert.Equal(t, SeverityError, findings[1].Severity)
	assert.Equal(t, kpi.EntityID("c"), findings[1].EntityID)
	assert.Equal(t, Finding{SeverityWarning, "a", "reference cycle A -> B -> A"}, findings[2])
	assert.True(t, HasErrors(findings))
}

func TestCheck_CleanCatalog(t *testing.T) {
	c, err := NewEntityFactory().ParseCatalog([]byte(strategyYAML))
	require.NoError(t, err)

	findings := NewEntityFactory().Check(c)

	assert.Empty(t, findings)
	assert.False(t, HasErrors(findings))
}

func TestApply(t *testing.T) {
	// GIVEN: a parsed catalog and an empty store
	c, err := NewEntityFactory().ParseCatalog([]byte(strategyYAML))
	require.NoError(t, err)
	mem := store.NewMemory()
	svc := kpi.NewService(mem, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Clock = func() time.Time { return time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	// WHEN: it is applied
	require.NoError(t, NewEntityFactory().Apply(ctx, svc, c))

	// THEN: settings and entities are in place and usable
	settings, err := mem.GetOrgSettings(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, kpi.RoleExecutive, settings.MinApprovalRole)

	margin, err := mem.FindEntityByKey(ctx, "org-1", "margin_pct")
	require.NoError(t, err)
	require.NotNil(t, margin)
	assert.Len(t, margin.Variables, 2)

	finance := kpi.Actor{UserID: "u-finance", OrgID: "org-1", Role: kpi.RoleEmployee}
	revenue := 200.0
	_, err = svc.SaveDraft(ctx, kpi.Actor{UserID: "u-mgr", OrgID: "org-1", Role: kpi.RoleManager},
		kpi.ValueInput{EntityID: "revenue", ManualValue: &revenue})
	require.NoError(t, err)
	cost := 50.0
	vp, err := svc.SaveDraft(ctx, finance, kpi.ValueInput{
		EntityID: "margin", Values: []kpi.VariableInput{{Code: "COST", Value: &cost}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 75.0, vp.FinalValue.Decimal.InexactFloat64(), 1e-9)
}

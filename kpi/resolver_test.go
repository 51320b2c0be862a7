package kpi_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/kpi"
	"github.com/warp/kpi-engine/kpi/store"
)

func storeValue(t *testing.T, mem *store.Memory, e kpi.Entity, at time.Time, vp kpi.ValuePeriod, values ...kpi.VariableValue) kpi.ValuePeriod {
	t.Helper()
	p, ok := kpi.ResolvePeriod(at, e.Granularity)
	require.True(t, ok)
	vp.ID = kpi.ValuePeriodID(string(e.ID) + "-" + p.Start.Format("2006-01"))
	vp.EntityID, vp.OrgID = e.ID, e.OrgID
	vp.PeriodStart, vp.PeriodEnd = p.Start, p.End
	if vp.Status == "" {
		vp.Status = kpi.StatusDraft
	}
	stored, err := mem.UpsertValue(context.Background(), vp, values)
	require.NoError(t, err)
	return stored
}

func dec(v float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(v))
}

func newResolver(mem *store.Memory) *kpi.Resolver {
	return kpi.NewResolver(mem, org, quietLogger())
}

func TestResolve_MissingKeyIsZero(t *testing.T) {
	mem := store.NewMemory()
	assert.Equal(t, 0.0, newResolver(mem).Resolve(context.Background(), "NOPE"))
}

func TestResolve_NoneGranularityIsZero(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.SaveEntity(context.Background(), kpi.Entity{
		ID: "pillar", OrgID: org, Key: "PILLAR", Granularity: kpi.GranularityNone, Formula: "1 + 1",
	}))
	assert.Equal(t, 0.0, newResolver(mem).Resolve(context.Background(), "PILLAR"))
}

func TestResolve_StoredValuePriority(t *testing.T) {
	// GIVEN: three manual entities, each with a different set of stored values
	mem := store.NewMemory()
	ctx := context.Background()
	for _, tc := range []struct {
		key string
		vp  kpi.ValuePeriod
	}{
		{"FINAL", kpi.ValuePeriod{FinalValue: dec(3), CalculatedValue: dec(2), ActualValue: dec(1)}},
		{"CALC", kpi.ValuePeriod{CalculatedValue: dec(2), ActualValue: dec(1)}},
		{"ACTUAL", kpi.ValuePeriod{ActualValue: dec(1)}},
		{"EMPTY", kpi.ValuePeriod{}},
	} {
		e := kpi.Entity{ID: kpi.EntityID(tc.key), OrgID: org, Key: tc.key, Granularity: kpi.GranularityMonthly}
		require.NoError(t, mem.SaveEntity(ctx, e))
		storeValue(t, mem, e, march, tc.vp)
	}

	// WHEN/THEN: final wins over calculated, which wins over actual
	r := newResolver(mem)
	assert.Equal(t, 3.0, r.Resolve(ctx, "FINAL"))
	assert.Equal(t, 2.0, r.Resolve(ctx, "CALC"))
	assert.Equal(t, 1.0, r.Resolve(ctx, "ACTUAL"))
	assert.Equal(t, 0.0, r.Resolve(ctx, "EMPTY"))
}

func TestResolve_UsesLatestPeriodAndIgnoresKeyCase(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	e := kpi.Entity{ID: "revenue", OrgID: org, Key: "REVENUE", Granularity: kpi.GranularityMonthly}
	require.NoError(t, mem.SaveEntity(ctx, e))
	storeValue(t, mem, e, march.AddDate(0, -2, 0), kpi.ValuePeriod{FinalValue: dec(5)})
	storeValue(t, mem, e, march, kpi.ValuePeriod{FinalValue: dec(9)})

	assert.Equal(t, 9.0, newResolver(mem).Resolve(ctx, "  revenue "))
}

func TestResolve_RecomputesFormulaDependencies(t *testing.T) {
	// GIVEN: TOTAL = get('A') + vars.X where the stored TOTAL is stale
	mem := store.NewMemory()
	ctx := context.Background()
	a := kpi.Entity{ID: "a", OrgID: org, Key: "A", Granularity: kpi.GranularityMonthly}
	total := kpi.Entity{
		ID: "total", OrgID: org, Key: "TOTAL", Granularity: kpi.GranularityMonthly,
		Formula:   "get('A') + vars.X",
		Variables: []kpi.Variable{{ID: "v-x", EntityID: "total", Code: "X"}},
	}
	require.NoError(t, mem.SaveEntity(ctx, a))
	require.NoError(t, mem.SaveEntity(ctx, total))
	storeValue(t, mem, a, march, kpi.ValuePeriod{FinalValue: dec(10)})
	storeValue(t, mem, total, march, kpi.ValuePeriod{FinalValue: dec(1)},
		kpi.VariableValue{VariableID: "v-x", Value: decimal.NewFromInt(5)})

	// WHEN: resolving TOTAL
	v := newResolver(mem).Resolve(ctx, "TOTAL")

	// THEN: it is recomputed from A and its stored input
	assert.Equal(t, 15.0, v)
}

func TestResolve_BrokenFormulaFallsBackToStoredValue(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	broken := kpi.Entity{ID: "broken", OrgID: org, Key: "BROKEN", Granularity: kpi.GranularityMonthly, Formula: "1 +"}
	require.NoError(t, mem.SaveEntity(ctx, broken))
	storeValue(t, mem, broken, march, kpi.ValuePeriod{FinalValue: dec(7)})

	assert.Equal(t, 7.0, newResolver(mem).Resolve(ctx, "BROKEN"))
}

func TestResolve_CycleResolvesToZero(t *testing.T) {
	// GIVEN: A = get('B') * 2 and B = get('A') + 1
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveEntity(ctx, kpi.Entity{
		ID: "a", OrgID: org, Key: "A", Granularity: kpi.GranularityMonthly, Formula: "get('B') * 2",
	}))
	require.NoError(t, mem.SaveEntity(ctx, kpi.Entity{
		ID: "b", OrgID: org, Key: "B", Granularity: kpi.GranularityMonthly, Formula: "get('A') + 1",
	}))

	// WHEN: resolving A
	v := newResolver(mem).Resolve(ctx, "A")

	// THEN: the inner A is 0, so B = 1 and A = 2
	assert.Equal(t, 2.0, v)
}

func TestResolver_EvaluateSelfReferenceIsZero(t *testing.T) {
	mem := store.NewMemory()
	e := kpi.Entity{ID: "self", OrgID: org, Key: "SELF", Granularity: kpi.GranularityMonthly, Formula: "get('SELF') + 4"}
	require.NoError(t, mem.SaveEntity(context.Background(), e))

	v, err := newResolver(mem).Evaluate(context.Background(), &e, nil)
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)
}

func TestResolver_EvaluateReturnsFormulaErrors(t *testing.T) {
	mem := store.NewMemory()
	e := kpi.Entity{ID: "x", OrgID: org, Granularity: kpi.GranularityMonthly, Formula: "A @ B"}

	_, err := newResolver(mem).Evaluate(context.Background(), &e, map[string]float64{"A": 1, "B": 2})
	assert.Equal(t, kpi.CodeUnsupportedFormulaCharacters, kpi.CodeOf(err))
}

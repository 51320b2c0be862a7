package kpi_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/kpi"
)

func TestCascade_RecomputesDependentOnSave(t *testing.T) {
	// GIVEN: REVENUE = 100 and MARGIN_PCT = 40 with COST = 60 for March
	f := newFixture(t, revenue(), marginPct())
	_, err := f.svc.SaveDraft(f.ctx, manager, manual("revenue", 100))
	require.NoError(t, err)
	margin, err := f.svc.SaveDraft(f.ctx, manager, kpi.ValueInput{
		EntityID: "margin", Values: []kpi.VariableInput{{Code: "COST", Value: num(60)}},
	})
	require.NoError(t, err)
	require.InDelta(t, 40.0, final(t, margin), 1e-9)

	// WHEN: REVENUE is re-saved as 200
	_, err = f.svc.SaveDraft(f.ctx, manager, manual("revenue", 200))
	require.NoError(t, err)

	// THEN: MARGIN_PCT is recomputed from the stored COST: (200 - 60) / 200 * 100
	after := f.current(t, "margin")
	assert.InDelta(t, 70.0, final(t, after), 1e-9)
	assert.Equal(t, margin.ID, after.ID)
	assert.Equal(t, kpi.StatusDraft, after.Status)

	id := kpi.EntityID("margin")
	entries, err := f.svc.AuditTrail(f.ctx, manager, &id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, kpi.AuditValueRecomputed, entries[1].Action)
}

func TestCascade_IsIdempotent(t *testing.T) {
	f := newFixture(t, revenue(), marginPct())
	_, err := f.svc.SaveDraft(f.ctx, manager, manual("revenue", 100))
	require.NoError(t, err)
	_, err = f.svc.SaveDraft(f.ctx, manager, kpi.ValueInput{
		EntityID: "margin", Values: []kpi.VariableInput{{Code: "COST", Value: num(60)}},
	})
	require.NoError(t, err)

	_, err = f.svc.SaveDraft(f.ctx, manager, manual("revenue", 200))
	require.NoError(t, err)
	first := *f.current(t, "margin")

	_, err = f.svc.SaveDraft(f.ctx, manager, manual("revenue", 200))
	require.NoError(t, err)
	second := *f.current(t, "margin")

	assert.Equal(t, first, second)
}

func TestCascade_SkipsDifferentPeriod(t *testing.T) {
	// GIVEN: a quarterly dependent of a monthly source
	quarterly := kpi.Entity{
		ID: "q", OrgID: org, Key: "Q_REVENUE", Granularity: kpi.GranularityQuarterly,
		Formula: "get('REVENUE') * 3",
	}
	f := newFixture(t, revenue(), quarterly)

	// WHEN: the monthly source is saved
	_, err := f.svc.SaveDraft(f.ctx, manager, manual("revenue", 100))
	require.NoError(t, err)

	// THEN: the quarterly period is not the March period, so nothing is written
	history, err := f.svc.History(f.ctx, manager, "q")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCascade_FailingDependentDoesNotStopSiblings(t *testing.T) {
	// GIVEN: two dependents, one of which needs an input it never received
	needsInput := kpi.Entity{
		ID: "a-needs-input", OrgID: org, Key: "NEEDS_INPUT", Granularity: kpi.GranularityMonthly,
		Formula:   "get('REVENUE') + vars.X",
		Variables: []kpi.Variable{{ID: "v-x", Code: "X", IsRequired: true}},
	}
	doubled := kpi.Entity{
		ID: "b-doubled", OrgID: org, Key: "DOUBLED", Granularity: kpi.GranularityMonthly,
		Formula: "get('REVENUE') * 2",
	}
	f := newFixture(t, revenue(), needsInput, doubled)

	// WHEN: the source is saved
	vp, err := f.svc.SaveDraft(f.ctx, manager, manual("revenue", 100))

	// THEN: the save succeeds, the failing dependent is skipped, the sibling is recomputed
	require.NoError(t, err)
	assert.Equal(t, 100.0, final(t, vp))
	assert.Nil(t, f.current(t, "a-needs-input"))
	assert.Equal(t, 200.0, final(t, f.current(t, "b-doubled")))
}

func TestCascade_StopsOnCycle(t *testing.T) {
	// GIVEN: A = get('B') + vars.X and B = get('A') + 1
	a := kpi.Entity{
		ID: "a", OrgID: org, Key: "A", Granularity: kpi.GranularityMonthly,
		Formula:   "get('B') + vars.X",
		Variables: []kpi.Variable{{ID: "v-x", Code: "X"}},
	}
	b := kpi.Entity{ID: "b", OrgID: org, Key: "B", Granularity: kpi.GranularityMonthly, Formula: "get('A') + 1"}
	f := newFixture(t, a, b)

	// WHEN: A is saved
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.SaveDraft(f.ctx, manager, kpi.ValueInput{
			EntityID: "a", Values: []kpi.VariableInput{{Code: "X", Value: num(1)}},
		})
		done <- err
	}()

	// THEN: the cascade terminates and each side saw the other as 0 inside the cycle
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cascade did not terminate")
	}
	assert.Equal(t, 2.0, final(t, f.current(t, "a")))
	assert.Equal(t, 2.0, final(t, f.current(t, "b")))
}

func TestCascade_DepthLimit(t *testing.T) {
	// GIVEN: a chain E0 <- E1 <- ... <- E5, each adding 1 to its predecessor
	entities := []kpi.Entity{{ID: "e0", OrgID: org, Key: "E0", Granularity: kpi.GranularityMonthly}}
	for i := 1; i <= 5; i++ {
		entities = append(entities, kpi.Entity{
			ID: kpi.EntityID(fmt.Sprintf("e%d", i)), OrgID: org, Key: fmt.Sprintf("E%d", i),
			Granularity: kpi.GranularityMonthly,
			Formula:     fmt.Sprintf("get('E%d') + 1", i-1),
		})
	}
	f := newFixture(t, entities...)
	f.svc.MaxCascadeDepth = 2

	// WHEN: E0 is saved
	_, err := f.svc.SaveDraft(f.ctx, manager, manual("e0", 10))
	require.NoError(t, err)

	// THEN: only two levels are recomputed
	assert.Equal(t, 11.0, final(t, f.current(t, "e1")))
	assert.Equal(t, 12.0, final(t, f.current(t, "e2")))
	assert.Nil(t, f.current(t, "e3"))
}

func TestCascade_RespectsDependentStatus(t *testing.T) {
	// GIVEN: MARGIN_PCT was submitted by an employee
	f := newFixture(t, revenue(), marginPct())
	_, err := f.svc.SaveDraft(f.ctx, employee, manual("revenue", 100))
	require.NoError(t, err)
	_, err = f.svc.Submit(f.ctx, employee, kpi.ValueInput{
		EntityID: "margin", Values: []kpi.VariableInput{{Code: "COST", Value: num(60)}},
	})
	require.NoError(t, err)

	// WHEN: the employee updates REVENUE, and later an approver does
	_, err = f.svc.SaveDraft(f.ctx, employee, manual("revenue", 200))
	require.NoError(t, err)
	assert.InDelta(t, 40.0, final(t, f.current(t, "margin")), 1e-9, "employee cannot overwrite a submitted value")

	_, err = f.svc.SaveDraft(f.ctx, pmo, manual("revenue", 200))
	require.NoError(t, err)

	// THEN: the approver's cascade recomputes it and keeps it SUBMITTED
	after := f.current(t, "margin")
	assert.InDelta(t, 70.0, final(t, after), 1e-9)
	assert.Equal(t, kpi.StatusSubmitted, after.Status)
}

package kpi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/kpi-engine/kpi"
)

func TestRole_Ordering(t *testing.T) {
	ordered := []kpi.Role{
		kpi.RoleEmployee, kpi.RoleManager, kpi.RolePMO,
		kpi.RoleExecutive, kpi.RoleAdmin, kpi.RoleSuperAdmin,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1].Rank(), ordered[i].Rank())
		assert.True(t, ordered[i].AtLeast(ordered[i-1]))
		assert.False(t, ordered[i-1].AtLeast(ordered[i]))
	}
	assert.False(t, kpi.Role("intern").AtLeast(kpi.RoleEmployee))
}

func TestParseRole(t *testing.T) {
	r, ok := kpi.ParseRole("Super-Admin")
	assert.True(t, ok)
	assert.Equal(t, kpi.RoleSuperAdmin, r)

	_, ok = kpi.ParseRole("intern")
	assert.False(t, ok)
}

func TestIsApprover(t *testing.T) {
	manager := kpi.Actor{UserID: "u", OrgID: "o", Role: kpi.RoleManager}
	executive := kpi.Actor{UserID: "u", OrgID: "o", Role: kpi.RoleExecutive}

	// Default minimum is pmo.
	assert.False(t, kpi.IsApprover(manager, kpi.OrgSettings{}))
	assert.True(t, kpi.IsApprover(executive, kpi.OrgSettings{}))

	lowered := kpi.OrgSettings{MinApprovalRole: kpi.RoleManager}
	assert.True(t, kpi.IsApprover(manager, lowered))

	raised := kpi.OrgSettings{MinApprovalRole: kpi.RoleAdmin}
	assert.False(t, kpi.IsApprover(executive, raised))
}

// Package store provides an in-memory kpi.Store.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/kpi-engine/kpi"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	entities map[kpi.EntityID]kpi.Entity
	periods  map[periodKey]kpi.ValuePeriod
	values   map[kpi.ValuePeriodID][]kpi.VariableValue
	settings map[kpi.OrgID]kpi.OrgSettings
	audit    []kpi.AuditEntry
}

// periodKey is the natural key of a value period.
type periodKey struct {
	EntityID kpi.EntityID
	Start    int64
	End      int64
}

func keyOf(entityID kpi.EntityID, p kpi.Period) periodKey {
	return periodKey{EntityID: entityID, Start: p.Start.UnixMilli(), End: p.End.UnixMilli()}
}

func NewMemory() *Memory {
	return &Memory{
		entities: make(map[kpi.EntityID]kpi.Entity),
		periods:  make(map[periodKey]kpi.ValuePeriod),
		values:   make(map[kpi.ValuePeriodID][]kpi.VariableValue),
		settings: make(map[kpi.OrgID]kpi.OrgSettings),
	}
}

var _ kpi.Store = (*Memory)(nil)

// =============================================================================
// ENTITIES
// =============================================================================

func (m *Memory) GetEntity(_ context.Context, id kpi.EntityID) (*kpi.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok || e.DeletedAt != nil {
		return nil, nil
	}
	return cloneEntity(e), nil
}

func (m *Memory) FindEntityByKey(_ context.Context, orgID kpi.OrgID, key string) (*kpi.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key = kpi.NormalizeKey(key)
	if key == "" {
		return nil, nil
	}
	for _, e := range m.entities {
		if e.OrgID == orgID && e.DeletedAt == nil && strings.EqualFold(e.Key, key) {
			return cloneEntity(e), nil
		}
	}
	return nil, nil
}

// ListFormulaEntities returns entities sorted by ID for stable cascades.
func (m *Memory) ListFormulaEntities(_ context.Context, orgID kpi.OrgID) ([]kpi.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []kpi.Entity
	for _, e := range m.entities {
		if e.OrgID == orgID && e.DeletedAt == nil && e.HasFormula() {
			result = append(result, *cloneEntity(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SaveEntity(_ context.Context, e kpi.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = *cloneEntity(e)
	return nil
}

func cloneEntity(e kpi.Entity) *kpi.Entity {
	e.Variables = append([]kpi.Variable(nil), e.Variables...)
	e.Assignees = append([]kpi.UserID(nil), e.Assignees...)
	return &e
}

// =============================================================================
// VALUES
// =============================================================================

func (m *Memory) GetValuePeriod(_ context.Context, entityID kpi.EntityID, period kpi.Period) (*kpi.ValuePeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vp, ok := m.periods[keyOf(entityID, period)]
	if !ok {
		return nil, nil
	}
	return &vp, nil
}

func (m *Memory) LatestValuePeriod(_ context.Context, entityID kpi.EntityID) (*kpi.ValuePeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *kpi.ValuePeriod
	for k, vp := range m.periods {
		if k.EntityID != entityID {
			continue
		}
		if latest == nil || vp.PeriodEnd.After(latest.PeriodEnd) {
			vp := vp
			latest = &vp
		}
	}
	return latest, nil
}

func (m *Memory) ListValuePeriods(_ context.Context, entityID kpi.EntityID) ([]kpi.ValuePeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []kpi.ValuePeriod
	for k, vp := range m.periods {
		if k.EntityID == entityID {
			result = append(result, vp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PeriodStart.After(result[j].PeriodStart) })
	return result, nil
}

func (m *Memory) ListValuePeriodsByStatus(_ context.Context, orgID kpi.OrgID, status kpi.Status) ([]kpi.ValuePeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []kpi.ValuePeriod
	for _, vp := range m.periods {
		if vp.OrgID == orgID && vp.Status == status {
			result = append(result, vp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.Before(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) LoadVariableValues(_ context.Context, id kpi.ValuePeriodID) ([]kpi.VariableValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]kpi.VariableValue(nil), m.values[id]...), nil
}

// UpsertValue writes the row and its inputs under one lock.
func (m *Memory) UpsertValue(_ context.Context, vp kpi.ValuePeriod, values []kpi.VariableValue) (kpi.ValuePeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(vp.EntityID, vp.Period())
	if existing, ok := m.periods[k]; ok {
		vp.ID = existing.ID
		vp.CreatedAt = existing.CreatedAt
	}
	m.periods[k] = vp

	rows := make([]kpi.VariableValue, len(values))
	for i, v := range values {
		v.ValuePeriodID = vp.ID
		rows[i] = v
	}
	m.values[vp.ID] = rows
	return vp, nil
}

// =============================================================================
// SETTINGS & AUDIT
// =============================================================================

func (m *Memory) GetOrgSettings(_ context.Context, orgID kpi.OrgID) (*kpi.OrgSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[orgID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) SaveOrgSettings(_ context.Context, s kpi.OrgSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.OrgID] = s
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, entry kpi.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter kpi.AuditFilter) ([]kpi.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []kpi.AuditEntry
	for _, e := range m.audit {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the boundary between the engine and the collaborator layer
  that owns the organization hierarchy and the value tables. Different
  implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  EntityStore:   Entity lookup by id, by key, and formula scans
  ValueStore:    ValuePeriod / VariableValue reads and natural-key upserts
  SettingsStore: Organization approval configuration
  AuditLog:      Append-only record of value transitions

UPSERT CONTRACT:
  UpsertValue writes one ValuePeriod and its VariableValue rows as one
  atomic unit keyed by (EntityID, PeriodStart, PeriodEnd). There is no
  transaction spanning several entities: a cascade that fails halfway
  leaves earlier dependents updated.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - kpi/store/memory.go:    In-memory for testing

SEE ALSO:
  - resolver.go: Reads latest values through ValueStore
  - service.go:  Writes through UpsertValue
*/
package kpi

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interfaces for entity and value persistence
// =============================================================================

// EntityStore reads the strategic hierarchy. Lookups return (nil, nil)
// when nothing matches; soft-deleted entities never match.
type EntityStore interface {
	// GetEntity returns the entity with its variables.
	GetEntity(ctx context.Context, id EntityID) (*Entity, error)

	// FindEntityByKey matches the normalized key case-insensitively within org.
	FindEntityByKey(ctx context.Context, orgID OrgID, key string) (*Entity, error)

	// ListFormulaEntities returns every entity of org that has a formula.
	ListFormulaEntities(ctx context.Context, orgID OrgID) ([]Entity, error)

	// SaveEntity creates or replaces an entity and its variables.
	SaveEntity(ctx context.Context, e Entity) error
}

// ValueStore persists period values.
type ValueStore interface {
	// GetValuePeriod returns the row for the natural key, or nil.
	GetValuePeriod(ctx context.Context, entityID EntityID, period Period) (*ValuePeriod, error)

	// LatestValuePeriod returns the row with the greatest PeriodEnd, or nil.
	LatestValuePeriod(ctx context.Context, entityID EntityID) (*ValuePeriod, error)

	// ListValuePeriods returns all rows of an entity, newest period first.
	ListValuePeriods(ctx context.Context, entityID EntityID) ([]ValuePeriod, error)

	// ListValuePeriodsByStatus returns rows of org in status, oldest update first.
	ListValuePeriodsByStatus(ctx context.Context, orgID OrgID, status Status) ([]ValuePeriod, error)

	// LoadVariableValues returns the inputs stored for a row.
	LoadVariableValues(ctx context.Context, id ValuePeriodID) ([]VariableValue, error)

	// UpsertValue inserts or updates vp by natural key and replaces the
	// given variable values atomically. The stored row is returned with its
	// persistent ID (an existing row keeps its ID); values are keyed to it.
	UpsertValue(ctx context.Context, vp ValuePeriod, values []VariableValue) (ValuePeriod, error)
}

// SettingsStore reads organization configuration.
type SettingsStore interface {
	// GetOrgSettings returns nil when the organization has no settings.
	GetOrgSettings(ctx context.Context, orgID OrgID) (*OrgSettings, error)
	SaveOrgSettings(ctx context.Context, s OrgSettings) error
}

// Store is everything the engine consumes.
type Store interface {
	EntityStore
	ValueStore
	SettingsStore
	AuditLog
}

// =============================================================================
// AUDIT LOG - Separate from values, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditValueSaved       AuditAction = "value_saved"
	AuditValueSubmitted   AuditAction = "value_submitted"
	AuditValueApproved    AuditAction = "value_approved"
	AuditChangesRequested AuditAction = "changes_requested"
	AuditValueLocked      AuditAction = "value_locked"
	AuditValueRecomputed  AuditAction = "value_recomputed"
)

// AuditEntry records one status-relevant write.
type AuditEntry struct {
	ID           string
	Timestamp    time.Time
	OrgID        OrgID
	ActorID      UserID
	Action       AuditAction
	EntityID     EntityID
	PeriodStart  time.Time
	PeriodEnd    time.Time
	StatusBefore Status // empty when the row did not exist
	StatusAfter  Status
	Payload      map[string]any
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	OrgID    *OrgID
	EntityID *EntityID
	ActorID  *UserID
	Actions  []AuditAction
	From     *time.Time
	To       *time.Time
}

// Matches reports whether entry passes every set field of the filter.
func (f AuditFilter) Matches(entry AuditEntry) bool {
	if f.OrgID != nil && entry.OrgID != *f.OrgID {
		return false
	}
	if f.EntityID != nil && entry.EntityID != *f.EntityID {
		return false
	}
	if f.ActorID != nil && entry.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == entry.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && entry.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && entry.Timestamp.After(*f.To) {
		return false
	}
	return true
}

/*
resolver.go - Value graph resolution across get() references

PURPOSE:
  A formula may reference other entities with get("KEY"). Resolving a key
  means: load the entity, take its latest stored value, and if it has a
  formula, recompute it from its own dependencies first.

SCOPE:
  A Resolver is one resolution pass. Its memo cache and resolving set are
  never shared between requests; create a new Resolver per top-level
  evaluation.

GRAPH RULES:
  - Keys are normalized (trim, uppercase) and looked up case-insensitively
  - Missing entities and NONE-granularity entities resolve to 0
  - A key already being resolved (cycle) resolves to 0 and is not cached
  - A dependency whose formula fails resolves to its last stored value

  ┌───────────┐ get('REVENUE') ┌───────────┐
  │ MARGIN_PCT│ ─────────────▶ │  REVENUE  │  stored: final → calculated → actual → 0
  └───────────┘                └───────────┘

SEE ALSO:
  - formula/deps.go: ExtractKeys
  - service.go:      Uses Evaluate for the entity being saved
*/
package kpi

import (
	"context"
	"log/slog"

	"github.com/warp/kpi-engine/formula"
)

// GraphStore is the read access the resolver needs.
type GraphStore interface {
	FindEntityByKey(ctx context.Context, orgID OrgID, key string) (*Entity, error)
	LatestValuePeriod(ctx context.Context, entityID EntityID) (*ValuePeriod, error)
	LoadVariableValues(ctx context.Context, id ValuePeriodID) ([]VariableValue, error)
}

// Resolver resolves entity keys to numbers within one organization.
type Resolver struct {
	store     GraphStore
	orgID     OrgID
	logger    *slog.Logger
	cache     map[string]float64
	resolving map[string]bool
}

// NewResolver starts a fresh resolution pass.
func NewResolver(store GraphStore, orgID OrgID, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		orgID:     orgID,
		logger:    logger,
		cache:     make(map[string]float64),
		resolving: make(map[string]bool),
	}
}

// Resolve returns the current value of the entity identified by key.
// It never fails: every problem degrades to 0 or the last stored value.
func (r *Resolver) Resolve(ctx context.Context, key string) float64 {
	key = NormalizeKey(key)
	if key == "" {
		return 0
	}
	if v, ok := r.cache[key]; ok {
		return v
	}
	if r.resolving[key] {
		r.logger.Debug("dependency cycle, using 0", "org_id", r.orgID, "key", key)
		return 0
	}

	r.resolving[key] = true
	defer delete(r.resolving, key)

	entity, err := r.store.FindEntityByKey(ctx, r.orgID, key)
	if err != nil {
		r.logger.Warn("entity lookup failed", "org_id", r.orgID, "key", key, "error", err)
	}
	if entity == nil || !entity.Granularity.Periodic() {
		r.cache[key] = 0
		return 0
	}

	latest, err := r.store.LatestValuePeriod(ctx, entity.ID)
	if err != nil {
		r.logger.Warn("latest value lookup failed", "entity_id", entity.ID, "error", err)
		latest = nil
	}
	stored := latest.StoredValue().InexactFloat64()

	if !entity.HasFormula() {
		r.cache[key] = stored
		return stored
	}

	vars := r.latestVariables(ctx, entity, latest)
	v, err := r.evaluate(ctx, entity, vars)
	if err != nil {
		r.logger.Debug("dependency formula failed, using stored value",
			"key", key, "stored", stored, "error", err)
		r.cache[key] = stored
		return stored
	}

	r.cache[key] = v
	return v
}

// Evaluate computes the formula of the entity being saved within this pass.
// Its own key is marked as resolving so self-references degrade to 0.
// Unlike Resolve, evaluation failures are returned.
func (r *Resolver) Evaluate(ctx context.Context, entity *Entity, vars map[string]float64) (float64, error) {
	if key := NormalizeKey(entity.Key); key != "" && !r.resolving[key] {
		r.resolving[key] = true
		defer delete(r.resolving, key)
	}

	v, err := r.evaluate(ctx, entity, vars)
	if err != nil {
		return 0, fromFormula(err)
	}
	return v, nil
}

func (r *Resolver) evaluate(ctx context.Context, entity *Entity, vars map[string]float64) (float64, error) {
	deps := entity.Dependencies()
	resolved := make(map[string]float64, len(deps))
	for _, dep := range deps {
		resolved[dep] = r.Resolve(ctx, dep)
	}

	get := func(key string) float64 {
		k := NormalizeKey(key)
		if v, ok := resolved[k]; ok {
			return v
		}
		// Keys built at runtime are not visible to ExtractKeys.
		return r.Resolve(ctx, k)
	}

	dialect := formula.Detect(entity.Formula)
	v, err := formula.Evaluate(entity.Formula, vars, get)
	observeEvaluation(dialect, err)
	return v, err
}

// latestVariables assembles variable values from definitions and the
// latest row; absent inputs are 0.
func (r *Resolver) latestVariables(ctx context.Context, entity *Entity, latest *ValuePeriod) map[string]float64 {
	supplied := make(map[VariableID]float64)
	if latest != nil {
		rows, err := r.store.LoadVariableValues(ctx, latest.ID)
		if err != nil {
			r.logger.Warn("variable values lookup failed", "value_period_id", latest.ID, "error", err)
		}
		for _, row := range rows {
			supplied[row.VariableID] = row.Value.InexactFloat64()
		}
	}

	vars := make(map[string]float64, len(entity.Variables))
	for _, v := range entity.Variables {
		if v.IsStatic {
			vars[v.Code] = v.StaticValue.Decimal.InexactFloat64()
			continue
		}
		vars[v.Code] = supplied[v.ID]
	}
	return vars
}

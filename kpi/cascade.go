/*
cascade.go - Recalculation of dependents after a save

PURPOSE:
  When the value of an entity with a key changes, every formula entity
  referencing that key through get() is recomputed for the same period,
  and so on through their own dependents.

  ┌─────────┐ save  ┌────────────┐ recompute ┌──────────────┐
  │ REVENUE │ ────▶ │ MARGIN_PCT │ ────────▶ │ MARGIN_SCORE │ ...
  └─────────┘       └────────────┘           └──────────────┘

RULES:
  - Depth-first and sequential, bounded by Service.MaxCascadeDepth
  - A key is cascaded at most once per triggering save (cycle guard)
  - Only dependents whose canonical period equals the saved period are
    recomputed; others are skipped
  - A dependent is recomputed from its stored inputs for that period,
    through the save pipeline, as the triggering actor
  - A failing dependent is logged and skipped; siblings continue and the
    triggering save is unaffected
*/
package kpi

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/kpi-engine/formula"
)

// Cascade recomputes the dependents of key for period.
func (s *Service) Cascade(ctx context.Context, actor Actor, orgID OrgID, key string, period Period) {
	ctx, span := tracer.Start(ctx, "kpi.cascade", trace.WithAttributes(
		attribute.String("kpi.org_id", string(orgID)),
		attribute.String("kpi.key", key),
		attribute.String("kpi.period", period.String()),
	))
	defer span.End()

	s.cascade(ctx, actor, orgID, NormalizeKey(key), period, 0, make(map[string]bool))
}

func (s *Service) cascade(ctx context.Context, actor Actor, orgID OrgID, key string, period Period, depth int, visited map[string]bool) {
	log := s.logger().With("org_id", orgID, "key", key, "depth", depth)
	if depth >= s.maxDepth() {
		log.Warn("cascade depth limit reached")
		cascadeStops.WithLabelValues("depth").Inc()
		return
	}
	if visited[key] {
		log.Debug("cascade cycle, stopping")
		cascadeStops.WithLabelValues("cycle").Inc()
		return
	}
	visited[key] = true

	entities, err := s.Store.ListFormulaEntities(ctx, orgID)
	if err != nil {
		log.Error("list formula entities failed", "error", err)
		return
	}

	for i := range entities {
		dep := &entities[i]
		if !formula.References(dep.Formula, key) {
			continue
		}
		depKey := NormalizeKey(dep.Key)
		if depKey == "" {
			cascadeRecalculations.WithLabelValues("unkeyed").Inc()
			log.Debug("dependent has no key, skipping", "entity_id", dep.ID)
			continue
		}
		if p, ok := ResolvePeriod(period.Start, dep.Granularity); !ok || !p.Equal(period) {
			cascadeRecalculations.WithLabelValues("period_mismatch").Inc()
			log.Debug("dependent period differs, skipping", "entity_id", dep.ID, "granularity", dep.Granularity)
			continue
		}

		if err := s.recalculate(ctx, actor, dep, period); err != nil {
			cascadeRecalculations.WithLabelValues("failed").Inc()
			log.Warn("dependent recalculation failed", "entity_id", dep.ID, "dependent", depKey, "code", CodeOf(err), "error", err)
			continue
		}
		cascadeRecalculations.WithLabelValues("recalculated").Inc()
		s.cascade(ctx, actor, orgID, depKey, period, depth+1, visited)
	}
}

// recalculate re-runs the save pipeline for dep with its stored inputs.
func (s *Service) recalculate(ctx context.Context, actor Actor, dep *Entity, period Period) error {
	prev, err := s.Store.GetValuePeriod(ctx, dep.ID, period)
	if err != nil {
		return err
	}

	in := ValueInput{EntityID: dep.ID, At: period.Start}
	if prev != nil {
		rows, err := s.Store.LoadVariableValues(ctx, prev.ID)
		if err != nil {
			return err
		}
		codes := make(map[VariableID]string, len(dep.Variables))
		for _, v := range dep.Variables {
			codes[v.ID] = v.Code
		}
		for _, row := range rows {
			code, ok := codes[row.VariableID]
			if !ok {
				continue
			}
			f := row.Value.InexactFloat64()
			in.Values = append(in.Values, VariableInput{Code: code, Value: &f})
		}
		if prev.ActualValue.Valid {
			f := prev.ActualValue.Decimal.InexactFloat64()
			in.ManualValue = &f
		}
	}

	approver, err := s.isApprover(ctx, actor)
	if err != nil {
		return err
	}
	_, err = s.persist(ctx, actor, dep, in, opRecompute, approver)
	return err
}

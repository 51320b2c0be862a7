/*
Package factory converts entity catalogs into kpi entities.

PURPOSE:
  Lets an organization's strategic hierarchy be defined in a YAML (or JSON)
  file and loaded without going through the HTTP API one entity at a time.
  The server loads a catalog at startup with -seed; kpictl checks one
  offline with "kpictl check".

CATALOG SCHEMA:
  org: org-1
  min_approval_role: pmo
  entities:
    - id: revenue
      key: REVENUE
      name: Revenue
      granularity: monthly
      target: 1000000
    - id: margin
      key: MARGIN_PCT
      name: Margin %
      granularity: monthly
      formula: "return (get('REVENUE') - vars.COST) / get('REVENUE') * 100;"
      variables:
        - code: COST
          required: true
        - code: FX
          static: true
          static_value: 1.1
      assignees: [u-finance]

KEY FEATURES:
  - Validates granularity, type and variable codes
  - Normalizes keys
  - Check reports unknown references, reference cycles and formulas that
    fail to evaluate

USAGE:
  f := factory.NewEntityFactory()
  catalog, err := f.ParseCatalog(data)
  findings := f.Check(catalog)
  err = f.Apply(ctx, svc, catalog)

SEE ALSO:
  - kpi/types.go: Entity type definition
  - cmd/server/main.go: -seed flag
  - cmd/kpictl: check command
*/
package factory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/kpi-engine/formula"
	"github.com/warp/kpi-engine/kpi"
)

// =============================================================================
// CATALOG SCHEMA TYPES
// =============================================================================

// CatalogDef is the file representation of one organization's entities.
type CatalogDef struct {
	Org             string      `yaml:"org"`
	MinApprovalRole string      `yaml:"min_approval_role,omitempty"`
	Entities        []EntityDef `yaml:"entities"`
}

// EntityDef is the file representation of an entity.
type EntityDef struct {
	ID          string        `yaml:"id"`
	Key         string        `yaml:"key,omitempty"`
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type,omitempty"` // defaults to kpi
	Granularity string        `yaml:"granularity,omitempty"`
	Formula     string        `yaml:"formula,omitempty"`
	Target      *float64      `yaml:"target,omitempty"`
	Baseline    *float64      `yaml:"baseline,omitempty"`
	Weight      *float64      `yaml:"weight,omitempty"`
	Variables   []VariableDef `yaml:"variables,omitempty"`
	Assignees   []string      `yaml:"assignees,omitempty"`
}

// VariableDef is the file representation of a variable.
type VariableDef struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name,omitempty"`
	Required    bool     `yaml:"required,omitempty"`
	Static      bool     `yaml:"static,omitempty"`
	StaticValue *float64 `yaml:"static_value,omitempty"`
}

// Catalog is a parsed, validated CatalogDef.
type Catalog struct {
	Org             kpi.OrgID
	MinApprovalRole kpi.Role // empty when the file does not set one
	Entities        []kpi.Entity
}

// =============================================================================
// ENTITY FACTORY
// =============================================================================

// EntityFactory converts catalog definitions to kpi entities.
type EntityFactory struct{}

// NewEntityFactory creates a new entity factory.
func NewEntityFactory() *EntityFactory {
	return &EntityFactory{}
}

// ParseCatalog parses a YAML or JSON catalog.
func (f *EntityFactory) ParseCatalog(data []byte) (*Catalog, error) {
	var def CatalogDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return f.FromDefinition(def)
}

// FromDefinition validates def and converts it to a Catalog.
func (f *EntityFactory) FromDefinition(def CatalogDef) (*Catalog, error) {
	org := strings.TrimSpace(def.Org)
	if org == "" {
		return nil, fmt.Errorf("catalog requires org")
	}
	c := &Catalog{Org: kpi.OrgID(org)}

	if def.MinApprovalRole != "" {
		role, ok := kpi.ParseRole(def.MinApprovalRole)
		if !ok {
			return nil, fmt.Errorf("unknown min_approval_role %q", def.MinApprovalRole)
		}
		c.MinApprovalRole = role
	}

	ids := make(map[string]bool, len(def.Entities))
	keys := make(map[string]string, len(def.Entities))
	for i, ed := range def.Entities {
		e, err := f.entity(c.Org, ed)
		if err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		if ids[string(e.ID)] {
			return nil, fmt.Errorf("entities[%d]: duplicate id %s", i, e.ID)
		}
		ids[string(e.ID)] = true
		if e.Key != "" {
			if other, dup := keys[e.Key]; dup {
				return nil, fmt.Errorf("entities[%d]: key %s already used by %s", i, e.Key, other)
			}
			keys[e.Key] = string(e.ID)
		}
		c.Entities = append(c.Entities, e)
	}
	return c, nil
}

func (f *EntityFactory) entity(org kpi.OrgID, ed EntityDef) (kpi.Entity, error) {
	if strings.TrimSpace(ed.ID) == "" {
		return kpi.Entity{}, fmt.Errorf("id is required")
	}
	granularity, ok := kpi.ParseGranularity(ed.Granularity)
	if !ok {
		return kpi.Entity{}, fmt.Errorf("unknown granularity %q", ed.Granularity)
	}
	entityType, err := parseEntityType(ed.Type)
	if err != nil {
		return kpi.Entity{}, err
	}

	e := kpi.Entity{
		ID:          kpi.EntityID(strings.TrimSpace(ed.ID)),
		OrgID:       org,
		Key:         kpi.NormalizeKey(ed.Key),
		Name:        ed.Name,
		Type:        entityType,
		Granularity: granularity,
		Formula:     ed.Formula,
		Target:      nullDecimal(ed.Target),
		Baseline:    nullDecimal(ed.Baseline),
		Weight:      nullDecimal(ed.Weight),
	}

	codes := make(map[string]bool, len(ed.Variables))
	for _, vd := range ed.Variables {
		code := strings.TrimSpace(vd.Code)
		if code == "" {
			return kpi.Entity{}, fmt.Errorf("variable code is required")
		}
		if codes[strings.ToLower(code)] {
			return kpi.Entity{}, fmt.Errorf("duplicate variable %s", code)
		}
		codes[strings.ToLower(code)] = true
		if !vd.Static && vd.StaticValue != nil {
			return kpi.Entity{}, fmt.Errorf("variable %s has static_value but is not static", code)
		}
		e.Variables = append(e.Variables, kpi.Variable{
			ID:          kpi.VariableID(fmt.Sprintf("%s.%s", e.ID, code)),
			EntityID:    e.ID,
			Code:        code,
			Name:        vd.Name,
			IsRequired:  vd.Required,
			IsStatic:    vd.Static,
			StaticValue: nullDecimal(vd.StaticValue),
		})
	}
	for _, a := range ed.Assignees {
		e.Assignees = append(e.Assignees, kpi.UserID(a))
	}
	return e, nil
}

// =============================================================================
// CHECKS
// =============================================================================

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one problem found by Check.
type Finding struct {
	Severity Severity
	EntityID kpi.EntityID
	Message  string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s: %s", f.Severity, f.EntityID, f.Message)
}

// Check looks for problems the engine tolerates at run time but that are
// almost always definition mistakes. References to keys outside the catalog
// and reference cycles resolve to 0; a formula that fails with every input
// set to 1 fails for real inputs too.
func (f *EntityFactory) Check(c *Catalog) []Finding {
	var findings []Finding
	known := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		if e.Key != "" {
			known[e.Key] = true
		}
	}

	graph := make(map[string][]string)
	for i := range c.Entities {
		e := &c.Entities[i]
		if !e.HasFormula() {
			continue
		}
		deps := e.Dependencies()
		for _, key := range deps {
			if !known[key] {
				findings = append(findings, Finding{SeverityWarning, e.ID, fmt.Sprintf("references unknown key %s", key)})
			}
		}
		if e.Key != "" {
			graph[e.Key] = deps
		}

		vars := make(map[string]float64, len(e.Variables))
		for _, v := range e.Variables {
			vars[v.Code] = 1
		}
		_, err := formula.Evaluate(e.Formula, vars, func(string) float64 { return 1 })
		if err != nil && formula.CodeOf(err) != formula.CodeInvalidFormulaResult {
			findings = append(findings, Finding{SeverityError, e.ID, err.Error()})
		}
	}

	for _, cycle := range findCycles(graph) {
		findings = append(findings, Finding{
			Severity: SeverityWarning,
			EntityID: c.entityByKey(cycle[0]),
			Message:  "reference cycle " + strings.Join(cycle, " -> "),
		})
	}
	return findings
}

// HasErrors reports whether any finding is an error.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (c *Catalog) entityByKey(key string) kpi.EntityID {
	for _, e := range c.Entities {
		if e.Key == key {
			return e.ID
		}
	}
	return ""
}

// findCycles returns each elementary cycle reachable by depth-first search,
// closed by repeating its first key. Keys are visited in sorted order.
func findCycles(graph map[string][]string) [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(graph))
	var stack []string
	var cycles [][]string

	var visit func(key string)
	visit = func(key string) {
		color[key] = grey
		stack = append(stack, key)
		for _, dep := range graph[key] {
			switch color[dep] {
			case white:
				if _, ok := graph[dep]; ok {
					visit(dep)
				}
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle := append(append([]string{}, stack[i:]...), dep)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[key] = black
	}

	keys := make([]string, 0, len(graph))
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if color[k] == white {
			visit(k)
		}
	}
	return cycles
}

// =============================================================================
// APPLY
// =============================================================================

// Apply saves the catalog's settings and entities through svc as a
// super admin of the catalog's organization.
func (f *EntityFactory) Apply(ctx context.Context, svc *kpi.Service, c *Catalog) error {
	actor := kpi.Actor{UserID: "catalog", OrgID: c.Org, Role: kpi.RoleSuperAdmin}

	if c.MinApprovalRole != "" {
		err := svc.SaveSettings(ctx, actor, kpi.OrgSettings{OrgID: c.Org, MinApprovalRole: c.MinApprovalRole})
		if err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	for _, e := range c.Entities {
		if _, err := svc.SaveEntity(ctx, actor, e); err != nil {
			return fmt.Errorf("save entity %s: %w", e.ID, err)
		}
	}
	return nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseEntityType(s string) (kpi.EntityType, error) {
	switch t := kpi.EntityType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return kpi.EntityKPI, nil
	case kpi.EntityPillar, kpi.EntityObjective, kpi.EntityDepartment, kpi.EntityInitiative, kpi.EntityKPI:
		return t, nil
	default:
		return "", fmt.Errorf("unknown entity type %q", s)
	}
}

func nullDecimal(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v))
}

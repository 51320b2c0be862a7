// Command kpictl evaluates formulas, resolves periods and checks entity
// catalogs offline, without a database.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/kpi-engine/factory"
	"github.com/warp/kpi-engine/formula"
	"github.com/warp/kpi-engine/kpi"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "kpictl",
		Short:        "Offline tools for KPI formulas, periods and catalogs",
		SilenceUsage: true,
	}
	root.AddCommand(newEvalCmd(), newPeriodCmd(), newDepsCmd(), newCheckCmd())
	return root
}

func newEvalCmd() *cobra.Command {
	var vars, refs []string

	cmd := &cobra.Command{
		Use:   "eval FORMULA",
		Short: "Evaluate a formula",
		Long: `Evaluate a formula in either dialect.

Variables are given as CODE=VALUE, referenced entities as KEY=VALUE.
Unknown references resolve to 0, as they do in the engine.

Examples:
  kpictl eval "A / B * 100" --var A=40 --var B=80
  kpictl eval "return get('REVENUE') - vars.COST;" --ref revenue=200 --var COST=60`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			varValues, err := parseAssignments(vars, false)
			if err != nil {
				return err
			}
			refValues, err := parseAssignments(refs, true)
			if err != nil {
				return err
			}

			text := args[0]
			result, err := formula.Evaluate(text, varValues, func(key string) float64 {
				return refValues[formula.NormalizeKey(key)]
			})
			if err != nil {
				return fmt.Errorf("%s: %w", formula.CodeOf(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dialect: %s\nresult:  %s\n",
				formula.Detect(text), strconv.FormatFloat(result, 'f', -1, 64))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable value as CODE=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&refs, "ref", nil, "referenced entity value as KEY=VALUE (repeatable)")
	return cmd
}

func newPeriodCmd() *cobra.Command {
	var granularity string

	cmd := &cobra.Command{
		Use:   "period [AT]",
		Short: "Resolve the canonical period containing an instant",
		Long: `Resolve the canonical period containing AT (RFC 3339 or YYYY-MM-DD,
default now) for a granularity.

Examples:
  kpictl period 2025-05-17 --granularity quarterly`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, ok := kpi.ParseGranularity(granularity)
			if !ok {
				return fmt.Errorf("unknown granularity %q", granularity)
			}
			at := time.Now()
			if len(args) == 1 {
				var err error
				if at, err = parseInstant(args[0]); err != nil {
					return err
				}
			}

			p, ok := kpi.ResolvePeriod(at, g)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no period (granularity NONE)")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "start: %s\nend:   %s\n",
				p.Start.Format(time.RFC3339Nano), p.End.Format(time.RFC3339Nano))
			return nil
		},
	}
	cmd.Flags().StringVarP(&granularity, "granularity", "g", "monthly", "monthly, quarterly, yearly or none")
	return cmd
}

func newDepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps FORMULA",
		Short: "List the entity keys a formula references",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			for _, key := range formula.ExtractKeys(args[0]) {
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE",
		Short: "Validate an entity catalog",
		Long: `Parse an entity catalog (YAML or JSON) and report unknown references,
reference cycles and formulas that cannot be evaluated.

Exits non-zero when the catalog cannot be parsed or has errors.
Warnings alone do not fail the check.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f := factory.NewEntityFactory()
			catalog, err := f.ParseCatalog(data)
			if err != nil {
				return err
			}

			findings := f.Check(catalog)
			for _, finding := range findings {
				fmt.Fprintln(cmd.OutOrStdout(), finding)
			}
			if factory.HasErrors(findings) {
				return fmt.Errorf("catalog has errors")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entities, %d warnings\n", len(catalog.Entities), len(findings))
			return nil
		},
	}
}

// parseAssignments reads NAME=VALUE pairs. Reference keys are normalized.
func parseAssignments(pairs []string, keys bool) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, found := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, fmt.Errorf("expected NAME=VALUE, got %q", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("value of %s: %w", name, err)
		}
		if keys {
			name = formula.NormalizeKey(name)
		}
		out[name] = v
	}
	return out, nil
}

func parseInstant(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as RFC 3339 or YYYY-MM-DD", s)
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/gates"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/thresholds"
)

func newGatesCommand(opts *options) *cobra.Command {
	var (
		candidate string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Evaluate release gates against the gold labels",
		Long: `Evaluate every release gate under the configured thresholds, or under
--thresholds when given. Exits non-zero when any gate fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, st, err := openStore(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return runGates(cmd.Context(), cmd.OutOrStdout(), opts.cfg, st, gatesFlags{thresholds: candidate, json: asJSON}, opts.logger)
		},
	}
	cmd.Flags().StringVar(&candidate, "thresholds", "", "threshold file to evaluate instead of the configured one")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

type gatesFlags struct {
	thresholds string
	json       bool
}

func runGates(ctx context.Context, out io.Writer, cfg config.Config, labels store.GoldLabels, flags gatesFlags, logger ectologger.Logger) error {
	t, err := newThresholder(ctx, cfg, labels, logger)
	if err != nil {
		return err
	}
	set := t.Active()
	if flags.thresholds != "" {
		if set, err = thresholds.LoadFile(flags.thresholds); err != nil {
			return err
		}
	}

	report, err := t.Evaluate(ctx, set)
	if err != nil {
		return err
	}
	if err := printReport(out, report, flags.json); err != nil {
		return err
	}
	return report.Err("deploy thresholds " + set.Version)
}

func printReport(out io.Writer, report gates.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GATE\tRESULT\tOBSERVED\tLOWER BOUND\tREQUIRED\tSAMPLES\tREASON")
	for _, g := range report.Gates {
		result := "pass"
		if !g.Passed {
			result = "FAIL"
		}
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%.4f\t%.4f\t%d\t%s\n", g.Name, result, g.Observed, g.Bound, g.Required, g.Samples, g.Reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\ncan_deploy=%t confidence=%.2f\n", report.CanDeploy, report.Confidence)
	return err
}

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/thresholds"
)

func newTuneCommand(opts *options) *cobra.Command {
	flags := tuneFlags{}
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Derive threshold bands from the gold labels",
		Long: `Tune the accept and reject cut of every relationship type that has gold
labels, keeping the configured band for the rest. The proposal is evaluated
against the release gates and written to --out only when every gate passes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, st, err := openStore(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			opts.cfg.Tune = flags.apply(cmd, opts.cfg.Tune)
			return runTune(cmd.Context(), cmd.OutOrStdout(), opts.cfg, st, flags, opts.logger)
		},
	}
	cmd.Flags().StringVar(&flags.version, "version", "", "version label for the tuned set (required)")
	cmd.Flags().StringVar(&flags.out, "out", "", "write the tuned set as YAML to this file")
	cmd.Flags().Float64Var(&flags.targetPrecision, "target-precision", 0, "required Wilson lower bound of precision")
	cmd.Flags().IntVar(&flags.minSamples, "min-samples", 0, "labels required in the accept band")
	cmd.Flags().Float64Var(&flags.confidence, "confidence", 0, "confidence level of the interval")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

type tuneFlags struct {
	version         string
	out             string
	targetPrecision float64
	minSamples      int
	confidence      float64
}

func (f tuneFlags) apply(cmd *cobra.Command, opts thresholds.TuneOptions) thresholds.TuneOptions {
	if cmd.Flags().Changed("target-precision") {
		opts.TargetPrecision = f.targetPrecision
	}
	if cmd.Flags().Changed("min-samples") {
		opts.MinSamples = f.minSamples
	}
	if cmd.Flags().Changed("confidence") {
		opts.Confidence = f.confidence
	}
	return opts
}

func runTune(ctx context.Context, out io.Writer, cfg config.Config, labels store.GoldLabels, flags tuneFlags, logger ectologger.Logger) error {
	t, err := newThresholder(ctx, cfg, labels, logger)
	if err != nil {
		return err
	}
	all, err := labels.ListGoldLabels(ctx, store.GoldLabelFilter{})
	if err != nil {
		return err
	}

	proposed, failures := thresholds.TuneSet(t.Active(), all, cfg.Tune, flags.version)
	if err := proposed.Validate(); err != nil {
		return err
	}

	types := make([]string, 0, len(proposed.Types))
	for name := range proposed.Types {
		types = append(types, name)
	}
	sort.Strings(types)
	fmt.Fprintf(out, "tuned set %s (%d labels)\n", proposed.Version, len(all))
	for _, name := range types {
		band := proposed.Types[name]
		note := "tuned"
		if ferr, ok := failures[name]; ok {
			note = "kept: " + ferr.Error()
		}
		fmt.Fprintf(out, "  %-24s high=%.4f low=%.4f  %s\n", name, band.High, band.Low, note)
	}
	fmt.Fprintln(out)

	report, err := t.Evaluate(ctx, proposed)
	if err != nil {
		return err
	}
	if err := printReport(out, report, false); err != nil {
		return err
	}
	if err := report.Err("write tuned thresholds"); err != nil {
		return err
	}

	if flags.out == "" {
		return nil
	}
	data, err := yaml.Marshal(proposed)
	if err != nil {
		return err
	}
	if err := os.WriteFile(flags.out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", flags.out, err)
	}
	fmt.Fprintf(out, "wrote %s\n", flags.out)
	return nil
}

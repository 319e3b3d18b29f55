package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/reliability"
)

func newReliabilityCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reliability",
		Short: "Source reliability priors",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "recompute",
		Short: "Recompute every source's reliability from the gold labels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, st, err := openStore(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return runRecompute(cmd.Context(), cmd.OutOrStdout(), opts.cfg, st, time.Now(), opts.logger)
		},
	})
	return cmd
}

func runRecompute(ctx context.Context, out io.Writer, cfg config.Config, st reliability.Store, now time.Time, logger ectologger.Logger) error {
	records, err := reliability.NewService(st, cfg.Reliability, logger).Recompute(ctx, now)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tPRECISION\tLOWER\tUPPER\tSAMPLES")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%d\n", r.SourceID, r.Precision, r.Lower, r.Upper, r.SampleSize)
	}
	return w.Flush()
}

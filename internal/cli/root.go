// Package cli is the fern command line: the service itself and the
// operator commands that run against its database.
package cli

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/platform/logging"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=..."
var Version = "dev"

type options struct {
	configPath string
	cfg        config.Config
	logger     ectologger.Logger
}

// NewRootCommand builds the fern command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "fern",
		Short: "Entity resolution over public records",
		Long: `fern turns raw public records into canonical entities and typed
relationships, with every merge recorded and reversible.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return opts.load()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: ./fern.yaml or ./config/fern.yaml)")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newGatesCommand(opts),
		newTuneCommand(opts),
		newReliabilityCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (o *options) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fern %s\n", Version)
		},
	}
}

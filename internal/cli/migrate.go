package cli

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *options) *cobra.Command {
	var (
		version uint
		force   int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply the migrations in migration.folder_path. --version migrates to a
specific version; --force marks a version clean after a failed run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("version") {
				cfg.Migration.Version = version
			}
			if cmd.Flags().Changed("force") {
				cfg.Migration.Force = force
			}

			db, _, err := openStore(cmd.Context(), cfg, opts.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return runMigrations(cfg, db, opts.logger)
		},
	}
	cmd.Flags().UintVar(&version, "version", 0, "target migration version")
	cmd.Flags().IntVar(&force, "force", 0, "force the schema to this version before migrating")
	return cmd
}

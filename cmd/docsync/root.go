package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/config"
	"github.com/c0deZ3R0/docsync/logging"
)

// rootOptions holds the global flags and what PersistentPreRunE derives
// from them.
type rootOptions struct {
	ConfigFile string
	Verbose    bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "docsync",
		Short:         "Document replication with conflict resolution",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile)
			if err != nil {
				return err
			}
			if opts.Verbose {
				cfg.Logging.Level = "debug"
			}
			cfg.Logging.Output = cmd.ErrOrStderr()
			opts.cfg = cfg
			opts.logger = logging.NewLogger(cfg.Logging).Logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to the YAML configuration")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newReplicateCommand(opts))
	cmd.AddCommand(newDumpCommand(opts))
	return cmd
}

// Package cmd defines and implements the CLI commands for the jobcollector
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/config"
	"github.com/JakeFAU/jobcollector/internal/logging"
)

// rootOptions carries state resolved by the root command for subcommands.
type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{logger: zap.NewNop()}
	cmd := &cobra.Command{
		Use:   "jobcollector",
		Short: "Collects job listings from a paginated search API.",
		Long: `jobcollector fans a list of search terms out to a pool of workers,
pages through the upstream search API for each term, and appends every
previously unseen (title, company) listing to a JSON Lines log.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before every subcommand: config and logger are ready by the time
		// RunE executes.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newCollectCmd(opts, collectDeps{}))
	cmd.AddCommand(newLoadCmd(opts))
	cmd.AddCommand(newArchiveCmd(opts))
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command's
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "jobcollector:", err)
		os.Exit(1)
	}
}

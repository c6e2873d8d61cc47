package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/config"
	"github.com/JakeFAU/jobcollector/internal/loader"
	"github.com/JakeFAU/jobcollector/internal/storage/postgres"
	"github.com/JakeFAU/jobcollector/internal/storage/sqlite"
)

type loadFlags struct {
	logPath string
	driver  string
	dsn     string
}

// recordStore is what the loader writes into, plus a way to release it.
type recordStore interface {
	loader.RecordStore
	Close() error
}

// newLoadCmd creates the 'load' subcommand.
func newLoadCmd(opts *rootOptions) *cobra.Command {
	flags := &loadFlags{}
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load the output log into a relational table",
		Long: `Reads the output log and inserts its records in batches. Rows whose
(title, company) already exist are skipped. A batch that still fails after
its retries is logged and skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if flags.driver != "" {
				cfg.Loader.Driver = flags.driver
			}
			if flags.dsn != "" {
				cfg.Loader.DSN = flags.dsn
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logPath := flags.logPath
			if logPath == "" {
				logPath = cfg.Collector.OutputPath
			}
			res, err := runLoad(cmd.Context(), cfg.Loader, logPath, opts.logger)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "records=%d inserted=%d malformed=%d failed_batches=%d\n",
				res.Records, res.Inserted, res.Malformed, res.FailedBatches)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.logPath, "log", "", "output log to load (defaults to collector.output_path)")
	cmd.Flags().StringVar(&flags.driver, "driver", "", "database driver: postgres or sqlite (overrides loader.driver)")
	cmd.Flags().StringVar(&flags.dsn, "dsn", "", "database DSN or sqlite path (overrides loader.dsn)")
	return cmd
}

func runLoad(ctx context.Context, cfg config.LoaderConfig, logPath string, logger *zap.Logger) (loader.Result, error) {
	store, err := buildRecordStore(ctx, cfg)
	if err != nil {
		return loader.Result{}, err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("close record store failed", zap.Error(cerr))
		}
	}()
	l := loader.New(store, loader.Config{BatchSize: cfg.BatchSize}, logger.Named("loader"))
	return l.LoadFile(ctx, logPath)
}

func buildRecordStore(ctx context.Context, cfg config.LoaderConfig) (recordStore, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{DSN: cfg.DSN, Table: cfg.Table})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported loader driver %q", cfg.Driver)
	}
}

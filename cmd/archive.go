package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/archive"
	"github.com/JakeFAU/jobcollector/internal/config"
	runid "github.com/JakeFAU/jobcollector/internal/id/uuid"
	"github.com/JakeFAU/jobcollector/internal/storage/gcs"
	"github.com/JakeFAU/jobcollector/internal/storage/local"
)

type archiveFlags struct {
	logPath string
	runID   string
}

// newArchiveCmd creates the 'archive' subcommand.
func newArchiveCmd(opts *rootOptions) *cobra.Command {
	flags := &archiveFlags{}
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy the output log to the configured archive destination",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if !cfg.ArchiveEnabled() {
				return errors.New("no archive destination configured")
			}
			logPath := flags.logPath
			if logPath == "" {
				logPath = cfg.Collector.OutputPath
			}
			runID, err := archiveRunID(flags.runID)
			if err != nil {
				return err
			}
			uri, err := archiveLog(cmd.Context(), cfg, logPath, runID, opts.logger)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), uri)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.logPath, "log", "", "output log to archive (defaults to collector.output_path)")
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "run identifier used in the object name (generated when empty)")
	return cmd
}

// archiveLog copies logPath to the configured destination and returns its URI.
func archiveLog(ctx context.Context, cfg config.Config, logPath string, runID uuid.UUID, logger *zap.Logger) (string, error) {
	store, closer, err := buildBlobStore(ctx, cfg.Archive)
	if err != nil {
		return "", err
	}
	if closer != nil {
		defer func() {
			if cerr := closer.Close(); cerr != nil {
				logger.Warn("close archive client failed", zap.Error(cerr))
			}
		}()
	}
	arch, err := archive.New(store, cfg.Archive.Prefix, archive.WithLogger(logger.Named("archive")))
	if err != nil {
		return "", err
	}
	uri, err := arch.Archive(ctx, logPath, runID)
	if err != nil {
		return "", fmt.Errorf("archive output log: %w", err)
	}
	return uri, nil
}

func buildBlobStore(ctx context.Context, cfg config.ArchiveConfig) (archive.BlobStore, io.Closer, error) {
	switch {
	case cfg.LocalDir != "":
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil, nil
	case cfg.GCSBucket != "":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{
			Bucket:   cfg.GCSBucket,
			Metadata: map[string]string{"source": "jobcollector"},
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client, nil
	default:
		return nil, nil, errors.New("no archive destination configured")
	}
}

// archiveRunID is used when an archive is requested outside a collection.
func archiveRunID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return runid.New().NewRunID()
	}
	return runid.ParseRunID(raw)
}

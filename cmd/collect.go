package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobcollector/internal/api"
	"github.com/JakeFAU/jobcollector/internal/collector"
	"github.com/JakeFAU/jobcollector/internal/config"
	"github.com/JakeFAU/jobcollector/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/jobcollector/internal/fetcher/colly"
	runid "github.com/JakeFAU/jobcollector/internal/id/uuid"
	"github.com/JakeFAU/jobcollector/internal/ledger"
	"github.com/JakeFAU/jobcollector/internal/metrics"
	"github.com/JakeFAU/jobcollector/internal/policy/jitter"
	"github.com/JakeFAU/jobcollector/internal/policy/ratelimit"
	"github.com/JakeFAU/jobcollector/internal/progress"
	"github.com/JakeFAU/jobcollector/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/jobcollector/internal/queue/memory"
	"github.com/JakeFAU/jobcollector/internal/stats"
	"github.com/JakeFAU/jobcollector/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	hubCloseTimeout = 5 * time.Second
)

// collectDeps are seams for tests. Zero values select production behavior.
type collectDeps struct {
	registerer prometheus.Registerer
	// serverStarted receives the status server's bound address.
	serverStarted func(addr string)
}

type collectFlags struct {
	terms   []string
	workers int
	archive bool
}

// newCollectCmd creates the 'collect' subcommand.
func newCollectCmd(opts *rootOptions, deps collectDeps) *cobra.Command {
	flags := &collectFlags{}
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect job listings for the configured search terms",
		Long: `Runs one collection session: every search term is paged through the
upstream API by a pool of workers, and listings not already present in the
output log are appended to it. Interrupting the command stops workers from
taking new terms; the session still waits for every worker to exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if len(flags.terms) > 0 {
				cfg.Collector.Terms = flags.terms
			}
			if flags.workers > 0 {
				cfg.Collector.Workers = flags.workers
			}
			if flags.archive && !cfg.ArchiveEnabled() {
				return errors.New("--archive requires archive.local_dir or archive.gcs_bucket")
			}
			_, err := runCollect(cmd.Context(), cfg, flags.archive, deps, opts.logger)
			return err
		},
	}
	cmd.Flags().StringArrayVar(&flags.terms, "term", nil, "search term to collect (repeatable, overrides collector.terms)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "number of concurrent workers (overrides collector.workers)")
	cmd.Flags().BoolVar(&flags.archive, "archive", false, "archive the output log when collection finishes")
	return cmd
}

// runCollect wires the collection pipeline and runs it to completion.
func runCollect(
	ctx context.Context,
	cfg config.Config,
	archiveAfter bool,
	deps collectDeps,
	logger *zap.Logger,
) (stats.Summary, error) {
	terms := collector.NormalizeTerms(cfg.Collector.Terms)
	if len(terms) == 0 {
		return stats.Summary{}, errors.New("no search terms configured")
	}
	runID, err := runid.New().NewRunID()
	if err != nil {
		return stats.Summary{}, err
	}
	logger = logger.With(zap.Stringer("run_id", runID))
	metrics.Init()

	agg := stats.New(nil)
	led, err := ledger.Open(ledger.Config{
		Path:         cfg.Collector.OutputPath,
		SyncOnAppend: cfg.Collector.SyncOnAppend,
		Admits:       agg,
	}, logger.Named("ledger"))
	if err != nil {
		return stats.Summary{}, fmt.Errorf("open ledger: %w", err)
	}
	ledgerOpen := true
	defer func() {
		if ledgerOpen {
			if cerr := led.Close(); cerr != nil {
				logger.Warn("close ledger failed", zap.Error(cerr))
			}
		}
	}()

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Upstream.MaxRPS, Burst: cfg.Upstream.Burst})
	fetcher := collyfetcher.New(cfg.FetcherConfig(),
		collyfetcher.WithLimiter(limiter),
		collyfetcher.WithLogger(logger.Named("fetcher")),
	)
	pacer := jitter.NewUniform(cfg.Collector.DelayMin, cfg.Collector.DelayMax)

	reg := deps.registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("init progress metrics: %w", err)
	}
	board := sinks.NewBoard()
	hubSinks := []progress.Sink{sinks.NewLogSink(logger.Named("progress")), promSink, board}
	if cfg.Progress.PubSubTopic != "" {
		client, err := pubsub.NewClient(ctx, cfg.Progress.PubSubProject)
		if err != nil {
			return stats.Summary{}, fmt.Errorf("init pubsub client: %w", err)
		}
		defer func() {
			if cerr := client.Close(); cerr != nil {
				logger.Warn("close pubsub client failed", zap.Error(cerr))
			}
		}()
		pubSink, err := sinks.NewPubSubSink(client, cfg.Progress.PubSubTopic, logger.Named("progress"))
		if err != nil {
			return stats.Summary{}, err
		}
		hubSinks = append(hubSinks, pubSink)
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")}, hubSinks...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), hubCloseTimeout)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("close progress hub failed", zap.Error(cerr))
		}
	}()

	queue := queueMemory.NewQueue()
	defer queue.Close()
	runners := make([]dispatcher.Runner, 0, cfg.Collector.Workers)
	for i := 0; i < cfg.Collector.Workers; i++ {
		runners = append(runners, worker.New(
			worker.Config{Index: i, RunID: progress.UUIDToBytes(runID)},
			worker.Deps{
				Queue:    queue,
				Fetcher:  fetcher,
				Ledger:   led,
				Pacer:    pacer,
				Stats:    agg,
				Progress: hub,
			},
			logger,
		))
	}
	disp := dispatcher.New(queue, runners, agg, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		server := api.NewServer(agg, board, logger.Named("api"))
		server.SetReady(true)
		g.Go(func() error {
			return serveStatus(gctx, addr, server.Handler(), deps.serverStarted, logger)
		})
	}

	logger.Info("collection starting",
		zap.Int("terms", len(terms)),
		zap.Int("workers", cfg.Collector.Workers),
		zap.String("output", led.Path()),
		zap.Bool("rate_limited", !limiter.Unlimited()),
	)
	var summary stats.Summary
	g.Go(func() error {
		// The status server lives only as long as the collection.
		defer cancel()
		var runErr error
		summary, runErr = disp.Run(gctx, terms)
		return runErr
	})
	runErr := g.Wait()

	if cerr := led.Close(); cerr != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close ledger: %w", cerr))
	}
	ledgerOpen = false
	logger.Info("collection summary", stats.Field(summary))
	if runErr != nil {
		return summary, fmt.Errorf("collect: %w", runErr)
	}

	if archiveAfter {
		if _, err := archiveLog(ctx, cfg, cfg.Collector.OutputPath, runID, logger); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// serveStatus runs the status server until ctx ends.
func serveStatus(ctx context.Context, addr string, h http.Handler, started func(string), logger *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("status server started", zap.String("addr", ln.Addr().String()))
	if started != nil {
		started(ln.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server shutdown error", zap.Error(err))
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}
